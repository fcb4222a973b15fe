package fennec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// BatchService transcribes complete audio files over HTTP.
type BatchService struct {
	client *Client
}

func newBatchService(c *Client) *BatchService {
	return &BatchService{client: c}
}

// TranscribeRequest describes a batch transcription job. Exactly one
// of AudioURL, Audio, or AudioReader supplies the audio.
type TranscribeRequest struct {
	// AudioURL points at audio the service fetches itself.
	AudioURL string `json:"audio_url,omitempty" yaml:"audio_url,omitempty"`

	// Audio is inline audio data, base64-encoded on the wire.
	Audio []byte `json:"-" yaml:"-"`

	// AudioReader streams inline audio data.
	AudioReader io.Reader `json:"-" yaml:"-"`

	// Format of the audio: wav, mp3, flac, pcm_s16le. Default wav.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// SampleRate in Hz, required for raw PCM input.
	SampleRate int `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`

	// Language hint, e.g. "en-US".
	Language string `json:"language,omitempty" yaml:"language,omitempty"`

	// Diarize enables speaker separation.
	Diarize bool `json:"diarize,omitempty" yaml:"diarize,omitempty"`

	// Punctuate enables automatic punctuation.
	Punctuate bool `json:"punctuate,omitempty" yaml:"punctuate,omitempty"`
}

// TranscribeResult is a completed batch transcription.
type TranscribeResult struct {
	// Text is the full transcript.
	Text string `json:"text"`

	// Segments carries per-segment detail when the service returns it.
	Segments []BatchSegment `json:"segments,omitempty"`

	// DurationMS is the audio duration in milliseconds.
	DurationMS int `json:"duration_ms,omitempty"`

	// ReqID identifies the request for support purposes.
	ReqID string `json:"reqid"`
}

// BatchSegment is one span of a batch transcript.
type BatchSegment struct {
	Text       string  `json:"text"`
	StartMS    int     `json:"start_ms"`
	EndMS      int     `json:"end_ms"`
	Confidence float64 `json:"confidence,omitempty"`
	Speaker    string  `json:"speaker,omitempty"`
}

// TaskStatus is the lifecycle state of an async transcription task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
)

// Task is an async batch transcription job.
type Task struct {
	// ID is used to poll the task with QueryTask.
	ID string `json:"task_id"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// Result is populated once Status is TaskSucceeded.
	Result *TranscribeResult `json:"result,omitempty"`

	// Error describes the failure once Status is TaskFailed.
	Error string `json:"error,omitempty"`
}

// Transcribe runs a synchronous batch transcription and blocks until
// the transcript is ready. Suitable for short files; longer audio
// should use SubmitTask.
func (s *BatchService) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResult, error) {
	body, err := s.buildRequestBody(req)
	if err != nil {
		return nil, err
	}

	respBody, err := s.client.doJSON(ctx, http.MethodPost, "/transcribe", body)
	if err != nil {
		return nil, err
	}

	var result TranscribeResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, wrapError(KindProtocol, err, "unmarshal transcription")
	}
	return &result, nil
}

// SubmitTask enqueues an async batch transcription and returns the
// task handle for polling.
func (s *BatchService) SubmitTask(ctx context.Context, req *TranscribeRequest) (*Task, error) {
	body, err := s.buildRequestBody(req)
	if err != nil {
		return nil, err
	}

	respBody, err := s.client.doJSON(ctx, http.MethodPost, "/transcribe/tasks", body)
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, wrapError(KindProtocol, err, "unmarshal task")
	}
	return &task, nil
}

// QueryTask fetches the current state of an async task.
func (s *BatchService) QueryTask(ctx context.Context, taskID string) (*Task, error) {
	respBody, err := s.client.doJSON(ctx, http.MethodGet, "/transcribe/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, wrapError(KindProtocol, err, "unmarshal task")
	}
	return &task, nil
}

func (s *BatchService) buildRequestBody(req *TranscribeRequest) (map[string]any, error) {
	audio := map[string]any{
		"format": req.Format,
	}
	if audio["format"] == "" {
		audio["format"] = "wav"
	}
	if req.SampleRate != 0 {
		audio["sample_rate"] = req.SampleRate
	}

	switch {
	case req.AudioURL != "":
		audio["url"] = req.AudioURL
	case req.Audio != nil:
		audio["data"] = base64.StdEncoding.EncodeToString(req.Audio)
	case req.AudioReader != nil:
		data, err := io.ReadAll(req.AudioReader)
		if err != nil {
			return nil, wrapError(KindTransport, err, "read audio")
		}
		audio["data"] = base64.StdEncoding.EncodeToString(data)
	default:
		return nil, newError(KindProtocol, "transcribe request has no audio source")
	}

	request := map[string]any{
		"reqid": "batch-" + uuid.NewString(),
	}
	if req.Language != "" {
		request["language"] = req.Language
	}
	if req.Diarize {
		request["diarize"] = true
	}
	if req.Punctuate {
		request["punctuate"] = true
	}
	if s.client.config.userID != "" {
		request["uid"] = s.client.config.userID
	}

	return map[string]any{"audio": audio, "request": request}, nil
}

// doJSON performs one JSON API request and returns the response body,
// mapping non-2xx statuses and error envelopes to *Error.
func (c *Client) doJSON(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setAuthHeaders(req)

	resp, err := c.config.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wrapError(KindTimeout, err, "send request")
		}
		return nil, wrapError(KindTransport, err, "send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(KindTransport, err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

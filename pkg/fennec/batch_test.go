package fennec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBatchTranscribe(t *testing.T) {
	var captured map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transcribe" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{
			"reqid": "r-1",
			"text": "hello world.",
			"duration_ms": 1500,
			"segments": [{"text": "hello world.", "start_ms": 0, "end_ms": 1500, "confidence": 0.97}]
		}`)
	}))
	defer ts.Close()

	c := NewClient("key", WithBaseURL(ts.URL), WithUserID("u-9"))
	result, err := c.Batch.Transcribe(context.Background(), &TranscribeRequest{
		Audio:      []byte("pcmpcm"),
		Format:     "pcm_s16le",
		SampleRate: 16000,
		Language:   "en-US",
		Punctuate:  true,
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	if result.Text != "hello world." {
		t.Errorf("text = %q", result.Text)
	}
	if result.DurationMS != 1500 || len(result.Segments) != 1 {
		t.Errorf("result = %+v", result)
	}
	if result.Segments[0].Confidence != 0.97 {
		t.Errorf("confidence = %v", result.Segments[0].Confidence)
	}

	audio := captured["audio"].(map[string]any)
	if audio["format"] != "pcm_s16le" || audio["sample_rate"] != float64(16000) {
		t.Errorf("audio = %v", audio)
	}
	wantData := base64.StdEncoding.EncodeToString([]byte("pcmpcm"))
	if audio["data"] != wantData {
		t.Errorf("data = %v, want base64 of raw audio", audio["data"])
	}
	request := captured["request"].(map[string]any)
	if request["language"] != "en-US" || request["punctuate"] != true || request["uid"] != "u-9" {
		t.Errorf("request = %v", request)
	}
	if reqid, _ := request["reqid"].(string); !strings.HasPrefix(reqid, "batch-") {
		t.Errorf("reqid = %v", request["reqid"])
	}
}

func TestBatchTranscribe_AudioReader(t *testing.T) {
	var captured map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		fmt.Fprint(w, `{"reqid": "r-2", "text": "ok"}`)
	}))
	defer ts.Close()

	c := NewClient("key", WithBaseURL(ts.URL))
	_, err := c.Batch.Transcribe(context.Background(), &TranscribeRequest{
		AudioReader: bytes.NewReader([]byte{1, 2, 3}),
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	audio := captured["audio"].(map[string]any)
	if audio["format"] != "wav" {
		t.Errorf("format = %v, want wav default", audio["format"])
	}
	if audio["data"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Errorf("data = %v", audio["data"])
	}
}

func TestBatchTranscribe_NoAudioSource(t *testing.T) {
	c := NewClient("key", WithBaseURL("http://127.0.0.1:0"))
	_, err := c.Batch.Transcribe(context.Background(), &TranscribeRequest{})
	if e, ok := AsError(err); !ok || e.Kind != KindProtocol {
		t.Errorf("error = %v, want KindProtocol", err)
	}
}

func TestBatchTranscribe_ErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"code":4002,"message":"quota exceeded"}`)
	}))
	defer ts.Close()

	c := NewClient("key", WithBaseURL(ts.URL))
	_, err := c.Batch.Transcribe(context.Background(), &TranscribeRequest{AudioURL: "https://example.com/a.wav"})
	e, ok := AsError(err)
	if !ok {
		t.Fatalf("error = %v, want *Error", err)
	}
	if !e.IsQuotaExceeded() || !e.Fatal() {
		t.Errorf("error = %+v, want fatal quota error", e)
	}
}

func TestBatchTaskLifecycle(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/transcribe/tasks":
			fmt.Fprint(w, `{"task_id": "task-1", "status": "pending"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/transcribe/tasks/task-1":
			fmt.Fprint(w, `{"task_id": "task-1", "status": "succeeded", "result": {"reqid": "r-3", "text": "done."}}`)
		default:
			t.Errorf("unexpected call: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := NewClient("key", WithBaseURL(ts.URL))
	ctx := context.Background()

	task, err := c.Batch.SubmitTask(ctx, &TranscribeRequest{AudioURL: "https://example.com/a.wav"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.ID != "task-1" || task.Status != TaskPending {
		t.Errorf("task = %+v", task)
	}

	task, err = c.Batch.QueryTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if task.Status != TaskSucceeded || task.Result == nil || task.Result.Text != "done." {
		t.Errorf("task = %+v", task)
	}
}

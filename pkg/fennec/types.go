package fennec

import (
	"time"
)

// Phase is the lifecycle phase of a streaming session.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseReconnecting
	PhaseClosing
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// terminal reports whether no further transitions are possible.
func (p Phase) terminal() bool { return p == PhaseClosed || p == PhaseFailed }

// SubmitPolicy selects how Submit behaves when the pending queue is
// at capacity.
type SubmitPolicy int

const (
	// SubmitBlock waits for space until the caller's context deadline,
	// then fails with a backpressure error.
	SubmitBlock SubmitPolicy = iota

	// SubmitReject fails with a backpressure error immediately.
	SubmitReject
)

// PartialDelivery selects how superseded partial transcripts are
// delivered when the consumer lags.
type PartialDelivery int

const (
	// PartialDeliverAll delivers every partial the buffer can hold.
	PartialDeliverAll PartialDelivery = iota

	// PartialCoalesce keeps only the newest partial per segment while
	// older ones are still queued.
	PartialCoalesce
)

// EventType tags a TranscriptEvent variant.
type EventType int

const (
	// EventPartial is an interim transcript for a segment. Later
	// partials for the same segment supersede it.
	EventPartial EventType = iota

	// EventFinal is the single definitive transcript for a segment.
	EventFinal

	// EventError reports a recoverable stream anomaly.
	EventError

	// EventSessionEnded is the last event of a session.
	EventSessionEnded
)

func (t EventType) String() string {
	switch t {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	case EventSessionEnded:
		return "session_ended"
	}
	return "unknown"
}

// TranscriptEvent is one event delivered by a streaming session.
// Fields beyond Type are variant-specific: Text/SegmentID for
// partials and finals, Confidence for finals, Err for errors, Reason
// and Unacked for session end.
type TranscriptEvent struct {
	Type       EventType
	Text       string
	SegmentID  string
	Confidence float64
	Err        *Error

	// Reason describes why the session ended ("client_close",
	// "server_close", or a server-supplied reason).
	Reason string

	// Unacked is the number of submitted chunks never acknowledged,
	// reported on EventSessionEnded.
	Unacked int
}

// RetryPolicy bounds reconnection behavior.
type RetryPolicy struct {
	// MaxAttempts is the reconnect budget. The initial connect shares
	// it. Zero means DefaultRetryPolicy.MaxAttempts.
	MaxAttempts int

	// BaseDelay is the first backoff delay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// MinUptime is how long a connection must stay healthy before the
	// attempt counter resets, so a long session's eventual drop is not
	// charged against earlier instability.
	MinUptime time.Duration
}

// DefaultRetryPolicy is used when StreamConfig.Retry is zero.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    15 * time.Second,
	MinUptime:   30 * time.Second,
}

// StreamConfig configures one streaming session. The audio fields are
// immutable for the session's lifetime.
type StreamConfig struct {
	// SampleRate in Hz. Default 16000.
	SampleRate int

	// Channels. Default 1.
	Channels int

	// Format of the audio payload. Default "pcm_s16le".
	Format string

	// Language hint, e.g. "en-US".
	Language string

	// SingleUtterance stops the session after the first final.
	SingleUtterance bool

	// VAD passes voice-activity-detection tuning through to the
	// service unmodified.
	VAD map[string]any

	// QueueSize bounds the pending audio queue. Default 128.
	QueueSize int

	// SubmitPolicy selects blocking or rejecting admission control.
	SubmitPolicy SubmitPolicy

	// EventBuffer bounds the delivery buffer between the receive loop
	// and the consumer. Default 64.
	EventBuffer int

	// PartialDelivery selects the overflow/coalescing policy for
	// partial transcripts.
	PartialDelivery PartialDelivery

	// StrictDecode promotes malformed incoming frames to connection
	// failures instead of skipping them.
	StrictDecode bool

	// HandshakeTimeout bounds connect and reconnect handshakes.
	// Default 10s.
	HandshakeTimeout time.Duration

	// HeartbeatInterval drives liveness probing. Default 20s.
	HeartbeatInterval time.Duration

	// CloseGrace bounds the wait for the server's close acknowledgment
	// during graceful shutdown. Default 3s.
	CloseGrace time.Duration

	// Retry bounds reconnection.
	Retry RetryPolicy
}

func (c *StreamConfig) withDefaults() *StreamConfig {
	out := *c
	if out.SampleRate == 0 {
		out.SampleRate = 16000
	}
	if out.Channels == 0 {
		out.Channels = 1
	}
	if out.Format == "" {
		out.Format = "pcm_s16le"
	}
	if out.QueueSize == 0 {
		out.QueueSize = 128
	}
	if out.EventBuffer == 0 {
		out.EventBuffer = 64
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = 20 * time.Second
	}
	if out.CloseGrace == 0 {
		out.CloseGrace = 3 * time.Second
	}
	if out.Retry == (RetryPolicy{}) {
		out.Retry = DefaultRetryPolicy
	}
	if out.Retry.MaxAttempts == 0 {
		out.Retry.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if out.Retry.BaseDelay == 0 {
		out.Retry.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if out.Retry.MaxDelay == 0 {
		out.Retry.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if out.Retry.MinUptime == 0 {
		out.Retry.MinUptime = DefaultRetryPolicy.MinUptime
	}
	return &out
}

package fennec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Wire protocol for the streaming endpoint.
//
// Frame layout:
//   - Header (4 bytes):
//   - (4bits) version + (4bits) header size in 4-byte words
//   - (4bits) frame type + (4bits) flags
//   - (4bits) payload serialization + (4bits) reserved
//   - (8bits) reserved, must be zero
//   - [optional] sequence (8 bytes, big-endian, flag-gated)
//   - payload_size (4 bytes, big-endian) + payload

type frameType byte
type frameFlags byte
type payloadEncoding byte

const (
	protocolVersion byte = 0b0001

	// Client frames
	frameAudio        frameType = 0b0001
	frameControlOpen  frameType = 0b0010
	frameControlClose frameType = 0b0011

	// Bidirectional
	frameHeartbeat frameType = 0b0100

	// Server frames
	frameAudioAck   frameType = 0b1001
	frameControlAck frameType = 0b1010
	framePartial    frameType = 0b1011
	frameFinal      frameType = 0b1100
	frameSessionEnd frameType = 0b1101
	frameError      frameType = 0b1111

	flagNone    frameFlags = 0b0000
	flagWithSeq frameFlags = 0b0001
	flagLast    frameFlags = 0b0010

	encodingRaw  payloadEncoding = 0b0000
	encodingJSON payloadEncoding = 0b0001
)

// maxFramePayload caps the declared payload length so a corrupt or
// hostile length field can never drive an unbounded allocation.
const maxFramePayload = 4 << 20

// frame is one decoded wire frame.
type frame struct {
	ftype    frameType
	flags    frameFlags
	encoding payloadEncoding
	seq      uint64
	payload  []byte
}

func (f *frame) hasSeq() bool  { return f.flags&flagWithSeq != 0 }
func (f *frame) isLast() bool  { return f.flags&flagLast != 0 }
func (f *frame) isError() bool { return f.ftype == frameError }

// frameCodec encodes and decodes wire frames. Encoding is pure; the
// codec carries no connection state.
type frameCodec struct {
	version byte
}

func newFrameCodec() *frameCodec {
	return &frameCodec{version: protocolVersion}
}

// encodeAudio builds an audio-data frame carrying raw PCM with its
// session sequence number. last marks end of stream.
func (c *frameCodec) encodeAudio(seq uint64, pcm []byte, last bool) []byte {
	flags := flagWithSeq
	if last {
		flags |= flagLast
	}
	return c.encode(&frame{
		ftype:    frameAudio,
		flags:    flags,
		encoding: encodingRaw,
		seq:      seq,
		payload:  pcm,
	})
}

// encodeControl builds a control frame with a JSON payload. v may be
// nil for bodyless frames (heartbeat, close).
func (c *frameCodec) encodeControl(ftype frameType, v any) ([]byte, error) {
	var payload []byte
	if v != nil {
		var err error
		payload, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal control payload: %w", err)
		}
	}
	return c.encode(&frame{
		ftype:    ftype,
		flags:    flagNone,
		encoding: encodingJSON,
		payload:  payload,
	}), nil
}

func (c *frameCodec) encode(f *frame) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(16 + len(f.payload))

	buf.WriteByte(c.version<<4 | 0b0001)
	buf.WriteByte(byte(f.ftype)<<4 | byte(f.flags))
	buf.WriteByte(byte(f.encoding) << 4)
	buf.WriteByte(0x00)

	if f.flags&flagWithSeq != 0 {
		binary.Write(buf, binary.BigEndian, f.seq)
	}
	binary.Write(buf, binary.BigEndian, uint32(len(f.payload)))
	buf.Write(f.payload)

	return buf.Bytes()
}

// decode parses one wire frame. Failures are reported as
// KindMalformedFrame errors; callers treat them as per-frame faults,
// not connection failures.
func (c *frameCodec) decode(data []byte) (*frame, error) {
	if len(data) < 8 {
		return nil, newError(KindMalformedFrame, fmt.Sprintf("frame too short: %d bytes", len(data)))
	}

	if data[0]>>4 != c.version {
		return nil, newError(KindMalformedFrame, fmt.Sprintf("unsupported protocol version %#x", data[0]>>4))
	}
	headerWords := int(data[0] & 0x0f)
	if headerWords < 1 {
		return nil, newError(KindMalformedFrame, "zero header size")
	}

	f := &frame{
		ftype:    frameType(data[1] >> 4),
		flags:    frameFlags(data[1] & 0x0f),
		encoding: payloadEncoding(data[2] >> 4),
	}
	if data[3] != 0 {
		return nil, newError(KindMalformedFrame, "nonzero reserved byte")
	}

	if headerWords*4 > len(data) {
		return nil, newError(KindMalformedFrame, "truncated extended header")
	}
	rest := data[headerWords*4:]

	if f.hasSeq() {
		if len(rest) < 8 {
			return nil, newError(KindMalformedFrame, "truncated sequence field")
		}
		f.seq = binary.BigEndian.Uint64(rest)
		rest = rest[8:]
	}

	if len(rest) < 4 {
		return nil, newError(KindMalformedFrame, "truncated payload size")
	}
	payloadSize := binary.BigEndian.Uint32(rest)
	rest = rest[4:]

	if payloadSize > maxFramePayload {
		return nil, newError(KindMalformedFrame, fmt.Sprintf("payload size %d exceeds cap", payloadSize))
	}
	if uint32(len(rest)) < payloadSize {
		return nil, newError(KindMalformedFrame, fmt.Sprintf("truncated payload: want %d bytes, have %d", payloadSize, len(rest)))
	}
	f.payload = rest[:payloadSize]

	return f, nil
}

// ================== Frame payloads ==================

// controlOpenPayload is the handshake request body.
type controlOpenPayload struct {
	Type            string         `json:"type"`
	SampleRate      int            `json:"sample_rate"`
	Channels        int            `json:"channels"`
	Format          string         `json:"format,omitempty"`
	Language        string         `json:"language,omitempty"`
	SingleUtterance bool           `json:"single_utterance,omitempty"`
	VAD             map[string]any `json:"vad,omitempty"`
	ResumeSessionID string         `json:"resume_session_id,omitempty"`
	ResumeAfterSeq  uint64         `json:"resume_after_seq,omitempty"`
}

// controlAckPayload is the handshake / close acknowledgment body.
type controlAckPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// transcriptPayload is the body of partial and final frames.
type transcriptPayload struct {
	Text       string  `json:"text"`
	SegmentID  string  `json:"segment_id"`
	Confidence float64 `json:"confidence,omitempty"`
}

// errorPayload is the body of error frames. Retry tells the client
// whether the server expects it to reconnect.
type errorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry,omitempty"`
}

// sessionEndPayload is the body of session-end frames.
type sessionEndPayload struct {
	Reason string `json:"reason"`
	Code   int    `json:"code,omitempty"`
}

func decodeJSONPayload(f *frame, v any) error {
	if f.encoding != encodingJSON {
		return newError(KindMalformedFrame, fmt.Sprintf("frame type %#x not JSON encoded", f.ftype))
	}
	if err := json.Unmarshal(f.payload, v); err != nil {
		return wrapError(KindMalformedFrame, err, "decode frame payload")
	}
	return nil
}

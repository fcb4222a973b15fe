package fennec

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func closeControlDeadline() time.Time { return time.Now().Add(time.Second) }

// streamTransport is the frame-oriented connection the pipelines talk
// through. Production uses a WebSocket; tests substitute a scripted
// in-memory transport.
type streamTransport interface {
	// WriteFrame sends one encoded frame.
	WriteFrame(data []byte) error

	// ReadFrame blocks for the next frame. Close unblocks it.
	ReadFrame() ([]byte, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

type dialFunc func(ctx context.Context, endpoint string, header http.Header) (streamTransport, error)

// wsTransport adapts a gorilla websocket connection.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

func dialWebSocket(ctx context.Context, endpoint string, header http.Header) (streamTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			return nil, parseAPIError(resp.StatusCode, body)
		}
		if ctx.Err() != nil {
			return nil, wrapError(KindTimeout, err, "dial stream")
		}
		return nil, wrapError(KindTransport, err, "dial stream")
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) WriteFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// The service only speaks binary frames; stray text frames
		// are skipped.
		if msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client_done"),
			closeControlDeadline())
		err = t.conn.Close()
	})
	return err
}

// streamURL appends the streaming token to the endpoint, preserving
// any query the caller configured.
func streamURL(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", wrapError(KindTransport, err, "parse stream URL")
	}
	q := u.Query()
	q.Set("streaming_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

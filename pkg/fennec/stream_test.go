package fennec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeServer scripts the service side of streaming sessions. Each
// dial produces a fakeConn whose behavior is driven by the server's
// onAudio hook and flags.
type fakeServer struct {
	codec *frameCodec

	mu        sync.Mutex
	conns     []*fakeConn
	failDials int
	autoAck   bool
	endOnLast bool
	// onAudio, when set, overrides autoAck per audio frame.
	onAudio func(c *fakeConn, seq uint64, last bool)
}

func newFakeServer() *fakeServer {
	return &fakeServer{codec: newFrameCodec(), autoAck: true}
}

func (s *fakeServer) dial(ctx context.Context, endpoint string, header http.Header) (streamTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDials > 0 {
		s.failDials--
		return nil, newError(KindTransport, "dial refused")
	}
	c := &fakeConn{
		server:    s,
		sessionID: fmt.Sprintf("sess-%d", len(s.conns)+1),
		incoming:  make(chan []byte, 256),
		closedCh:  make(chan struct{}),
	}
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *fakeServer) conn(i int) *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.conns) {
		return nil
	}
	return s.conns[i]
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

type fakeConn struct {
	server    *fakeServer
	sessionID string
	incoming  chan []byte

	mu         sync.Mutex
	wire       []uint64 // audio sequences written on this connection
	wirePCM    [][]byte // matching audio payloads
	heartbeats int
	closed     bool
	closedCh   chan struct{}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	c.mu.Unlock()

	f, err := c.server.codec.decode(data)
	if err != nil {
		return err
	}

	switch f.ftype {
	case frameControlOpen:
		c.respondControl(frameControlAck, &controlAckPayload{Type: "ready", SessionID: c.sessionID})

	case frameAudio:
		c.mu.Lock()
		c.wire = append(c.wire, f.seq)
		c.wirePCM = append(c.wirePCM, append([]byte(nil), f.payload...))
		c.mu.Unlock()
		if c.server.onAudio != nil {
			c.server.onAudio(c, f.seq, f.isLast())
		} else if c.server.autoAck {
			c.ackAudio(f.seq)
		}
		if f.isLast() && c.server.endOnLast {
			c.respondControl(frameSessionEnd, &sessionEndPayload{Reason: "complete"})
		}

	case frameControlClose:
		c.respondControl(frameControlAck, &controlAckPayload{Type: "closed"})

	case frameHeartbeat:
		c.mu.Lock()
		c.heartbeats++
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) ackAudio(seq uint64) {
	c.push(c.server.codec.encode(&frame{
		ftype: frameAudioAck,
		flags: flagWithSeq,
		seq:   seq,
	}))
}

func (c *fakeConn) respondControl(ftype frameType, v any) {
	data, err := c.server.codec.encodeControl(ftype, v)
	if err != nil {
		panic(err)
	}
	c.push(data)
}

func (c *fakeConn) push(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.incoming <- data:
	default:
	}
}

func (c *fakeConn) pushTranscript(ftype frameType, seg, text string) {
	c.respondControl(ftype, &transcriptPayload{Text: text, SegmentID: seg})
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closedCh:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

// kill simulates a transport drop from the server side.
func (c *fakeConn) kill() { c.Close() }

func (c *fakeConn) wireSeqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.wire))
	copy(out, c.wire)
	return out
}

func (c *fakeConn) wirePayload(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.wirePCM) {
		return nil
	}
	return c.wirePCM[i]
}

func (c *fakeConn) heartbeatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeats
}

// newStreamTestClient wires a client to the fake server, with a real
// HTTP test server behind the streaming-token fetch.
func newStreamTestClient(t *testing.T, srv *fakeServer) *Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"tok"}`)
	}))
	t.Cleanup(ts.Close)

	c := NewClient("test-key", WithBaseURL(ts.URL))
	c.config.dial = srv.dial
	return c
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   2 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MinUptime:   time.Hour,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startCollector consumes the session's events on a channel so tests
// can assert ordering without racing the receive loop.
func startCollector(sess *StreamSession) <-chan *TranscriptEvent {
	out := make(chan *TranscriptEvent, 256)
	go func() {
		defer close(out)
		for ev, err := range sess.Events() {
			if err != nil {
				return
			}
			out <- ev
		}
	}()
	return out
}

func recvEvent(t *testing.T, ch <-chan *TranscriptEvent) *TranscriptEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event stream ended unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

// ================== Tests ==================

func TestStream_OpenAndCloseIdempotent(t *testing.T) {
	srv := newFakeServer()
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{Retry: fastRetry(3)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := sess.Phase(); got != PhaseOpen {
		t.Errorf("phase = %v, want open", got)
	}
	if got := sess.SessionID(); got != "sess-1" {
		t.Errorf("session id = %q, want sess-1", got)
	}

	if err := sess.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := sess.Phase(); got != PhaseClosed {
		t.Errorf("phase after close = %v, want closed", got)
	}

	// Closing again is a no-op and returns success.
	if err := sess.Close(ctx); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestStream_SequencesOnWire(t *testing.T) {
	srv := newFakeServer()
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{Retry: fastRetry(3)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close(ctx)

	const n = 10
	for i := 0; i < n; i++ {
		if err := sess.Submit(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	conn := srv.conn(0)
	waitFor(t, "all chunks on the wire", func() bool {
		return len(conn.wireSeqs()) == n
	})

	seqs := conn.wireSeqs()
	for i, seq := range seqs {
		if seq != uint64(i) {
			t.Fatalf("wire[%d] = %d, want %d (strictly increasing and contiguous)", i, seq, i)
		}
	}

	waitFor(t, "all chunks acked", func() bool {
		last, ok := sess.LastAcked()
		return ok && last == n-1
	})
	if got := sess.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestStream_ReconnectReplaysUnacked(t *testing.T) {
	srv := newFakeServer()
	// First connection acks only seq 0; later connections ack all.
	srv.onAudio = func(c *fakeConn, seq uint64, last bool) {
		if c.sessionID == "sess-1" {
			if seq == 0 {
				c.ackAudio(seq)
			}
			return
		}
		c.ackAudio(seq)
	}
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{Retry: fastRetry(5)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close(ctx)

	for i := 0; i < 3; i++ {
		if err := sess.Submit(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	conn1 := srv.conn(0)
	waitFor(t, "first connection saw all chunks", func() bool {
		return len(conn1.wireSeqs()) == 3
	})
	waitFor(t, "seq 0 acked", func() bool {
		last, ok := sess.LastAcked()
		return ok && last == 0
	})

	conn1.kill()

	waitFor(t, "reconnect", func() bool { return srv.connCount() == 2 })
	waitFor(t, "session open again", func() bool { return sess.Phase() == PhaseOpen })

	// New audio submitted after the reconnect must trail the replay.
	if err := sess.Submit(ctx, []byte{3}); err != nil {
		t.Fatalf("submit after reconnect: %v", err)
	}

	conn2 := srv.conn(1)
	waitFor(t, "replay plus new chunk", func() bool {
		return len(conn2.wireSeqs()) == 3
	})

	// Unacked chunks 1,2 replay exactly once, in order, before chunk 3.
	want := []uint64{1, 2, 3}
	got := conn2.wireSeqs()
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("conn2 wire = %v, want %v", got, want)
		}
	}

	waitFor(t, "everything acked", func() bool {
		last, ok := sess.LastAcked()
		return ok && last == 3
	})
	// Nothing is both acked and still pending: no chunk was dropped
	// and none retransmits again.
	if got := sess.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestStream_ReplaySendsSubmittedBytes(t *testing.T) {
	srv := newFakeServer()
	// First connection never acks, so the chunk stays queued for
	// replay; later connections ack normally.
	srv.onAudio = func(c *fakeConn, seq uint64, last bool) {
		if c.sessionID != "sess-1" {
			c.ackAudio(seq)
		}
	}
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{Retry: fastRetry(5)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close(ctx)

	buf := []byte{1, 1, 1, 1}
	if err := sess.Submit(ctx, buf); err != nil {
		t.Fatalf("submit: %v", err)
	}

	conn1 := srv.conn(0)
	waitFor(t, "chunk on the wire", func() bool {
		return len(conn1.wireSeqs()) == 1
	})

	// The caller reuses its buffer for the next read. The queued
	// chunk must be unaffected.
	copy(buf, []byte{9, 9, 9, 9})
	conn1.kill()

	waitFor(t, "reconnect", func() bool { return srv.connCount() == 2 })
	conn2 := srv.conn(1)
	waitFor(t, "replay on the wire", func() bool {
		return len(conn2.wireSeqs()) == 1
	})

	if got := conn2.wirePayload(0); !bytes.Equal(got, []byte{1, 1, 1, 1}) {
		t.Errorf("replayed audio = %v, want the bytes as submitted", got)
	}
}

func TestStream_InitialConnectRetriesWithinBudget(t *testing.T) {
	srv := newFakeServer()
	srv.mu.Lock()
	srv.failDials = 2
	srv.mu.Unlock()
	client := newStreamTestClient(t, srv)

	sess, err := client.Stream.Open(context.Background(), &StreamConfig{Retry: fastRetry(5)})
	if err != nil {
		t.Fatalf("open should succeed after transient dial failures: %v", err)
	}
	defer sess.Close(context.Background())

	if sess.Phase() != PhaseOpen {
		t.Errorf("phase = %v, want open", sess.Phase())
	}
}

func TestStream_InitialConnectBudgetExhausted(t *testing.T) {
	srv := newFakeServer()
	srv.mu.Lock()
	srv.failDials = 100
	srv.mu.Unlock()
	client := newStreamTestClient(t, srv)

	_, err := client.Stream.Open(context.Background(), &StreamConfig{Retry: fastRetry(2)})
	if err == nil {
		t.Fatal("open should fail once the budget is exhausted")
	}
	if e, ok := AsError(err); !ok || e.Kind != KindTransport {
		t.Errorf("error = %v, want KindTransport", err)
	}
}

func TestStream_ReconnectBudgetExhausted(t *testing.T) {
	srv := newFakeServer()
	srv.autoAck = false
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{Retry: fastRetry(2)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	events := startCollector(sess)

	// Two chunks that will never be acked.
	sess.Submit(ctx, []byte{0})
	sess.Submit(ctx, []byte{1})

	conn1 := srv.conn(0)
	waitFor(t, "chunks on the wire", func() bool { return len(conn1.wireSeqs()) == 2 })

	srv.mu.Lock()
	srv.failDials = 100
	srv.mu.Unlock()
	conn1.kill()

	waitFor(t, "session failed", func() bool { return sess.Phase() == PhaseFailed })

	// Exactly one SessionEnded, reporting the unacked audio.
	var ended []*TranscriptEvent
	for ev := range events {
		if ev.Type == EventSessionEnded {
			ended = append(ended, ev)
		}
	}
	if len(ended) != 1 {
		t.Fatalf("got %d SessionEnded events, want exactly 1", len(ended))
	}
	if ended[0].Err == nil {
		t.Error("SessionEnded should carry the terminal error")
	}
	if ended[0].Unacked != 2 {
		t.Errorf("unacked = %d, want 2", ended[0].Unacked)
	}

	// In-flight and future calls observe the failure.
	if err := sess.Submit(ctx, []byte{2}); err == nil {
		t.Error("submit after failure should error")
	}
	if sess.Err() == nil {
		t.Error("Err should report the terminal error")
	}
}

func TestStream_ServerFatalError(t *testing.T) {
	srv := newFakeServer()
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{Retry: fastRetry(3)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	events := startCollector(sess)

	srv.conn(0).respondControl(frameError, &errorPayload{
		Code:    codeQuotaExceeded,
		Message: "quota exceeded",
	})

	waitFor(t, "session failed", func() bool { return sess.Phase() == PhaseFailed })

	count := 0
	for ev := range events {
		if ev.Type == EventSessionEnded {
			count++
			if ev.Err == nil || !ev.Err.Fatal() {
				t.Errorf("SessionEnded err = %v, want fatal", ev.Err)
			}
		}
	}
	if count != 1 {
		t.Fatalf("got %d SessionEnded events, want 1", count)
	}
	// No reconnect is attempted for a fatal error.
	if n := srv.connCount(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

func TestStream_PartialFinalOrdering(t *testing.T) {
	srv := newFakeServer()
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{Retry: fastRetry(3)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	events := startCollector(sess)

	conn := srv.conn(0)
	conn.pushTranscript(framePartial, "s1", "he")
	conn.pushTranscript(framePartial, "s1", "hello")
	conn.pushTranscript(frameFinal, "s1", "hello.")

	ev := recvEvent(t, events)
	if ev.Type != EventPartial || ev.Text != "he" {
		t.Fatalf("event 1 = %v %q", ev.Type, ev.Text)
	}
	ev = recvEvent(t, events)
	if ev.Type != EventPartial || ev.Text != "hello" {
		t.Fatalf("event 2 = %v %q", ev.Type, ev.Text)
	}
	ev = recvEvent(t, events)
	if ev.Type != EventFinal || ev.Text != "hello." {
		t.Fatalf("event 3 = %v %q; final must come after its partials", ev.Type, ev.Text)
	}

	sess.Close(ctx)
	ev = recvEvent(t, events)
	if ev.Type != EventSessionEnded || ev.Reason != "client_close" {
		t.Errorf("last event = %v reason %q", ev.Type, ev.Reason)
	}
}

func TestStream_SubmitBackpressure(t *testing.T) {
	srv := newFakeServer()
	srv.autoAck = false // nothing ever acked, queue stays full
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{
		QueueSize:    1,
		SubmitPolicy: SubmitBlock,
		Retry:        fastRetry(3),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Abort()

	if err := sess.Submit(ctx, []byte{0}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	dctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = sess.Submit(dctx, []byte{1})
	if err == nil {
		t.Fatal("submit should fail at the deadline")
	}
	if e, ok := AsError(err); !ok || !e.IsBackpressure() {
		t.Errorf("error = %v, want backpressure", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("blocking submit returned before the deadline")
	}
}

func TestStream_FinishEndsSession(t *testing.T) {
	srv := newFakeServer()
	srv.endOnLast = true
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{Retry: fastRetry(3)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	events := startCollector(sess)

	sess.Submit(ctx, []byte{0})
	if err := sess.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	// Finish twice is harmless.
	if err := sess.Finish(ctx); err != nil {
		t.Errorf("second finish: %v", err)
	}

	waitFor(t, "session closed by server", func() bool { return sess.Phase() == PhaseClosed })

	var last *TranscriptEvent
	for ev := range events {
		last = ev
	}
	if last == nil || last.Type != EventSessionEnded || last.Reason != "complete" {
		t.Errorf("last event = %+v, want SessionEnded reason complete", last)
	}

	if err := sess.Submit(ctx, []byte{1}); err == nil {
		t.Error("submit after finish should fail")
	}
}

func TestStream_MalformedFramesSkipped(t *testing.T) {
	srv := newFakeServer()
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{Retry: fastRetry(3)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	events := startCollector(sess)

	conn := srv.conn(0)
	conn.push([]byte{0xde, 0xad})
	conn.push([]byte{0xbe, 0xef, 0x00, 0x01, 0x02})
	conn.pushTranscript(frameFinal, "s1", "still alive.")

	ev := recvEvent(t, events)
	if ev.Type != EventFinal || ev.Text != "still alive." {
		t.Fatalf("event = %v %q; decode errors must not break the stream", ev.Type, ev.Text)
	}
	if n := srv.connCount(); n != 1 {
		t.Errorf("connections = %d; transient decode errors must not reconnect", n)
	}
	sess.Close(ctx)
}

func TestStream_StrictDecodeReconnects(t *testing.T) {
	srv := newFakeServer()
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{
		StrictDecode: true,
		Retry:        fastRetry(5),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close(ctx)

	srv.conn(0).push([]byte{0xde, 0xad})

	waitFor(t, "strict mode reconnect", func() bool { return srv.connCount() == 2 })
}

func TestStream_MissedHeartbeatReconnects(t *testing.T) {
	srv := newFakeServer()
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{
		HeartbeatInterval: 15 * time.Millisecond,
		Retry:             fastRetry(10),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Abort()

	// The server goes silent after the handshake; liveness probing
	// must declare the connection dead and reconnect.
	waitFor(t, "heartbeat-driven reconnect", func() bool { return srv.connCount() >= 2 })
}

func TestStream_HeartbeatOnlyWhenSendIdle(t *testing.T) {
	srv := newFakeServer()
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{
		HeartbeatInterval: 50 * time.Millisecond,
		Retry:             fastRetry(3),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Abort()

	// While audio flows steadily the send side is never idle a full
	// interval, so no heartbeat frames are written.
	conn := srv.conn(0)
	for i := 0; i < 30; i++ {
		if err := sess.Submit(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := conn.heartbeatCount(); n != 0 {
		t.Errorf("heartbeats during active streaming = %d, want 0", n)
	}

	// Once the sender goes quiet a heartbeat keeps the connection
	// honest. The server stays chatty so liveness does not trip.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				conn.respondControl(frameHeartbeat, nil)
			}
		}
	}()

	waitFor(t, "idle heartbeat", func() bool {
		return conn.heartbeatCount() >= 1
	})
}

func TestStream_AbortTearsDownImmediately(t *testing.T) {
	srv := newFakeServer()
	client := newStreamTestClient(t, srv)
	ctx := context.Background()

	sess, err := client.Stream.Open(ctx, &StreamConfig{Retry: fastRetry(3)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	sess.Abort()
	select {
	case <-sess.Done():
	default:
		t.Error("Done must be closed when Abort returns")
	}
	if sess.Phase() != PhaseClosed {
		t.Errorf("phase = %v, want closed", sess.Phase())
	}
}

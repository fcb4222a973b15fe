package fennec

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StreamService opens realtime streaming transcription sessions.
type StreamService struct {
	client *Client
}

func newStreamService(c *Client) *StreamService {
	return &StreamService{client: c}
}

// maxDecodeErrors is the per-connection budget for malformed incoming
// frames before the connection is treated as broken.
const maxDecodeErrors = 5

// StreamSession is one logical streaming transcription interaction.
// It may span several physical connections: on transport failure the
// session reconnects with backoff and replays unacknowledged audio
// before new submissions, so the service always observes sequence
// numbers in order.
//
// The caller submits audio with Submit, signals end of input with
// Finish, and consumes transcripts with Events. Close is the single
// cancellation point; it is idempotent and no internal goroutine
// outlives its return.
type StreamSession struct {
	client *Client
	config *StreamConfig
	codec  *frameCodec
	queue  *pendingQueue
	events *eventBuffer
	logger *slog.Logger
	retry  *retryState

	rootCtx    context.Context
	rootCancel context.CancelFunc

	phase    atomic.Int32
	finished atomic.Bool  // Finish was called; no more audio intake
	lastRecv atomic.Int64 // unix nanos of the last received frame
	lastSend atomic.Int64 // unix nanos of the last written frame

	mu        sync.Mutex
	sessionID string
	conn      streamTransport
	endErr    *Error

	closeReq  chan struct{} // Close requested; run loop winds down
	closeAck  chan struct{} // server acknowledged control-close
	done      chan struct{} // run loop exited, session fully torn down
	closeOnce sync.Once
	started   bool
}

// Open establishes a streaming session: dials the service, performs
// the handshake, and starts the send and receive pipelines. The
// initial connect respects the session's retry budget; a session that
// never reached Open is not resumed later.
func (s *StreamService) Open(ctx context.Context, config *StreamConfig) (*StreamSession, error) {
	if config == nil {
		config = &StreamConfig{}
	}
	cfg := config.withDefaults()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	sess := &StreamSession{
		client:     s.client,
		config:     cfg,
		codec:      newFrameCodec(),
		queue:      newPendingQueue(cfg.QueueSize),
		events:     newEventBuffer(cfg.EventBuffer, cfg.PartialDelivery),
		logger:     s.client.config.logger,
		retry:      newRetryState(cfg.Retry),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		closeReq:   make(chan struct{}),
		closeAck:   make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	sess.phase.Store(int32(PhaseConnecting))

	conn, sessionID, err := sess.connectWithRetry(ctx, false)
	if err != nil {
		sess.phase.Store(int32(PhaseFailed))
		rootCancel()
		close(sess.done)
		return nil, err
	}

	sess.mu.Lock()
	sess.conn = conn
	sess.sessionID = sessionID
	sess.started = true
	sess.mu.Unlock()
	sess.phase.Store(int32(PhaseOpen))

	go sess.run(conn)
	return sess, nil
}

// ================== Caller surface ==================

// Submit enqueues one audio chunk. The chunk is assigned its sequence
// number now, so replay after a reconnect preserves submission order.
// The bytes are copied; the caller may reuse pcm immediately.
// When the pending queue is full, Submit blocks until space frees or
// ctx expires (SubmitBlock) or fails immediately (SubmitReject); both
// paths surface a KindBackpressure error.
func (s *StreamSession) Submit(ctx context.Context, pcm []byte) error {
	if s.Phase().terminal() || s.Phase() == PhaseClosing {
		return newError(KindSessionClosed, "session closed")
	}
	if s.finished.Load() {
		return newError(KindSessionClosed, "input already finished")
	}
	_, err := s.queue.push(ctx, pcm, false, s.config.SubmitPolicy)
	return err
}

// Finish signals end of input. The service finalizes any open segment
// and ends the session from its side.
func (s *StreamSession) Finish(ctx context.Context) error {
	if !s.finished.CompareAndSwap(false, true) {
		return nil
	}
	if s.Phase().terminal() || s.Phase() == PhaseClosing {
		return newError(KindSessionClosed, "session closed")
	}
	_, err := s.queue.push(ctx, nil, true, s.config.SubmitPolicy)
	return err
}

// Events iterates transcript events in arrival order until the
// session ends. The terminating SessionEnded event is always the last
// value; if the session failed, the iterator then yields the terminal
// error.
func (s *StreamSession) Events() iter.Seq2[*TranscriptEvent, error] {
	return func(yield func(*TranscriptEvent, error) bool) {
		for {
			ev := s.events.get(nil)
			if ev == nil {
				if err := s.Err(); err != nil {
					yield(nil, err)
				}
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Close shuts the session down gracefully: stops intake, sends a
// close-control frame, waits briefly for the server's acknowledgment
// (bounded by ctx and the configured grace period), then tears down
// both pipelines. It is idempotent; closing a closed session returns
// nil. No session goroutine survives its return.
func (s *StreamSession) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if !s.Phase().terminal() {
			s.phase.Store(int32(PhaseClosing))
		}
		close(s.closeReq)

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil && ctx != nil {
			grace, cancel := context.WithTimeout(ctx, s.config.CloseGrace)
			s.sendCloseFrame(grace, conn)
			cancel()
		}
		s.rootCancel()
	})
	<-s.done
	return nil
}

// Abort tears the session down immediately, skipping the graceful
// close exchange. Idempotent.
func (s *StreamSession) Abort() {
	s.closeOnce.Do(func() {
		if !s.Phase().terminal() {
			s.phase.Store(int32(PhaseClosing))
		}
		close(s.closeReq)
		s.rootCancel()
	})
	<-s.done
}

// Phase returns the session's current lifecycle phase.
func (s *StreamSession) Phase() Phase {
	return Phase(s.phase.Load())
}

// SessionID returns the server-assigned session identifier.
func (s *StreamSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// LastAcked returns the highest acknowledged sequence number; ok is
// false before the first acknowledgment.
func (s *StreamSession) LastAcked() (seq uint64, ok bool) {
	return s.queue.lastAcked()
}

// Pending returns the number of chunks awaiting transmission or
// acknowledgment.
func (s *StreamSession) Pending() int {
	return s.queue.pending()
}

// Done is closed once the session is fully torn down.
func (s *StreamSession) Done() <-chan struct{} { return s.done }

// Err returns the terminal error for a failed session, or nil.
func (s *StreamSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endErr == nil {
		return nil
	}
	return s.endErr
}

// ================== Connection management ==================

// connect performs one dial + handshake cycle. resume carries the
// session id and last acked sequence so the server can line up with
// the replay.
func (s *StreamSession) connect(ctx context.Context, resume bool) (streamTransport, string, error) {
	hsCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	token, err := s.client.fetchStreamingToken(hsCtx)
	if err != nil {
		if e, ok := AsError(err); ok && e.Kind == KindTransport && hsCtx.Err() != nil {
			return nil, "", wrapError(KindTimeout, e, "handshake")
		}
		return nil, "", err
	}

	endpoint, err := streamURL(s.client.config.wsURL, token)
	if err != nil {
		return nil, "", err
	}

	header := http.Header{}
	header.Set("X-Connect-Id", uuid.NewString())

	t, err := s.client.config.dial(hsCtx, endpoint, header)
	if err != nil {
		if hsCtx.Err() != nil {
			if e, ok := AsError(err); !ok || e.Kind != KindAuth {
				return nil, "", wrapError(KindTimeout, err, "handshake")
			}
		}
		return nil, "", err
	}

	open := &controlOpenPayload{
		Type:            "start",
		SampleRate:      s.config.SampleRate,
		Channels:        s.config.Channels,
		Format:          s.config.Format,
		Language:        s.config.Language,
		SingleUtterance: s.config.SingleUtterance,
		VAD:             s.config.VAD,
	}
	if resume {
		s.mu.Lock()
		open.ResumeSessionID = s.sessionID
		s.mu.Unlock()
		if last, ok := s.queue.lastAcked(); ok {
			open.ResumeAfterSeq = last + 1
		}
	}

	frame, err := s.codec.encodeControl(frameControlOpen, open)
	if err != nil {
		t.Close()
		return nil, "", err
	}
	if err := t.WriteFrame(frame); err != nil {
		t.Close()
		return nil, "", wrapError(KindTransport, err, "send handshake")
	}

	sessionID, err := s.awaitReady(hsCtx, t)
	if err != nil {
		t.Close()
		return nil, "", err
	}

	now := time.Now().UnixNano()
	s.lastRecv.Store(now)
	s.lastSend.Store(now)
	return t, sessionID, nil
}

// awaitReady reads frames until the server acknowledges the handshake
// with a session id.
func (s *StreamSession) awaitReady(ctx context.Context, t streamTransport) (string, error) {
	for {
		data, err := readFrameContext(ctx, t)
		if err != nil {
			return "", err
		}
		f, err := s.codec.decode(data)
		if err != nil {
			// Pre-session garbage is a protocol fault, not a
			// per-frame skip: nothing was negotiated yet.
			return "", err
		}
		switch f.ftype {
		case frameControlAck:
			var ack controlAckPayload
			if err := decodeJSONPayload(f, &ack); err != nil {
				return "", err
			}
			if ack.SessionID == "" {
				return "", newError(KindProtocol, "handshake ack missing session id")
			}
			return ack.SessionID, nil
		case frameHeartbeat:
			continue
		case frameError:
			return "", s.serverError(f)
		default:
			return "", newError(KindProtocol, fmt.Sprintf("unexpected frame type %#x during handshake", f.ftype))
		}
	}
}

// readFrameContext reads one frame, honoring ctx by closing the
// transport on expiry. The reader goroutine is always reaped.
func readFrameContext(ctx context.Context, t streamTransport) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := t.ReadFrame()
		ch <- result{data, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, wrapError(KindTransport, r.err, "read handshake frame")
		}
		return r.data, nil
	case <-ctx.Done():
		t.Close()
		<-ch
		return nil, newError(KindTimeout, "handshake timed out")
	}
}

// connectWithRetry drives connect attempts through the shared retry
// budget. Non-retryable failures (auth, server-fatal) abort at once.
func (s *StreamSession) connectWithRetry(ctx context.Context, resume bool) (streamTransport, string, error) {
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, "", lastErr
			}
			return nil, "", newError(KindTimeout, "connect canceled")
		case <-s.closeReq:
			return nil, "", newError(KindSessionClosed, "session closed")
		default:
		}

		t, sessionID, err := s.connect(ctx, resume)
		if err == nil {
			return t, sessionID, nil
		}
		lastErr = err

		if e, ok := AsError(err); ok && (e.Kind == KindAuth || e.Fatal()) {
			return nil, "", err
		}

		delay, ok := s.retry.nextDelay()
		if !ok {
			return nil, "", lastErr
		}
		s.logger.Debug("fennec: connect failed, backing off",
			"delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, "", lastErr
		case <-s.closeReq:
			return nil, "", newError(KindSessionClosed, "session closed")
		}
	}
}

// ================== Supervisor ==================

// connOutcome is what one connection's pipelines report back.
type connOutcome struct {
	err       *Error // nil on clean server-side end
	endReason string // set when the server ended the session
}

// run owns the state machine for the session's lifetime: it
// supervises one connection's pipelines, and on failure drives
// Reconnecting with replay until the retry budget runs out.
func (s *StreamSession) run(conn streamTransport) {
	defer close(s.done)

	for {
		start := time.Now()
		outcome := s.superviseConn(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		select {
		case <-s.closeReq:
			s.finish(PhaseClosed, "client_close", nil)
			return
		default:
		}

		if outcome.endReason != "" {
			// Server ended the session deliberately.
			s.finish(PhaseClosed, outcome.endReason, nil)
			return
		}
		if outcome.err != nil && (outcome.err.Fatal() || outcome.err.Kind == KindAuth) {
			s.finish(PhaseFailed, "fatal_error", outcome.err)
			return
		}

		// Transport-level drop: reconnect and replay.
		s.retry.observeUptime(time.Since(start))
		s.phase.Store(int32(PhaseReconnecting))
		s.logger.Debug("fennec: connection lost, reconnecting", "error", outcome.err)

		newConn, sessionID, err := s.connectWithRetry(s.rootCtx, true)
		if err != nil {
			select {
			case <-s.closeReq:
				s.finish(PhaseClosed, "client_close", nil)
			default:
				e, ok := AsError(err)
				if !ok {
					e = wrapError(KindTransport, err, "reconnect")
				}
				s.finish(PhaseFailed, "reconnect_failed", e)
			}
			return
		}

		// Replay every unacked chunk before new audio.
		s.queue.rewind()

		s.mu.Lock()
		s.conn = newConn
		s.sessionID = sessionID
		s.mu.Unlock()
		s.phase.Store(int32(PhaseOpen))
		conn = newConn
	}
}

// superviseConn runs the send, receive, and liveness loops for one
// connection and blocks until any of them reports failure or the
// session is asked to close.
func (s *StreamSession) superviseConn(conn streamTransport) connOutcome {
	connCtx, cancel := context.WithCancel(s.rootCtx)
	defer cancel()

	outcomes := make(chan connOutcome, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.sendLoop(connCtx, conn, outcomes)
	}()
	go func() {
		defer wg.Done()
		s.recvLoop(connCtx, conn, outcomes)
	}()
	go func() {
		defer wg.Done()
		s.livenessLoop(connCtx, conn, outcomes)
	}()

	var out connOutcome
	select {
	case out = <-outcomes:
	case <-connCtx.Done():
	}

	cancel()
	conn.Close()
	wg.Wait()
	return out
}

// ================== Send pipeline ==================

// sendLoop drains the pending queue onto the transport in sequence
// order. It is the transport's only writer while the connection is
// healthy (the close frame is written after the loop stops).
func (s *StreamSession) sendLoop(ctx context.Context, conn streamTransport, outcomes chan<- connOutcome) {
	for {
		chunk := s.queue.next(ctx)
		if chunk == nil {
			return
		}
		frame := s.codec.encodeAudio(chunk.seq, chunk.data, chunk.last)
		if err := conn.WriteFrame(frame); err != nil {
			if ctx.Err() == nil {
				reportOutcome(outcomes, connOutcome{err: wrapError(KindTransport, err, "write audio")})
			}
			return
		}
		s.lastSend.Store(time.Now().UnixNano())
		if chunk.last {
			return
		}
	}
}

// ================== Receive pipeline ==================

// recvLoop reads and decodes frames, feeding acks to the queue and
// transcripts to the event buffer. Malformed frames are logged and
// skipped up to a budget; strict mode fails the connection on the
// first one.
func (s *StreamSession) recvLoop(ctx context.Context, conn streamTransport, outcomes chan<- connOutcome) {
	decodeErrs := 0
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				reportOutcome(outcomes, connOutcome{err: wrapError(KindTransport, err, "read frame")})
			}
			return
		}
		s.lastRecv.Store(time.Now().UnixNano())

		f, err := s.codec.decode(data)
		if err != nil {
			decodeErrs++
			s.logger.Debug("fennec: skipping malformed frame", "error", err, "count", decodeErrs)
			if s.config.StrictDecode || decodeErrs > maxDecodeErrors {
				e, _ := AsError(err)
				reportOutcome(outcomes, connOutcome{err: &Error{
					Kind:    KindProtocol,
					Message: "malformed frame budget exceeded: " + e.Message,
				}})
				return
			}
			continue
		}

		switch f.ftype {
		case frameAudioAck:
			if f.hasSeq() {
				s.queue.ack(f.seq)
			}

		case frameHeartbeat:
			// lastRecv already refreshed.

		case framePartial, frameFinal:
			var tp transcriptPayload
			if err := decodeJSONPayload(f, &tp); err != nil {
				s.logger.Debug("fennec: skipping bad transcript payload", "error", err)
				continue
			}
			ev := &TranscriptEvent{
				Type:      EventPartial,
				Text:      tp.Text,
				SegmentID: tp.SegmentID,
			}
			if f.ftype == frameFinal {
				ev.Type = EventFinal
				ev.Confidence = tp.Confidence
			}
			if !s.events.put(ev, ctx.Done()) {
				return
			}

		case frameControlAck:
			// Only close acknowledgments arrive here; the handshake
			// ack is consumed before the pipelines start.
			select {
			case s.closeAck <- struct{}{}:
			default:
			}

		case frameSessionEnd:
			var end sessionEndPayload
			reason := "server_close"
			if decodeJSONPayload(f, &end) == nil && end.Reason != "" {
				reason = end.Reason
			}
			reportOutcome(outcomes, connOutcome{endReason: reason})
			return

		case frameError:
			e := s.serverError(f)
			if e.Retryable() && !e.Fatal() {
				// Recoverable server signal: surface it, then let the
				// supervisor reconnect.
				s.events.put(&TranscriptEvent{Type: EventError, Err: e}, ctx.Done())
			}
			reportOutcome(outcomes, connOutcome{err: e})
			return

		default:
			s.logger.Debug("fennec: ignoring unknown frame type", "type", int(f.ftype))
		}
	}
}

// serverError maps an error frame to a *Error.
func (s *StreamSession) serverError(f *frame) *Error {
	var ep errorPayload
	if err := decodeJSONPayload(f, &ep); err != nil {
		return newError(KindProtocol, "undecodable error frame")
	}
	kind := KindFatal
	switch {
	case ep.Retry:
		kind = KindTransport
	case ep.Code == codeAuthRevoked:
		kind = KindAuth
	}
	return &Error{Kind: kind, Code: ep.Code, Message: ep.Message}
}

// ================== Liveness ==================

// livenessLoop probes connection health: if no frame arrived for two
// heartbeat intervals the connection is declared dead. A heartbeat is
// written only when the send side has been idle a full interval, so
// an active audio stream carries no extra frames.
func (s *StreamSession) livenessLoop(ctx context.Context, conn streamTransport, outcomes chan<- connOutcome) {
	interval := s.config.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		last := time.Unix(0, s.lastRecv.Load())
		if time.Since(last) > 2*interval {
			reportOutcome(outcomes, connOutcome{err: newError(KindTimeout, "missed heartbeat")})
			return
		}

		if time.Since(time.Unix(0, s.lastSend.Load())) < interval {
			continue
		}
		hb, err := s.codec.encodeControl(frameHeartbeat, nil)
		if err == nil {
			if err := conn.WriteFrame(hb); err != nil && ctx.Err() == nil {
				reportOutcome(outcomes, connOutcome{err: wrapError(KindTransport, err, "write heartbeat")})
				return
			}
			s.lastSend.Store(time.Now().UnixNano())
		}
	}
}

// Alive reports whether the connection received a frame within the
// liveness window (two heartbeat intervals).
func (s *StreamSession) Alive() bool {
	if s.Phase() != PhaseOpen {
		return false
	}
	last := time.Unix(0, s.lastRecv.Load())
	return time.Since(last) <= 2*s.config.HeartbeatInterval
}

// ================== Shutdown ==================

// sendCloseFrame performs the graceful close exchange: write
// control-close, wait for the ack up to the grace deadline.
func (s *StreamSession) sendCloseFrame(ctx context.Context, conn streamTransport) {
	frame, err := s.codec.encodeControl(frameControlClose, &controlAckPayload{Type: "close"})
	if err != nil {
		return
	}
	if err := conn.WriteFrame(frame); err != nil {
		return
	}
	select {
	case <-s.closeAck:
	case <-ctx.Done():
	}
}

// finish records the terminal state and emits the session's single
// SessionEnded event. Called exactly once, from the run loop.
func (s *StreamSession) finish(phase Phase, reason string, err *Error) {
	unacked := s.queue.close()

	s.mu.Lock()
	s.endErr = err
	s.mu.Unlock()
	s.phase.Store(int32(phase))

	if unacked > 0 {
		s.logger.Debug("fennec: session ended with unacknowledged audio",
			"unacked", unacked, "reason", reason)
	}

	s.events.putForce(&TranscriptEvent{
		Type:    EventSessionEnded,
		Reason:  reason,
		Err:     err,
		Unacked: unacked,
	})
	s.events.close()
	s.rootCancel()
}

func reportOutcome(ch chan<- connOutcome, out connOutcome) {
	select {
	case ch <- out:
	default:
	}
}

package fennec

import (
	"context"
	"sync"
	"time"
)

// audioChunk is one enqueued audio payload. The queue owns data: push
// copies the caller's bytes, and the copy is released on ack or
// session close.
type audioChunk struct {
	seq  uint64
	ts   time.Time
	data []byte
	last bool
}

// pendingQueue holds audio awaiting transmission or acknowledgment.
// It is the only shared mutable state between the caller, the send
// loop, and the receive loop. Chunks stay queued after transmission
// until the server acks their sequence, so a reconnect can replay the
// unacked suffix in original order.
//
// Invariant: sequences in the queue are strictly increasing and
// contiguous with the last acked sequence.
type pendingQueue struct {
	mu     sync.Mutex
	waitCh chan struct{} // closed and replaced on every state change

	chunks []*audioChunk
	cursor int // index of the next chunk to transmit
	limit  int

	nextSeq uint64
	acked   uint64 // count of acked chunks; last acked seq is acked-1
	closed  bool
}

func newPendingQueue(limit int) *pendingQueue {
	return &pendingQueue{
		waitCh: make(chan struct{}),
		limit:  limit,
	}
}

// changed wakes every waiter. Callers hold mu.
func (q *pendingQueue) changed() {
	close(q.waitCh)
	q.waitCh = make(chan struct{})
}

// push enqueues audio, assigning the next sequence number at
// submission time. Under SubmitBlock it waits for space until ctx is
// done; under SubmitReject a full queue fails immediately.
func (q *pendingQueue) push(ctx context.Context, data []byte, last bool, policy SubmitPolicy) (uint64, error) {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return 0, newError(KindSessionClosed, "session closed")
		}
		if len(q.chunks) < q.limit {
			break
		}
		if policy == SubmitReject {
			q.mu.Unlock()
			return 0, newError(KindBackpressure, "pending queue full")
		}
		wait := q.waitCh
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, newError(KindBackpressure, "pending queue full: "+ctx.Err().Error())
		case <-wait:
		}
		q.mu.Lock()
	}

	seq := q.nextSeq
	q.nextSeq++
	// Chunks outlive the push call: they stay queued until acked and
	// may be retransmitted after a reconnect. Callers reuse their read
	// buffers, so the payload is copied here.
	var owned []byte
	if len(data) > 0 {
		owned = append([]byte(nil), data...)
	}
	q.chunks = append(q.chunks, &audioChunk{
		seq:  seq,
		ts:   time.Now(),
		data: owned,
		last: last,
	})
	q.changed()
	q.mu.Unlock()
	return seq, nil
}

// next blocks until an untransmitted chunk is available and returns
// it, leaving it queued for acknowledgment. Returns nil when ctx is
// done or the queue closes.
func (q *pendingQueue) next(ctx context.Context) *audioChunk {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		if q.cursor < len(q.chunks) {
			c := q.chunks[q.cursor]
			q.cursor++
			q.mu.Unlock()
			return c
		}
		wait := q.waitCh
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-wait:
		}
		q.mu.Lock()
	}
}

// ack releases every transmitted chunk with sequence <= seq and
// reports how many were freed. Acks for unknown or already-released
// sequences are ignored.
func (q *pendingQueue) ack(seq uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	released := 0
	for len(q.chunks) > 0 && q.chunks[0].seq <= seq {
		q.chunks[0].data = nil
		q.chunks = q.chunks[1:]
		// A late ack from a previous connection may land before the
		// chunk was retransmitted; the cursor then stays put.
		if q.cursor > 0 {
			q.cursor--
		}
		released++
	}
	if released > 0 {
		if seq+1 > q.acked {
			q.acked = seq + 1
		}
		q.changed()
	}
	return released
}

// rewind resets the transmit cursor so the send loop replays every
// unacked chunk in original order. Called between reconnects, never
// concurrently with an active send loop.
func (q *pendingQueue) rewind() {
	q.mu.Lock()
	q.cursor = 0
	if len(q.chunks) > 0 {
		q.changed()
	}
	q.mu.Unlock()
}

// lastAcked returns the highest acknowledged sequence; ok is false
// before the first ack.
func (q *pendingQueue) lastAcked() (seq uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.acked == 0 {
		return 0, false
	}
	return q.acked - 1, true
}

// pending is the number of chunks awaiting transmission or ack.
func (q *pendingQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// close rejects further pushes, wakes all waiters, and reports how
// many chunks were never acknowledged.
func (q *pendingQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return len(q.chunks)
	}
	q.closed = true
	q.changed()
	return len(q.chunks)
}

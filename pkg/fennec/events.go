package fennec

import (
	"sync"
)

// eventBuffer decouples the receive loop from a slow consumer. It is
// bounded: when full, the oldest partial is dropped (or, under
// PartialCoalesce, an older queued partial for the same segment is
// replaced). Finals, errors, and session-end are never dropped; if no
// partial can be evicted the writer waits for the consumer.
type eventBuffer struct {
	mu     sync.Mutex
	waitCh chan struct{}

	events []*TranscriptEvent
	limit  int
	policy PartialDelivery
	closed bool
}

func newEventBuffer(limit int, policy PartialDelivery) *eventBuffer {
	return &eventBuffer{
		waitCh: make(chan struct{}),
		limit:  limit,
		policy: policy,
	}
}

func (b *eventBuffer) changed() {
	close(b.waitCh)
	b.waitCh = make(chan struct{})
}

// put enqueues ev for the consumer. cancel aborts a blocked put.
// Returns false once the buffer is closed or cancel fires.
func (b *eventBuffer) put(ev *TranscriptEvent, cancel <-chan struct{}) bool {
	b.mu.Lock()
	for {
		if b.closed {
			b.mu.Unlock()
			return false
		}

		if ev.Type == EventPartial && b.policy == PartialCoalesce {
			// Replace an older queued partial for the same segment.
			for i := len(b.events) - 1; i >= 0; i-- {
				p := b.events[i]
				if p.Type == EventPartial && p.SegmentID == ev.SegmentID {
					b.events[i] = ev
					b.changed()
					b.mu.Unlock()
					return true
				}
			}
		}

		if len(b.events) < b.limit {
			b.events = append(b.events, ev)
			b.changed()
			b.mu.Unlock()
			return true
		}

		// Full: evict the oldest partial, never a final.
		if i := b.oldestPartial(); i >= 0 {
			b.events = append(b.events[:i], b.events[i+1:]...)
			b.events = append(b.events, ev)
			b.changed()
			b.mu.Unlock()
			return true
		}

		// Nothing evictable: the writer waits for the consumer.
		wait := b.waitCh
		b.mu.Unlock()
		select {
		case <-cancel:
			return false
		case <-wait:
		}
		b.mu.Lock()
	}
}

func (b *eventBuffer) oldestPartial() int {
	for i, ev := range b.events {
		if ev.Type == EventPartial {
			return i
		}
	}
	return -1
}

// get blocks until an event is available. Returns nil once the buffer
// is closed and drained.
func (b *eventBuffer) get(cancel <-chan struct{}) *TranscriptEvent {
	b.mu.Lock()
	for {
		if len(b.events) > 0 {
			ev := b.events[0]
			b.events = b.events[1:]
			b.changed()
			b.mu.Unlock()
			return ev
		}
		if b.closed {
			b.mu.Unlock()
			return nil
		}
		wait := b.waitCh
		b.mu.Unlock()
		select {
		case <-cancel:
			return nil
		case <-wait:
		}
		b.mu.Lock()
	}
}

// putForce appends ev even when the buffer is full. Used for the
// terminating SessionEnded event, which must never be dropped or
// block shutdown.
func (b *eventBuffer) putForce(ev *TranscriptEvent) {
	b.mu.Lock()
	if !b.closed {
		b.events = append(b.events, ev)
		b.changed()
	}
	b.mu.Unlock()
}

// close stops intake. Queued events remain readable; get returns nil
// after the drain.
func (b *eventBuffer) close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.changed()
	}
	b.mu.Unlock()
}

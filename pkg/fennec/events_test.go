package fennec

import (
	"testing"
)

func partial(seg, text string) *TranscriptEvent {
	return &TranscriptEvent{Type: EventPartial, SegmentID: seg, Text: text}
}

func final(seg, text string) *TranscriptEvent {
	return &TranscriptEvent{Type: EventFinal, SegmentID: seg, Text: text}
}

func drain(b *eventBuffer) []*TranscriptEvent {
	b.close()
	var out []*TranscriptEvent
	for {
		ev := b.get(nil)
		if ev == nil {
			return out
		}
		out = append(out, ev)
	}
}

func TestEventBuffer_ArrivalOrder(t *testing.T) {
	b := newEventBuffer(8, PartialDeliverAll)
	b.put(partial("s1", "he"), nil)
	b.put(partial("s1", "hello"), nil)
	b.put(final("s1", "hello."), nil)

	got := drain(b)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	wantTexts := []string{"he", "hello", "hello."}
	for i, w := range wantTexts {
		if got[i].Text != w {
			t.Errorf("event %d text = %q, want %q", i, got[i].Text, w)
		}
	}
	if got[2].Type != EventFinal {
		t.Error("final must be delivered last")
	}
}

func TestEventBuffer_OverflowDropsOldestPartial(t *testing.T) {
	b := newEventBuffer(3, PartialDeliverAll)
	b.put(partial("s1", "a"), nil)
	b.put(final("s1", "a."), nil)
	b.put(partial("s2", "b"), nil)
	// Full. The next put evicts the oldest partial ("a"), never the
	// final.
	b.put(partial("s2", "bc"), nil)

	got := drain(b)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Type != EventFinal {
		t.Errorf("first event = %v, want the final", got[0].Type)
	}
	if got[1].Text != "b" || got[2].Text != "bc" {
		t.Errorf("partials = %q, %q", got[1].Text, got[2].Text)
	}
}

func TestEventBuffer_NeverDropsFinals(t *testing.T) {
	b := newEventBuffer(2, PartialDeliverAll)
	b.put(final("s1", "one."), nil)
	b.put(final("s2", "two."), nil)

	// Buffer is full of finals; a put must wait rather than evict.
	cancel := make(chan struct{})
	close(cancel)
	if ok := b.put(final("s3", "three."), cancel); ok {
		t.Fatal("put should have blocked and honored cancel")
	}

	got := drain(b)
	if len(got) != 2 || got[0].Text != "one." || got[1].Text != "two." {
		t.Fatalf("finals were dropped: %v", got)
	}
}

func TestEventBuffer_CoalescePartials(t *testing.T) {
	b := newEventBuffer(8, PartialCoalesce)
	b.put(partial("s1", "he"), nil)
	b.put(partial("s2", "x"), nil)
	b.put(partial("s1", "hello"), nil) // replaces the queued "he"
	b.put(final("s1", "hello."), nil)

	got := drain(b)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Text != "hello" || got[0].SegmentID != "s1" {
		t.Errorf("coalesced partial = %+v", got[0])
	}
	if got[1].SegmentID != "s2" {
		t.Errorf("unrelated segment disturbed: %+v", got[1])
	}
}

func TestEventBuffer_PutForceBypassesLimit(t *testing.T) {
	b := newEventBuffer(1, PartialDeliverAll)
	b.put(final("s1", "one."), nil)
	b.putForce(&TranscriptEvent{Type: EventSessionEnded, Reason: "client_close"})

	got := drain(b)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[1].Type != EventSessionEnded {
		t.Error("session end must be the last event")
	}
}

package realtime

import (
	"sync/atomic"
	"testing"

	v1 "marketchat/shared/contracts/realtime/v1"
)

type countingSub struct{ n *atomic.Int32 }

func (s countingSub) Unsubscribe() { s.n.Add(1) }

func TestSession_CloseCancelsSubscriptions(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	s := NewSession("s1", "buyer-1", 0)
	s.setPersonal(countingSub{&n})
	if !s.track("conv-1", countingSub{&n}) {
		t.Fatalf("track conv-1")
	}
	if s.track("conv-1", countingSub{&n}) {
		t.Fatalf("duplicate track must be refused")
	}
	// The refused duplicate is cancelled immediately.
	if got := n.Load(); got != 1 {
		t.Fatalf("unsubscribes after duplicate: got %d want 1", got)
	}

	s.Close()
	s.Close()
	if got := n.Load(); got != 3 {
		t.Fatalf("unsubscribes after close: got %d want 3", got)
	}
	if s.track("conv-2", countingSub{&n}) {
		t.Fatalf("track after close must be refused")
	}
	if s.Enqueue(v1.Envelope{Type: v1.TypeNotify}) {
		t.Fatalf("enqueue after close must fail")
	}
}

func TestSession_EnqueueNeverBlocks(t *testing.T) {
	t.Parallel()

	s := NewSession("s1", "buyer-1", minSendQueueSize)
	for i := 0; i < minSendQueueSize; i++ {
		if !s.Enqueue(v1.Envelope{Type: v1.TypeNotify}) {
			t.Fatalf("enqueue %d should fit", i)
		}
	}
	if s.Enqueue(v1.Envelope{Type: v1.TypeNotify}) {
		t.Fatalf("full queue must refuse")
	}
	if s.untrack("missing") {
		t.Fatalf("untrack of unknown conversation reports false")
	}
}

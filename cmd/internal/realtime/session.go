package realtime

import (
	"sync"

	"marketchat/cmd/internal/chat"
	v1 "marketchat/shared/contracts/realtime/v1"
)

// Session represents one connected WebSocket client acting as a participant.
//
// Send is never closed: broker listeners may still hold the session while it shuts down,
// so a closed Send would panic. done is the shutdown signal instead.
type Session struct {
	ID            string
	ParticipantID string

	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	subs     map[string]chat.Subscription
	personal chat.Subscription
	closed   bool
}

// NewSession constructs a session with a bounded send queue.
func NewSession(id, participantID string, queueSize int) *Session {
	if queueSize < minSendQueueSize {
		queueSize = minSendQueueSize
	}
	return &Session{
		ID:            id,
		ParticipantID: participantID,
		Send:          make(chan v1.Envelope, queueSize),
		done:          make(chan struct{}),
		subs:          make(map[string]chat.Subscription),
	}
}

// Done returns a channel closed when the session shuts down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Enqueue offers env to the writer without blocking. It reports false when the queue is
// full or the session is closed.
func (s *Session) Enqueue(env v1.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.Send <- env:
		return true
	default:
		return false
	}
}

// Subscribed reports whether the session holds a subscription to conversationID.
func (s *Session) Subscribed(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[conversationID]
	return ok
}

// track records sub for conversationID. It reports false (and unsubscribes sub) when the
// session is already closed or the conversation is already tracked.
func (s *Session) track(conversationID string, sub chat.Subscription) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return false
	}
	if _, dup := s.subs[conversationID]; dup {
		s.mu.Unlock()
		sub.Unsubscribe()
		return false
	}
	s.subs[conversationID] = sub
	s.mu.Unlock()
	return true
}

// untrack removes and cancels the subscription for conversationID.
func (s *Session) untrack(conversationID string) bool {
	s.mu.Lock()
	sub, ok := s.subs[conversationID]
	delete(s.subs, conversationID)
	s.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
	return ok
}

// setPersonal records the participant-channel subscription.
func (s *Session) setPersonal(sub chat.Subscription) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.personal = sub
	s.mu.Unlock()
}

// Close is idempotent. It cancels every broker subscription before signalling done.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		subs := s.subs
		s.subs = map[string]chat.Subscription{}
		personal := s.personal
		s.personal = nil
		s.mu.Unlock()

		for _, sub := range subs {
			sub.Unsubscribe()
		}
		if personal != nil {
			personal.Unsubscribe()
		}
		close(s.done)
	})
}

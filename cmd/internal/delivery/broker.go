package delivery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"marketchat/cmd/internal/chat"
)

// DefaultQueueSize is the per-subscription buffer.
const DefaultQueueSize = 64

type channelKind uint8

const (
	conversationChannel channelKind = iota + 1
	participantChannel
)

func (k channelKind) String() string {
	switch k {
	case conversationChannel:
		return "conversation"
	case participantChannel:
		return "participant"
	default:
		return "unknown"
	}
}

// Broker is an in-memory subscription registry and fanout primitive.
//
// Concurrency guarantees:
//   - Subscribe/Unsubscribe are safe under concurrent Publish.
//   - Publish never blocks (drops under backpressure).
//   - Publish is panic-safe because subscription queues are never closed.
//   - A listener sees events in the order they were published.
type Broker struct {
	log       *slog.Logger
	metrics   *Metrics
	queueSize int

	nextID atomic.Uint64

	mu       sync.RWMutex
	closed   bool
	channels map[channelKind]map[string]map[uint64]*subscription
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithQueueSize sets the per-subscription queue size.
func WithQueueSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// NewBroker constructs an in-memory Broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		log:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		queueSize: DefaultQueueSize,
		channels: map[channelKind]map[string]map[uint64]*subscription{
			conversationChannel: {},
			participantChannel:  {},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

type subscription struct {
	b        *Broker
	id       uint64
	kind     channelKind
	key      string
	listener chat.Listener

	queue chan chat.Message
	done  chan struct{}
	once  sync.Once
}

// Unsubscribe removes the subscription and stops its goroutine. It is idempotent.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		// Remove from the registry before signalling shutdown so no publisher
		// holds a pointer to a subscription that is being torn down.
		s.b.remove(s)
		close(s.done)
		s.b.metrics.subscriptionClosed(s.kind)
	})
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.dispatch(msg)
		}
	}
}

func (s *subscription) dispatch(msg chat.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.b.metrics.listenerPanic()
			s.b.log.Error("delivery.listener.panic",
				"channel", s.kind.String(),
				"key", s.key,
				"conversation_id", msg.ConversationID,
				"seq", msg.ID,
				"panic", r,
			)
		}
	}()
	s.listener(msg)
	s.b.metrics.delivered(s.kind)
}

// offer enqueues msg without blocking.
func (s *subscription) offer(msg chat.Message) {
	select {
	case <-s.done:
		s.b.metrics.dropped(s.kind, "closing")
		return
	default:
	}

	select {
	case s.queue <- msg:
	default:
		s.b.metrics.dropped(s.kind, "queue_full")
		s.b.log.Warn("delivery.drop",
			"channel", s.kind.String(),
			"key", s.key,
			"conversation_id", msg.ConversationID,
			"seq", msg.ID,
		)
	}
}

// SubscribeConversation registers l for every message of conversationID.
func (b *Broker) SubscribeConversation(conversationID string, l chat.Listener) (chat.Subscription, error) {
	return b.subscribe(conversationChannel, conversationID, l)
}

// SubscribeParticipant registers l for every message addressed to participantID.
func (b *Broker) SubscribeParticipant(participantID string, l chat.Listener) (chat.Subscription, error) {
	return b.subscribe(participantChannel, participantID, l)
}

func (b *Broker) subscribe(kind channelKind, key string, l chat.Listener) (chat.Subscription, error) {
	const op = "delivery.subscribe"
	if key == "" || l == nil {
		return nil, chat.NewValidationError(op, chat.ErrInvalidArgument, "missing key or listener")
	}

	s := &subscription{
		b:        b,
		id:       b.nextID.Add(1),
		kind:     kind,
		key:      key,
		listener: l,
		queue:    make(chan chat.Message, b.queueSize),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, chat.NewError(op, chat.ErrDeliveryUnavailable, "broker closed")
	}
	subs := b.channels[kind][key]
	if subs == nil {
		subs = make(map[uint64]*subscription)
		b.channels[kind][key] = subs
	}
	subs[s.id] = s
	b.mu.Unlock()

	b.metrics.subscriptionOpened(kind)
	go s.run()

	b.log.Debug("delivery.subscribe", "channel", kind.String(), "key", key, "subscription_id", s.id)
	return s, nil
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.channels[s.kind][s.key]
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(b.channels[s.kind], s.key)
	}
}

// Publish fans msg out to the conversation channel and to the receiver's personal channel.
// It never blocks; the context is accepted for interface symmetry with networked brokers.
func (b *Broker) Publish(_ context.Context, msg chat.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return chat.NewError("delivery.publish", chat.ErrDeliveryUnavailable, "broker closed")
	}
	b.metrics.published()

	for _, s := range b.channels[conversationChannel][msg.ConversationID] {
		s.offer(msg)
	}
	if msg.ReceiverID != "" {
		for _, s := range b.channels[participantChannel][msg.ReceiverID] {
			s.offer(msg)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions (tests, readiness).
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, byKey := range b.channels {
		for _, subs := range byKey {
			n += len(subs)
		}
	}
	return n
}

// Close cancels every subscription and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, byKey := range b.channels {
		for _, subs := range byKey {
			for _, s := range subs {
				all = append(all, s)
			}
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Unsubscribe()
	}
	return nil
}

var _ chat.Broker = (*Broker)(nil)

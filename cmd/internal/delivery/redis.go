package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"marketchat/cmd/internal/chat"
)

// Redis relay defaults.
const (
	DefaultRedisChannel   = "marketchat:messages"
	DefaultOutboxSize     = 1024
	DefaultPublishTimeout = 2 * time.Second
)

// RedisConfig configures a RedisBroker.
type RedisConfig struct {
	Channel        string
	OutboxSize     int
	PublishTimeout time.Duration
}

// relayEvent is the wire form on the Redis channel.
type relayEvent struct {
	Origin  string       `json:"origin"`
	Message chat.Message `json:"message"`
}

// RedisBroker fans messages out across processes through Redis pub/sub.
//
// Local subscribers are served by the wrapped Broker immediately. The event is also queued
// on a bounded outbox drained by one worker, so a slow or unavailable Redis never blocks a
// sender. Events that come back from Redis with this process's origin are ignored.
type RedisBroker struct {
	local   *Broker
	rdb     redis.UniversalClient
	cfg     RedisConfig
	origin  string
	outbox  chan []byte
	metrics *Metrics

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRedisBroker subscribes to the relay channel and starts the relay goroutines.
// The Redis client is owned by the caller.
func NewRedisBroker(ctx context.Context, rdb redis.UniversalClient, local *Broker, cfg RedisConfig) (*RedisBroker, error) {
	if rdb == nil {
		return nil, errors.New("delivery: nil redis client")
	}
	if local == nil {
		return nil, errors.New("delivery: nil local broker")
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		cfg.Channel = DefaultRedisChannel
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}

	pubsub := rdb.Subscribe(ctx, cfg.Channel)
	// Receive confirms the subscription before any publish can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rb := &RedisBroker{
		local:   local,
		rdb:     rdb,
		cfg:     cfg,
		origin:  uuid.NewString(),
		outbox:  make(chan []byte, cfg.OutboxSize),
		metrics: local.metrics,
		pubsub:  pubsub,
		cancel:  cancel,
	}

	rb.wg.Add(2)
	go rb.runOutbox(runCtx)
	go rb.runInbox(runCtx)

	local.log.Info("delivery.redis.start", "channel", cfg.Channel, "origin", rb.origin)
	return rb, nil
}

// Publish delivers to local subscribers and queues the event for other processes.
// A full outbox returns ErrDeliveryUnavailable; local delivery has already happened.
func (r *RedisBroker) Publish(ctx context.Context, msg chat.Message) error {
	const op = "delivery.publish"

	if err := r.local.Publish(ctx, msg); err != nil {
		return err
	}

	payload, err := json.Marshal(relayEvent{Origin: r.origin, Message: msg})
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return chat.NewError(op, chat.ErrDeliveryUnavailable, "relay closed")
	}

	select {
	case r.outbox <- payload:
		return nil
	default:
		r.metrics.relayEvent("out", "dropped")
		return chat.NewError(op, chat.ErrDeliveryUnavailable, "relay outbox full")
	}
}

// SubscribeConversation registers l on the local registry.
func (r *RedisBroker) SubscribeConversation(conversationID string, l chat.Listener) (chat.Subscription, error) {
	return r.local.SubscribeConversation(conversationID, l)
}

// SubscribeParticipant registers l on the local registry.
func (r *RedisBroker) SubscribeParticipant(participantID string, l chat.Listener) (chat.Subscription, error) {
	return r.local.SubscribeParticipant(participantID, l)
}

// Ping reports whether Redis is reachable (readiness).
func (r *RedisBroker) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close stops the relay goroutines. Queued outbound events are discarded.
// The local Broker and the Redis client are left to their owners.
func (r *RedisBroker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	err := r.pubsub.Close()
	r.wg.Wait()
	return err
}

func (r *RedisBroker) runOutbox(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.outbox:
			pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
			err := r.rdb.Publish(pctx, r.cfg.Channel, payload).Err()
			cancel()
			if err != nil {
				r.metrics.relayEvent("out", "error")
				r.local.log.Warn("delivery.redis.publish.fail", "channel", r.cfg.Channel, "err", err)
				continue
			}
			r.metrics.relayEvent("out", "ok")
		}
	}
}

func (r *RedisBroker) runInbox(ctx context.Context) {
	defer r.wg.Done()
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			r.handlePayload(ctx, []byte(m.Payload))
		}
	}
}

// handlePayload dispatches a relay event from another process to local subscribers.
func (r *RedisBroker) handlePayload(ctx context.Context, payload []byte) {
	var ev relayEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.metrics.relayEvent("in", "invalid")
		r.local.log.Warn("delivery.redis.decode.fail", "err", err)
		return
	}
	if ev.Origin == r.origin {
		return
	}
	if ev.Message.ConversationID == "" || ev.Message.ID <= 0 {
		r.metrics.relayEvent("in", "invalid")
		return
	}
	if err := r.local.Publish(ctx, ev.Message); err != nil {
		r.metrics.relayEvent("in", "error")
		return
	}
	r.metrics.relayEvent("in", "ok")
}

var _ chat.Broker = (*RedisBroker)(nil)

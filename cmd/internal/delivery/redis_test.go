package delivery

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"marketchat/cmd/internal/chat"
)

func TestRedisBroker_HandlePayload(t *testing.T) {
	t.Parallel()

	local := NewBroker()
	defer local.Close()

	rb := &RedisBroker{local: local, origin: "self"}

	c := newCollector()
	sub := mustSubscribeConversation(t, local, "c1", c.listen)
	defer sub.Unsubscribe()

	encode := func(ev relayEvent) []byte {
		b, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return b
	}

	ctx := context.Background()

	// Own events were already delivered locally.
	rb.handlePayload(ctx, encode(relayEvent{Origin: "self", Message: msg("c1", 1, "buyer")}))
	// Garbage and incomplete events are ignored.
	rb.handlePayload(ctx, []byte("{not json"))
	rb.handlePayload(ctx, encode(relayEvent{Origin: "other", Message: chat.Message{ConversationID: "c1"}}))
	c.expectNone(t, 100*time.Millisecond)

	rb.handlePayload(ctx, encode(relayEvent{Origin: "other", Message: msg("c1", 2, "buyer")}))
	if got := c.next(t); got.ID != 2 || got.ConversationID != "c1" {
		t.Fatalf("relayed message: got conversation=%s seq=%d", got.ConversationID, got.ID)
	}
}

// Integration test is enabled when MARKETCHAT_REDIS_URL is set.
func TestRedisBroker_FansOutAcrossProcesses(t *testing.T) {
	t.Parallel()

	url := os.Getenv("MARKETCHAT_REDIS_URL")
	if url == "" {
		t.Skip("MARKETCHAT_REDIS_URL not set; skipping Redis integration test")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := RedisConfig{Channel: "marketchat:it:" + uuid.NewString()}

	localA, localB := NewBroker(), NewBroker()
	defer localA.Close()
	defer localB.Close()

	a, err := NewRedisBroker(ctx, rdb, localA, cfg)
	if err != nil {
		t.Fatalf("broker a: %v", err)
	}
	defer a.Close()
	b, err := NewRedisBroker(ctx, rdb, localB, cfg)
	if err != nil {
		t.Fatalf("broker b: %v", err)
	}
	defer b.Close()

	onA, onB := newCollector(), newCollector()
	subA := mustSubscribeParticipant(t, a, "buyer", onA.listen)
	defer subA.Unsubscribe()
	subB := mustSubscribeParticipant(t, b, "buyer", onB.listen)
	defer subB.Unsubscribe()

	if err := a.Publish(ctx, msg("c1", 1, "buyer")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := onA.next(t); got.ID != 1 {
		t.Fatalf("local delivery: seq=%d", got.ID)
	}
	if got := onB.next(t); got.ID != 1 {
		t.Fatalf("remote delivery: seq=%d", got.ID)
	}
	// The origin must not receive its own event twice.
	onA.expectNone(t, 200*time.Millisecond)

	if err := a.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

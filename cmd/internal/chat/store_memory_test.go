package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func mustConversation(t *testing.T, st Store, a, b string) Conversation {
	t.Helper()
	c, _, err := st.GetOrCreateConversation(context.Background(), a, b, time.Now())
	if err != nil {
		t.Fatalf("get or create %s/%s: %v", a, b, err)
	}
	return c
}

func mustAppend(t *testing.T, st Store, in AppendMessageInput) AppendMessageResult {
	t.Helper()
	res, err := st.AppendMessage(context.Background(), in)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return res
}

func TestInMemoryStore_GetOrCreate_ConcurrentIsIdempotent(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]int)
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "buyer-1", "seller-1"
			if i%2 == 1 {
				a, b = b, a
			}
			c, isNew, err := st.GetOrCreateConversation(context.Background(), a, b, time.Now())
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			mu.Lock()
			ids[c.ID]++
			if isNew {
				created++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("expected exactly one conversation id, got %d", len(ids))
	}
	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}

	c := mustConversation(t, st, "seller-1", "buyer-1")
	if c.ParticipantA != "buyer-1" || c.ParticipantB != "seller-1" {
		t.Fatalf("pair not normalized: a=%q b=%q", c.ParticipantA, c.ParticipantB)
	}
	if c.Status != StatusActive || !c.LastMessageAt.IsZero() {
		t.Fatalf("unexpected new conversation state: %+v", c)
	}
}

func TestInMemoryStore_GetOrCreate_RejectsInvalidPairs(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	cases := []struct{ a, b string }{
		{"same", "same"},
		{"", "seller"},
		{"buyer", "   "},
		{"has space", "seller"},
	}
	for _, tc := range cases {
		_, _, err := st.GetOrCreateConversation(context.Background(), tc.a, tc.b, time.Now())
		if !IsValidation(err) {
			t.Fatalf("(%q,%q): want validation error, got %v", tc.a, tc.b, err)
		}
	}
}

func TestInMemoryStore_Append_ConcurrentIsGapFreeAndOrdered(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	c := mustConversation(t, st, "buyer", "seller")

	const perSender = 100
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for _, sender := range []string{"buyer", "seller"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := st.AppendMessage(context.Background(), AppendMessageInput{
					ConversationID: c.ID,
					SenderID:       sender,
					Body:           fmt.Sprintf("%s-%d", sender, i),
					// A frozen clock must still yield strictly increasing created_at.
					Now: fixed,
				})
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(sender)
	}
	wg.Wait()

	res, err := st.ListMessages(context.Background(), ListMessagesInput{ConversationID: c.ID, Limit: MaxPageLimit})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Messages) != 2*perSender || res.HasMore {
		t.Fatalf("want %d messages, got %d (has_more=%v)", 2*perSender, len(res.Messages), res.HasMore)
	}
	for i, m := range res.Messages {
		if m.ID != int64(i+1) {
			t.Fatalf("gap at index %d: id=%d", i, m.ID)
		}
		if i > 0 && !m.CreatedAt.After(res.Messages[i-1].CreatedAt) {
			t.Fatalf("created_at not strictly increasing at id=%d", m.ID)
		}
		peer, _ := c.Peer(m.SenderID)
		if m.ReceiverID != peer {
			t.Fatalf("receiver mismatch at id=%d: %q", m.ID, m.ReceiverID)
		}
	}

	got, err := st.GetConversation(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	last := res.Messages[len(res.Messages)-1]
	if got.LastSeq != last.ID || !got.LastMessageAt.Equal(last.CreatedAt) {
		t.Fatalf("conversation not advanced: last_seq=%d last_message_at=%v", got.LastSeq, got.LastMessageAt)
	}
}

func TestInMemoryStore_Append_DedupeNoSeqWaste(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	c := mustConversation(t, st, "buyer", "seller")

	first := mustAppend(t, st, AppendMessageInput{ConversationID: c.ID, SenderID: "buyer", Body: "hello", ClientMsgID: "cm-1"})
	dup := mustAppend(t, st, AppendMessageInput{ConversationID: c.ID, SenderID: "buyer", Body: "hello", ClientMsgID: "cm-1"})
	next := mustAppend(t, st, AppendMessageInput{ConversationID: c.ID, SenderID: "buyer", Body: "again", ClientMsgID: "cm-2"})

	if first.Duplicated || !dup.Duplicated || next.Duplicated {
		t.Fatalf("duplicated flags: first=%v dup=%v next=%v", first.Duplicated, dup.Duplicated, next.Duplicated)
	}
	if dup.Stored.ID != first.Stored.ID || !dup.Stored.CreatedAt.Equal(first.Stored.CreatedAt) {
		t.Fatalf("duplicate must return the stored message")
	}
	if next.Stored.ID != 2 {
		t.Fatalf("duplicate consumed a seq: next id=%d", next.Stored.ID)
	}
}

func TestInMemoryStore_Append_Preconditions(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	c := mustConversation(t, st, "buyer", "seller")
	ctx := context.Background()

	mustAppend(t, st, AppendMessageInput{ConversationID: c.ID, SenderID: "buyer", Body: "before close", ClientMsgID: "cm-1"})

	tests := []struct {
		name string
		in   AppendMessageInput
		want func(error) bool
	}{
		{"unknown conversation", AppendMessageInput{ConversationID: "nope", SenderID: "buyer", Body: "x"}, IsNotFound},
		{"stranger", AppendMessageInput{ConversationID: c.ID, SenderID: "mallory", Body: "x"}, IsUnauthorized},
		{"empty body", AppendMessageInput{ConversationID: c.ID, SenderID: "buyer", Body: "   "}, IsValidation},
		{"too long", AppendMessageInput{ConversationID: c.ID, SenderID: "buyer", Body: string(make([]rune, MaxBodyChars+1))}, IsValidation},
	}
	for _, tc := range tests {
		if _, err := st.AppendMessage(ctx, tc.in); !tc.want(err) {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}

	if _, err := st.SetConversationStatus(ctx, c.ID, StatusClosed, time.Now()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: c.ID, SenderID: "buyer", Body: "after close"}); !IsConversationClosed(err) {
		t.Fatalf("closed: want conversation_closed, got %v", err)
	}
	// A retry of a message stored before the close still resolves.
	res, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: c.ID, SenderID: "buyer", Body: "before close", ClientMsgID: "cm-1"})
	if err != nil || !res.Duplicated {
		t.Fatalf("retry after close: res=%+v err=%v", res, err)
	}
}

func TestInMemoryStore_Append_AttachmentOnly(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	c := mustConversation(t, st, "buyer", "seller")

	ref := &AttachmentRef{Key: "k", URL: "u", MimeType: "image/png", Size: 10, Checksum: "abc"}
	res := mustAppend(t, st, AppendMessageInput{ConversationID: c.ID, SenderID: "seller", Attachment: ref})
	ref.Key = "mutated"

	got, err := st.GetMessage(context.Background(), c.ID, res.Stored.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Attachment == nil || got.Attachment.Key != "k" {
		t.Fatalf("attachment not stored immutably: %+v", got.Attachment)
	}
	if _, err := st.GetMessage(context.Background(), c.ID, 99); !IsNotFound(err) {
		t.Fatalf("missing message: want not_found, got %v", err)
	}
}

func TestInMemoryStore_ListMessages_Windows(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	c := mustConversation(t, st, "buyer", "seller")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var stored []Message
	for i := 0; i < 5; i++ {
		res := mustAppend(t, st, AppendMessageInput{
			ConversationID: c.ID,
			SenderID:       "buyer",
			Body:           fmt.Sprintf("m%d", i),
			Now:            base.Add(time.Duration(i) * time.Second),
		})
		stored = append(stored, res.Stored)
	}
	ctx := context.Background()

	res, err := st.ListMessages(ctx, ListMessagesInput{ConversationID: c.ID, Since: stored[1].CreatedAt, Limit: 2})
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(res.Messages) != 2 || res.Messages[0].ID != 3 || !res.HasMore {
		t.Fatalf("since window: %+v has_more=%v", res.Messages, res.HasMore)
	}

	after := int64(3)
	res, err = st.ListMessages(ctx, ListMessagesInput{ConversationID: c.ID, AfterSeq: &after, Limit: 10})
	if err != nil {
		t.Fatalf("list after_seq: %v", err)
	}
	if len(res.Messages) != 2 || res.Messages[0].ID != 4 || res.HasMore {
		t.Fatalf("after_seq window: %+v has_more=%v", res.Messages, res.HasMore)
	}

	res, err = st.ListMessages(ctx, ListMessagesInput{ConversationID: c.ID, Since: stored[4].CreatedAt})
	if err != nil {
		t.Fatalf("list past end: %v", err)
	}
	if len(res.Messages) != 0 || res.HasMore {
		t.Fatalf("past end must be empty")
	}
}

func TestInMemoryStore_ReadMarkers(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	c1 := mustConversation(t, st, "buyer", "seller")
	c2 := mustConversation(t, st, "buyer", "seller-2")

	for i := 0; i < 3; i++ {
		mustAppend(t, st, AppendMessageInput{ConversationID: c1.ID, SenderID: "seller", Body: "offer"})
	}
	mustAppend(t, st, AppendMessageInput{ConversationID: c1.ID, SenderID: "buyer", Body: "mine"})
	mustAppend(t, st, AppendMessageInput{ConversationID: c2.ID, SenderID: "seller-2", Body: "hi"})

	if n, _ := st.UnreadCount(ctx, c1.ID, "buyer"); n != 3 {
		t.Fatalf("unread c1 buyer: want=3 got=%d", n)
	}
	if n, _ := st.UnreadCount(ctx, c1.ID, "seller"); n != 1 {
		t.Fatalf("unread c1 seller: want=1 got=%d", n)
	}
	if n, _ := st.UnreadTotal(ctx, "buyer"); n != 4 {
		t.Fatalf("unread total buyer: want=4 got=%d", n)
	}

	m, err := st.AdvanceReadMarker(ctx, c1.ID, "buyer", 2, time.Now())
	if err != nil || m.LastReadMessageID != 2 {
		t.Fatalf("advance to 2: marker=%+v err=%v", m, err)
	}
	m, err = st.AdvanceReadMarker(ctx, c1.ID, "buyer", 1, time.Now())
	if err != nil || m.LastReadMessageID != 2 {
		t.Fatalf("regress must be a no-op: marker=%+v err=%v", m, err)
	}
	m, err = st.AdvanceReadMarker(ctx, c1.ID, "buyer", 1000, time.Now())
	if err != nil || m.LastReadMessageID != 4 {
		t.Fatalf("advance past end must clamp: marker=%+v err=%v", m, err)
	}
	if n, _ := st.UnreadCount(ctx, c1.ID, "buyer"); n != 0 {
		t.Fatalf("unread after read all: got=%d", n)
	}
	if n, _ := st.UnreadTotal(ctx, "buyer"); n != 1 {
		t.Fatalf("unread total after read: want=1 got=%d", n)
	}
	if n, _ := st.UnreadTotal(ctx, "nobody"); n != 0 {
		t.Fatalf("unread total for unknown participant: got=%d", n)
	}
	if _, err := st.AdvanceReadMarker(ctx, c1.ID, "buyer", -1, time.Now()); !IsValidation(err) {
		t.Fatalf("negative marker: want validation, got %v", err)
	}
}

func TestInMemoryStore_ReadMarkers_ConcurrentAdvanceIsMonotonic(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	c := mustConversation(t, st, "buyer", "seller")
	for i := 0; i < 50; i++ {
		mustAppend(t, st, AppendMessageInput{ConversationID: c.ID, SenderID: "seller", Body: "x"})
	}

	var wg sync.WaitGroup
	for i := int64(50); i >= 1; i-- {
		wg.Add(1)
		go func(upTo int64) {
			defer wg.Done()
			if _, err := st.AdvanceReadMarker(ctx, c.ID, "buyer", upTo, time.Now()); err != nil {
				t.Errorf("advance %d: %v", upTo, err)
			}
		}(i)
	}
	wg.Wait()

	m, err := st.GetReadMarker(ctx, c.ID, "buyer")
	if err != nil {
		t.Fatalf("get marker: %v", err)
	}
	if m.LastReadMessageID != 50 {
		t.Fatalf("marker regressed: got=%d", m.LastReadMessageID)
	}
}

func TestInMemoryStore_ListConversations_MostRecentFirst(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	older := mustConversation(t, st, "buyer", "seller-a")
	newer := mustConversation(t, st, "buyer", "seller-b")
	_ = mustConversation(t, st, "other", "seller-a")

	mustAppend(t, st, AppendMessageInput{ConversationID: newer.ID, SenderID: "buyer", Body: "1", Now: time.Now()})
	mustAppend(t, st, AppendMessageInput{ConversationID: older.ID, SenderID: "buyer", Body: "2", Now: time.Now().Add(time.Second)})

	got, err := st.ListConversations(ctx, "buyer", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != older.ID || got[1].ID != newer.ID {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestInMemoryStore_TouchLastMessageAt_NeverMovesBackward(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	c := mustConversation(t, st, "buyer", "seller")
	t1 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	if err := st.TouchLastMessageAt(ctx, c.ID, t1); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := st.TouchLastMessageAt(ctx, c.ID, t1.Add(-time.Hour)); err != nil {
		t.Fatalf("touch older: %v", err)
	}
	got, _ := st.GetConversation(ctx, c.ID)
	if !got.LastMessageAt.Equal(t1) {
		t.Fatalf("last_message_at moved backward: %v", got.LastMessageAt)
	}
	if err := st.TouchLastMessageAt(ctx, "missing", t1); !IsNotFound(err) {
		t.Fatalf("missing conversation: want not_found, got %v", err)
	}
}

func TestInMemoryStore_AppendTouchesLastMessageAt(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	c := mustConversation(t, st, "buyer", "seller")
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	res := mustAppend(t, st, AppendMessageInput{ConversationID: c.ID, SenderID: "buyer", Body: "hi", Now: now})
	got, _ := st.GetConversation(ctx, c.ID)
	if got.LastSeq != 1 || !got.LastMessageAt.Equal(res.Stored.CreatedAt) {
		t.Fatalf("append must advance the conversation: %+v", got)
	}

	// A backfilled touch ahead of the log moves the next created_at past it.
	ahead := now.Add(time.Hour)
	if err := st.TouchLastMessageAt(ctx, c.ID, ahead); err != nil {
		t.Fatalf("touch: %v", err)
	}
	next := mustAppend(t, st, AppendMessageInput{ConversationID: c.ID, SenderID: "seller", Body: "yo", Now: now})
	if !next.Stored.CreatedAt.After(ahead) {
		t.Fatalf("created_at %v must follow touched %v", next.Stored.CreatedAt, ahead)
	}
}

func TestInMemoryStore_Append_RejectsUnstorableText(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	c := mustConversation(t, st, "buyer", "seller")

	for _, in := range []AppendMessageInput{
		{ConversationID: c.ID, SenderID: "buyer", Body: "a\x00b"},
		{ConversationID: c.ID, SenderID: "buyer", Body: "\xff\xfe"},
		{ConversationID: c.ID, SenderID: "buyer", Body: "ok", ClientMsgID: "\xc3"},
	} {
		if _, err := st.AppendMessage(context.Background(), in); !errors.Is(err, ErrInvalidEncoding) {
			t.Fatalf("append %q/%q: want invalid_encoding, got %v", in.Body, in.ClientMsgID, err)
		}
	}
	if got, _ := st.GetConversation(context.Background(), c.ID); got.LastSeq != 0 {
		t.Fatalf("rejected appends must not consume seq, got %d", got.LastSeq)
	}
}

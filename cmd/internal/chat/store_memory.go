package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketchat/cmd/identity/ids"
)

// InMemoryStore is a dev/test Store used when no database is configured.
//
// Locking:
//   - mu guards the maps and the pair index (conversation creation)
//   - each conversation has its own mutex guarding its log and markers,
//     so appends to different conversations never contend
type InMemoryStore struct {
	mu            sync.RWMutex
	convs         map[string]*memConv
	byPair        map[[2]string]string
	byParticipant map[string][]string
}

type memConv struct {
	mu      sync.Mutex
	conv    Conversation
	msgs    []Message        // ordered by seq; msgs[i].ID == i+1
	dedupe  map[string]int64 // client_msg_id -> seq
	markers map[string]ReadMarker
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:         make(map[string]*memConv),
		byPair:        make(map[[2]string]string),
		byParticipant: make(map[string][]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) lookup(id string) *memConv {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[id]
}

// GetOrCreateConversation returns the conversation of the unordered pair, creating it when absent.
func (s *InMemoryStore) GetOrCreateConversation(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error) {
	const op = "conversation.get_or_create"

	a, b, err := NormalizePair(a, b)
	if err != nil {
		return Conversation{}, false, NewValidationError(op, err, "participants must be two distinct valid ids")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, FromContext(op, err)
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Microsecond)

	key := [2]string{a, b}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[key]; ok {
		c := s.convs[id]
		c.mu.Lock()
		out := c.conv
		c.mu.Unlock()
		return out, false, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}
	conv := Conversation{
		ID:           id,
		ParticipantA: a,
		ParticipantB: b,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.convs[id] = &memConv{
		conv:    conv,
		msgs:    make([]Message, 0, 64),
		dedupe:  make(map[string]int64),
		markers: make(map[string]ReadMarker, 2),
	}
	s.byPair[key] = id
	s.byParticipant[a] = append(s.byParticipant[a], id)
	s.byParticipant[b] = append(s.byParticipant[b], id)

	return conv, true, nil
}

// GetConversation returns a conversation by id.
func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "conversation.get"
	if err := ctx.Err(); err != nil {
		return Conversation{}, FromContext(op, err)
	}
	c := s.lookup(id)
	if c == nil {
		return Conversation{}, NewError(op, ErrNotFound, "conversation")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv, nil
}

// TouchLastMessageAt advances last_message_at; an older ts is a no-op.
func (s *InMemoryStore) TouchLastMessageAt(ctx context.Context, id string, ts time.Time) error {
	const op = "conversation.touch"
	if err := ctx.Err(); err != nil {
		return FromContext(op, err)
	}
	c := s.lookup(id)
	if c == nil {
		return NewError(op, ErrNotFound, "conversation")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchLocked(ts)
	return nil
}

// touchLocked advances last_message_at; c.mu must be held.
func (c *memConv) touchLocked(ts time.Time) {
	ts = ts.UTC().Truncate(time.Microsecond)
	if ts.After(c.conv.LastMessageAt) {
		c.conv.LastMessageAt = ts
	}
}

// SetConversationStatus closes or reopens a conversation.
func (s *InMemoryStore) SetConversationStatus(ctx context.Context, id string, status Status, now time.Time) (Conversation, error) {
	const op = "conversation.set_status"
	if !status.Valid() {
		return Conversation{}, NewValidationError(op, ErrInvalidArgument, "unknown status")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, FromContext(op, err)
	}
	c := s.lookup(id)
	if c == nil {
		return Conversation{}, NewError(op, ErrNotFound, "conversation")
	}
	if now.IsZero() {
		now = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv.Status != status {
		c.conv.Status = status
		c.conv.UpdatedAt = now.UTC().Truncate(time.Microsecond)
	}
	return c.conv, nil
}

// ListConversations returns the participant's conversations, most recently active first.
func (s *InMemoryStore) ListConversations(ctx context.Context, participantID string, limit int) ([]Conversation, error) {
	const op = "conversation.list"
	if err := ctx.Err(); err != nil {
		return nil, FromContext(op, err)
	}
	limit = clampLimit(limit, 50, 200)

	s.mu.RLock()
	convIDs := s.byParticipant[participantID]
	cs := make([]*memConv, 0, len(convIDs))
	for _, id := range convIDs {
		cs = append(cs, s.convs[id])
	}
	s.mu.RUnlock()

	out := make([]Conversation, 0, len(cs))
	for _, c := range cs {
		c.mu.Lock()
		out = append(out, c.conv)
		c.mu.Unlock()
	}
	sortInbox(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortInbox orders by last activity DESC (conversations without messages use created_at), then id.
func sortInbox(cs []Conversation) {
	activity := func(c Conversation) time.Time {
		if c.LastMessageAt.IsZero() {
			return c.CreatedAt
		}
		return c.LastMessageAt
	}
	sort.SliceStable(cs, func(i, j int) bool {
		ai, aj := activity(cs[i]), activity(cs[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return cs[i].ID < cs[j].ID
	})
}

// AppendMessage appends to the conversation log under the conversation's mutex.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "message.append"

	body, err := checkAppendInput(op, in)
	if err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, FromContext(op, err)
	}

	c := s.lookup(in.ConversationID)
	if c == nil {
		return AppendMessageResult{}, NewError(op, ErrNotFound, "conversation")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	receiver, ok := c.conv.Peer(in.SenderID)
	if !ok {
		return AppendMessageResult{}, NewError(op, ErrUnauthorized, "sender is not a participant")
	}
	if in.ClientMsgID != "" {
		if seq, ok := c.dedupe[in.ClientMsgID]; ok {
			return AppendMessageResult{Stored: c.msgs[seq-1], Duplicated: true}, nil
		}
	}
	if c.conv.Status != StatusActive {
		return AppendMessageResult{}, NewError(op, ErrConversationClosed, "")
	}

	var att *AttachmentRef
	if in.Attachment != nil {
		cp := *in.Attachment
		att = &cp
	}

	createdAt := nextCreatedAt(c.conv.LastMessageAt, in.Now)
	msg := Message{
		ID:             c.conv.LastSeq + 1,
		ConversationID: c.conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     receiver,
		Body:           body,
		Attachment:     att,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      createdAt,
	}
	c.msgs = append(c.msgs, msg)
	if in.ClientMsgID != "" {
		c.dedupe[in.ClientMsgID] = msg.ID
	}
	c.conv.LastSeq = msg.ID
	c.conv.UpdatedAt = createdAt
	c.touchLocked(createdAt)

	return AppendMessageResult{Stored: msg}, nil
}

// GetMessage returns one message by its per-conversation id.
func (s *InMemoryStore) GetMessage(ctx context.Context, conversationID string, seq int64) (Message, error) {
	const op = "message.get"
	if err := ctx.Err(); err != nil {
		return Message{}, FromContext(op, err)
	}
	c := s.lookup(conversationID)
	if c == nil {
		return Message{}, NewError(op, ErrNotFound, "conversation")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < 1 || seq > int64(len(c.msgs)) {
		return Message{}, NewError(op, ErrNotFound, "message")
	}
	return c.msgs[seq-1], nil
}

// ListMessages returns a window ordered by seq ASC.
func (s *InMemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	const op = "message.list"
	if in.ConversationID == "" {
		return ListMessagesResult{}, NewValidationError(op, ErrInvalidArgument, "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, FromContext(op, err)
	}
	limit := clampLimit(in.Limit, DefaultPageLimit, MaxPageLimit)

	c := s.lookup(in.ConversationID)
	if c == nil {
		return ListMessagesResult{}, NewError(op, ErrNotFound, "conversation")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var start int
	switch {
	case in.AfterSeq != nil:
		after := *in.AfterSeq
		start = sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].ID > after })
	case !in.Since.IsZero():
		since := in.Since
		start = sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].CreatedAt.After(since) })
	}
	if start >= len(c.msgs) {
		return ListMessagesResult{}, nil
	}

	end := start + limit
	hasMore := end < len(c.msgs)
	if !hasMore {
		end = len(c.msgs)
	}
	out := make([]Message, end-start)
	copy(out, c.msgs[start:end])
	return ListMessagesResult{Messages: out, HasMore: hasMore}, nil
}

// AdvanceReadMarker moves the participant's marker forward, clamped to the last seq.
func (s *InMemoryStore) AdvanceReadMarker(ctx context.Context, conversationID, participantID string, upTo int64, now time.Time) (ReadMarker, error) {
	const op = "read.advance"
	if upTo < 0 {
		return ReadMarker{}, NewValidationError(op, ErrInvalidArgument, "negative message id")
	}
	if err := ctx.Err(); err != nil {
		return ReadMarker{}, FromContext(op, err)
	}
	c := s.lookup(conversationID)
	if c == nil {
		return ReadMarker{}, NewError(op, ErrNotFound, "conversation")
	}
	if now.IsZero() {
		now = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if upTo > c.conv.LastSeq {
		upTo = c.conv.LastSeq
	}
	cur, ok := c.markers[participantID]
	if !ok {
		cur = ReadMarker{ConversationID: conversationID, ParticipantID: participantID}
	}
	if upTo > cur.LastReadMessageID || !ok {
		if upTo > cur.LastReadMessageID {
			cur.LastReadMessageID = upTo
		}
		cur.UpdatedAt = now.UTC().Truncate(time.Microsecond)
		c.markers[participantID] = cur
	}
	return cur, nil
}

// GetReadMarker returns the marker, or a zero marker when the participant never read.
func (s *InMemoryStore) GetReadMarker(ctx context.Context, conversationID, participantID string) (ReadMarker, error) {
	const op = "read.get"
	if err := ctx.Err(); err != nil {
		return ReadMarker{}, FromContext(op, err)
	}
	c := s.lookup(conversationID)
	if c == nil {
		return ReadMarker{}, NewError(op, ErrNotFound, "conversation")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.markers[participantID]; ok {
		return m, nil
	}
	return ReadMarker{ConversationID: conversationID, ParticipantID: participantID}, nil
}

// UnreadCount counts messages addressed to the participant above its marker.
func (s *InMemoryStore) UnreadCount(ctx context.Context, conversationID, participantID string) (int64, error) {
	const op = "read.unread_count"
	if err := ctx.Err(); err != nil {
		return 0, FromContext(op, err)
	}
	c := s.lookup(conversationID)
	if c == nil {
		return 0, NewError(op, ErrNotFound, "conversation")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unreadLocked(participantID), nil
}

// UnreadTotal sums unread counts across all of the participant's conversations.
func (s *InMemoryStore) UnreadTotal(ctx context.Context, participantID string) (int64, error) {
	const op = "read.unread_total"
	if err := ctx.Err(); err != nil {
		return 0, FromContext(op, err)
	}

	s.mu.RLock()
	convIDs := s.byParticipant[participantID]
	cs := make([]*memConv, 0, len(convIDs))
	for _, id := range convIDs {
		cs = append(cs, s.convs[id])
	}
	s.mu.RUnlock()

	var total int64
	for _, c := range cs {
		c.mu.Lock()
		total += c.unreadLocked(participantID)
		c.mu.Unlock()
	}
	return total, nil
}

func (c *memConv) unreadLocked(participantID string) int64 {
	marker := c.markers[participantID].LastReadMessageID
	var n int64
	for i := int(marker); i < len(c.msgs); i++ {
		if c.msgs[i].ReceiverID == participantID {
			n++
		}
	}
	return n
}

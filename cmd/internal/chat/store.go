package chat

import (
	"context"
	"time"
)

// Page limits for message listings.
const (
	DefaultPageLimit = 500
	MaxPageLimit     = 1000
)

// MaxClientMsgIDLen bounds the optional idempotency key.
const MaxClientMsgIDLen = 128

// ConversationStore persists conversations.
//
// Requirements:
//   - At most one conversation per unordered participant pair
//   - GetOrCreateConversation is idempotent under concurrency
//   - LastMessageAt never moves backward
//
// AppendMessage advances LastMessageAt through the same path as TouchLastMessageAt,
// inside its per-conversation critical section. TouchLastMessageAt is also exposed for
// imports and backfills that write messages outside AppendMessage.
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	TouchLastMessageAt(ctx context.Context, id string, ts time.Time) error
	SetConversationStatus(ctx context.Context, id string, status Status, now time.Time) (Conversation, error)
	ListConversations(ctx context.Context, participantID string, limit int) ([]Conversation, error)
}

// MessageStore persists and queries the per-conversation message log.
//
// Requirements:
//   - Appends are serialized per conversation (never globally)
//   - Gap-free seq per conversation; duplicates do not consume a seq
//   - created_at strictly increases with seq
//   - Idempotency per (conversation_id, client_msg_id) when client_msg_id is set
//   - Listing ordered by seq ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	GetMessage(ctx context.Context, conversationID string, seq int64) (Message, error)
	ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error)
}

// ReadStateStore persists read markers.
//
// AdvanceReadMarker clamps upTo to the conversation's last seq and never moves a marker backward.
// Participant checks are the caller's job.
type ReadStateStore interface {
	AdvanceReadMarker(ctx context.Context, conversationID, participantID string, upTo int64, now time.Time) (ReadMarker, error)
	GetReadMarker(ctx context.Context, conversationID, participantID string) (ReadMarker, error)
	UnreadCount(ctx context.Context, conversationID, participantID string) (int64, error)
	UnreadTotal(ctx context.Context, participantID string) (int64, error)
}

// Store is the full persistence surface used by Service.
type Store interface {
	ConversationStore
	MessageStore
	ReadStateStore
	Close() error
}

// AppendMessageInput describes a message append request.
// Body is expected to be validated already; the store re-checks emptiness and length.
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	Body           string
	Attachment     *AttachmentRef
	ClientMsgID    string
	Now            time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     Message
	Duplicated bool
}

// ListMessagesInput describes a message window query.
// AfterSeq takes precedence over Since. A zero Since with no AfterSeq lists from the start.
type ListMessagesInput struct {
	ConversationID string
	Since          time.Time
	AfterSeq       *int64
	Limit          int
}

// ListMessagesResult contains the retrieved window.
type ListMessagesResult struct {
	Messages []Message
	HasMore  bool
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}

// checkAppendInput is shared by both stores.
func checkAppendInput(op string, in AppendMessageInput) (string, error) {
	if in.ConversationID == "" {
		return "", NewValidationError(op, ErrInvalidArgument, "missing conversation_id")
	}
	if in.SenderID == "" {
		return "", NewValidationError(op, ErrInvalidParticipant, "missing sender_id")
	}
	if len(in.ClientMsgID) > MaxClientMsgIDLen {
		return "", NewValidationError(op, ErrInvalidArgument, "client_msg_id too long")
	}
	if !ValidText(in.ClientMsgID) {
		return "", NewValidationError(op, ErrInvalidEncoding, "client_msg_id")
	}
	body, err := validateBody(in.Body, in.Attachment != nil)
	if err != nil {
		return "", NewValidationError(op, err, "")
	}
	return body, nil
}

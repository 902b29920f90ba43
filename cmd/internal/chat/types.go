package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"marketchat/cmd/identity"
)

// MaxBodyChars bounds message text length (runes).
const MaxBodyChars = 4000

// Status is the conversation lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusClosed
}

// Conversation is a durable thread between exactly two participants.
// ParticipantA < ParticipantB always holds (see NormalizePair).
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participant_a_id"`
	ParticipantB  string    `json:"participant_b_id"`
	Status        Status    `json:"status"`
	LastSeq       int64     `json:"last_seq"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasParticipant reports whether id is one of the two participants.
func (c Conversation) HasParticipant(id string) bool {
	return id != "" && (id == c.ParticipantA || id == c.ParticipantB)
}

// Peer returns the other participant of id.
func (c Conversation) Peer(id string) (string, bool) {
	switch id {
	case c.ParticipantA:
		return c.ParticipantB, true
	case c.ParticipantB:
		return c.ParticipantA, true
	default:
		return "", false
	}
}

// AttachmentRef points at externally stored bytes. It is immutable once attached.
type AttachmentRef struct {
	Key      string `json:"key"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Message is one immutable entry of a conversation's log.
// ID is the per-conversation sequence (1-based, gap-free).
type Message struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	ReceiverID     string         `json:"receiver_id"`
	Body           string         `json:"body"`
	Attachment     *AttachmentRef `json:"attachment,omitempty"`
	ClientMsgID    string         `json:"client_msg_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ReadMarker is a participant's read position in a conversation.
type ReadMarker struct {
	ConversationID    string    `json:"conversation_id"`
	ParticipantID     string    `json:"participant_id"`
	LastReadMessageID int64     `json:"last_read_message_id"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NormalizePair canonicalizes an unordered participant pair so that a < b.
func NormalizePair(a, b string) (string, string, error) {
	a = identity.NormalizeParticipantID(a)
	b = identity.NormalizeParticipantID(b)
	if !identity.ValidParticipantID(a) || !identity.ValidParticipantID(b) {
		return "", "", ErrInvalidParticipant
	}
	if a == b {
		return "", "", ErrInvalidParticipant
	}
	if b < a {
		a, b = b, a
	}
	return a, b, nil
}

// ValidText reports whether s is valid UTF-8 without NUL bytes, the text Postgres accepts.
func ValidText(s string) bool {
	return utf8.ValidString(s) && strings.IndexByte(s, 0) < 0
}

// validateBody returns the trimmed body or a validation reason.
func validateBody(body string, hasAttachment bool) (string, error) {
	if !ValidText(body) {
		return "", ErrInvalidEncoding
	}
	body = strings.TrimSpace(body)
	if body == "" && !hasAttachment {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return "", ErrMessageTooLong
	}
	return body, nil
}

// nextCreatedAt returns a timestamp strictly after prev, at microsecond precision
// (what timestamptz stores), so created_at order always equals sequence order.
func nextCreatedAt(prev, now time.Time) time.Time {
	if now.IsZero() {
		now = time.Now()
	}
	ts := now.UTC().Truncate(time.Microsecond)
	if !prev.IsZero() && !ts.After(prev) {
		ts = prev.UTC().Add(time.Microsecond)
	}
	return ts
}

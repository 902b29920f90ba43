// Package v1 defines the marketchat realtime protocol v1 contract.
//
// It depends only on the standard library and is shared between server and clients
// so the wire protocol has a single definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must request.
const Subprotocol = "marketchat.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe subscribes the session to a conversation (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribed confirms a subscription (server -> client).
	TypeSubscribed = "subscribed"
	// TypeUnsubscribe cancels a conversation subscription; echoed back as confirmation.
	TypeUnsubscribe = "unsubscribe"

	// TypeMessageSend requests sending a text message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send with the stored message (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew pushes a new message of a subscribed conversation (server -> client).
	TypeMessageNew = "message_new"
	// TypeNotify pushes a new message addressed to the session's participant (server -> client).
	TypeNotify = "notify"

	// TypeCatchUp requests missed messages (client -> server).
	TypeCatchUp = "catch_up"
	// TypeCatchUpChunk returns one ascending page of missed messages (server -> client).
	TypeCatchUpChunk = "catch_up_chunk"

	// TypeMarkRead advances the read marker (client -> server).
	TypeMarkRead = "mark_read"
	// TypeReadAck returns the resulting marker (server -> client).
	TypeReadAck = "read_ack"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
// ReplyTo carries the ID of the client envelope a server reply answers.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSubscribed,
		TypeUnsubscribe,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeNotify,
		TypeCatchUp,
		TypeCatchUpChunk,
		TypeMarkRead,
		TypeReadAck,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Shared records ----

// Attachment is the wire form of a stored attachment reference.
type Attachment struct {
	Key      string `json:"key"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Message is the wire form of a stored message. Push and catch-up use the same shape.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	ReceiverID     string      `json:"receiver_id"`
	Body           string      `json:"body"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ClientMsgID    string      `json:"client_msg_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload describes the session.
type HelloAckPayload struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	UnreadTotal   int64  `json:"unread_total"`
}

// SubscribePayload names a conversation (subscribe and unsubscribe).
type SubscribePayload struct {
	ConversationID string `json:"conversation_id"`
}

// SubscribedPayload confirms a subscription. LastSeq lets the client decide whether to catch up.
type SubscribedPayload struct {
	ConversationID string `json:"conversation_id"`
	LastSeq        int64  `json:"last_seq"`
	Status         string `json:"status"`
}

// MessageSendPayload requests sending a text message. Attachments go through the HTTP API.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	Body           string `json:"body"`
}

// MessageAckPayload acknowledges a send and returns the stored message.
type MessageAckPayload struct {
	Message    Message `json:"message"`
	Duplicated bool    `json:"duplicated"`
}

// MessagePushPayload carries a pushed message (message_new and notify).
type MessagePushPayload struct {
	Message Message `json:"message"`
}

// CatchUpPayload requests messages with created_at > Since, or id > AfterSeq when set.
type CatchUpPayload struct {
	ConversationID string     `json:"conversation_id"`
	Since          *time.Time `json:"since,omitempty"`
	AfterSeq       *int64     `json:"after_seq,omitempty"`
	Limit          int        `json:"limit,omitempty"`
}

// CatchUpChunkPayload returns one page; re-issue catch_up with NextSince while HasMore.
type CatchUpChunkPayload struct {
	ConversationID string     `json:"conversation_id"`
	Messages       []Message  `json:"messages"`
	HasMore        bool       `json:"has_more"`
	NextSince      *time.Time `json:"next_since,omitempty"`
	NextAfterSeq   int64      `json:"next_after_seq,omitempty"`
}

// MarkReadPayload advances the read marker up to UpTo (inclusive).
type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UpTo           int64  `json:"up_to"`
}

// ReadAckPayload returns the resulting marker and remaining unread counts.
type ReadAckPayload struct {
	ConversationID    string `json:"conversation_id"`
	LastReadMessageID int64  `json:"last_read_message_id"`
	Unread            int64  `json:"unread"`
	UnreadTotal       int64  `json:"unread_total"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

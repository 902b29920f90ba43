package chatapi

import (
	"time"

	"marketchat/cmd/internal/chat"
)

type startConversationRequest struct {
	ParticipantID string `json:"participant_id"`
}

type sendMessageRequest struct {
	Body        string `json:"body"`
	ClientMsgID string `json:"client_msg_id"`
}

type markReadRequest struct {
	UpTo int64 `json:"up_to"`
}

type conversationResponse struct {
	Conversation chat.Conversation `json:"conversation"`
	Created      bool              `json:"created"`
}

type inboxEntry struct {
	chat.Conversation
	Unread int64 `json:"unread"`
}

type inboxResponse struct {
	Conversations []inboxEntry `json:"conversations"`
}

type messageResponse struct {
	Message    chat.Message `json:"message"`
	Duplicated bool         `json:"duplicated,omitempty"`
}

type messagesResponse struct {
	Messages     []chat.Message `json:"messages"`
	HasMore      bool           `json:"has_more"`
	NextSince    *time.Time     `json:"next_since,omitempty"`
	NextAfterSeq int64          `json:"next_after_seq,omitempty"`
}

type readResponse struct {
	Marker chat.ReadMarker `json:"marker"`
	Unread int64           `json:"unread"`
}

type unreadResponse struct {
	Unread int64 `json:"unread"`
}

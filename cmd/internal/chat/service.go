package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Service defaults.
const (
	DefaultMaxAttachmentBytes int64 = 5 << 20
	DefaultAttachmentTimeout        = 15 * time.Second
	DefaultCatchUpTimeout           = 10 * time.Second
	DefaultInboxLimit               = 50
)

// Service composes the stores, attachment storage and the delivery broker.
// It is safe for concurrent use.
type Service struct {
	store       Store
	broker      Broker
	attachments AttachmentStore
	log         *slog.Logger
	metrics     *Metrics
	now         func() time.Time

	maxAttachmentBytes int64
	attachmentTimeout  time.Duration
	catchUpTimeout     time.Duration
	defaultPageLimit   int
	maxPageLimit       int
}

// Option configures a Service.
type Option func(*Service) error

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithBroker sets the delivery broker (default: no push delivery).
func WithBroker(b Broker) Option {
	return func(s *Service) error {
		if b == nil {
			return errors.New("chat: nil broker")
		}
		s.broker = b
		return nil
	}
}

// WithAttachments enables attachments through st.
func WithAttachments(st AttachmentStore) Option {
	return func(s *Service) error {
		s.attachments = st
		return nil
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("chat: nil clock")
		}
		s.now = now
		return nil
	}
}

// WithMaxAttachmentBytes sets the attachment size limit.
func WithMaxAttachmentBytes(n int64) Option {
	return func(s *Service) error {
		if n <= 0 {
			return errors.New("chat: max attachment bytes must be > 0")
		}
		s.maxAttachmentBytes = n
		return nil
	}
}

// WithAttachmentTimeout bounds attachment storage I/O.
func WithAttachmentTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return errors.New("chat: attachment timeout must be > 0")
		}
		s.attachmentTimeout = d
		return nil
	}
}

// WithCatchUpTimeout sets the default catch-up deadline used when the caller supplies none.
func WithCatchUpTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return errors.New("chat: catch-up timeout must be > 0")
		}
		s.catchUpTimeout = d
		return nil
	}
}

// WithPageLimits sets the default and maximum catch-up page sizes.
func WithPageLimits(def, max int) Option {
	return func(s *Service) error {
		if def <= 0 || max <= 0 || def > max || max > MaxPageLimit {
			return errors.New("chat: invalid page limits")
		}
		s.defaultPageLimit, s.maxPageLimit = def, max
		return nil
	}
}

// NewService constructs a Service over store.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	s := &Service{
		store:              store,
		broker:             nopBroker{},
		log:                slog.New(slog.NewJSONHandler(io.Discard, nil)),
		now:                time.Now,
		maxAttachmentBytes: DefaultMaxAttachmentBytes,
		attachmentTimeout:  DefaultAttachmentTimeout,
		catchUpTimeout:     DefaultCatchUpTimeout,
		defaultPageLimit:   DefaultPageLimit,
		maxPageLimit:       MaxPageLimit,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// MaxAttachmentBytes is the configured attachment size limit.
func (s *Service) MaxAttachmentBytes() int64 { return s.maxAttachmentBytes }

// StartConversation returns the conversation between a and b, creating it if needed.
// The bool reports whether it was created by this call.
func (s *Service) StartConversation(ctx context.Context, a, b string) (Conversation, bool, error) {
	conv, created, err := s.store.GetOrCreateConversation(ctx, a, b, s.now())
	if err != nil {
		return Conversation{}, false, err
	}
	if created {
		s.log.Info("conversation.create",
			"conversation_id", conv.ID,
			"participant_a", conv.ParticipantA,
			"participant_b", conv.ParticipantB,
		)
	}
	return conv, created, nil
}

// Conversation returns a conversation the caller participates in.
func (s *Service) Conversation(ctx context.Context, conversationID, callerID string) (Conversation, error) {
	return s.authorize(ctx, "conversation.get", conversationID, callerID)
}

// ListConversations returns the caller's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, participantID string, limit int) ([]Conversation, error) {
	if participantID == "" {
		return nil, NewValidationError("conversation.list", ErrInvalidParticipant, "missing participant")
	}
	return s.store.ListConversations(ctx, participantID, limit)
}

// InboxEntry is a conversation with the caller's unread count.
type InboxEntry struct {
	Conversation Conversation `json:"conversation"`
	Unread       int64        `json:"unread"`
}

// Inbox lists the caller's conversations with unread counts.
func (s *Service) Inbox(ctx context.Context, participantID string, limit int) ([]InboxEntry, error) {
	if limit <= 0 {
		limit = DefaultInboxLimit
	}
	convs, err := s.ListConversations(ctx, participantID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]InboxEntry, 0, len(convs))
	for _, c := range convs {
		n, err := s.store.UnreadCount(ctx, c.ID, participantID)
		if err != nil {
			return nil, err
		}
		out = append(out, InboxEntry{Conversation: c, Unread: n})
	}
	return out, nil
}

// CloseConversation closes a conversation to new messages. History stays readable.
func (s *Service) CloseConversation(ctx context.Context, conversationID, callerID string) (Conversation, error) {
	return s.setStatus(ctx, "conversation.close", conversationID, callerID, StatusClosed)
}

// ReopenConversation reactivates a closed conversation.
func (s *Service) ReopenConversation(ctx context.Context, conversationID, callerID string) (Conversation, error) {
	return s.setStatus(ctx, "conversation.reopen", conversationID, callerID, StatusActive)
}

func (s *Service) setStatus(ctx context.Context, op, conversationID, callerID string, status Status) (Conversation, error) {
	if _, err := s.authorize(ctx, op, conversationID, callerID); err != nil {
		return Conversation{}, err
	}
	conv, err := s.store.SetConversationStatus(ctx, conversationID, status, s.now())
	if err != nil {
		return Conversation{}, err
	}
	s.log.Info(op,
		"conversation_id", conversationID,
		"participant_id", callerID,
		"status", string(conv.Status),
	)
	return conv, nil
}

// SendInput describes a send request.
type SendInput struct {
	ConversationID string
	SenderID       string
	Body           string
	ClientMsgID    string
	Attachment     *AttachmentUpload
}

// SendResult is the outcome of SendMessage.
type SendResult struct {
	Message    Message
	Duplicated bool
}

// SendMessage validates, stores any attachment, appends the message and publishes it.
//
// The attachment is stored before the append and outside the conversation's critical
// section; if the append does not keep it, the blob is discarded. Publishing happens only
// after a durable, non-duplicate append, and its failure never fails the send.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (SendResult, error) {
	const op = "message.send"

	res, err := s.send(ctx, op, in)
	if err != nil {
		s.metrics.observeRejected(err)
		s.log.Debug("message.reject",
			"conversation_id", in.ConversationID,
			"participant_id", in.SenderID,
			"code", ErrorCode(err),
			"err", err,
		)
	}
	return res, err
}

func (s *Service) send(ctx context.Context, op string, in SendInput) (SendResult, error) {
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)
	hasAttachment := in.Attachment != nil
	if _, err := validateBody(in.Body, hasAttachment); err != nil {
		return SendResult{}, NewValidationError(op, err, "")
	}
	if len(in.ClientMsgID) > MaxClientMsgIDLen {
		return SendResult{}, NewValidationError(op, ErrInvalidArgument, "client_msg_id too long")
	}
	if !ValidText(in.ClientMsgID) {
		return SendResult{}, NewValidationError(op, ErrInvalidEncoding, "client_msg_id")
	}

	conv, err := s.authorize(ctx, op, in.ConversationID, in.SenderID)
	if err != nil {
		return SendResult{}, err
	}

	var ref *AttachmentRef
	if hasAttachment {
		if conv.Status != StatusActive && in.ClientMsgID == "" {
			return SendResult{}, NewError(op, ErrConversationClosed, "")
		}
		stored, err := s.storeAttachment(ctx, op, *in.Attachment)
		if err != nil {
			return SendResult{}, err
		}
		ref = &stored
	}

	start := time.Now()
	res, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Body:           in.Body,
		Attachment:     ref,
		ClientMsgID:    in.ClientMsgID,
		Now:            s.now(),
	})
	if err != nil || res.Duplicated {
		if ref != nil {
			s.discardAttachment(*ref)
		}
	}
	if err != nil {
		return SendResult{}, err
	}

	if res.Duplicated {
		s.metrics.observeDuplicate()
		s.log.Info("message.duplicate",
			"conversation_id", res.Stored.ConversationID,
			"participant_id", in.SenderID,
			"seq", res.Stored.ID,
			"client_msg_id", in.ClientMsgID,
		)
		return SendResult{Message: res.Stored, Duplicated: true}, nil
	}

	s.metrics.observeAppend(res.Stored, time.Since(start))
	s.log.Info("message.append",
		"conversation_id", res.Stored.ConversationID,
		"participant_id", res.Stored.SenderID,
		"seq", res.Stored.ID,
		"has_attachment", res.Stored.Attachment != nil,
	)

	s.publish(ctx, res.Stored)
	return SendResult{Message: res.Stored}, nil
}

func (s *Service) storeAttachment(ctx context.Context, op string, up AttachmentUpload) (AttachmentRef, error) {
	if s.attachments == nil {
		return AttachmentRef{}, NewValidationError(op, ErrUnsupportedType, "attachments are disabled")
	}
	actx, cancel := context.WithTimeout(ctx, s.attachmentTimeout)
	defer cancel()

	ref, err := s.attachments.Store(actx, up, s.maxAttachmentBytes)
	if err != nil {
		return AttachmentRef{}, storeError(actx, op, err)
	}
	return ref, nil
}

func (s *Service) discardAttachment(ref AttachmentRef) {
	if s.attachments == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.attachmentTimeout)
	defer cancel()
	if err := s.attachments.Discard(ctx, ref); err != nil {
		s.log.Warn("attachment.discard.fail", "key", ref.Key, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, msg Message) {
	// The append is durable; a cancelled request must not suppress the push.
	if err := s.broker.Publish(context.WithoutCancel(ctx), msg); err != nil {
		s.metrics.observePublishFailure()
		s.log.Warn("delivery.publish.fail",
			"conversation_id", msg.ConversationID,
			"seq", msg.ID,
			"err", err,
		)
	}
}

// Message returns one message of a conversation the caller participates in.
func (s *Service) Message(ctx context.Context, conversationID, callerID string, id int64) (Message, error) {
	if _, err := s.authorize(ctx, "message.get", conversationID, callerID); err != nil {
		return Message{}, err
	}
	return s.store.GetMessage(ctx, conversationID, id)
}

// SubscribeConversation registers l for pushes of a conversation the caller participates in.
func (s *Service) SubscribeConversation(ctx context.Context, conversationID, callerID string, l Listener) (Subscription, error) {
	const op = "delivery.subscribe"
	if l == nil {
		return nil, NewValidationError(op, ErrInvalidArgument, "nil listener")
	}
	if _, err := s.authorize(ctx, op, conversationID, callerID); err != nil {
		return nil, err
	}
	return s.broker.SubscribeConversation(conversationID, l)
}

// SubscribeParticipant registers l for every message addressed to participantID.
func (s *Service) SubscribeParticipant(participantID string, l Listener) (Subscription, error) {
	const op = "delivery.subscribe_participant"
	if participantID == "" {
		return nil, NewValidationError(op, ErrInvalidParticipant, "missing participant")
	}
	if l == nil {
		return nil, NewValidationError(op, ErrInvalidArgument, "nil listener")
	}
	return s.broker.SubscribeParticipant(participantID, l)
}

// authorize loads the conversation and checks that callerID participates in it.
func (s *Service) authorize(ctx context.Context, op, conversationID, callerID string) (Conversation, error) {
	if conversationID == "" {
		return Conversation{}, NewValidationError(op, ErrInvalidArgument, "missing conversation_id")
	}
	if callerID == "" {
		return Conversation{}, NewValidationError(op, ErrInvalidParticipant, "missing participant")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(callerID) {
		return Conversation{}, NewError(op, ErrUnauthorized, "not a participant")
	}
	return conv, nil
}

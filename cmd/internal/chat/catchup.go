package chat

import (
	"context"
	"time"
)

// CatchUpInput describes a catch-up query.
//
// Since selects messages with created_at > Since; a zero Since starts at the beginning.
// AfterSeq, when set, selects by message id instead and takes precedence.
// Timeout bounds the query; zero uses the service default.
type CatchUpInput struct {
	ConversationID string
	CallerID       string
	Since          time.Time
	AfterSeq       *int64
	Limit          int
	Timeout        time.Duration
}

// CatchUpResult is one ascending page. Re-issue with NextSince (or NextAfterSeq) while HasMore.
type CatchUpResult struct {
	Messages     []Message `json:"messages"`
	HasMore      bool      `json:"has_more"`
	NextSince    time.Time `json:"next_since"`
	NextAfterSeq int64     `json:"next_after_seq,omitempty"`
}

// MessagesAfter returns the caller's missed messages in ascending order.
// Closed conversations remain readable.
func (s *Service) MessagesAfter(ctx context.Context, in CatchUpInput) (CatchUpResult, error) {
	const op = "catchup.query"

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = s.catchUpTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if in.AfterSeq != nil && *in.AfterSeq < 0 {
		return CatchUpResult{}, NewValidationError(op, ErrInvalidArgument, "negative after_seq")
	}
	if _, err := s.authorize(qctx, op, in.ConversationID, in.CallerID); err != nil {
		return CatchUpResult{}, storeError(qctx, op, err)
	}

	res, err := s.store.ListMessages(qctx, ListMessagesInput{
		ConversationID: in.ConversationID,
		Since:          in.Since,
		AfterSeq:       in.AfterSeq,
		Limit:          clampLimit(in.Limit, s.defaultPageLimit, s.maxPageLimit),
	})
	if err != nil {
		return CatchUpResult{}, storeError(qctx, op, err)
	}

	out := CatchUpResult{Messages: res.Messages, HasMore: res.HasMore}
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	if n := len(out.Messages); n > 0 {
		last := out.Messages[n-1]
		out.NextSince = last.CreatedAt
		out.NextAfterSeq = last.ID
	}
	s.metrics.observeCatchUp(len(out.Messages))
	return out, nil
}

// MessagesAfterSeq is MessagesAfter keyed by message id.
func (s *Service) MessagesAfterSeq(ctx context.Context, conversationID, callerID string, afterSeq int64, limit int) (CatchUpResult, error) {
	return s.MessagesAfter(ctx, CatchUpInput{
		ConversationID: conversationID,
		CallerID:       callerID,
		AfterSeq:       &afterSeq,
		Limit:          limit,
	})
}

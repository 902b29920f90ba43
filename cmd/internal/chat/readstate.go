package chat

import "context"

// MarkRead advances the caller's read marker to upTo.
// upTo beyond the last message is clamped; a lower value than the current marker is a no-op.
func (s *Service) MarkRead(ctx context.Context, conversationID, participantID string, upTo int64) (ReadMarker, error) {
	const op = "read.mark"
	if upTo < 0 {
		return ReadMarker{}, NewValidationError(op, ErrInvalidArgument, "negative message id")
	}
	if _, err := s.authorize(ctx, op, conversationID, participantID); err != nil {
		return ReadMarker{}, err
	}
	m, err := s.store.AdvanceReadMarker(ctx, conversationID, participantID, upTo, s.now())
	if err != nil {
		return ReadMarker{}, err
	}
	s.log.Debug("read.mark",
		"conversation_id", conversationID,
		"participant_id", participantID,
		"seq", m.LastReadMessageID,
	)
	return m, nil
}

// ReadMarker returns the caller's marker (zero if never read).
func (s *Service) ReadMarker(ctx context.Context, conversationID, participantID string) (ReadMarker, error) {
	if _, err := s.authorize(ctx, "read.get", conversationID, participantID); err != nil {
		return ReadMarker{}, err
	}
	return s.store.GetReadMarker(ctx, conversationID, participantID)
}

// UnreadCount is the number of messages addressed to participantID above its marker.
func (s *Service) UnreadCount(ctx context.Context, conversationID, participantID string) (int64, error) {
	if _, err := s.authorize(ctx, "read.unread_count", conversationID, participantID); err != nil {
		return 0, err
	}
	return s.store.UnreadCount(ctx, conversationID, participantID)
}

// UnreadTotal sums UnreadCount over all of participantID's conversations.
func (s *Service) UnreadTotal(ctx context.Context, participantID string) (int64, error) {
	if participantID == "" {
		return 0, NewValidationError("read.unread_total", ErrInvalidParticipant, "missing participant")
	}
	return s.store.UnreadTotal(ctx, participantID)
}

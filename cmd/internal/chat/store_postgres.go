package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketchat/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends lock the conversation row (SELECT ... FOR UPDATE) in a read-committed
//     transaction, so seq allocation and created_at are serialized per conversation only.
//   - The pair UNIQUE constraint makes GetOrCreateConversation race-safe.
//   - Read markers are advanced with GREATEST in a single upsert.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: DefaultSchema).
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const conversationCols = `id, participant_a, participant_b, status, last_seq, last_message_at, created_at, updated_at`

const messageCols = `conversation_id, seq, sender_id, receiver_id, body, client_msg_id,
	attachment_key, attachment_url, attachment_mime, attachment_filename, attachment_size, attachment_checksum,
	created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c      Conversation
		status string
		lastAt *time.Time
	)
	if err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &status, &c.LastSeq, &lastAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	c.Status = Status(status)
	if lastAt != nil {
		c.LastMessageAt = lastAt.UTC()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                               Message
		clientMsgID                     *string
		key, url, mime, name, checksum *string
		size                            *int64
	)
	if err := row.Scan(
		&m.ConversationID,
		&m.ID,
		&m.SenderID,
		&m.ReceiverID,
		&m.Body,
		&clientMsgID,
		&key, &url, &mime, &name, &size, &checksum,
		&m.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if clientMsgID != nil {
		m.ClientMsgID = *clientMsgID
	}
	if key != nil {
		m.Attachment = &AttachmentRef{
			Key:      *key,
			URL:      deref(url),
			MimeType: deref(mime),
			Filename: deref(name),
			Checksum: deref(checksum),
		}
		if size != nil {
			m.Attachment.Size = *size
		}
	}
	return m, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) ready(op string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%s: chat: nil store", op)
	}
	return nil
}

// GetOrCreateConversation returns the conversation of the unordered pair, creating it when absent.
func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error) {
	const op = "conversation.get_or_create"
	if err := s.ready(op); err != nil {
		return Conversation{}, false, err
	}
	a, b, err := NormalizePair(a, b)
	if err != nil {
		return Conversation{}, false, NewValidationError(op, err, "participants must be two distinct valid ids")
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Microsecond)

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}

	conversations := pgIdent(s.schema, "conversations")

	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`INSERT INTO `+conversations+` (id, participant_a, participant_b, status, last_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, 'active', 0, $4, $4)
		 ON CONFLICT (participant_a, participant_b) DO NOTHING
		 RETURNING `+conversationCols,
		id, a, b, now,
	))
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, storeError(ctx, op, fmt.Errorf("insert conversation: %w", err))
	}

	// Lost the race (or it already existed): the committed row is visible now.
	conv, err = scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM `+conversations+`
		  WHERE participant_a = $1 AND participant_b = $2`,
		a, b,
	))
	if err != nil {
		return Conversation{}, false, storeError(ctx, op, fmt.Errorf("select conversation: %w", err))
	}
	return conv, false, nil
}

// GetConversation returns a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "conversation.get"
	if err := s.ready(op); err != nil {
		return Conversation{}, err
	}
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NewError(op, ErrNotFound, "conversation")
	}
	if err != nil {
		return Conversation{}, storeError(ctx, op, err)
	}
	return conv, nil
}

// TouchLastMessageAt advances last_message_at; an older ts is a no-op.
func (s *PostgresStore) TouchLastMessageAt(ctx context.Context, id string, ts time.Time) error {
	const op = "conversation.touch"
	if err := s.ready(op); err != nil {
		return err
	}
	n, err := s.touch(ctx, s.pool, id, ts)
	if err != nil {
		return storeError(ctx, op, err)
	}
	if n == 0 {
		return NewError(op, ErrNotFound, "conversation")
	}
	return nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// touch advances last_message_at through q and reports the rows matched.
func (s *PostgresStore) touch(ctx context.Context, q execer, id string, ts time.Time) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+`
		    SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
		  WHERE id = $1`,
		id, ts.UTC().Truncate(time.Microsecond),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SetConversationStatus closes or reopens a conversation.
func (s *PostgresStore) SetConversationStatus(ctx context.Context, id string, status Status, now time.Time) (Conversation, error) {
	const op = "conversation.set_status"
	if err := s.ready(op); err != nil {
		return Conversation{}, err
	}
	if !status.Valid() {
		return Conversation{}, NewValidationError(op, ErrInvalidArgument, "unknown status")
	}
	if now.IsZero() {
		now = time.Now()
	}
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+`
		    SET status = $2,
		        updated_at = CASE WHEN status = $2 THEN updated_at ELSE $3 END
		  WHERE id = $1
		RETURNING `+conversationCols,
		id, string(status), now.UTC().Truncate(time.Microsecond),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NewError(op, ErrNotFound, "conversation")
	}
	if err != nil {
		return Conversation{}, storeError(ctx, op, err)
	}
	return conv, nil
}

// ListConversations returns the participant's conversations, most recently active first.
func (s *PostgresStore) ListConversations(ctx context.Context, participantID string, limit int) ([]Conversation, error) {
	const op = "conversation.list"
	if err := s.ready(op); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, 50, 200)

	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationCols+` FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE participant_a = $1 OR participant_b = $1
		  ORDER BY COALESCE(last_message_at, created_at) DESC, id ASC
		  LIMIT $2`,
		participantID, limit,
	)
	if err != nil {
		return nil, storeError(ctx, op, err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, limit)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storeError(ctx, op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ctx, op, err)
	}
	return out, nil
}

// AppendMessage appends a message with idempotency and gap-free sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "message.append"
	if err := s.ready(op); err != nil {
		return AppendMessageResult{}, err
	}
	body, err := checkAppendInput(op, in)
	if err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, FromContext(op, err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, storeError(ctx, op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	// The row lock is the per-conversation critical section.
	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM `+conversations+` WHERE id = $1 FOR UPDATE`,
		in.ConversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, NewError(op, ErrNotFound, "conversation")
	}
	if err != nil {
		return AppendMessageResult{}, storeError(ctx, op, fmt.Errorf("lock conversation: %w", err))
	}

	receiver, ok := conv.Peer(in.SenderID)
	if !ok {
		return AppendMessageResult{}, NewError(op, ErrUnauthorized, "sender is not a participant")
	}

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageCols+` FROM `+messages+`
			  WHERE conversation_id = $1 AND client_msg_id = $2`,
			in.ConversationID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, storeError(ctx, op, err)
			}
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, storeError(ctx, op, err)
		}
	}

	if conv.Status != StatusActive {
		return AppendMessageResult{}, NewError(op, ErrConversationClosed, "")
	}

	msg := Message{
		ID:             conv.LastSeq + 1,
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     receiver,
		Body:           body,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      nextCreatedAt(conv.LastMessageAt, in.Now),
	}

	var key, url, mime, name, checksum, size any
	if in.Attachment != nil {
		cp := *in.Attachment
		msg.Attachment = &cp
		key, url, mime, name, checksum = cp.Key, cp.URL, cp.MimeType, nullIfEmpty(cp.Filename), cp.Checksum
		size = cp.Size
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     conversation_id, seq, sender_id, receiver_id, body, client_msg_id,
		     attachment_key, attachment_url, attachment_mime, attachment_filename, attachment_size, attachment_checksum,
		     created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		msg.ConversationID, msg.ID, msg.SenderID, msg.ReceiverID, msg.Body, nullIfEmpty(msg.ClientMsgID),
		key, url, mime, name, size, checksum,
		msg.CreatedAt,
	); err != nil {
		return AppendMessageResult{}, storeError(ctx, op, fmt.Errorf("insert message: %w", err))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_seq = $2,
		        updated_at = $3
		  WHERE id = $1`,
		msg.ConversationID, msg.ID, msg.CreatedAt,
	); err != nil {
		return AppendMessageResult{}, storeError(ctx, op, fmt.Errorf("advance conversation: %w", err))
	}
	if _, err := s.touch(ctx, tx, msg.ConversationID, msg.CreatedAt); err != nil {
		return AppendMessageResult{}, storeError(ctx, op, fmt.Errorf("touch conversation: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, storeError(ctx, op, err)
	}
	return AppendMessageResult{Stored: msg}, nil
}

// GetMessage returns one message by its per-conversation id.
func (s *PostgresStore) GetMessage(ctx context.Context, conversationID string, seq int64) (Message, error) {
	const op = "message.get"
	if err := s.ready(op); err != nil {
		return Message{}, err
	}
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1 AND seq = $2`,
		conversationID, seq,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, NewError(op, ErrNotFound, "message")
	}
	if err != nil {
		return Message{}, storeError(ctx, op, err)
	}
	return m, nil
}

// ListMessages returns a window ordered by seq ASC.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	const op = "message.list"
	if err := s.ready(op); err != nil {
		return ListMessagesResult{}, err
	}
	if in.ConversationID == "" {
		return ListMessagesResult{}, NewValidationError(op, ErrInvalidArgument, "missing conversation_id")
	}
	limit := clampLimit(in.Limit, DefaultPageLimit, MaxPageLimit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case in.AfterSeq != nil:
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageCols+` FROM `+messages+`
			  WHERE conversation_id = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.ConversationID, *in.AfterSeq, fetch,
		)
	case !in.Since.IsZero():
		// created_at order equals seq order; seq breaks the index tie cheaply.
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageCols+` FROM `+messages+`
			  WHERE conversation_id = $1 AND created_at > $2
			  ORDER BY created_at ASC, seq ASC
			  LIMIT $3`,
			in.ConversationID, in.Since.UTC(), fetch,
		)
	default:
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageCols+` FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY seq ASC
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	}
	if err != nil {
		return ListMessagesResult{}, storeError(ctx, op, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, min(fetch, 64))
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return ListMessagesResult{}, storeError(ctx, op, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListMessagesResult{}, storeError(ctx, op, err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

// AdvanceReadMarker moves the participant's marker forward, clamped to the last seq.
func (s *PostgresStore) AdvanceReadMarker(ctx context.Context, conversationID, participantID string, upTo int64, now time.Time) (ReadMarker, error) {
	const op = "read.advance"
	if err := s.ready(op); err != nil {
		return ReadMarker{}, err
	}
	if upTo < 0 {
		return ReadMarker{}, NewValidationError(op, ErrInvalidArgument, "negative message id")
	}
	if now.IsZero() {
		now = time.Now()
	}

	conversations := pgIdent(s.schema, "conversations")
	markers := pgIdent(s.schema, "read_markers")

	// last_seq only grows, so clamping against the current value inside the statement is safe.
	m := ReadMarker{ConversationID: conversationID, ParticipantID: participantID}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+markers+` AS rm (conversation_id, participant_id, last_read_seq, updated_at)
		 SELECT c.id, $2, LEAST($3::BIGINT, c.last_seq), $4
		   FROM `+conversations+` c
		  WHERE c.id = $1
		 ON CONFLICT (conversation_id, participant_id) DO UPDATE
		    SET last_read_seq = GREATEST(rm.last_read_seq, EXCLUDED.last_read_seq),
		        updated_at = CASE WHEN EXCLUDED.last_read_seq > rm.last_read_seq
		                          THEN EXCLUDED.updated_at ELSE rm.updated_at END
		 RETURNING last_read_seq, updated_at`,
		conversationID, participantID, upTo, now.UTC().Truncate(time.Microsecond),
	).Scan(&m.LastReadMessageID, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReadMarker{}, NewError(op, ErrNotFound, "conversation")
	}
	if err != nil {
		return ReadMarker{}, storeError(ctx, op, err)
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

// GetReadMarker returns the marker, or a zero marker when the participant never read.
func (s *PostgresStore) GetReadMarker(ctx context.Context, conversationID, participantID string) (ReadMarker, error) {
	const op = "read.get"
	if err := s.ready(op); err != nil {
		return ReadMarker{}, err
	}
	m := ReadMarker{ConversationID: conversationID, ParticipantID: participantID}
	err := s.pool.QueryRow(ctx,
		`SELECT last_read_seq, updated_at FROM `+pgIdent(s.schema, "read_markers")+`
		  WHERE conversation_id = $1 AND participant_id = $2`,
		conversationID, participantID,
	).Scan(&m.LastReadMessageID, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, nil
	}
	if err != nil {
		return ReadMarker{}, storeError(ctx, op, err)
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

// UnreadCount counts messages addressed to the participant above its marker.
func (s *PostgresStore) UnreadCount(ctx context.Context, conversationID, participantID string) (int64, error) {
	const op = "read.unread_count"
	if err := s.ready(op); err != nil {
		return 0, err
	}
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(s.schema, "messages")+` m
		  WHERE m.conversation_id = $1
		    AND m.receiver_id = $2
		    AND m.seq > COALESCE((
		          SELECT rm.last_read_seq FROM `+pgIdent(s.schema, "read_markers")+` rm
		           WHERE rm.conversation_id = $1 AND rm.participant_id = $2
		        ), 0)`,
		conversationID, participantID,
	).Scan(&n)
	if err != nil {
		return 0, storeError(ctx, op, err)
	}
	return n, nil
}

// UnreadTotal sums unread counts across all of the participant's conversations.
func (s *PostgresStore) UnreadTotal(ctx context.Context, participantID string) (int64, error) {
	const op = "read.unread_total"
	if err := s.ready(op); err != nil {
		return 0, err
	}
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(s.schema, "messages")+` m
		  LEFT JOIN `+pgIdent(s.schema, "read_markers")+` rm
		         ON rm.conversation_id = m.conversation_id AND rm.participant_id = $1
		  WHERE m.receiver_id = $1
		    AND m.seq > COALESCE(rm.last_read_seq, 0)`,
		participantID,
	).Scan(&n)
	if err != nil {
		return 0, storeError(ctx, op, err)
	}
	return n, nil
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

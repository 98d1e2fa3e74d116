// Package chat contains AgroConnect's realtime messaging core: identity and
// room primitives, the WebSocket gateway, and conversation/message persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Resolve is a single idempotent upsert keyed by the canonical pair key, so
//     two connections racing on first contact for the same pair always observe
//     one conversation row.
//   - Append runs in one transaction covering the message insert and the
//     conversation last-activity bump.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chat").
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
		schema: "chat",
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

// Resolve finds or creates the unique conversation for the unordered pair
// {current, target}, bumping its last-activity timestamp.
func (s *PostgresStore) Resolve(ctx context.Context, current, target Identity) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if current.Zero() || target.Zero() {
		return Conversation{}, ErrInvalidTarget
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	now := time.Now().UTC()
	conversations := pgIdent(s.schema, "conversations")

	// The unique pair_key turns the racy read-then-insert into one
	// idempotent statement: hit or miss, exactly one row comes back.
	var (
		conv   Conversation
		aID    int64
		aRole  string
		bID    int64
		bRole  string
		lastAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+conversations+` (
		     pair_key,
		     participant_a_id, participant_a_role,
		     participant_b_id, participant_b_role,
		     last_message_at
		   ) VALUES ($1, $2, $3, $4, $5, $6)
		   ON CONFLICT (pair_key) DO UPDATE
		      SET last_message_at = EXCLUDED.last_message_at
		RETURNING id,
		          participant_a_id, participant_a_role,
		          participant_b_id, participant_b_role,
		          last_message_at`,
		PairKey(current, target),
		current.ID, current.Role,
		target.ID, target.Role,
		now,
	).Scan(&conv.ID, &aID, &aRole, &bID, &bRole, &lastAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("resolve conversation: %w", err)
	}

	conv.ParticipantA = Identity{ID: aID, Role: aRole}
	conv.ParticipantB = Identity{ID: bID, Role: bRole}
	conv.LastMessageAt = lastAt
	return conv, nil
}

// Append inserts the message and bumps the conversation's last-activity
// timestamp in one transaction: neither write lands without the other.
func (s *PostgresStore) Append(ctx context.Context, conversationID int64, sender Identity, content string, now time.Time) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	tag, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET last_message_at = $2 WHERE id = $1`,
		conversationID, now,
	)
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Message{}, ErrConversationNotFound
	}

	msg := Message{
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      now,
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (conversation_id, sender_id, sender_role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		conversationID, sender.ID, sender.Role, content, now,
	).Scan(&msg.ID); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// RecentHistory returns up to limit messages ordered newest-first.
func (s *PostgresStore) RecentHistory(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampHistoryLimit(limit)

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, sender_role, content, created_at
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.Sender.ID,
			&m.Sender.Role,
			&m.Content,
			&m.CreatedAt,
		); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return msgs, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists conversations in Postgres. It expects the
// chat_sessions table to exist already; conversation_messages is
// created by InitSchema on startup.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Pool exposes the underlying connections for components that share
// the database, like the settings reader.
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Connect opens a pool from a connection string and returns a store
// with the schema initialized.
func Connect(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("convo: connect: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// InitSchema creates the message table and its indexes if absent.
func (s *PGStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id SERIAL PRIMARY KEY,
			session_id INTEGER NOT NULL,
			role VARCHAR(20) NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			prompt_tokens INTEGER,
			completion_tokens INTEGER,
			total_tokens INTEGER,
			model VARCHAR(50),
			cost_usd DECIMAL(10, 6),
			FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_session_id ON conversation_messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_role ON conversation_messages(role)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_created_at ON conversation_messages(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("convo: init schema: %w", err)
		}
	}
	return nil
}

// SessionDBID resolves the external session uuid to the numeric key
// messages are stored under.
func (s *PGStore) SessionDBID(ctx context.Context, session string) (int32, error) {
	var id int32
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM chat_sessions WHERE session_uuid = $1`, session).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("convo: %q: %w", session, ErrSessionNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("convo: resolve session: %w", err)
	}
	return id, nil
}

// Append stores a message with a server-assigned id and timestamp and
// fills them back into m.
func (s *PGStore) Append(ctx context.Context, m *Message) error {
	dbID, err := s.SessionDBID(ctx, m.SessionID)
	if err != nil {
		return err
	}

	var metadata []byte
	if m.Metadata != nil {
		metadata, err = json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("convo: marshal metadata: %w", err)
		}
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO conversation_messages
		 (session_id, role, content, metadata, created_at,
		  prompt_tokens, completion_tokens, total_tokens, model, cost_usd)
		 VALUES ($1, $2, $3, $4, NOW(), $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		dbID, string(m.Role), m.Content, metadata,
		nullInt(m.PromptTokens), nullInt(m.CompletionTokens), nullInt(m.TotalTokens),
		nullStr(m.Model), nullFloat(m.CostUSD),
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("convo: append: %w", err)
	}
	return nil
}

// History returns the most-recent limit user and assistant messages in
// chronological order. Function and system rows are bookkeeping from
// prior runs and are not replayed.
func (s *PGStore) History(ctx context.Context, session string, limit int) ([]Message, error) {
	dbID, err := s.SessionDBID(ctx, session)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, metadata, created_at,
		        COALESCE(prompt_tokens, 0), COALESCE(completion_tokens, 0),
		        COALESCE(total_tokens, 0), COALESCE(model, ''), COALESCE(cost_usd, 0)
		 FROM conversation_messages
		 WHERE session_id = $1 AND role IN ('user', 'human', 'model', 'assistant')
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		dbID, limit)
	if err != nil {
		return nil, fmt.Errorf("convo: history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		var metadata []byte
		if err := rows.Scan(&m.ID, &role, &m.Content, &metadata, &m.CreatedAt,
			&m.PromptTokens, &m.CompletionTokens, &m.TotalTokens, &m.Model, &m.CostUSD); err != nil {
			return nil, fmt.Errorf("convo: scan: %w", err)
		}
		m.SessionID = session
		m.Role = ParseRole(role)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &m.Metadata)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convo: history: %w", err)
	}

	// Query is newest-first so LIMIT takes the tail; callers want
	// chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps turns in a local sqlite file. Embeddings are
// stored as JSON float arrays; similarity is computed in Go over the
// session's rows, which stays cheap at conversation scale.
type SQLiteStore struct {
	mu       sync.RWMutex
	db       *sql.DB
	embedder Embedder
	dims     int
	disabled bool
}

// NewSQLiteStore opens (or creates) the store at path. The collection
// is pinned to the embedder's dimension on first creation; reopening
// with a different embedder fails rather than mixing vector spaces.
func NewSQLiteStore(path string, embedder Embedder) (*SQLiteStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("memory: embedder is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}

	s := &SQLiteStore{db: db, embedder: embedder}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_memory (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			user_text TEXT NOT NULL,
			assistant_text TEXT NOT NULL,
			files_referenced TEXT,
			embedding TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_memory_session ON chat_memory(session_id);
		CREATE INDEX IF NOT EXISTS idx_chat_memory_created ON chat_memory(created_at DESC);

		CREATE TABLE IF NOT EXISTS memory_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("memory: migrate: %w", err)
	}

	var stored string
	err = s.db.QueryRow(`SELECT value FROM memory_meta WHERE key = 'dimensions'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		s.dims = s.embedder.Dimensions()
		_, err = s.db.Exec(`INSERT INTO memory_meta (key, value) VALUES ('dimensions', ?)`,
			fmt.Sprintf("%d", s.dims))
		if err != nil {
			return fmt.Errorf("memory: pin dimensions: %w", err)
		}
	case err != nil:
		return fmt.Errorf("memory: read dimensions: %w", err)
	default:
		if _, scanErr := fmt.Sscanf(stored, "%d", &s.dims); scanErr != nil {
			return fmt.Errorf("memory: corrupt dimensions value %q", stored)
		}
		if s.dims != s.embedder.Dimensions() {
			return fmt.Errorf("memory: store is %d-dimensional but embedder %s produces %d",
				s.dims, s.embedder.Name(), s.embedder.Dimensions())
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Index embeds the user text and stores the turn. A zero-vector
// embedding marks a disabled embedder; the turn is dropped and the
// store stops calling out.
func (s *SQLiteStore) Index(ctx context.Context, t Turn) error {
	s.mu.RLock()
	disabled := s.disabled
	s.mu.RUnlock()
	if disabled {
		return nil
	}

	vec, err := s.embedder.Embed(ctx, t.UserText)
	if err != nil {
		return fmt.Errorf("memory: embed: %w", err)
	}
	if len(vec) != s.dims {
		return fmt.Errorf("memory: embedder %s returned %d dims, store holds %d",
			s.embedder.Name(), len(vec), s.dims)
	}
	if isZeroVector(vec) {
		s.mu.Lock()
		s.disabled = true
		s.mu.Unlock()
		return nil
	}

	embJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("memory: marshal embedding: %w", err)
	}
	filesJSON, _ := json.Marshal(t.FilesReferenced)

	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_memory (session_id, created_at, user_text, assistant_text, files_referenced, embedding)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.SessionID, created.Format(time.RFC3339Nano), t.UserText, t.AssistantText,
		string(filesJSON), string(embJSON))
	if err != nil {
		return fmt.Errorf("memory: insert: %w", err)
	}
	return nil
}

// Recall embeds the query and returns the session's top-k most similar
// turns, highest score first.
func (s *SQLiteStore) Recall(ctx context.Context, session, query string, k int) ([]Turn, error) {
	s.mu.RLock()
	disabled := s.disabled
	s.mu.RUnlock()
	if disabled {
		return nil, nil
	}
	if k <= 0 {
		k = 3
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	if len(queryVec) != s.dims {
		return nil, fmt.Errorf("memory: query embedding is %d-dimensional, store holds %d",
			len(queryVec), s.dims)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, user_text, assistant_text, files_referenced, embedding
		FROM chat_memory WHERE session_id = ?`, session)
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}
	defer rows.Close()

	var scored []Turn
	for rows.Next() {
		t, vec, err := scanTurn(rows, session)
		if err != nil {
			continue
		}
		score, err := cosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		t.Score = score
		scored = append(scored, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: recall: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Recent returns the last n turns of a session, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, session string, n int) ([]Turn, error) {
	if n <= 0 {
		n = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, user_text, assistant_text, files_referenced, embedding
		FROM chat_memory WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, session, n)
	if err != nil {
		return nil, fmt.Errorf("memory: recent: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		t, _, err := scanTurn(rows, session)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTurn(rows *sql.Rows, session string) (Turn, []float32, error) {
	var t Turn
	var createdStr, filesJSON, embJSON string
	if err := rows.Scan(&t.ID, &createdStr, &t.UserText, &t.AssistantText, &filesJSON, &embJSON); err != nil {
		return t, nil, err
	}
	t.SessionID = session
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	_ = json.Unmarshal([]byte(filesJSON), &t.FilesReferenced)

	var vec []float32
	if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
		return t, nil, err
	}
	return t, vec, nil
}

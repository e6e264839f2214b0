// Package session persists per-conversation state: the ordered message
// log, session metadata, and the consolidation cursor marking how much
// history has been folded into long-term memory.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Message is one entry in a session's append-only log.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// ToolsUsed lists the tools invoked while producing an assistant
	// message, in call order with duplicates kept.
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Session is the mutable conversation state for one session key.
// The turn path appends while the consolidation task reads, so the
// message log and cursor are guarded by an internal mutex.
type Session struct {
	Key      string
	Messages []Message
	Metadata map[string]string
	// LastConsolidated is the index up to which messages have been
	// folded into long-term memory.
	LastConsolidated int
	CreatedAt        time.Time
	UpdatedAt        time.Time

	mu sync.Mutex
	// persisted counts messages already written to disk, so Save only
	// appends the new tail.
	persisted int
}

// Append adds a message to the session log.
func (s *Session) Append(role, content string, toolsUsed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		ToolsUsed: toolsUsed,
	})
	s.UpdatedAt = time.Now()
}

// History returns a copy of the most recent window messages, or of all
// of them when window is zero or negative.
func (s *Session) History(window int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := s.Messages
	if window > 0 && len(tail) > window {
		tail = tail[len(tail)-window:]
	}
	return append([]Message(nil), tail...)
}

// Len returns the current length of the message log.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Messages)
}

// Snapshot returns a copy of the message log together with the
// consolidation cursor, taken atomically. Consolidation works from the
// snapshot so concurrent appends never shift what it is summarizing.
func (s *Session) Snapshot() ([]Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.Messages...), s.LastConsolidated
}

// SetLastConsolidated advances the consolidation cursor.
func (s *Session) SetLastConsolidated(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastConsolidated = n
}

// Store is a SQLite-backed session store with an in-process cache.
// Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Session
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for degraded-operation warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens or creates the session database at the given path.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
		cache:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		key               TEXT PRIMARY KEY,
		metadata          TEXT,
		last_consolidated INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		tools_used  TEXT,
		timestamp   TEXT NOT NULL,
		FOREIGN KEY (session_key) REFERENCES sessions(key) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreate returns the cached session for key, loading it from disk
// or creating it as needed.
func (s *Store) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.cache[key]; ok {
		return sess, nil
	}

	sess, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		now := time.Now()
		sess = &Session{
			Key:       key,
			Metadata:  make(map[string]string),
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO sessions (key, metadata, last_consolidated, created_at, updated_at)
			VALUES (?, '{}', 0, ?, ?)
		`, key, now.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	s.cache[key] = sess
	return sess, nil
}

// load reads a session and its messages from disk. Returns nil, nil
// when the session does not exist.
func (s *Store) load(ctx context.Context, key string) (*Session, error) {
	var metaRaw, createdAt, updatedAt string
	var cursor int
	err := s.db.QueryRowContext(ctx, `
		SELECT metadata, last_consolidated, created_at, updated_at FROM sessions WHERE key = ?
	`, key).Scan(&metaRaw, &cursor, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	sess := &Session{
		Key:              key,
		Metadata:         make(map[string]string),
		LastConsolidated: cursor,
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if metaRaw != "" {
		if err := json.Unmarshal([]byte(metaRaw), &sess.Metadata); err != nil {
			s.logger.Warn("session metadata unreadable", "key", key, "error", err)
			sess.Metadata = make(map[string]string)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tools_used, timestamp FROM messages
		WHERE session_key = ? ORDER BY seq ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var toolsRaw sql.NullString
		var ts string
		if err := rows.Scan(&m.Role, &m.Content, &toolsRaw, &ts); err != nil {
			continue
		}
		m.Timestamp, _ = time.Parse(time.RFC3339, ts)
		if toolsRaw.Valid && toolsRaw.String != "" {
			_ = json.Unmarshal([]byte(toolsRaw.String), &m.ToolsUsed)
		}
		sess.Messages = append(sess.Messages, m)
	}
	sess.persisted = len(sess.Messages)
	return sess, nil
}

// Save persists session metadata, the consolidation cursor, and any
// messages appended since the last save.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.mu.Lock()
	defer sess.mu.Unlock()

	metaRaw, err := json.Marshal(sess.Metadata)
	if err != nil {
		metaRaw = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (key, metadata, last_consolidated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			metadata = excluded.metadata,
			last_consolidated = excluded.last_consolidated,
			updated_at = excluded.updated_at
	`, sess.Key, string(metaRaw), sess.LastConsolidated,
		sess.CreatedAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	for i := sess.persisted; i < len(sess.Messages); i++ {
		m := sess.Messages[i]
		id, _ := uuid.NewV7()
		var toolsRaw any
		if len(m.ToolsUsed) > 0 {
			data, _ := json.Marshal(m.ToolsUsed)
			toolsRaw = string(data)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_key, seq, role, content, tools_used, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id.String(), sess.Key, i, m.Role, m.Content, toolsRaw,
			m.Timestamp.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("save message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	sess.persisted = len(sess.Messages)
	s.cache[sess.Key] = sess
	return nil
}

// Invalidate drops a session from the in-process cache so the next
// GetOrCreate reloads it from disk.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
}

// List returns all session keys, most recently updated first.
func (s *Store) List(ctx context.Context) []string {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		s.logger.Warn("list sessions", "error", err)
		return nil
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

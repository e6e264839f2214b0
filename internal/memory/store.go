// Package memory persists Marlow's long-term knowledge: a single
// overwritten long-term memory blob, an append-only consolidation
// history, and scored task-experience records that decay, reinforce,
// merge, and eventually expire. Read operations degrade rather than
// fail: any storage error is logged and an empty result returned.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/marlowbot/marlow/internal/bus"
	"github.com/marlowbot/marlow/internal/embeddings"
)

// Record type discriminators in the records table.
const (
	typeMemory     = "memory"
	typeHistory    = "history"
	typeExperience = "experience"
)

// keyLongTerm is the fixed key of the single long-term memory record.
const keyLongTerm = "long_term"

// timeLayout is RFC 3339 with fixed-width nanoseconds, so stored
// timestamps sort lexicographically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Embedder generates a vector for a piece of text. Satisfied by
// *embeddings.Client; a nil Embedder disables semantic search.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Store is a SQLite-backed memory store shared by the agent loop and
// its background maintenance tasks. Individual mutations are atomic at
// the record level; callers must not assume cross-operation locking.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	events   *bus.Bus
	embedder Embedder
	entropy  *rand.Rand

	// semantic is decided once at Open by probing the embedder; both
	// strategies satisfy the same search(query, limit) contract.
	semantic bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for degraded-operation warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithEmbedder enables semantic search when the embedder responds to a
// probe at open time. Records written while semantic search is active
// get a vector row alongside their content.
func WithEmbedder(e Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithBus attaches an event bus for experience lifecycle events.
func WithBus(b *bus.Bus) Option {
	return func(s *Store) { s.events = b }
}

// Open opens or creates the memory database at the given path.
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
		db:      db,
		logger:  slog.Default(),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.semantic = s.probeEmbedder()
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		key        TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		type       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_type ON records(type, updated_at);

	CREATE TABLE IF NOT EXISTS vectors (
		key       TEXT PRIMARY KEY,
		embedding TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Semantic reports whether semantic search was enabled at open time.
func (s *Store) Semantic() bool {
	return s.semantic
}

// probeEmbedder checks once whether the configured embedder actually
// works; on any failure the store falls back to keyword search.
func (s *Store) probeEmbedder() bool {
	if s.embedder == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	vec, err := s.embedder.Generate(ctx, "memory probe")
	if err != nil || len(vec) == 0 {
		s.logger.Warn("embedding probe failed, using keyword search", "error", err)
		return false
	}
	s.logger.Debug("semantic search enabled", "dimensions", len(vec))
	return true
}

func (s *Store) newKey() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// upsert writes a record, replacing any existing row with the same key,
// and refreshes its vector when semantic search is active.
func (s *Store) upsert(ctx context.Context, key, content, recordType string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (key, content, type, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
	`, key, content, recordType, now)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	s.storeVector(ctx, key, content)
	return nil
}

// storeVector embeds content and saves the vector. Embedding failures
// only degrade that record to keyword matching.
func (s *Store) storeVector(ctx context.Context, key, content string) {
	if !s.semantic {
		return
	}
	vec, err := s.embedder.Generate(ctx, content)
	if err != nil || len(vec) == 0 {
		s.logger.Warn("embed record", "key", key, "error", err)
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vectors (key, embedding) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET embedding = excluded.embedding
	`, key, string(data))
	if err != nil {
		s.logger.Warn("store vector", "key", key, "error", err)
	}
}

func (s *Store) deleteRecord(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE key = ?`, key)
	return err
}

// ReadLongTerm returns the current long-term memory text, or "" when
// none has been written yet.
func (s *Store) ReadLongTerm(ctx context.Context) string {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM records WHERE key = ?`, keyLongTerm).Scan(&content)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Warn("read long-term memory", "error", err)
		}
		return ""
	}
	return content
}

// WriteLongTerm overwrites the long-term memory record.
func (s *Store) WriteLongTerm(ctx context.Context, text string) {
	if err := s.upsert(ctx, keyLongTerm, text, typeMemory); err != nil {
		s.logger.Warn("write long-term memory", "error", err)
	}
}

// AppendHistory appends one consolidation summary. Each entry gets its
// own key and timestamp; history is never overwritten.
func (s *Store) AppendHistory(ctx context.Context, entry string) {
	key := "history_" + s.newKey()
	if err := s.upsert(ctx, key, entry, typeHistory); err != nil {
		s.logger.Warn("append history", "error", err)
	}
}

// History returns up to limit history entries, newest first.
func (s *Store) History(ctx context.Context, limit int) []string {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT content FROM records WHERE type = ?
		ORDER BY updated_at DESC LIMIT ?
	`, typeHistory, limit)
	if err != nil {
		s.logger.Warn("read history", "error", err)
		return nil
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			continue
		}
		entries = append(entries, content)
	}
	return entries
}

// SearchMemory returns up to limit record contents matching the query,
// semantic when available, keyword-overlap otherwise. Deprecated
// experience records never appear.
func (s *Store) SearchMemory(ctx context.Context, query string, limit int) []string {
	if limit <= 0 {
		limit = 5
	}
	if s.semantic {
		if results := s.semanticSearch(ctx, query, "", limit); results != nil {
			return results
		}
	}
	return s.keywordSearch(ctx, query, "", limit)
}

// scoredContent pairs record content with a retrieval score.
type scoredContent struct {
	key     string
	content string
	score   float64
}

// semanticSearch ranks records by cosine similarity against the query
// embedding. recordType narrows the search; "" searches every type.
// Returns nil on any failure so the caller can fall back.
func (s *Store) semanticSearch(ctx context.Context, query, recordType string, limit int) []string {
	queryVec, err := s.embedder.Generate(ctx, query)
	if err != nil || len(queryVec) == 0 {
		s.logger.Warn("embed query", "error", err)
		return nil
	}

	q := `
		SELECT r.key, r.content, v.embedding
		FROM records r JOIN vectors v ON v.key = r.key
	`
	args := []any{}
	if recordType != "" {
		q += ` WHERE r.type = ?`
		args = append(args, recordType)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.logger.Warn("semantic search", "error", err)
		return nil
	}
	defer rows.Close()

	var candidates []scoredContent
	var vectors [][]float32
	for rows.Next() {
		var key, content, raw string
		if err := rows.Scan(&key, &content, &raw); err != nil {
			continue
		}
		if isDeprecated(content) {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			continue
		}
		candidates = append(candidates, scoredContent{key: key, content: content})
		vectors = append(vectors, vec)
	}
	if len(candidates) == 0 {
		return nil
	}

	var results []string
	for _, idx := range embeddings.TopK(queryVec, vectors, limit) {
		results = append(results, candidates[idx].content)
	}
	return results
}

// keywordSearch ranks records by the number of query keywords their
// content contains, highest first. A query with no usable tokens
// degrades to the most recently updated records.
func (s *Store) keywordSearch(ctx context.Context, query, recordType string, limit int) []string {
	keywords := ExtractKeywords(query)

	q := `SELECT key, content FROM records`
	args := []any{}
	if recordType != "" {
		q += ` WHERE type = ?`
		args = append(args, recordType)
	}
	if len(keywords) == 0 {
		q += ` ORDER BY updated_at DESC`
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.logger.Warn("keyword search", "error", err)
		return nil
	}
	defer rows.Close()

	var scored []scoredContent
	for rows.Next() {
		var key, content string
		if err := rows.Scan(&key, &content); err != nil {
			continue
		}
		if isDeprecated(content) {
			continue
		}
		if len(keywords) == 0 {
			scored = append(scored, scoredContent{key: key, content: content})
			if len(scored) == limit {
				break
			}
			continue
		}
		hits := keywordHits(content, keywords)
		if hits > 0 {
			scored = append(scored, scoredContent{key: key, content: content, score: float64(hits)})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	var results []string
	for _, sc := range scored {
		results = append(results, sc.content)
	}
	return results
}

func decodeVector(raw string) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func cosine(a, b []float32) float64 {
	return float64(embeddings.CosineSimilarity(a, b))
}

func (s *Store) publish(kind string, data map[string]any) {
	s.events.Publish(bus.Event{
		Timestamp: time.Now(),
		Source:    bus.SourceMemory,
		Kind:      kind,
		Data:      data,
	})
}

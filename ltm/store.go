// Package ltm implements the Long-Term Memory Store (spec §4.2): a named
// collection of Memory Records supporting similarity retrieval with
// metadata filtering, persisted to modernc.org/sqlite the same way the
// teacher's store.SQLiteStore persists sessions — one row per record,
// a JSON blob for the variable-shape part, a single *sql.DB guarded by
// a mutex.
package ltm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relaycore/whatsrelay/llm"
	"github.com/relaycore/whatsrelay/model"
	"github.com/relaycore/whatsrelay/relayerr"
)

// Store is a sqlite-backed Long-Term Memory collection.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	embedder llm.Embedder
	model    string
}

// Open creates or reopens the collection at dbPath. Reopening an existing
// file must not lose previously stored records (spec §4.2 durability
// requirement); sqlite's own file durability gives us this for free.
func Open(dbPath string, embedder llm.Embedder, embeddingModel string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("ltm: create directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("ltm: open database: %w", err)
	}

	s := &Store{db: db, embedder: embedder, model: embeddingModel}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ltm: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS memory_records (
		memory_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		metadata TEXT NOT NULL,
		vector TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_records_created_at ON memory_records(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store embeds text, inserts a new record with the given metadata, and
// returns its memory_id. Fails with relayerr.ErrEmbedderUnavailable if the
// embedder returns a non-retryable error after one retry (spec §4.2).
func (s *Store) Store(ctx context.Context, text string, metadata map[string]string) (string, error) {
	vector, err := s.embedder.Embed(ctx, s.model, text)
	if err != nil {
		return "", err
	}

	record := model.MemoryRecord{
		MemoryID:  uuid.NewString(),
		Text:      text,
		Vector:    vector,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	metaJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return "", fmt.Errorf("ltm: marshal metadata: %w", err)
	}
	vecJSON, err := json.Marshal(record.Vector)
	if err != nil {
		return "", fmt.Errorf("ltm: marshal vector: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_records (memory_id, text, metadata, vector, created_at) VALUES (?, ?, ?, ?, ?)`,
		record.MemoryID, record.Text, string(metaJSON), string(vecJSON), record.CreatedAt.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", relayerr.ErrMemoryPersistence, err)
	}

	return record.MemoryID, nil
}

// RecallFilter restricts which records Recall is allowed to return.
type RecallFilter struct {
	Owner string // matches metadata["owner"]; empty matches any owner
	Scope string // matches metadata["scope"]; empty matches any scope
}

// Recall embeds query, searches restricted to records matching filter, and
// returns at most k results with cosine similarity >= minSimilarity,
// sorted descending by similarity with ties broken by more recent
// created_at (spec §4.2).
func (s *Store) Recall(ctx context.Context, query string, filter RecallFilter, k int, minSimilarity float64) ([]model.ScoredMemory, error) {
	queryVec, err := s.embedder.Embed(ctx, s.model, query)
	if err != nil {
		return nil, err
	}

	records, err := s.allMatching(ctx, filter)
	if err != nil {
		return nil, err
	}

	scored := make([]model.ScoredMemory, 0, len(records))
	for _, r := range records {
		sim := cosineSimilarity(queryVec, r.Vector)
		if sim >= minSimilarity {
			scored = append(scored, model.ScoredMemory{Record: r, Similarity: sim})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Record.CreatedAt.After(scored[j].Record.CreatedAt)
	})

	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *Store) allMatching(ctx context.Context, filter RecallFilter) ([]model.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT memory_id, text, metadata, vector, created_at FROM memory_records`)
	if err != nil {
		return nil, fmt.Errorf("ltm: query records: %w", err)
	}
	defer rows.Close()

	var out []model.MemoryRecord
	for rows.Next() {
		var r model.MemoryRecord
		var metaJSON, vecJSON string
		var createdAt int64
		if err := rows.Scan(&r.MemoryID, &r.Text, &metaJSON, &vecJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("ltm: scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
			return nil, fmt.Errorf("ltm: unmarshal metadata: %w", err)
		}
		if err := json.Unmarshal([]byte(vecJSON), &r.Vector); err != nil {
			return nil, fmt.Errorf("ltm: unmarshal vector: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()

		if filter.Owner != "" && r.Owner() != filter.Owner {
			continue
		}
		if filter.Scope != "" && r.Scope() != filter.Scope {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a record, returning whether it existed.
func (s *Store) Delete(ctx context.Context, memoryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE memory_id = ?`, memoryID)
	if err != nil {
		return false, fmt.Errorf("ltm: delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ltm: rows affected: %w", err)
	}
	return n > 0, nil
}

// Count returns the total number of records in the collection.
func (s *Store) Count(ctx context.Context) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count uint
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ltm: count records: %w", err)
	}
	return count, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Package meaning stores the durable semantic records that must be bound
// to a draft before it may execute. Records are append-only: minted at most
// once per draft, never updated.
package meaning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Record describes what a draft is doing and why, independent of the
// mutation's storage effects.
type Record struct {
	ID          string         `json:"id"`
	DraftID     string         `json:"draft_id"`
	WorkspaceID string         `json:"workspace_id"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Store persists meaning records.
type Store interface {
	// Mint inserts a new record. Duplicate ids are ignored; the first
	// writer wins.
	Mint(ctx context.Context, rec Record) error
	// Get returns the record, or nil if absent.
	Get(ctx context.Context, workspaceID, id string) (*Record, error)
}

// PostgresStore persists meaning records in the meanings table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Mint(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("meaning: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO meanings (id, draft_id, workspace_id, actor_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.DraftID, rec.WorkspaceID, rec.ActorID, payload, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("meaning: mint: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, workspaceID, id string) (*Record, error) {
	var rec Record
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, draft_id, workspace_id, actor_id, payload, created_at
		 FROM meanings WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id).
		Scan(&rec.ID, &rec.DraftID, &rec.WorkspaceID, &rec.ActorID, &payload, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("meaning: get: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("meaning: decode payload: %w", err)
	}
	return &rec, nil
}

// MemoryStore is the in-process store used by tests and lite mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record // workspaceID/id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Mint(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.WorkspaceID + "/" + rec.ID
	if _, exists := s.records[key]; exists {
		return nil
	}
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, workspaceID, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[workspaceID+"/"+id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Count reports the number of stored records. Test helper.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

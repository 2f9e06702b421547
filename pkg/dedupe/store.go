// Package dedupe replays responses for duplicate HTTP deliveries keyed by
// the caller-supplied request id. This is operational protection and is
// independent of the business idempotency the reservation store provides:
// it also covers read-only dry_run calls.
package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// CachedResponse is a previously-returned response.
type CachedResponse struct {
	Status   int
	Body     []byte
	CachedAt time.Time
}

// Store persists request-dedupe entries.
type Store interface {
	// Get returns the cached response for the request id, or nil.
	Get(ctx context.Context, workspaceID, requestID string) (*CachedResponse, error)
	// Put stores a response. First writer wins.
	Put(ctx context.Context, workspaceID, requestID string, status int, body []byte, at time.Time) error
	// DeleteExpired removes entries cached before the cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresStore persists dedupe entries in the request_dedupe table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, workspaceID, requestID string) (*CachedResponse, error) {
	var c CachedResponse
	err := s.db.QueryRowContext(ctx,
		`SELECT status, body, cached_at FROM request_dedupe WHERE workspace_id = $1 AND request_id = $2`,
		workspaceID, requestID).Scan(&c.Status, &c.Body, &c.CachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedupe: get: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) Put(ctx context.Context, workspaceID, requestID string, status int, body []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_dedupe (workspace_id, request_id, status, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (workspace_id, request_id) DO NOTHING`,
		workspaceID, requestID, status, body, at)
	if err != nil {
		return fmt.Errorf("dedupe: put: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_dedupe WHERE cached_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("dedupe: delete expired: %w", err)
	}
	return res.RowsAffected()
}

// MemoryStore is the in-process store used by tests and lite mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]CachedResponse
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]CachedResponse)}
}

func (s *MemoryStore) Get(_ context.Context, workspaceID, requestID string) (*CachedResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[workspaceID+"/"+requestID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) Put(_ context.Context, workspaceID, requestID string, status int, body []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := workspaceID + "/" + requestID
	if _, exists := s.entries[key]; exists {
		return nil
	}
	s.entries[key] = CachedResponse{Status: status, Body: body, CachedAt: at}
	return nil
}

// Len reports stored entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, c := range s.entries {
		if c.CachedAt.Before(cutoff) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

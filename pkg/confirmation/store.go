// Package confirmation stores the durable binding between a draft id and
// the meaning record it was confirmed with. The draft id is the primary
// key: the first confirm wins and later confirms replay its values.
package confirmation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Confirmation records that a draft was bound to a meaning record by an
// actor, with an expiry and a signature.
type Confirmation struct {
	DraftID         string    `json:"draft_id"`
	WorkspaceID     string    `json:"workspace_id"`
	ActorID         string    `json:"actor_id"`
	MeaningObjectID string    `json:"meaning_object_id"`
	ExpiresAt       int64     `json:"expires_at"` // epoch ms
	Signature       string    `json:"signature"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store persists confirmations.
type Store interface {
	// Put inserts the confirmation unless one already exists for the
	// draft id. Concurrent confirms race on the primary key; losers
	// read back the winner with Get.
	Put(ctx context.Context, c Confirmation) error
	// Get returns the stored confirmation, or nil if absent.
	Get(ctx context.Context, workspaceID, draftID string) (*Confirmation, error)
	// DeleteExpired removes confirmations whose expiry passed before the
	// cutoff and returns the number deleted.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresStore persists confirmations in the draft_confirmations table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, c Confirmation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO draft_confirmations
		   (workspace_id, draft_id, actor_id, meaning_object_id, expires_at, signature, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (workspace_id, draft_id) DO NOTHING`,
		c.WorkspaceID, c.DraftID, c.ActorID, c.MeaningObjectID, c.ExpiresAt, c.Signature, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("confirmation: put: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, workspaceID, draftID string) (*Confirmation, error) {
	var c Confirmation
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, draft_id, actor_id, meaning_object_id, expires_at, signature, created_at
		 FROM draft_confirmations WHERE workspace_id = $1 AND draft_id = $2`,
		workspaceID, draftID).
		Scan(&c.WorkspaceID, &c.DraftID, &c.ActorID, &c.MeaningObjectID, &c.ExpiresAt, &c.Signature, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("confirmation: get: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM draft_confirmations WHERE expires_at < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("confirmation: delete expired: %w", err)
	}
	return res.RowsAffected()
}

// MemoryStore is the in-process store used by tests and lite mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Confirmation // workspaceID/draftID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Confirmation)}
}

func (s *MemoryStore) Put(_ context.Context, c Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.WorkspaceID + "/" + c.DraftID
	if _, exists := s.entries[key]; exists {
		return nil
	}
	s.entries[key] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, workspaceID, draftID string) (*Confirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[workspaceID+"/"+draftID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, c := range s.entries {
		if c.ExpiresAt < cutoff.UnixMilli() {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

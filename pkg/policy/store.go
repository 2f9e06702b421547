package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store reads execution policies and records pending approvals.
type Store interface {
	// Get returns the workspace policy, or nil if none is configured.
	Get(ctx context.Context, workspaceID string) (*ExecutionPolicy, error)
	// CreatePendingApproval records an approval request. Duplicate draft
	// ids are ignored so a retried execute does not stack approvals.
	CreatePendingApproval(ctx context.Context, pa PendingApproval) error
	// DeleteStaleApprovals removes pending approvals created before cutoff.
	DeleteStaleApprovals(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresStore reads workspace_policies and writes pending_approvals.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, workspaceID string) (*ExecutionPolicy, error) {
	var p ExecutionPolicy
	var modules []byte
	var guard sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, require_owner_approval, enabled_modules, guard_expr
		 FROM workspace_policies WHERE workspace_id = $1`,
		workspaceID).Scan(&p.WorkspaceID, &p.RequireOwnerApproval, &modules, &guard)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: get: %w", err)
	}
	// enabled_modules is a JSON array, same encoding on every backend.
	if len(modules) > 0 {
		if err := json.Unmarshal(modules, &p.EnabledModules); err != nil {
			return nil, fmt.Errorf("policy: decode enabled modules: %w", err)
		}
	}
	p.GuardExpr = guard.String
	return &p, nil
}

func (s *PostgresStore) CreatePendingApproval(ctx context.Context, pa PendingApproval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_approvals (id, workspace_id, draft_id, actor_id, request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (workspace_id, draft_id) DO NOTHING`,
		pa.ID, pa.WorkspaceID, pa.DraftID, pa.ActorID, pa.RequestID, pa.CreatedAt)
	if err != nil {
		return fmt.Errorf("policy: create pending approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteStaleApprovals(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_approvals WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("policy: delete stale approvals: %w", err)
	}
	return res.RowsAffected()
}

// MemoryStore is the in-process store used by tests and lite mode.
type MemoryStore struct {
	mu        sync.RWMutex
	policies  map[string]ExecutionPolicy
	approvals map[string]PendingApproval // workspaceID/draftID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies:  make(map[string]ExecutionPolicy),
		approvals: make(map[string]PendingApproval),
	}
}

// SetPolicy configures the workspace policy. Test/admin helper.
func (s *MemoryStore) SetPolicy(p ExecutionPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.WorkspaceID] = p
}

func (s *MemoryStore) Get(_ context.Context, workspaceID string) (*ExecutionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[workspaceID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) CreatePendingApproval(_ context.Context, pa PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pa.WorkspaceID + "/" + pa.DraftID
	if _, exists := s.approvals[key]; exists {
		return nil
	}
	s.approvals[key] = pa
	return nil
}

func (s *MemoryStore) DeleteStaleApprovals(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, pa := range s.approvals {
		if pa.CreatedAt.Before(cutoff) {
			delete(s.approvals, key)
			n++
		}
	}
	return n, nil
}

// PendingApprovalCount reports stored approvals. Test helper.
func (s *MemoryStore) PendingApprovalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.approvals)
}

// Package reservation implements the exclusive claim that makes execution
// of a draft id happen at most once. Concurrent executors are serialized by
// the store's uniqueness constraint, never by in-process locking.
package reservation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/workweave/draftgate/pkg/draft"
)

// Status is the lifecycle state of a reservation: reserved -> success|failed.
type Status string

const (
	StatusReserved Status = "reserved"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Reservation is the executed-draft record.
type Reservation struct {
	WorkspaceID string            `json:"workspace_id"`
	DraftID     string            `json:"draft_id"`
	AgentType   string            `json:"agent_type"`
	DraftType   string            `json:"draft_type"`
	ActorID     string            `json:"actor_id"`
	RequestID   string            `json:"request_id"`
	Status      Status            `json:"status"`
	Entities    []draft.EntityRef `json:"entities,omitempty"`
	AuditLogID  string            `json:"audit_log_id,omitempty"`
	Error       string            `json:"error,omitempty"`
	ReservedAt  time.Time         `json:"reserved_at"`
	FinalizedAt *time.Time        `json:"finalized_at,omitempty"`
}

// Outcome of a Reserve attempt.
type Outcome int

const (
	// OutcomeAcquired: the caller holds a fresh claim and must execute.
	OutcomeAcquired Outcome = iota
	// OutcomeTakenOver: the caller reclaimed a stale claim (crash recovery).
	OutcomeTakenOver
	// OutcomeInProgress: another executor holds a live claim.
	OutcomeInProgress
	// OutcomeReplay: the draft already reached a terminal state; the stored
	// outcome must be returned verbatim.
	OutcomeReplay
)

// Execer is the write handle Finalize runs against, so the finalize can
// join the caller's transaction. *sql.Tx and *sql.DB both satisfy it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store persists reservations.
type Store interface {
	// Reserve attempts an exclusive claim. r.ReservedAt is the attempt
	// time; a reserved row older than staleAfter is reclaimable. On
	// OutcomeInProgress and OutcomeReplay the existing row is returned.
	Reserve(ctx context.Context, r Reservation, staleAfter time.Duration) (Outcome, *Reservation, error)
	// Finalize transitions reserved -> status exactly once, through q so
	// it commits atomically with the adapter's writes and the audit row.
	Finalize(ctx context.Context, q Execer, workspaceID, draftID string, status Status, entities []draft.EntityRef, auditLogID, errMsg string, at time.Time) error
	// DeleteStaleTerminal removes terminal rows finalized before cutoff.
	DeleteStaleTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresStore persists reservations in the draft_reservations table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Reserve(ctx context.Context, r Reservation, staleAfter time.Duration) (Outcome, *Reservation, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO draft_reservations
		   (workspace_id, draft_id, agent_type, draft_type, actor_id, request_id, status, reserved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (workspace_id, draft_id) DO NOTHING`,
		r.WorkspaceID, r.DraftID, r.AgentType, r.DraftType, r.ActorID, r.RequestID, StatusReserved, r.ReservedAt)
	if err != nil {
		return 0, nil, fmt.Errorf("reservation: insert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return OutcomeAcquired, nil, nil
	}

	existing, err := s.get(ctx, r.WorkspaceID, r.DraftID)
	if err != nil {
		return 0, nil, err
	}
	if existing == nil {
		// Row vanished between insert and read; retry surface is the caller's.
		return 0, nil, fmt.Errorf("reservation: row disappeared for draft %s", r.DraftID)
	}

	if existing.Status.Terminal() {
		return OutcomeReplay, existing, nil
	}

	cutoff := r.ReservedAt.Add(-staleAfter)
	if existing.ReservedAt.After(cutoff) {
		return OutcomeInProgress, existing, nil
	}

	// Stale claim: reclaim it, guarded so only one taker wins.
	res, err = s.db.ExecContext(ctx,
		`UPDATE draft_reservations
		 SET actor_id = $1, request_id = $2, reserved_at = $3
		 WHERE workspace_id = $4 AND draft_id = $5 AND status = $6 AND reserved_at < $7`,
		r.ActorID, r.RequestID, r.ReservedAt, r.WorkspaceID, r.DraftID, StatusReserved, cutoff)
	if err != nil {
		return 0, nil, fmt.Errorf("reservation: takeover: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return OutcomeTakenOver, nil, nil
	}

	// Lost the takeover race; re-read and report what won.
	existing, err = s.get(ctx, r.WorkspaceID, r.DraftID)
	if err != nil {
		return 0, nil, err
	}
	if existing != nil && existing.Status.Terminal() {
		return OutcomeReplay, existing, nil
	}
	return OutcomeInProgress, existing, nil
}

func (s *PostgresStore) get(ctx context.Context, workspaceID, draftID string) (*Reservation, error) {
	var r Reservation
	var entities []byte
	var auditLogID, errMsg sql.NullString
	var finalizedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, draft_id, agent_type, draft_type, actor_id, request_id,
		        status, entities, audit_log_id, error, reserved_at, finalized_at
		 FROM draft_reservations WHERE workspace_id = $1 AND draft_id = $2`,
		workspaceID, draftID).
		Scan(&r.WorkspaceID, &r.DraftID, &r.AgentType, &r.DraftType, &r.ActorID, &r.RequestID,
			&r.Status, &entities, &auditLogID, &errMsg, &r.ReservedAt, &finalizedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reservation: get: %w", err)
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &r.Entities); err != nil {
			return nil, fmt.Errorf("reservation: decode entities: %w", err)
		}
	}
	r.AuditLogID = auditLogID.String
	r.Error = errMsg.String
	if finalizedAt.Valid {
		r.FinalizedAt = &finalizedAt.Time
	}
	return &r, nil
}

func (s *PostgresStore) Finalize(ctx context.Context, q Execer, workspaceID, draftID string, status Status, entities []draft.EntityRef, auditLogID, errMsg string, at time.Time) error {
	if q == nil {
		q = s.db
	}
	encoded, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("reservation: encode entities: %w", err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE draft_reservations
		 SET status = $1, entities = $2, audit_log_id = $3, error = $4, finalized_at = $5
		 WHERE workspace_id = $6 AND draft_id = $7 AND status = $8`,
		status, encoded, auditLogID, errMsg, at, workspaceID, draftID, StatusReserved)
	if err != nil {
		return fmt.Errorf("reservation: finalize: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("reservation: finalize lost for draft %s: not in reserved state", draftID)
	}
	return nil
}

func (s *PostgresStore) DeleteStaleTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM draft_reservations WHERE status IN ($1, $2) AND finalized_at < $3`,
		StatusSuccess, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reservation: delete stale: %w", err)
	}
	return res.RowsAffected()
}

// MemoryStore is the in-process store used by tests and lite mode. It keeps
// the same claim semantics as the Postgres store under a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Reservation // workspaceID/draftID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Reservation)}
}

func (s *MemoryStore) Reserve(_ context.Context, r Reservation, staleAfter time.Duration) (Outcome, *Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.WorkspaceID + "/" + r.DraftID
	existing, ok := s.entries[key]
	if !ok {
		r.Status = StatusReserved
		s.entries[key] = &r
		return OutcomeAcquired, nil, nil
	}

	if existing.Status.Terminal() {
		cp := *existing
		return OutcomeReplay, &cp, nil
	}

	if existing.ReservedAt.After(r.ReservedAt.Add(-staleAfter)) {
		cp := *existing
		return OutcomeInProgress, &cp, nil
	}

	existing.ActorID = r.ActorID
	existing.RequestID = r.RequestID
	existing.ReservedAt = r.ReservedAt
	return OutcomeTakenOver, nil, nil
}

func (s *MemoryStore) Finalize(_ context.Context, _ Execer, workspaceID, draftID string, status Status, entities []draft.EntityRef, auditLogID, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[workspaceID+"/"+draftID]
	if !ok || existing.Status != StatusReserved {
		return fmt.Errorf("reservation: finalize lost for draft %s: not in reserved state", draftID)
	}
	existing.Status = status
	existing.Entities = entities
	existing.AuditLogID = auditLogID
	existing.Error = errMsg
	existing.FinalizedAt = &at
	return nil
}

func (s *MemoryStore) DeleteStaleTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, r := range s.entries {
		if r.Status.Terminal() && r.FinalizedAt != nil && r.FinalizedAt.Before(cutoff) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the stored reservation. Test helper.
func (s *MemoryStore) Get(workspaceID, draftID string) *Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[workspaceID+"/"+draftID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

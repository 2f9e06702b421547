package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/workweave/draftgate/pkg/reservation"
)

// MemoryStore is the in-process Atomic used by tests and lite mode. Writes
// are buffered in the transaction handle and applied only on commit, so a
// failing adapter leaves no partial state, matching the SQL store.
type MemoryStore struct {
	mu       sync.Mutex
	entities map[string][]EntityRow // table -> rows
	audit    []AuditRow
}

// EntityRow is one stored workspace entity.
type EntityRow struct {
	ID          string
	WorkspaceID string
	EntityType  string
	ActorID     string
	Fields      map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[string][]EntityRow)}
}

func (s *MemoryStore) RunAtomic(_ context.Context, fn func(tx Tx) error) error {
	tx := &memTx{}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range tx.entities {
		table, err := tableFor(row.EntityType)
		if err != nil {
			return err
		}
		s.entities[table] = append(s.entities[table], row)
	}
	s.audit = append(s.audit, tx.audit...)
	return nil
}

// EntityCount reports the number of rows of one entity type. Test helper.
func (s *MemoryStore) EntityCount(entityType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := tableFor(entityType)
	if err != nil {
		return 0
	}
	return len(s.entities[table])
}

// AuditCount reports the number of committed audit rows. Test helper.
func (s *MemoryStore) AuditCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audit)
}

// AuditRows returns a copy of the committed audit rows. Test helper.
func (s *MemoryStore) AuditRows() []AuditRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRow, len(s.audit))
	copy(out, s.audit)
	return out
}

type memTx struct {
	entities []EntityRow
	audit    []AuditRow
}

func (t *memTx) CreateEntity(_ context.Context, workspaceID, entityType, actorID string, fields map[string]any) (string, error) {
	if _, err := tableFor(entityType); err != nil {
		return "", err
	}
	id := uuid.NewString()
	t.entities = append(t.entities, EntityRow{
		ID:          id,
		WorkspaceID: workspaceID,
		EntityType:  entityType,
		ActorID:     actorID,
		Fields:      fields,
	})
	return id, nil
}

func (t *memTx) AppendAudit(_ context.Context, row AuditRow) error {
	t.audit = append(t.audit, row)
	return nil
}

// Execer returns nil: the in-memory reservation store finalizes under its
// own mutex and ignores the handle.
func (t *memTx) Execer() reservation.Execer {
	return nil
}

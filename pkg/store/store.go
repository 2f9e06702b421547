// Package store owns the workspace data tables and the atomic executor:
// the all-or-nothing transaction boundary wrapping an adapter's writes, the
// audit row, and the reservation finalize. That the three commit together
// is the central correctness invariant of the gateway.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/workweave/draftgate/pkg/draft"
	"github.com/workweave/draftgate/pkg/reservation"
)

// entityTables whitelists the entity types the gateway may write, mapping
// each to its table.
var entityTables = map[string]string{
	"task":   "tasks",
	"goal":   "goals",
	"plan":   "plans",
	"idea":   "ideas",
	"update": "updates",
}

// KnownEntityType reports whether the gateway can persist this entity type.
func KnownEntityType(entityType string) bool {
	_, ok := entityTables[entityType]
	return ok
}

// AuditRow is the audit record written atomically with an execution.
type AuditRow struct {
	ID          string
	WorkspaceID string
	ActorID     string
	Action      string
	RequestID   string
	Entities    []draft.EntityRef
	Metadata    map[string]any
	CreatedAt   time.Time
}

// EntityWriter is the privileged data handle adapters receive at execute
// time. Writes are visible only if the surrounding atomic operation commits.
type EntityWriter interface {
	// CreateEntity inserts one row and returns its generated id.
	CreateEntity(ctx context.Context, workspaceID, entityType, actorID string, fields map[string]any) (string, error)
}

// Tx is the transactional handle provided by RunAtomic.
type Tx interface {
	EntityWriter
	// AppendAudit writes the audit row inside the transaction.
	AppendAudit(ctx context.Context, row AuditRow) error
	// Execer exposes the transaction to the reservation store so its
	// finalize joins this commit. Nil for stores that coordinate
	// differently (the in-memory store).
	Execer() reservation.Execer
}

// Atomic runs fn with a transactional handle. If fn returns an error every
// write made through the handle is rolled back.
type Atomic interface {
	RunAtomic(ctx context.Context, fn func(tx Tx) error) error
}

func tableFor(entityType string) (string, error) {
	table, ok := entityTables[entityType]
	if !ok {
		return "", fmt.Errorf("store: unknown entity type %q", entityType)
	}
	return table, nil
}

// Package audit records every gateway decision and outcome. Execution
// outcomes are written inside the atomic executor's transaction; everything
// else (denials, rate limits, maintenance runs) is recorded best-effort
// through the Logger and must never block the primary outcome.
package audit

import (
	"context"
	"time"

	"github.com/workweave/draftgate/pkg/draft"
)

// Entry is a structured audit record.
type Entry struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	ActorID     string            `json:"actor_id"`
	Action      string            `json:"action"`
	RequestID   string            `json:"request_id,omitempty"`
	Entities    []draft.EntityRef `json:"entities,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Logger records audit entries.
type Logger interface {
	Record(ctx context.Context, e Entry) error
}

// Event is a domain event emitted for downstream consumers after a
// successful execution.
type Event struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Emitter appends domain events to the outbox.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

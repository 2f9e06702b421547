// Package agent defines the pluggable per-domain handlers the gateway
// dispatches drafts to. Adapters are registered in a static registry at
// startup; unknown names fail closed.
package agent

import (
	"context"
	"fmt"

	"github.com/workweave/draftgate/pkg/draft"
	"github.com/workweave/draftgate/pkg/store"
)

// ExecContext carries the identity of the run and, at execute time only,
// the privileged write handle. DryRun receives a nil Writer.
type ExecContext struct {
	WorkspaceID string
	ActorID     string
	Writer      store.EntityWriter
}

// DryRunResult is a pure preview of what an execution would do.
type DryRunResult struct {
	CanExecute bool           `json:"can_execute"`
	Preview    map[string]any `json:"preview,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
}

// ExecResult reports the writes an execution performed, or a descriptive
// error with no partial side effects (atomicity is the caller's executor).
type ExecResult struct {
	Success  bool
	Entities []draft.EntityRef
	Err      string
}

// Adapter is one domain handler. DryRun must reject structurally invalid
// payloads with CanExecute=false rather than an error; Execute performs the
// writes through ec.Writer.
type Adapter interface {
	Name() string
	DryRun(ctx context.Context, ec ExecContext, d *draft.Draft) (*DryRunResult, error)
	Execute(ctx context.Context, ec ExecContext, d *draft.Draft) (*ExecResult, error)
}

// ErrUnknownAdapter distinguishes a bad adapter name (a 400-class input
// error) from internal failures.
type ErrUnknownAdapter struct {
	Name string
}

func (e *ErrUnknownAdapter) Error() string {
	return fmt.Sprintf("unknown agent adapter %q", e.Name)
}

// Registry is the static adapter table, populated at startup and read-only
// afterwards.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Resolve returns the adapter responsible for the draft.
func (r *Registry) Resolve(d *draft.Draft) (Adapter, error) {
	name, err := d.AdapterName()
	if err != nil {
		return nil, &ErrUnknownAdapter{Name: d.Type}
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, &ErrUnknownAdapter{Name: name}
	}
	return a, nil
}

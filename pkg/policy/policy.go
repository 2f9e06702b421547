// Package policy evaluates workspace-level execution rules. The gate runs
// at execute time only, after role and signature checks and before the
// idempotency reservation is taken.
package policy

import (
	"time"
)

// ExecutionPolicy is per-workspace configuration, read-only at execute time
// and mutated out-of-band by workspace admins.
type ExecutionPolicy struct {
	WorkspaceID          string   `json:"workspace_id"`
	RequireOwnerApproval bool     `json:"require_owner_approval"`
	EnabledModules       []string `json:"enabled_modules"`
	// GuardExpr is an optional CEL expression over (draft, actor, role,
	// module). When it evaluates to false the execution is denied.
	GuardExpr string `json:"guard_expr,omitempty"`
}

// ModuleEnabled reports whether the target module is currently enabled.
func (p *ExecutionPolicy) ModuleEnabled(module string) bool {
	for _, m := range p.EnabledModules {
		if m == module {
			return true
		}
	}
	return false
}

// PendingApproval is created when a workspace requires owner approval and
// the executing actor is below the owner tier. Approval itself happens
// out-of-band.
type PendingApproval struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	DraftID     string    `json:"draft_id"`
	ActorID     string    `json:"actor_id"`
	RequestID   string    `json:"request_id"`
	CreatedAt   time.Time `json:"created_at"`
}

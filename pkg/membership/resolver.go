package membership

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Resolver maps (actor, workspace) to an effective role. RoleNone means the
// actor must be denied before any further check.
type Resolver interface {
	Resolve(ctx context.Context, actorID, workspaceID string) (Role, error)
}

// PostgresResolver resolves roles from workspace_members, elevated by an
// owner/admin role on the workspace's owning organization.
type PostgresResolver struct {
	db *sql.DB
}

func NewPostgresResolver(db *sql.DB) *PostgresResolver {
	return &PostgresResolver{db: db}
}

func (r *PostgresResolver) Resolve(ctx context.Context, actorID, workspaceID string) (Role, error) {
	var memberRole string
	err := r.db.QueryRowContext(ctx,
		`SELECT role FROM workspace_members WHERE workspace_id = $1 AND user_id = $2 AND status = 'accepted'`,
		workspaceID, actorID).Scan(&memberRole)
	if err == sql.ErrNoRows {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, fmt.Errorf("membership: resolve workspace role: %w", err)
	}

	if memberRole == "owner" {
		return RoleOwner, nil
	}

	// An elevated role on the owning organization lifts a plain member to
	// the owner tier for this workspace.
	var elevated bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM organization_members om
			JOIN workspaces w ON w.organization_id = om.organization_id
			WHERE w.id = $1 AND om.user_id = $2 AND om.role IN ('owner', 'admin')
		)`,
		workspaceID, actorID).Scan(&elevated)
	if err != nil {
		return RoleNone, fmt.Errorf("membership: resolve organization role: %w", err)
	}
	if elevated {
		return RoleOwner, nil
	}
	return RoleMember, nil
}

// MemoryResolver is the in-process resolver used by tests and lite mode.
type MemoryResolver struct {
	mu    sync.RWMutex
	roles map[string]Role // "workspaceID/actorID" -> role
}

func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{roles: make(map[string]Role)}
}

// Grant records an accepted membership with the given role.
func (r *MemoryResolver) Grant(actorID, workspaceID string, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[workspaceID+"/"+actorID] = role
}

func (r *MemoryResolver) Resolve(_ context.Context, actorID, workspaceID string) (Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[workspaceID+"/"+actorID], nil
}

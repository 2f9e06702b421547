// Package membership resolves the effective role of an actor in a
// workspace. Roles form a two-level hierarchy: member < owner.
package membership

import "fmt"

// Role is the effective tier of an actor inside a workspace.
type Role int

const (
	// RoleNone means the actor has no accepted membership.
	RoleNone Role = iota
	RoleMember
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleOwner:
		return "owner"
	default:
		return "none"
	}
}

// ParseRole maps a wire-level role name to a Role. The empty string is
// treated as member, the floor requirement.
func ParseRole(s string) (Role, error) {
	switch s {
	case "", "member":
		return RoleMember, nil
	case "owner":
		return RoleOwner, nil
	default:
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
}

// AtLeast reports whether r satisfies the required tier.
func (r Role) AtLeast(need Role) bool {
	return r >= need
}

package auth

import "fmt"

// Role represents an admin role for role-based access control
type Role string

const (
	// RoleAdmin may change prices and retry dead-lettered usage events
	RoleAdmin Role = "admin"

	// RoleViewer has read-only access to admin endpoints
	RoleViewer Role = "viewer"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid role
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role has permission for a required role
// Admin has all permissions, viewer only has viewer permissions
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}

// ParseRole converts a role name, rejecting unknown roles
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// AnyPermits reports whether any of roles grants one of required. An empty
// required list only asks for a valid role.
func AnyPermits(roles []Role, required ...Role) bool {
	for _, r := range roles {
		if !r.IsValid() {
			continue
		}
		if len(required) == 0 {
			return true
		}
		for _, req := range required {
			if r.HasPermission(req) {
				return true
			}
		}
	}
	return false
}

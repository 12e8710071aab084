// Package roles normalizes role claims from external identity providers
// into the canonical role set used across the platform.
package roles

import "strings"

// Role represents a canonical platform role
type Role = string

const (
	RoleAdmin      Role = "admin"      // Full access across the tenant
	RoleManager    Role = "manager"    // Manages work orders, assets and teams
	RoleTechnician Role = "technician" // Executes assigned work orders
	RoleRequester  Role = "requester"  // Submits work requests
	RoleViewer     Role = "viewer"     // Read-only access
)

// DefaultRole is assigned when no role claim can be mapped.
const DefaultRole = RoleViewer

// priority orders canonical roles most-privileged first. DerivePrimaryRole
// walks it top to bottom and returns the first match.
var priority = []Role{
	RoleAdmin,
	RoleManager,
	RoleTechnician,
	RoleRequester,
	RoleViewer,
}

// Normalize converts a role claim of any shape (single string, list of
// strings, list of arbitrary values, nil) into a deduplicated lowercase
// list preserving insertion order. Unknown values are kept as-is so group
// mappings can still act on them downstream.
func Normalize(claim interface{}) []string {
	out := make([]string, 0, 4)
	seen := make(map[string]struct{}, 4)

	add := func(v string) {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	switch c := claim.(type) {
	case nil:
	case string:
		add(c)
	case []string:
		for _, v := range c {
			add(v)
		}
	case []interface{}:
		for _, v := range c {
			if s, ok := v.(string); ok {
				add(s)
			}
		}
	}

	return out
}

// DerivePrimaryRole selects the single role used for token claims. An
// explicit role wins when it maps to a canonical role; otherwise the
// highest-priority normalized role is chosen, then the first normalized
// role, then DefaultRole. Deterministic for identical inputs.
func DerivePrimaryRole(explicitRole string, normalized []string) Role {
	explicit := strings.ToLower(strings.TrimSpace(explicitRole))
	for _, p := range priority {
		if explicit == p {
			return p
		}
	}

	for _, p := range priority {
		for _, r := range normalized {
			if r == p {
				return p
			}
		}
	}

	if len(normalized) > 0 {
		return normalized[0]
	}
	return DefaultRole
}

// IsCanonical reports whether a role belongs to the fixed canonical set.
func IsCanonical(role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	for _, p := range priority {
		if role == p {
			return true
		}
	}
	return false
}

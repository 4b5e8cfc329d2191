package types

import (
	"fmt"
	"strings"
	"time"
)

// Permission scopes what an authenticated tracker client may do.
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermDelete Permission = "delete"
)

// PermissionSet is an unordered set of permissions.
type PermissionSet []Permission

// AllPermissions returns {read, write, delete}.
func AllPermissions() PermissionSet {
	return PermissionSet{PermRead, PermWrite, PermDelete}
}

// Has reports whether p is part of the set.
func (s PermissionSet) Has(p Permission) bool {
	for _, have := range s {
		if have == p {
			return true
		}
	}
	return false
}

// Strings returns the permissions as plain strings.
func (s PermissionSet) Strings() []string {
	out := make([]string, 0, len(s))
	for _, p := range s {
		out = append(out, string(p))
	}
	return out
}

// ParsePermissions parses permission names, rejecting unknown ones and dropping duplicates.
func ParsePermissions(names []string) (PermissionSet, error) {
	set := make(PermissionSet, 0, len(names))
	for _, raw := range names {
		p := Permission(strings.ToLower(strings.TrimSpace(raw)))
		switch p {
		case PermRead, PermWrite, PermDelete:
		default:
			return nil, fmt.Errorf("unknown permission %q", raw)
		}
		if !set.Has(p) {
			set = append(set, p)
		}
	}
	return set, nil
}

// AppPassword is a per-client secret with its own permission scope.
// App passwords are never mutated in place; they are deleted and recreated.
type AppPassword struct {
	// ID identifies the entry so it can be deleted.
	ID string `json:"id"`

	// Secret is compared verbatim with the secret presented by a client.
	Secret string `json:"password"`

	// Permissions is the scope granted when Secret matches.
	Permissions PermissionSet `json:"permissions"`

	// CreatedAt is when the entry was added.
	CreatedAt time.Time `json:"created"`
}

package rbac

import (
	"slices"
	"strings"
)

// Principal describes the authenticated actor of a request.
type Principal struct {
	UserID   int64
	TenantID int64
	GroupIDs []int64
}

// Authenticated reports whether the principal carries a verified identity.
func (p Principal) Authenticated() bool {
	return p.UserID > 0 && p.TenantID > 0
}

// PermissionSet is the set of permission keys granted to a user or group.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from raw keys, normalising case and whitespace.
func NewPermissionSet(keys ...string) PermissionSet {
	set := make(PermissionSet, len(keys))
	set.add(keys...)
	return set
}

func (s PermissionSet) add(keys ...string) {
	for _, k := range keys {
		if k = normalizePermission(k); k != "" {
			s[k] = struct{}{}
		}
	}
}

// Has reports whether key is granted.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[normalizePermission(key)]
	return ok
}

// Keys returns the granted keys in sorted order.
func (s PermissionSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s PermissionSet) clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Reason is the machine-readable code attached to every decision.
type Reason string

const (
	ReasonAllowed            Reason = "allowed"
	ReasonUnauthenticated    Reason = "unauthenticated"
	ReasonPermissionMissing  Reason = "permission_missing"
	ReasonPermissionRequired Reason = "permission_required"
	ReasonUnavailable        Reason = "permissions_unavailable"
)

// Decision is the outcome of an authorization check. Denials are values, not errors.
type Decision struct {
	Allowed    bool
	Permission string
	Reason     Reason
	CacheHit   bool
}

func normalizePermission(p string) string {
	return strings.TrimSpace(strings.ToLower(p))
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = normalizePermission(p)
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

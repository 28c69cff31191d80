package rbac

import "context"

// PermissionProvider resolves a user's permission set. *Cache implements it.
type PermissionProvider interface {
	Permissions(ctx context.Context, tenantID, userID int64) (PermissionSet, bool, error)
}

// Authorizer decides whether a principal may perform an action.
type Authorizer struct {
	perms PermissionProvider
}

// NewAuthorizer constructs an Authorizer.
func NewAuthorizer(perms PermissionProvider) *Authorizer {
	return &Authorizer{perms: perms}
}

// Authorize checks a single permission.
func (a *Authorizer) Authorize(ctx context.Context, p Principal, permission string) Decision {
	return a.evaluate(ctx, p, []string{permission}, false)
}

// AuthorizeAny allows when at least one permission is granted.
func (a *Authorizer) AuthorizeAny(ctx context.Context, p Principal, permissions ...string) Decision {
	return a.evaluate(ctx, p, permissions, false)
}

// AuthorizeAll allows only when every permission is granted.
func (a *Authorizer) AuthorizeAll(ctx context.Context, p Principal, permissions ...string) Decision {
	return a.evaluate(ctx, p, permissions, true)
}

func (a *Authorizer) evaluate(ctx context.Context, p Principal, permissions []string, all bool) Decision {
	required := normalizePermissions(permissions)
	if !p.Authenticated() {
		return Decision{Reason: ReasonUnauthenticated, Permission: first(required)}
	}
	if len(required) == 0 {
		return Decision{Reason: ReasonPermissionRequired}
	}
	granted, hit, err := a.perms.Permissions(ctx, p.TenantID, p.UserID)
	if err != nil {
		return Decision{Reason: ReasonUnavailable, Permission: first(required)}
	}
	for _, perm := range required {
		has := granted.Has(perm)
		if has && !all {
			return Decision{Allowed: true, Permission: perm, Reason: ReasonAllowed, CacheHit: hit}
		}
		if !has && all {
			return Decision{Permission: perm, Reason: ReasonPermissionMissing, CacheHit: hit}
		}
	}
	if all {
		return Decision{Allowed: true, Permission: required[0], Reason: ReasonAllowed, CacheHit: hit}
	}
	return Decision{Permission: required[0], Reason: ReasonPermissionMissing, CacheHit: hit}
}

func first(perms []string) string {
	if len(perms) == 0 {
		return ""
	}
	return perms[0]
}

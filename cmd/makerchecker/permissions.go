package main

import (
	"context"

	"github.com/odyssey-erp/makerchecker/internal/changes"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

type permissionWriter interface {
	EnsurePermission(ctx context.Context, name, description string) error
}

// ensurePermissions registers the core keys plus any key the policy file
// introduces, so role grants can reference them.
func ensurePermissions(ctx context.Context, w permissionWriter, policy *changes.Policy) error {
	seen := make(map[string]struct{})
	add := func(name, description string) error {
		if name == "" {
			return nil
		}
		if _, ok := seen[name]; ok {
			return nil
		}
		seen[name] = struct{}{}
		return w.EnsurePermission(ctx, name, description)
	}
	for _, name := range shared.CoreScopes() {
		if err := add(name, "core"); err != nil {
			return err
		}
	}
	for table, entity := range policy.Entities {
		for _, name := range []string{entity.SubmitPermission, entity.ApprovePermission, entity.DeclinePermission} {
			if err := add(name, "policy:"+table); err != nil {
				return err
			}
		}
	}
	return nil
}

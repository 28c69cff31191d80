package changes

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// Table names of the entities shipped with dual control.
const (
	TableRole            = "Role"
	TableGroupMembership = "GroupMembership"
	TableGroupRole       = "GroupRole"
)

// EntityPolicy configures change control for one table.
type EntityPolicy struct {
	// DualControl lists the actions that need a second principal.
	// Actions not listed are applied on submit and recorded as approved by the maker.
	DualControl       []Action `yaml:"dual_control"`
	SubmitPermission  string   `yaml:"submit_permission,omitempty"`
	ApprovePermission string   `yaml:"approve_permission,omitempty"`
	DeclinePermission string   `yaml:"decline_permission,omitempty"`
}

// Policy is the dual-control policy across tables.
type Policy struct {
	Entities map[string]EntityPolicy `yaml:"entities"`
}

// DefaultPolicy puts every action on roles and group assignments under dual control.
func DefaultPolicy() *Policy {
	all := []Action{ActionCreate, ActionUpdate, ActionDelete}
	return &Policy{Entities: map[string]EntityPolicy{
		TableRole:            {DualControl: all, SubmitPermission: shared.PermRolesEdit},
		TableGroupMembership: {DualControl: all, SubmitPermission: shared.PermGroupsEdit},
		TableGroupRole:       {DualControl: all, SubmitPermission: shared.PermGroupsEdit},
	}}
}

// LoadPolicy reads a YAML policy file and layers it over DefaultPolicy.
// An empty path returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("changes: read policy: %w", err)
	}
	var file Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("changes: parse policy %s: %w", path, err)
	}
	for table, entity := range file.Entities {
		actions := make([]Action, 0, len(entity.DualControl))
		for _, raw := range entity.DualControl {
			action, err := ParseAction(string(raw))
			if err != nil {
				return nil, fmt.Errorf("changes: policy %s: %w", table, err)
			}
			actions = append(actions, action)
		}
		entity.DualControl = actions
		policy.Entities[table] = entity
	}
	return policy, nil
}

// RequiresApproval reports whether action on table needs a checker. Tables
// without a policy entry always do.
func (p *Policy) RequiresApproval(table string, action Action) bool {
	entity, ok := p.Entities[table]
	if !ok {
		return true
	}
	return slices.Contains(entity.DualControl, action)
}

// SubmitPermission is the permission needed to propose a change to table.
func (p *Policy) SubmitPermission(table string) string {
	return p.permission(table, func(e EntityPolicy) string { return e.SubmitPermission }, shared.PermChangesSubmit)
}

// ApprovePermission is the permission needed to approve a change to table.
func (p *Policy) ApprovePermission(table string) string {
	return p.permission(table, func(e EntityPolicy) string { return e.ApprovePermission }, shared.PermChangesApprove)
}

// DeclinePermission is the permission needed to decline a change to table.
func (p *Policy) DeclinePermission(table string) string {
	return p.permission(table, func(e EntityPolicy) string { return e.DeclinePermission }, shared.PermChangesDecline)
}

func (p *Policy) permission(table string, pick func(EntityPolicy) string, fallback string) string {
	if entity, ok := p.Entities[table]; ok {
		if perm := pick(entity); perm != "" {
			return perm
		}
	}
	return fallback
}

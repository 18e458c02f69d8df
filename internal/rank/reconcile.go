package rank

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// RoleSync is the guild role surface reconciliation needs.
type RoleSync interface {
	EnsureRole(ctx context.Context, name string) (roleID string, err error)
	MembersWithRole(ctx context.Context, roleID string) ([]string, error)
	IsMember(ctx context.Context, memberID string) (bool, error)
	AddRole(ctx context.Context, memberID, roleID string) error
	RemoveRole(ctx context.Context, memberID, roleID string) error
}

// Changes summarizes one reconciliation pass.
type Changes struct {
	Added   []string
	Removed []string
}

// Reconciler converges guild role membership onto computed eligibility.
// Every operation diffs against current membership first, so re-running a
// pass with unchanged inputs performs no guild writes.
type Reconciler struct {
	roles  RoleSync
	logger *zap.Logger
}

// NewReconciler creates a role reconciler.
func NewReconciler(roles RoleSync, logger *zap.Logger) (*Reconciler, error) {
	if roles == nil {
		return nil, errors.New("role sync is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{roles: roles, logger: logger}, nil
}

// SyncExclusiveRole makes roleName's membership exactly memberIDs: holders
// outside the set lose the role, members inside it gain the role.
func (r *Reconciler) SyncExclusiveRole(ctx context.Context, roleName string, memberIDs []string) (Changes, error) {
	roleID, current, err := r.roleState(ctx, roleName)
	if err != nil {
		return Changes{}, err
	}

	want := make(map[string]bool, len(memberIDs))
	for _, memberID := range memberIDs {
		want[memberID] = true
	}

	changes := Changes{}
	for memberID := range current {
		if want[memberID] {
			continue
		}
		if err := r.roles.RemoveRole(ctx, memberID, roleID); err != nil {
			return changes, fmt.Errorf("remove role %q from %s: %w", roleName, memberID, err)
		}
		changes.Removed = append(changes.Removed, memberID)
	}
	for _, memberID := range memberIDs {
		if current[memberID] {
			continue
		}
		present, err := r.roles.IsMember(ctx, memberID)
		if err != nil {
			return changes, fmt.Errorf("resolve member %s: %w", memberID, err)
		}
		if !present {
			// Member left the guild; their identity stays linked.
			continue
		}
		if err := r.roles.AddRole(ctx, memberID, roleID); err != nil {
			return changes, fmt.Errorf("add role %q to %s: %w", roleName, memberID, err)
		}
		changes.Added = append(changes.Added, memberID)
	}

	r.logChanges(roleName, changes)
	return changes, nil
}

// SyncThresholdRole converges roleName per member: eligible members gain
// the role, explicitly ineligible members lose it. Members absent from
// eligibility (for example, with a failed stats fetch this cycle) keep
// whatever they have.
func (r *Reconciler) SyncThresholdRole(ctx context.Context, roleName string, eligibility map[string]bool) (Changes, error) {
	roleID, current, err := r.roleState(ctx, roleName)
	if err != nil {
		return Changes{}, err
	}

	changes := Changes{}
	for memberID, eligible := range eligibility {
		switch {
		case eligible && !current[memberID]:
			present, err := r.roles.IsMember(ctx, memberID)
			if err != nil {
				return changes, fmt.Errorf("resolve member %s: %w", memberID, err)
			}
			if !present {
				continue
			}
			if err := r.roles.AddRole(ctx, memberID, roleID); err != nil {
				return changes, fmt.Errorf("add role %q to %s: %w", roleName, memberID, err)
			}
			changes.Added = append(changes.Added, memberID)
		case !eligible && current[memberID]:
			if err := r.roles.RemoveRole(ctx, memberID, roleID); err != nil {
				return changes, fmt.Errorf("remove role %q from %s: %w", roleName, memberID, err)
			}
			changes.Removed = append(changes.Removed, memberID)
		}
	}

	r.logChanges(roleName, changes)
	return changes, nil
}

// GrantRole adds roleName to one member if they do not hold it yet.
func (r *Reconciler) GrantRole(ctx context.Context, roleName, memberID string) (bool, error) {
	roleID, current, err := r.roleState(ctx, roleName)
	if err != nil {
		return false, err
	}
	if current[memberID] {
		return false, nil
	}
	if err := r.roles.AddRole(ctx, memberID, roleID); err != nil {
		return false, fmt.Errorf("add role %q to %s: %w", roleName, memberID, err)
	}
	return true, nil
}

func (r *Reconciler) roleState(ctx context.Context, roleName string) (string, map[string]bool, error) {
	roleID, err := r.roles.EnsureRole(ctx, roleName)
	if err != nil {
		return "", nil, fmt.Errorf("ensure role %q: %w", roleName, err)
	}
	members, err := r.roles.MembersWithRole(ctx, roleID)
	if err != nil {
		return "", nil, fmt.Errorf("list holders of role %q: %w", roleName, err)
	}
	current := make(map[string]bool, len(members))
	for _, memberID := range members {
		current[memberID] = true
	}
	return roleID, current, nil
}

func (r *Reconciler) logChanges(roleName string, changes Changes) {
	if len(changes.Added) == 0 && len(changes.Removed) == 0 {
		return
	}
	r.logger.Info("role membership reconciled",
		zap.String("role", roleName),
		zap.Strings("added", changes.Added),
		zap.Strings("removed", changes.Removed))
}

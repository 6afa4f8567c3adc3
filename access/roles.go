package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/talosaether/gymops/rbac"
	"github.com/talosaether/gymops/users"
)

var (
	ErrNotAuthenticated     = errors.New("access: not authenticated")
	ErrForbidden            = errors.New("access: forbidden")
	ErrConfirmationRequired = errors.New("access: demoting an admin must be confirmed")
)

// EventRoleChanged is published after a role change has been stored.
const EventRoleChanged = "access.role_changed"

// RoleChanged is the payload of EventRoleChanged.
type RoleChanged struct {
	ActorID string
	UserID  string
	From    rbac.RoleID
	To      rbac.RoleID
}

// RoleStore reads profiles and writes roles. users.Module satisfies it.
type RoleStore interface {
	ProfileSource
	SetRole(ctx context.Context, id string, role rbac.RoleID) (*users.Profile, error)
}

// Reflector receives a profile after its change has been stored.
type Reflector interface {
	Reflect(ctx context.Context, profile *users.Profile)
}

// Publisher publishes events. gymops.App satisfies it through Emit.
type Publisher interface {
	Emit(ctx context.Context, eventType string, payload any)
}

// RoleChanger applies role changes: check, store, then reflect.
type RoleChanger struct {
	store     RoleStore
	reflector Reflector
	publisher Publisher
	metrics   *Metrics
	logger    *slog.Logger
}

// NewRoleChanger builds a RoleChanger. reflector, publisher and metrics may
// be nil.
func NewRoleChanger(store RoleStore, reflector Reflector, publisher Publisher, metrics *Metrics, logger *slog.Logger) *RoleChanger {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleChanger{
		store:     store,
		reflector: reflector,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// Change gives the user targetID the proposed role on behalf of the
// snapshot's user. The target is read from the store so the rules see its
// current role. Callers who may assign no role at all are refused before
// the target is read, so a refusal says nothing about the target. Taking a
// user away from admin needs confirmed, asked for only once the assignment
// rules pass. Nothing is reflected or published unless the store accepted
// the change.
func (rc *RoleChanger) Change(ctx context.Context, actor *Snapshot, targetID string, proposed rbac.RoleID, confirmed bool) (*users.Profile, error) {
	acting := actor.User()
	if acting == nil {
		rc.count(resultDenied)
		return nil, ErrNotAuthenticated
	}

	if len(rbac.AssignableRoles(acting)) == 0 {
		rc.count(resultDenied)
		rc.logger.Debug("role change denied", "actor_id", acting.ID, "reason", "no assignable roles")
		return nil, fmt.Errorf("%w: %w", ErrForbidden, rbac.ErrTargetNotSubordinate)
	}

	target, err := rc.store.GetProfile(ctx, targetID)
	if err != nil {
		rc.count(resultFailed)
		return nil, fmt.Errorf("load target profile: %w", err)
	}

	if err := rbac.CheckAssignment(acting, target, proposed); err != nil {
		rc.count(resultDenied)
		rc.logger.Debug("role change denied",
			"actor_id", acting.ID, "target_id", target.ID, "proposed", string(proposed), "reason", err)
		return nil, fmt.Errorf("%w: %w", ErrForbidden, err)
	}

	if rbac.RequiresConfirmation(target.Role, proposed) && !confirmed {
		rc.count(resultUnconfirmed)
		return nil, ErrConfirmationRequired
	}

	updated, err := rc.store.SetRole(ctx, target.ID, proposed)
	if err != nil {
		rc.count(resultFailed)
		rc.logger.Warn("role change not stored", "target_id", target.ID, "error", err)
		return nil, fmt.Errorf("store role: %w", err)
	}

	if rc.reflector != nil {
		rc.reflector.Reflect(ctx, updated)
	}
	if rc.publisher != nil {
		rc.publisher.Emit(ctx, EventRoleChanged, RoleChanged{
			ActorID: acting.ID,
			UserID:  updated.ID,
			From:    target.Role,
			To:      updated.Role,
		})
	}
	rc.count(resultApplied)
	rc.logger.Info("role changed",
		"actor_id", acting.ID, "target_id", updated.ID, "from", string(target.Role), "to", string(updated.Role))

	return updated, nil
}

func (rc *RoleChanger) count(result string) {
	if rc.metrics != nil {
		rc.metrics.RoleChanges.WithLabelValues(result).Inc()
	}
}

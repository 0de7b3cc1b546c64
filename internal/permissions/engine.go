package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gatekeep-io/gatekeep/internal/history"
	"github.com/gatekeep-io/gatekeep/internal/observability"
	"github.com/gatekeep-io/gatekeep/internal/rolecatalog"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	bulkConcurrency = 4
)

// errNoChange aborts a MutateUser callback without writing anything.
var errNoChange = errors.New("permissions: no state change")

// Engine implements the authorization and permission governance logic. It
// never reads the system clock; callers supply now explicitly so every
// computation stays deterministic.
type Engine struct {
	store   StorePort
	trail   HistoryPort
	logger  *slog.Logger
	metrics *observability.EngineMetrics
}

// NewEngine constructs an Engine. Metrics may be nil.
func NewEngine(store StorePort, trail HistoryPort, logger *slog.Logger, metrics *observability.EngineMetrics) *Engine {
	return &Engine{store: store, trail: trail, logger: logger, metrics: metrics}
}

// EffectivePermissions computes the permissions a user actually holds at the
// given instant: role base set, explicit grants, custom grants, and unexpired
// temporary grants. Pure; the result is sorted for determinism.
func EffectivePermissions(user User, now time.Time) []string {
	set := effectiveSet(user, now)
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

// HasPermission reports whether the user holds the permission at the given
// instant. FullAccess grants everything.
func HasPermission(user User, permission string, now time.Time) bool {
	set := effectiveSet(user, now)
	if _, ok := set[shared.FullAccess]; ok {
		return true
	}
	_, ok := set[permission]
	return ok
}

func effectiveSet(user User, now time.Time) map[string]struct{} {
	set := make(map[string]struct{})
	for _, p := range rolecatalog.BasePermissions(user.Role) {
		set[p] = struct{}{}
	}
	for _, p := range user.Permissions {
		set[p] = struct{}{}
	}
	for _, p := range user.CustomPermissions {
		set[p] = struct{}{}
	}
	// Expiry is decided against now, never against physical presence in the
	// store: an expired entry may linger until the next cleanup sweep.
	for p, expiry := range user.TemporaryPermissions {
		if expiry.After(now) {
			set[p] = struct{}{}
		}
	}
	return set
}

// EffectivePermissions is the method form used by the gate and handlers.
func (e *Engine) EffectivePermissions(user User, now time.Time) []string {
	return EffectivePermissions(user, now)
}

// HasPermission is the method form of the package-level check.
func (e *Engine) HasPermission(user User, permission string, now time.Time) bool {
	return HasPermission(user, permission, now)
}

// GetUser resolves one user from the store.
func (e *Engine) GetUser(ctx context.Context, id string) (User, error) {
	return e.store.GetUser(ctx, id)
}

// ValidatePermissionSecurity checks whether an operator may apply the
// requested permissions to the target. Fails closed: an unresolvable operator
// or target yields a denial, not an error. A FullAccess operator is always
// allowed; otherwise the operator must strictly outrank the target and must
// themselves hold every requested permission.
func (e *Engine) ValidatePermissionSecurity(ctx context.Context, operatorID, targetID string, requested []string, now time.Time) (SecurityCheck, error) {
	operator, err := e.store.GetUser(ctx, operatorID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return SecurityCheck{Allowed: false, Reason: "operator not found"}, nil
		}
		return SecurityCheck{}, err
	}
	target, err := e.store.GetUser(ctx, targetID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return SecurityCheck{Allowed: false, Reason: "target user not found"}, nil
		}
		return SecurityCheck{}, err
	}

	operatorSet := effectiveSet(operator, now)
	if _, ok := operatorSet[shared.FullAccess]; ok {
		return SecurityCheck{Allowed: true}, nil
	}
	// An operator may never modify a peer or superior, including themselves.
	// The denial still reports which requested permissions the operator lacks
	// so the caller can surface both problems at once.
	if rolecatalog.HierarchyLevel(target.Role) >= rolecatalog.HierarchyLevel(operator.Role) {
		return SecurityCheck{
			Allowed:               false,
			Reason:                "operator may not modify a user of equal or higher rank",
			RestrictedPermissions: restrictedPermissions(requested, operatorSet),
		}, nil
	}
	restricted := restrictedPermissions(requested, operatorSet)
	if len(restricted) > 0 {
		return SecurityCheck{
			Allowed:               false,
			Reason:                "operator does not hold all requested permissions",
			RestrictedPermissions: restricted,
		}, nil
	}
	return SecurityCheck{Allowed: true}, nil
}

func restrictedPermissions(requested []string, operatorSet map[string]struct{}) []string {
	var restricted []string
	seen := make(map[string]struct{}, len(requested))
	for _, p := range requested {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, ok := operatorSet[p]; !ok {
			restricted = append(restricted, p)
		}
	}
	sort.Strings(restricted)
	return restricted
}

// authorize enforces escalation prevention for a mutating operation. SYSTEM
// bypasses validation; a denial surfaces as *SecurityError.
func (e *Engine) authorize(ctx context.Context, operatorID, targetID string, requested []string, now time.Time) error {
	if operatorID == shared.SystemActor {
		return nil
	}
	check, err := e.ValidatePermissionSecurity(ctx, operatorID, targetID, requested, now)
	if err != nil {
		return err
	}
	if !check.Allowed {
		e.metrics.RecordDenial()
		return &SecurityError{Check: check}
	}
	return nil
}

// GrantPermission adds a permission to the user's explicit grant set.
func (e *Engine) GrantPermission(ctx context.Context, targetID, permission, grantedBy, reason string, now time.Time) (User, error) {
	if _, err := e.store.GetUser(ctx, targetID); err != nil {
		return User{}, err
	}
	if err := e.authorize(ctx, grantedBy, targetID, []string{permission}, now); err != nil {
		return User{}, err
	}
	change, err := e.store.MutateUser(ctx, targetID, func(u *User) error {
		if containsPermission(u.Permissions, permission) {
			return errNoChange
		}
		u.Permissions = append(append([]string(nil), u.Permissions...), permission)
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoChange) {
			return change.After, nil
		}
		return User{}, err
	}
	e.metrics.RecordChange(string(history.ActionGrant))
	e.appendHistory(ctx, history.Record{
		UserID:         targetID,
		ChangedBy:      grantedBy,
		Action:         history.ActionGrant,
		Permission:     permission,
		OldPermissions: snapshotOf(change.Before),
		NewPermissions: snapshotOf(change.After),
		Reason:         reason,
		CreatedAt:      now,
	})
	return change.After, nil
}

// RevokePermission removes a permission from the user's explicit and custom
// grant sets. Revocation runs the same escalation validation as granting so a
// low-ranked operator cannot strip rights from a superior.
func (e *Engine) RevokePermission(ctx context.Context, targetID, permission, revokedBy, reason string, now time.Time) (User, error) {
	if _, err := e.store.GetUser(ctx, targetID); err != nil {
		return User{}, err
	}
	if err := e.authorize(ctx, revokedBy, targetID, nil, now); err != nil {
		return User{}, err
	}
	change, err := e.store.MutateUser(ctx, targetID, func(u *User) error {
		perms, removedExplicit := withoutPermission(u.Permissions, permission)
		custom, removedCustom := withoutPermission(u.CustomPermissions, permission)
		if !removedExplicit && !removedCustom {
			return errNoChange
		}
		u.Permissions = perms
		u.CustomPermissions = custom
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoChange) {
			return change.After, nil
		}
		return User{}, err
	}
	e.metrics.RecordChange(string(history.ActionRevoke))
	e.appendHistory(ctx, history.Record{
		UserID:         targetID,
		ChangedBy:      revokedBy,
		Action:         history.ActionRevoke,
		Permission:     permission,
		OldPermissions: snapshotOf(change.Before),
		NewPermissions: snapshotOf(change.After),
		Reason:         reason,
		CreatedAt:      now,
	})
	return change.After, nil
}

// GrantTemporaryPermission upserts a time-bounded grant. The grant expires
// logically at expiresAt regardless of when a cleanup sweep prunes it.
func (e *Engine) GrantTemporaryPermission(ctx context.Context, targetID, permission string, expiresAt time.Time, grantedBy, reason string, now time.Time) (User, error) {
	if _, err := e.store.GetUser(ctx, targetID); err != nil {
		return User{}, err
	}
	if !expiresAt.After(now) {
		return User{}, shared.ErrInvalidExpiry
	}
	if err := e.authorize(ctx, grantedBy, targetID, []string{permission}, now); err != nil {
		return User{}, err
	}
	change, err := e.store.MutateUser(ctx, targetID, func(u *User) error {
		temp := make(map[string]time.Time, len(u.TemporaryPermissions)+1)
		for p, exp := range u.TemporaryPermissions {
			temp[p] = exp
		}
		temp[permission] = expiresAt
		u.TemporaryPermissions = temp
		return nil
	})
	if err != nil {
		return User{}, err
	}
	e.metrics.RecordChange(string(history.ActionTempGrant))
	e.appendHistory(ctx, history.Record{
		UserID:         targetID,
		ChangedBy:      grantedBy,
		Action:         history.ActionTempGrant,
		Permission:     permission,
		OldPermissions: snapshotOf(change.Before),
		NewPermissions: snapshotOf(change.After),
		Reason:         reason,
		ExpiresAt:      &expiresAt,
		CreatedAt:      now,
	})
	return change.After, nil
}

// ChangeRole moves the user to a new catalogued role. A non-FullAccess
// operator may only assign roles ranked strictly below their own.
func (e *Engine) ChangeRole(ctx context.Context, targetID string, newRole rolecatalog.Role, changedBy, reason string, now time.Time) (User, error) {
	if !rolecatalog.Exists(newRole) {
		return User{}, fmt.Errorf("%w: %s", shared.ErrRoleUnknown, newRole)
	}
	if _, err := e.store.GetUser(ctx, targetID); err != nil {
		return User{}, err
	}
	if changedBy != shared.SystemActor {
		if err := e.authorize(ctx, changedBy, targetID, rolecatalog.BasePermissions(newRole), now); err != nil {
			return User{}, err
		}
		operator, err := e.store.GetUser(ctx, changedBy)
		if err != nil {
			return User{}, err
		}
		if _, full := effectiveSet(operator, now)[shared.FullAccess]; !full &&
			rolecatalog.HierarchyLevel(newRole) >= rolecatalog.HierarchyLevel(operator.Role) {
			e.metrics.RecordDenial()
			return User{}, &SecurityError{Check: SecurityCheck{
				Allowed: false,
				Reason:  "operator may not assign a role of equal or higher rank",
			}}
		}
	}
	change, err := e.store.MutateUser(ctx, targetID, func(u *User) error {
		if u.Role == newRole {
			return errNoChange
		}
		u.Role = newRole
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoChange) {
			return change.After, nil
		}
		return User{}, err
	}
	e.metrics.RecordChange(string(history.ActionRoleChange))
	e.appendHistory(ctx, history.Record{
		UserID:         targetID,
		ChangedBy:      changedBy,
		Action:         history.ActionRoleChange,
		OldRole:        string(change.Before.Role),
		NewRole:        string(change.After.Role),
		OldPermissions: snapshotOf(change.Before),
		NewPermissions: snapshotOf(change.After),
		Reason:         reason,
		CreatedAt:      now,
	})
	return change.After, nil
}

// CleanupExpiredPermissions prunes temporary grants whose expiry has passed.
// Two-phase by design: entries are logically dead the moment they expire, this
// sweep only reclaims storage. Idempotent, so duplicate execution across
// processes is harmless. Returns the number of users touched.
func (e *Engine) CleanupExpiredPermissions(ctx context.Context, now time.Time) (int, error) {
	users, err := e.store.FindUsersWithTemporaryPermissions(ctx)
	if err != nil {
		return 0, err
	}
	affected := 0
	var errs []error
	for _, candidate := range users {
		removed := make(map[string]time.Time)
		change, err := e.store.MutateUser(ctx, candidate.ID, func(u *User) error {
			active := make(map[string]time.Time)
			for p, expiry := range u.TemporaryPermissions {
				if expiry.After(now) {
					active[p] = expiry
				} else {
					removed[p] = expiry
				}
			}
			if len(removed) == 0 {
				return errNoChange
			}
			u.TemporaryPermissions = active
			return nil
		})
		if errors.Is(err, errNoChange) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup user %s: %w", candidate.ID, err))
			continue
		}
		affected++
		e.metrics.RecordPruned(len(removed))
		for _, p := range sortedKeys(removed) {
			expiry := removed[p]
			e.appendHistory(ctx, history.Record{
				UserID:         candidate.ID,
				ChangedBy:      shared.SystemActor,
				Action:         history.ActionTempExpire,
				Permission:     p,
				OldPermissions: snapshotOf(change.Before),
				NewPermissions: snapshotOf(change.After),
				ExpiresAt:      &expiry,
				CreatedAt:      now,
			})
		}
	}
	return affected, errors.Join(errs...)
}

// BulkUpdatePermissions applies each update independently: a missing user or a
// denied item is reported in its outcome and never aborts the batch. One
// BULK_UPDATE record is appended per user whose state actually changed.
func (e *Engine) BulkUpdatePermissions(ctx context.Context, updates []BulkUpdate, updatedBy, reason string, now time.Time) ([]BulkOutcome, error) {
	var operatorSet map[string]struct{}
	operatorLevel := 0
	operatorFull := false
	if updatedBy != shared.SystemActor {
		operator, err := e.store.GetUser(ctx, updatedBy)
		if err != nil {
			return nil, err
		}
		operatorSet = effectiveSet(operator, now)
		operatorLevel = rolecatalog.HierarchyLevel(operator.Role)
		_, operatorFull = operatorSet[shared.FullAccess]
	}

	outcomes := make([]BulkOutcome, len(updates))
	var g errgroup.Group
	g.SetLimit(bulkConcurrency)
	for i, item := range updates {
		g.Go(func() error {
			outcomes[i] = e.applyBulkItem(ctx, item, updatedBy, reason, now, operatorSet, operatorLevel, operatorFull)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

func (e *Engine) applyBulkItem(ctx context.Context, item BulkUpdate, updatedBy, reason string, now time.Time, operatorSet map[string]struct{}, operatorLevel int, operatorFull bool) BulkOutcome {
	systemActor := updatedBy == shared.SystemActor
	var secErr *SecurityError
	change, err := e.store.MutateUser(ctx, item.UserID, func(u *User) error {
		if !systemActor && !operatorFull {
			if rolecatalog.HierarchyLevel(u.Role) >= operatorLevel {
				secErr = &SecurityError{Check: SecurityCheck{
					Allowed: false,
					Reason:  "operator may not modify a user of equal or higher rank",
				}}
				return secErr
			}
		}
		// The escalation baseline is what the target holds durably: explicit
		// and custom grants only. Comparing against the effective set would
		// let an operator launder a target's expiring temporary grant into a
		// permanent one without ever holding the permission themselves.
		before := make(map[string]struct{}, len(u.Permissions)+len(u.CustomPermissions))
		for _, p := range u.Permissions {
			before[p] = struct{}{}
		}
		for _, p := range u.CustomPermissions {
			before[p] = struct{}{}
		}
		update := UserUpdate{
			Role:              item.Role,
			Permissions:       item.Permissions,
			CustomPermissions: item.CustomPermissions,
			IsActive:          item.IsActive,
		}
		update.ApplyTo(u)
		if !systemActor && !operatorFull {
			var added []string
			for _, p := range append(append([]string(nil), u.Permissions...), u.CustomPermissions...) {
				if _, held := before[p]; !held {
					added = append(added, p)
				}
			}
			if item.Role != nil {
				added = append(added, rolecatalog.BasePermissions(*item.Role)...)
			}
			if restricted := restrictedPermissions(added, operatorSet); len(restricted) > 0 {
				secErr = &SecurityError{Check: SecurityCheck{
					Allowed:               false,
					Reason:                "operator does not hold all requested permissions",
					RestrictedPermissions: restricted,
				}}
				return secErr
			}
			if item.Role != nil && rolecatalog.HierarchyLevel(*item.Role) >= operatorLevel {
				secErr = &SecurityError{Check: SecurityCheck{
					Allowed: false,
					Reason:  "operator may not assign a role of equal or higher rank",
				}}
				return secErr
			}
		}
		return nil
	})
	if err != nil {
		if secErr != nil {
			e.metrics.RecordDenial()
			return BulkOutcome{UserID: item.UserID, Error: secErr.Check.Reason}
		}
		if errors.Is(err, shared.ErrNotFound) {
			return BulkOutcome{UserID: item.UserID, Error: "user not found"}
		}
		return BulkOutcome{UserID: item.UserID, Error: err.Error()}
	}
	e.metrics.RecordChange(string(history.ActionBulkUpdate))
	e.appendHistory(ctx, history.Record{
		UserID:         item.UserID,
		ChangedBy:      updatedBy,
		Action:         history.ActionBulkUpdate,
		OldRole:        string(change.Before.Role),
		NewRole:        string(change.After.Role),
		OldPermissions: snapshotOf(change.Before),
		NewPermissions: snapshotOf(change.After),
		Reason:         reason,
		CreatedAt:      now,
	})
	after := change.After
	return BulkOutcome{UserID: item.UserID, Updated: true, User: &after}
}

// PermissionHistory returns the user's audit trail, most recent first.
func (e *Engine) PermissionHistory(ctx context.Context, userID string, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return e.trail.QueryByUser(ctx, userID, limit)
}

// appendHistory records one logical state change. The mutation has already
// committed; an append failure is logged at Error severity and swallowed so
// state correctness wins over audit completeness.
func (e *Engine) appendHistory(ctx context.Context, rec history.Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := e.trail.Append(ctx, rec); err != nil {
		e.logger.Error("permission history append failed",
			slog.String("user_id", rec.UserID),
			slog.String("action", string(rec.Action)),
			slog.Any("error", err))
	}
}

func snapshotOf(u User) history.Snapshot {
	snap := history.Snapshot{
		Role:              string(u.Role),
		Permissions:       append([]string(nil), u.Permissions...),
		CustomPermissions: append([]string(nil), u.CustomPermissions...),
	}
	if len(u.TemporaryPermissions) > 0 {
		snap.TemporaryPermissions = make(map[string]time.Time, len(u.TemporaryPermissions))
		for p, expiry := range u.TemporaryPermissions {
			snap.TemporaryPermissions[p] = expiry
		}
	}
	return snap
}

func containsPermission(perms []string, permission string) bool {
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

func withoutPermission(perms []string, permission string) ([]string, bool) {
	if !containsPermission(perms, permission) {
		return perms, false
	}
	kept := make([]string, 0, len(perms))
	for _, p := range perms {
		if p != permission {
			kept = append(kept, p)
		}
	}
	return kept, true
}

func sortedKeys(m map[string]time.Time) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package permissions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep-io/gatekeep/internal/history"
	"github.com/gatekeep-io/gatekeep/internal/rolecatalog"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

type memoryStore struct {
	mu    sync.Mutex
	users map[string]User

	getErr    error
	mutateErr error
}

func newMemoryStore(users ...User) *memoryStore {
	store := &memoryStore{users: make(map[string]User, len(users))}
	for _, u := range users {
		store.users[u.ID] = cloneUser(u)
	}
	return store
}

func cloneUser(u User) User {
	clone := u
	clone.Permissions = append([]string(nil), u.Permissions...)
	clone.CustomPermissions = append([]string(nil), u.CustomPermissions...)
	if u.TemporaryPermissions != nil {
		clone.TemporaryPermissions = make(map[string]time.Time, len(u.TemporaryPermissions))
		for p, exp := range u.TemporaryPermissions {
			clone.TemporaryPermissions[p] = exp
		}
	}
	return clone
}

func (m *memoryStore) GetUser(ctx context.Context, id string) (User, error) {
	if m.getErr != nil {
		return User{}, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, shared.ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *memoryStore) UpdateUser(ctx context.Context, id string, update UserUpdate) (UserChange, error) {
	return m.MutateUser(ctx, id, func(u *User) error {
		update.ApplyTo(u)
		return nil
	})
}

func (m *memoryStore) MutateUser(ctx context.Context, id string, fn func(*User) error) (UserChange, error) {
	if m.mutateErr != nil {
		return UserChange{}, m.mutateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return UserChange{}, shared.ErrNotFound
	}
	before := cloneUser(u)
	work := cloneUser(u)
	if err := fn(&work); err != nil {
		return UserChange{Before: before, After: before}, err
	}
	m.users[id] = cloneUser(work)
	return UserChange{Before: before, After: work}, nil
}

func (m *memoryStore) FindUsersWithTemporaryPermissions(ctx context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []User
	for _, u := range m.users {
		if len(u.TemporaryPermissions) > 0 {
			users = append(users, cloneUser(u))
		}
	}
	return users, nil
}

type memoryTrail struct {
	mu        sync.Mutex
	records   []history.Record
	appendErr error
	lastLimit int
}

func (m *memoryTrail) Append(ctx context.Context, rec history.Record) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryTrail) QueryByUser(ctx context.Context, userID string, limit int) ([]history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	var matched []history.Record
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].UserID == userID {
			matched = append(matched, m.records[i])
			if len(matched) == limit {
				break
			}
		}
	}
	return matched, nil
}

func (m *memoryTrail) byAction(action history.Action) []history.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []history.Record
	for _, rec := range m.records {
		if rec.Action == action {
			matched = append(matched, rec)
		}
	}
	return matched
}

func (m *memoryTrail) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(store *memoryStore, trail *memoryTrail) *Engine {
	return NewEngine(store, trail, testLogger(), nil)
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func superAdmin() User {
	return User{ID: "root", Role: rolecatalog.RoleSuperAdmin, IsActive: true}
}

func adminUser() User {
	return User{ID: "admin", Role: rolecatalog.RoleAdmin, IsActive: true}
}

func managerUser(id string) User {
	return User{ID: id, Role: rolecatalog.RoleManager, IsActive: true}
}

func staffUser(id string) User {
	return User{ID: id, Role: rolecatalog.RoleStaff, IsActive: true}
}

func TestEffectivePermissionsIsPureAndSorted(t *testing.T) {
	user := User{
		ID:                "u1",
		Role:              rolecatalog.RoleStaff,
		Permissions:       []string{"reports.view"},
		CustomPermissions: []string{"exports.csv"},
		TemporaryPermissions: map[string]time.Time{
			"orders.delete":   baseTime.Add(time.Hour),
			"products.delete": baseTime.Add(-time.Minute),
		},
		IsActive: true,
	}

	first := EffectivePermissions(user, baseTime)
	second := EffectivePermissions(user, baseTime)
	require.Equal(t, first, second)

	assert.Contains(t, first, "orders.view")    // role base
	assert.Contains(t, first, "reports.view")   // explicit
	assert.Contains(t, first, "exports.csv")    // custom
	assert.Contains(t, first, "orders.delete")  // active temporary
	assert.NotContains(t, first, "products.delete") // expired temporary

	sorted := append([]string(nil), first...)
	for i := 1; i < len(sorted); i++ {
		require.LessOrEqual(t, sorted[i-1], sorted[i])
	}
}

func TestHasPermissionFullAccessShortCircuits(t *testing.T) {
	user := User{ID: "u1", Role: rolecatalog.RoleSuperAdmin, IsActive: true}
	assert.True(t, HasPermission(user, "anything.at.all", baseTime))

	custom := User{ID: "u2", Role: rolecatalog.RoleViewer, CustomPermissions: []string{shared.FullAccess}, IsActive: true}
	assert.True(t, HasPermission(custom, "orders.delete", baseTime))
}

func TestTemporaryGrantWindow(t *testing.T) {
	store := newMemoryStore(superAdmin(), staffUser("u1"))
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	expiresAt := baseTime.Add(time.Hour)
	_, err := engine.GrantTemporaryPermission(context.Background(), "u1", "orders.delete", expiresAt, "root", "incident cleanup", baseTime)
	require.NoError(t, err)

	user, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)

	assert.True(t, HasPermission(user, "orders.delete", baseTime.Add(30*time.Minute)))
	assert.False(t, HasPermission(user, "orders.delete", expiresAt), "grant must be dead at the expiry instant")
	assert.False(t, HasPermission(user, "orders.delete", expiresAt.Add(time.Second)))

	records := trail.byAction(history.ActionTempGrant)
	require.Len(t, records, 1)
	assert.Equal(t, "root", records[0].ChangedBy)
	assert.Equal(t, "orders.delete", records[0].Permission)
	require.NotNil(t, records[0].ExpiresAt)
	assert.True(t, records[0].ExpiresAt.Equal(expiresAt))
	assert.NotEmpty(t, records[0].ID)
}

func TestGrantTemporaryRejectsPastExpiry(t *testing.T) {
	store := newMemoryStore(superAdmin(), staffUser("u1"))
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	_, err := engine.GrantTemporaryPermission(context.Background(), "u1", "orders.delete", baseTime, "root", "", baseTime)
	require.ErrorIs(t, err, shared.ErrInvalidExpiry)

	user, _ := store.GetUser(context.Background(), "u1")
	assert.Empty(t, user.TemporaryPermissions)
	assert.Zero(t, trail.count())
}

func TestGrantTemporaryUnknownUser(t *testing.T) {
	store := newMemoryStore(superAdmin())
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	_, err := engine.GrantTemporaryPermission(context.Background(), "ghost", "orders.delete", baseTime.Add(time.Hour), "root", "", baseTime)
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.Zero(t, trail.count())
}

func TestGrantPermissionAppendsOneRecord(t *testing.T) {
	store := newMemoryStore(superAdmin(), staffUser("u1"))
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	user, err := engine.GrantPermission(context.Background(), "u1", "reports.view", "root", "probation over", baseTime)
	require.NoError(t, err)
	assert.Contains(t, user.Permissions, "reports.view")
	require.Equal(t, 1, trail.count())

	rec := trail.byAction(history.ActionGrant)[0]
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "probation over", rec.Reason)
	assert.NotContains(t, rec.OldPermissions.Permissions, "reports.view")
	assert.Contains(t, rec.NewPermissions.Permissions, "reports.view")

	// Granting what is already granted is a no-op and appends nothing.
	_, err = engine.GrantPermission(context.Background(), "u1", "reports.view", "root", "", baseTime)
	require.NoError(t, err)
	assert.Equal(t, 1, trail.count())
}

func TestRevokePermission(t *testing.T) {
	target := staffUser("u1")
	target.Permissions = []string{"reports.view"}
	target.CustomPermissions = []string{"exports.csv"}
	store := newMemoryStore(superAdmin(), target)
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	user, err := engine.RevokePermission(context.Background(), "u1", "reports.view", "root", "", baseTime)
	require.NoError(t, err)
	assert.NotContains(t, user.Permissions, "reports.view")
	assert.Contains(t, user.CustomPermissions, "exports.csv")
	require.Len(t, trail.byAction(history.ActionRevoke), 1)

	// Revoking an absent permission changes nothing and appends nothing.
	_, err = engine.RevokePermission(context.Background(), "u1", "reports.view", "root", "", baseTime)
	require.NoError(t, err)
	assert.Equal(t, 1, trail.count())
}

func TestValidateDeniesPeerWithRestrictedList(t *testing.T) {
	store := newMemoryStore(managerUser("op"), managerUser("peer"))
	engine := newTestEngine(store, &memoryTrail{})

	check, err := engine.ValidatePermissionSecurity(context.Background(), "op", "peer", []string{"api_keys.manage"}, baseTime)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, []string{"api_keys.manage"}, check.RestrictedPermissions)
}

func TestValidateDeniesSuperior(t *testing.T) {
	store := newMemoryStore(managerUser("op"), adminUser())
	engine := newTestEngine(store, &memoryTrail{})

	check, err := engine.ValidatePermissionSecurity(context.Background(), "op", "admin", []string{"orders.view"}, baseTime)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
}

func TestValidateFullAccessAlwaysAllowed(t *testing.T) {
	store := newMemoryStore(superAdmin(), adminUser())
	engine := newTestEngine(store, &memoryTrail{})

	check, err := engine.ValidatePermissionSecurity(context.Background(), "root", "admin", []string{"api_keys.manage"}, baseTime)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
}

func TestValidateFailsClosed(t *testing.T) {
	store := newMemoryStore(adminUser(), staffUser("u1"))
	engine := newTestEngine(store, &memoryTrail{})

	check, err := engine.ValidatePermissionSecurity(context.Background(), "ghost", "u1", []string{"orders.view"}, baseTime)
	require.NoError(t, err)
	assert.False(t, check.Allowed)

	check, err = engine.ValidatePermissionSecurity(context.Background(), "admin", "ghost", []string{"orders.view"}, baseTime)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
}

func TestValidateRestrictedPermissions(t *testing.T) {
	store := newMemoryStore(adminUser(), staffUser("u1"))
	engine := newTestEngine(store, &memoryTrail{})

	check, err := engine.ValidatePermissionSecurity(context.Background(), "admin", "u1", []string{"orders.view", "api_keys.manage"}, baseTime)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, []string{"api_keys.manage"}, check.RestrictedPermissions)

	check, err = engine.ValidatePermissionSecurity(context.Background(), "admin", "u1", []string{"orders.view"}, baseTime)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
}

func TestGrantDeniedForPermissionOperatorLacks(t *testing.T) {
	store := newMemoryStore(managerUser("op"), staffUser("u1"))
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	_, err := engine.GrantPermission(context.Background(), "u1", "api_keys.manage", "op", "", baseTime)
	var secErr *SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Equal(t, []string{"api_keys.manage"}, secErr.Check.RestrictedPermissions)

	user, _ := store.GetUser(context.Background(), "u1")
	assert.NotContains(t, user.Permissions, "api_keys.manage")
	assert.Zero(t, trail.count())
}

func TestChangeRole(t *testing.T) {
	store := newMemoryStore(adminUser(), staffUser("u1"))
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	user, err := engine.ChangeRole(context.Background(), "u1", rolecatalog.RoleManager, "admin", "promotion", baseTime)
	require.NoError(t, err)
	assert.Equal(t, rolecatalog.RoleManager, user.Role)

	records := trail.byAction(history.ActionRoleChange)
	require.Len(t, records, 1)
	assert.Equal(t, "STAFF", records[0].OldRole)
	assert.Equal(t, "MANAGER", records[0].NewRole)
}

func TestChangeRoleCannotAssignEqualOrHigherRank(t *testing.T) {
	store := newMemoryStore(adminUser(), staffUser("u1"))
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	_, err := engine.ChangeRole(context.Background(), "u1", rolecatalog.RoleAdmin, "admin", "", baseTime)
	var secErr *SecurityError
	require.ErrorAs(t, err, &secErr)

	user, _ := store.GetUser(context.Background(), "u1")
	assert.Equal(t, rolecatalog.RoleStaff, user.Role)
	assert.Zero(t, trail.count())
}

func TestChangeRoleUnknownRole(t *testing.T) {
	store := newMemoryStore(superAdmin(), staffUser("u1"))
	engine := newTestEngine(store, &memoryTrail{})

	_, err := engine.ChangeRole(context.Background(), "u1", "WIZARD", "root", "", baseTime)
	require.ErrorIs(t, err, shared.ErrRoleUnknown)
}

func TestCleanupKeepsActiveRemovesExpired(t *testing.T) {
	target := staffUser("u1")
	target.TemporaryPermissions = map[string]time.Time{
		"orders.delete": baseTime.Add(-time.Minute),
		"reports.view":  baseTime.Add(time.Hour),
	}
	store := newMemoryStore(target)
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	affected, err := engine.CleanupExpiredPermissions(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	user, _ := store.GetUser(context.Background(), "u1")
	require.Len(t, user.TemporaryPermissions, 1)
	assert.Contains(t, user.TemporaryPermissions, "reports.view")

	records := trail.byAction(history.ActionTempExpire)
	require.Len(t, records, 1)
	assert.Equal(t, shared.SystemActor, records[0].ChangedBy)
	assert.Equal(t, "orders.delete", records[0].Permission)
}

func TestCleanupIsIdempotent(t *testing.T) {
	target := staffUser("u1")
	target.TemporaryPermissions = map[string]time.Time{
		"orders.delete": baseTime.Add(-time.Minute),
		"reports.view":  baseTime.Add(time.Hour),
	}
	store := newMemoryStore(target)
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	_, err := engine.CleanupExpiredPermissions(context.Background(), baseTime)
	require.NoError(t, err)
	recordsAfterFirst := trail.count()

	affected, err := engine.CleanupExpiredPermissions(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Zero(t, affected)
	assert.Equal(t, recordsAfterFirst, trail.count())

	user, _ := store.GetUser(context.Background(), "u1")
	assert.Len(t, user.TemporaryPermissions, 1)
}

func TestCleanupExpiredEntryNeverCounts(t *testing.T) {
	// Expired but not yet pruned: physically present, logically dead.
	user := staffUser("u1")
	user.TemporaryPermissions = map[string]time.Time{"orders.delete": baseTime.Add(-time.Second)}
	assert.False(t, HasPermission(user, "orders.delete", baseTime))
}

func TestBulkUpdateSkipsMissingUserAndContinues(t *testing.T) {
	first := staffUser("u1")
	third := staffUser("u3")
	store := newMemoryStore(superAdmin(), first, third)
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	role := rolecatalog.RoleManager
	perms := []string{"reports.view"}
	outcomes, err := engine.BulkUpdatePermissions(context.Background(), []BulkUpdate{
		{UserID: "u1", Role: &role},
		{UserID: "ghost", Permissions: &perms},
		{UserID: "u3", Permissions: &perms},
	}, "root", "reorg", baseTime)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.True(t, outcomes[0].Updated)
	assert.False(t, outcomes[1].Updated)
	assert.Equal(t, "user not found", outcomes[1].Error)
	assert.True(t, outcomes[2].Updated)

	assert.Len(t, trail.byAction(history.ActionBulkUpdate), 2)

	u1, _ := store.GetUser(context.Background(), "u1")
	assert.Equal(t, rolecatalog.RoleManager, u1.Role)
	u3, _ := store.GetUser(context.Background(), "u3")
	assert.Equal(t, perms, u3.Permissions)
}

func TestBulkUpdateAppliesOnlyPresentFields(t *testing.T) {
	target := staffUser("u1")
	target.Permissions = []string{"reports.view"}
	store := newMemoryStore(superAdmin(), target)
	engine := newTestEngine(store, &memoryTrail{})

	role := rolecatalog.RoleManager
	outcomes, err := engine.BulkUpdatePermissions(context.Background(), []BulkUpdate{
		{UserID: "u1", Role: &role},
	}, "root", "", baseTime)
	require.NoError(t, err)
	require.True(t, outcomes[0].Updated)

	user, _ := store.GetUser(context.Background(), "u1")
	assert.Equal(t, rolecatalog.RoleManager, user.Role)
	assert.Equal(t, []string{"reports.view"}, user.Permissions, "unspecified fields keep their previous value")
}

func TestBulkUpdateCannotEscalate(t *testing.T) {
	store := newMemoryStore(managerUser("op"), staffUser("u1"))
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	perms := []string{"api_keys.manage"}
	outcomes, err := engine.BulkUpdatePermissions(context.Background(), []BulkUpdate{
		{UserID: "u1", Permissions: &perms},
	}, "op", "", baseTime)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Updated)
	assert.NotEmpty(t, outcomes[0].Error)

	user, _ := store.GetUser(context.Background(), "u1")
	assert.Empty(t, user.Permissions)
	assert.Zero(t, trail.count())
}

func TestBulkCannotConvertTemporaryGrantToPermanent(t *testing.T) {
	// The target holds orders.delete via an expiring temporary grant. An
	// operator who does not hold it must not be able to re-state it as a
	// permanent explicit grant through a bulk update.
	target := staffUser("u1")
	target.TemporaryPermissions = map[string]time.Time{"orders.delete": baseTime.Add(time.Minute)}
	store := newMemoryStore(managerUser("op"), target)
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	perms := []string{"orders.delete"}
	outcomes, err := engine.BulkUpdatePermissions(context.Background(), []BulkUpdate{
		{UserID: "u1", Permissions: &perms},
	}, "op", "", baseTime)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Updated)
	assert.NotEmpty(t, outcomes[0].Error)

	user, _ := store.GetUser(context.Background(), "u1")
	assert.Empty(t, user.Permissions)
	assert.False(t, HasPermission(user, "orders.delete", baseTime.Add(time.Hour)),
		"the permission must still die with the temporary grant")
	assert.Zero(t, trail.count())
}

func TestBulkRoleAssignmentValidatedLikeChangeRole(t *testing.T) {
	// Assigning a role is validated against the new role's base permissions,
	// the same way ChangeRole does it.
	store := newMemoryStore(managerUser("op"), User{ID: "u1", Role: rolecatalog.RoleViewer, IsActive: true})
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	role := rolecatalog.RoleStaff
	outcomes, err := engine.BulkUpdatePermissions(context.Background(), []BulkUpdate{
		{UserID: "u1", Role: &role},
	}, "op", "", baseTime)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Updated, "an operator holding the new role's base set may assign it")

	user, _ := store.GetUser(context.Background(), "u1")
	assert.Equal(t, rolecatalog.RoleStaff, user.Role)
}

func TestBulkUpdateUnknownOperatorAborts(t *testing.T) {
	store := newMemoryStore(staffUser("u1"))
	engine := newTestEngine(store, &memoryTrail{})

	perms := []string{"reports.view"}
	_, err := engine.BulkUpdatePermissions(context.Background(), []BulkUpdate{
		{UserID: "u1", Permissions: &perms},
	}, "ghost", "", baseTime)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestMutationSucceedsWhenHistoryAppendFails(t *testing.T) {
	store := newMemoryStore(superAdmin(), staffUser("u1"))
	trail := &memoryTrail{appendErr: errors.New("audit store down")}
	engine := newTestEngine(store, trail)

	user, err := engine.GrantPermission(context.Background(), "u1", "reports.view", "root", "", baseTime)
	require.NoError(t, err, "state correctness wins over audit completeness")
	assert.Contains(t, user.Permissions, "reports.view")
}

func TestPermissionHistoryClampsLimit(t *testing.T) {
	trail := &memoryTrail{}
	engine := newTestEngine(newMemoryStore(), trail)

	_, err := engine.PermissionHistory(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultHistoryLimit, trail.lastLimit)

	_, err = engine.PermissionHistory(context.Background(), "u1", 9999)
	require.NoError(t, err)
	assert.Equal(t, maxHistoryLimit, trail.lastLimit)
}

func TestPermissionHistoryMostRecentFirst(t *testing.T) {
	store := newMemoryStore(superAdmin(), staffUser("u1"))
	trail := &memoryTrail{}
	engine := newTestEngine(store, trail)

	_, err := engine.GrantPermission(context.Background(), "u1", "reports.view", "root", "", baseTime)
	require.NoError(t, err)
	_, err = engine.GrantTemporaryPermission(context.Background(), "u1", "orders.delete", baseTime.Add(time.Hour), "root", "", baseTime.Add(time.Minute))
	require.NoError(t, err)

	records, err := engine.PermissionHistory(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, history.ActionTempGrant, records[0].Action)
	assert.Equal(t, history.ActionGrant, records[1].Action)
}

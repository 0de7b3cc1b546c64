package permissions

import (
	"context"

	"github.com/gatekeep-io/gatekeep/internal/history"
)

// StorePort defines the persistence contract the engine consumes. UpdateUser
// and MutateUser are atomic per user: concurrent mutations of the same user
// serialize, mutations of different users proceed in parallel.
type StorePort interface {
	GetUser(ctx context.Context, id string) (User, error)
	// UpdateUser merges the present fields of the update into the stored user.
	UpdateUser(ctx context.Context, id string, update UserUpdate) (UserChange, error)
	// MutateUser runs fn against the current row inside a per-user critical
	// section. An error from fn aborts the write and is returned unchanged; in
	// that case the returned change carries the unmodified state in both
	// fields so callers can still observe what they read.
	MutateUser(ctx context.Context, id string, fn func(*User) error) (UserChange, error)
	// FindUsersWithTemporaryPermissions returns every user whose temporary
	// permission map is non-empty, expired entries included.
	FindUsersWithTemporaryPermissions(ctx context.Context) ([]User, error)
}

// HistoryPort is the append-only audit trail contract.
type HistoryPort interface {
	Append(ctx context.Context, rec history.Record) error
	QueryByUser(ctx context.Context, userID string, limit int) ([]history.Record, error)
}

package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatekeep-io/gatekeep/internal/platform/db"
	"github.com/gatekeep-io/gatekeep/internal/rolecatalog"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// Repository provides PostgreSQL backed persistence for principals. Per-user
// atomicity comes from SELECT ... FOR UPDATE inside a transaction, so two
// mutations of the same user serialize while different users never contend.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, email, name, role, permissions, custom_permissions, temporary_permissions, is_active, created_at, updated_at`

// GetUser fetches one user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// UpdateUser merges the present fields of the update into the stored user.
func (r *Repository) UpdateUser(ctx context.Context, id string, update UserUpdate) (UserChange, error) {
	return r.MutateUser(ctx, id, func(u *User) error {
		update.ApplyTo(u)
		return nil
	})
}

// MutateUser implements the per-user read-modify-write critical section.
func (r *Repository) MutateUser(ctx context.Context, id string, fn func(*User) error) (UserChange, error) {
	var change UserChange
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
		before, err := scanUser(row)
		if err != nil {
			return err
		}
		after := before
		change = UserChange{Before: before, After: before}
		if err := fn(&after); err != nil {
			return err
		}
		tempJSON, err := marshalTemporary(after.TemporaryPermissions)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE users
			SET role = $2,
			    permissions = $3,
			    custom_permissions = $4,
			    temporary_permissions = $5,
			    is_active = $6,
			    updated_at = NOW()
			WHERE id = $1`,
			id, string(after.Role), after.Permissions, after.CustomPermissions, tempJSON, after.IsActive)
		if err != nil {
			return mapPgError(err)
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		change.After = after
		return nil
	})
	return change, err
}

// FindUsersWithTemporaryPermissions returns every user whose temporary map is
// non-empty, including entries that are already past their expiry.
func (r *Repository) FindUsersWithTemporaryPermissions(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE temporary_permissions IS NOT NULL AND temporary_permissions <> '{}'::jsonb
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user     User
		role     string
		tempJSON []byte
	)
	err := row.Scan(&user.ID, &user.Email, &user.Name, &role, &user.Permissions, &user.CustomPermissions, &tempJSON, &user.IsActive, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, shared.ErrNotFound
		}
		return User{}, err
	}
	user.Role = rolecatalog.Role(role)
	user.TemporaryPermissions, err = unmarshalTemporary(tempJSON)
	if err != nil {
		return User{}, fmt.Errorf("permissions: decode temporary grants for %s: %w", user.ID, err)
	}
	return user, nil
}

func marshalTemporary(temp map[string]time.Time) ([]byte, error) {
	if len(temp) == 0 {
		return []byte(`{}`), nil
	}
	return json.Marshal(temp)
}

func unmarshalTemporary(raw []byte) (map[string]time.Time, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var temp map[string]time.Time
	if err := json.Unmarshal(raw, &temp); err != nil {
		return nil, err
	}
	if len(temp) == 0 {
		return nil, nil
	}
	return temp, nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("permissions: duplicate: %w", err)
	}
	return err
}

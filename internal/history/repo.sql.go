package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the audit trail. The
// table is insert-only; no update or delete statement exists here on purpose.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts one immutable record.
func (r *Repository) Append(ctx context.Context, rec Record) error {
	oldJSON, err := json.Marshal(rec.OldPermissions)
	if err != nil {
		return fmt.Errorf("history: encode old snapshot: %w", err)
	}
	newJSON, err := json.Marshal(rec.NewPermissions)
	if err != nil {
		return fmt.Errorf("history: encode new snapshot: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO permission_history
			(id, user_id, changed_by, action, permission, old_role, new_role, old_permissions, new_permissions, reason, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.UserID, rec.ChangedBy, string(rec.Action), rec.Permission,
		rec.OldRole, rec.NewRole, oldJSON, newJSON, rec.Reason, rec.ExpiresAt, rec.CreatedAt)
	return err
}

// QueryByUser returns the user's records, most recent first.
func (r *Repository) QueryByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, changed_by, action, permission, old_role, new_role, old_permissions, new_permissions, reason, expires_at, created_at
		FROM permission_history
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var (
			rec     Record
			action  string
			oldJSON []byte
			newJSON []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ChangedBy, &action, &rec.Permission, &rec.OldRole, &rec.NewRole, &oldJSON, &newJSON, &rec.Reason, &rec.ExpiresAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Action = Action(action)
		if err := json.Unmarshal(oldJSON, &rec.OldPermissions); err != nil {
			return nil, fmt.Errorf("history: decode old snapshot: %w", err)
		}
		if err := json.Unmarshal(newJSON, &rec.NewPermissions); err != nil {
			return nil, fmt.Errorf("history: decode new snapshot: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

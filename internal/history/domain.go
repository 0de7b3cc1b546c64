// Package history is the append-only audit trail of permission-state changes.
// Records are immutable once appended; the store exposes no update or delete.
package history

import "time"

// Action classifies one permission-state transition.
type Action string

const (
	ActionGrant      Action = "GRANT"
	ActionRevoke     Action = "REVOKE"
	ActionTempGrant  Action = "TEMP_GRANT"
	ActionTempExpire Action = "TEMP_EXPIRE"
	ActionBulkUpdate Action = "BULK_UPDATE"
	ActionRoleChange Action = "ROLE_CHANGE"
)

// Snapshot freezes a user's permission state at one instant.
type Snapshot struct {
	Role                 string               `json:"role"`
	Permissions          []string             `json:"permissions"`
	CustomPermissions    []string             `json:"custom_permissions"`
	TemporaryPermissions map[string]time.Time `json:"temporary_permissions,omitempty"`
}

// Record documents one logical permission-state change.
type Record struct {
	ID             string
	UserID         string
	ChangedBy      string
	Action         Action
	Permission     string
	OldRole        string
	NewRole        string
	OldPermissions Snapshot
	NewPermissions Snapshot
	Reason         string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

package permissionshttp

import (
	"time"

	"github.com/gatekeep-io/gatekeep/internal/history"
	"github.com/gatekeep-io/gatekeep/internal/permissions"
)

type grantRequest struct {
	Permission string `json:"permission" validate:"required"`
	Reason     string `json:"reason"`
}

type tempGrantRequest struct {
	Permission string    `json:"permission" validate:"required"`
	ExpiresAt  time.Time `json:"expires_at" validate:"required"`
	Reason     string    `json:"reason"`
}

type roleChangeRequest struct {
	Role   string `json:"role" validate:"required"`
	Reason string `json:"reason"`
}

type bulkItemRequest struct {
	UserID            string    `json:"user_id" validate:"required"`
	Role              *string   `json:"role,omitempty"`
	Permissions       *[]string `json:"permissions,omitempty"`
	CustomPermissions *[]string `json:"custom_permissions,omitempty"`
	IsActive          *bool     `json:"is_active,omitempty"`
}

type bulkRequest struct {
	Updates []bulkItemRequest `json:"updates" validate:"required,min=1,dive"`
	Reason  string            `json:"reason"`
}

type validateRequest struct {
	TargetUserID string   `json:"target_user_id" validate:"required"`
	Permissions  []string `json:"permissions" validate:"required,min=1"`
}

type checkAccessRequest struct {
	UserID     string   `json:"user_id" validate:"required"`
	Permission string   `json:"permission,omitempty"`
	AnyOf      []string `json:"any_of,omitempty"`
	AllOf      []string `json:"all_of,omitempty"`
}

type userResponse struct {
	ID                   string               `json:"id"`
	Email                string               `json:"email"`
	Name                 string               `json:"name"`
	Role                 string               `json:"role"`
	Permissions          []string             `json:"permissions"`
	CustomPermissions    []string             `json:"custom_permissions"`
	TemporaryPermissions map[string]time.Time `json:"temporary_permissions,omitempty"`
	IsActive             bool                 `json:"is_active"`
}

func toUserResponse(u permissions.User) userResponse {
	return userResponse{
		ID:                   u.ID,
		Email:                u.Email,
		Name:                 u.Name,
		Role:                 string(u.Role),
		Permissions:          u.Permissions,
		CustomPermissions:    u.CustomPermissions,
		TemporaryPermissions: u.TemporaryPermissions,
		IsActive:             u.IsActive,
	}
}

type effectiveResponse struct {
	UserID      string    `json:"user_id"`
	Permissions []string  `json:"permissions"`
	CheckedAt   time.Time `json:"checked_at"`
}

type securityResponse struct {
	Allowed               bool     `json:"allowed"`
	Reason                string   `json:"reason,omitempty"`
	RestrictedPermissions []string `json:"restricted_permissions,omitempty"`
}

type accessResponse struct {
	Allowed bool `json:"allowed"`
}

type bulkOutcomeResponse struct {
	UserID  string        `json:"user_id"`
	Updated bool          `json:"updated"`
	User    *userResponse `json:"user,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type bulkResponse struct {
	Results []bulkOutcomeResponse `json:"results"`
}

type historyRecordResponse struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	ChangedBy      string           `json:"changed_by"`
	Action         string           `json:"action"`
	Permission     string           `json:"permission,omitempty"`
	OldRole        string           `json:"old_role,omitempty"`
	NewRole        string           `json:"new_role,omitempty"`
	OldPermissions history.Snapshot `json:"old_permissions"`
	NewPermissions history.Snapshot `json:"new_permissions"`
	Reason         string           `json:"reason,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

func toHistoryResponse(records []history.Record) []historyRecordResponse {
	out := make([]historyRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, historyRecordResponse{
			ID:             rec.ID,
			UserID:         rec.UserID,
			ChangedBy:      rec.ChangedBy,
			Action:         string(rec.Action),
			Permission:     rec.Permission,
			OldRole:        rec.OldRole,
			NewRole:        rec.NewRole,
			OldPermissions: rec.OldPermissions,
			NewPermissions: rec.NewPermissions,
			Reason:         rec.Reason,
			ExpiresAt:      rec.ExpiresAt,
			CreatedAt:      rec.CreatedAt,
		})
	}
	return out
}

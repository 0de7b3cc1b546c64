package permissions

import (
	"fmt"
	"strings"
	"time"

	"github.com/gatekeep-io/gatekeep/internal/rolecatalog"
)

// User is the engine's view of a principal. Role and permission identifiers
// are opaque strings except for the reserved sentinels interpreted here.
type User struct {
	ID                   string
	Email                string
	Name                 string
	Role                 rolecatalog.Role
	Permissions          []string
	CustomPermissions    []string
	TemporaryPermissions map[string]time.Time
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// UserUpdate carries a partial mutation. Nil fields keep their previous value.
type UserUpdate struct {
	Role                 *rolecatalog.Role
	Permissions          *[]string
	CustomPermissions    *[]string
	TemporaryPermissions *map[string]time.Time
	IsActive             *bool
}

// ApplyTo merges the present fields into the user in place.
func (u UserUpdate) ApplyTo(user *User) {
	if u.Role != nil {
		user.Role = *u.Role
	}
	if u.Permissions != nil {
		user.Permissions = append([]string(nil), (*u.Permissions)...)
	}
	if u.CustomPermissions != nil {
		user.CustomPermissions = append([]string(nil), (*u.CustomPermissions)...)
	}
	if u.TemporaryPermissions != nil {
		temp := make(map[string]time.Time, len(*u.TemporaryPermissions))
		for perm, expiry := range *u.TemporaryPermissions {
			temp[perm] = expiry
		}
		user.TemporaryPermissions = temp
	}
	if u.IsActive != nil {
		user.IsActive = *u.IsActive
	}
}

// UserChange captures the state of a user before and after one mutation.
type UserChange struct {
	Before User
	After  User
}

// BulkUpdate is one item of a bulk permission update.
type BulkUpdate struct {
	UserID            string
	Role              *rolecatalog.Role
	Permissions       *[]string
	CustomPermissions *[]string
	IsActive          *bool
}

// BulkOutcome reports the result of one bulk item. A failed item never aborts
// the rest of the batch.
type BulkOutcome struct {
	UserID  string
	Updated bool
	User    *User
	Error   string
}

// SecurityCheck is the structured result of an escalation validation. A denial
// is a normal result, not an error.
type SecurityCheck struct {
	Allowed               bool
	Reason                string
	RestrictedPermissions []string
}

// SecurityError aborts a mutating operation whose escalation validation was
// denied. The HTTP layer maps it to 403.
type SecurityError struct {
	Check SecurityCheck
}

func (e *SecurityError) Error() string {
	if len(e.Check.RestrictedPermissions) > 0 {
		return fmt.Sprintf("security denied: %s (restricted: %s)", e.Check.Reason, strings.Join(e.Check.RestrictedPermissions, ", "))
	}
	return "security denied: " + e.Check.Reason
}

// Package authz is the thin façade the routing layer consults for access
// decisions. Only the engine's computation is authoritative; clients treat
// anything derived elsewhere as a display hint.
package authz

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gatekeep-io/gatekeep/internal/permissions"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// UserSource resolves principals. The permissions engine satisfies it.
type UserSource interface {
	GetUser(ctx context.Context, id string) (permissions.User, error)
}

// Requirement expresses what a request needs: a single permission, or a set
// checked with ANY or ALL semantics. Exactly one field should be populated;
// an empty requirement allows everyone.
type Requirement struct {
	Permission string
	AnyOf      []string
	AllOf      []string
}

// Gate answers allow/deny for a principal and a requirement.
type Gate struct {
	users UserSource
	group singleflight.Group
	now   func() time.Time
}

// NewGate constructs a Gate.
func NewGate(users UserSource) *Gate {
	return &Gate{users: users, now: func() time.Time { return time.Now().UTC() }}
}

// CheckAccess reports whether the principal satisfies the requirement right
// now. Unknown or inactive principals always deny; store failures surface as
// errors so callers can distinguish outage from denial.
func (g *Gate) CheckAccess(ctx context.Context, userID string, req Requirement) (bool, error) {
	if userID == "" {
		return false, nil
	}
	user, err := g.loadUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !user.IsActive {
		return false, nil
	}
	now := g.now()
	switch {
	case req.Permission != "":
		return permissions.HasPermission(user, req.Permission, now), nil
	case len(req.AllOf) > 0:
		for _, p := range req.AllOf {
			if !permissions.HasPermission(user, p, now) {
				return false, nil
			}
		}
		return true, nil
	case len(req.AnyOf) > 0:
		for _, p := range req.AnyOf {
			if permissions.HasPermission(user, p, now) {
				return true, nil
			}
		}
		return false, nil
	default:
		return true, nil
	}
}

// loadUser deduplicates concurrent store reads for the same principal.
func (g *Gate) loadUser(ctx context.Context, userID string) (permissions.User, error) {
	value, err, _ := g.group.Do(userID, func() (any, error) {
		return g.users.GetUser(ctx, userID)
	})
	if err != nil {
		return permissions.User{}, err
	}
	return value.(permissions.User), nil
}

// Package permissions implements the scope-matching gate: stateless logic
// layered over a Store, with time injected via a Clock so tests can advance
// it deterministically.
package permissions

import (
	"context"
	"fmt"
	"time"

	"github.com/actionauth/core/pkg/clock"
	"github.com/actionauth/core/pkg/contracts"
	"github.com/actionauth/core/pkg/store"
)

// HandlerLookup resolves a handler_id to its declared permissions, so Grant
// can validate permission_name and scope keys without the permissions
// package importing the handlers package; *handlers.Registry satisfies it.
type HandlerLookup interface {
	PermissionDef(handlerID, permissionName string) (*contracts.PermissionDef, bool, error)
}

// Manager is the PermissionManager: scope matching, grant lifecycle,
// expiration evaluation.
type Manager struct {
	store  store.Store
	clock  clock.Clock
	lookup HandlerLookup
}

// NewManager constructs a Manager. lookup may be nil, in which case Grant
// skips permission-name/scope-key validation (useful for store-level tests).
func NewManager(s store.Store, c clock.Clock, lookup HandlerLookup) *Manager {
	if c == nil {
		c = clock.Wall{}
	}
	return &Manager{store: s, clock: c, lookup: lookup}
}

// Check reports whether any active, unexpired grant matches
// (handlerID, permissionName, scope) per the asymmetric subset rule: every
// key in a grant's scope must be present and equal in the check scope;
// extra keys in the check scope are ignored. The empty grant scope matches
// any check (handler-wide grant). When a HandlerLookup is configured, a
// check scope key not declared in the permission's ParameterSchema fails
// with ErrUnknownScopeKey.
func (m *Manager) Check(ctx context.Context, handlerID, permissionName string, scope map[string]string) (bool, error) {
	if m.lookup != nil {
		def, ok, err := m.lookup.PermissionDef(handlerID, permissionName)
		if err != nil {
			return false, err
		}
		if ok {
			for k := range scope {
				if _, known := def.ParameterSchema[k]; !known {
					return false, fmt.Errorf("check %s/%s scope key %q: %w", handlerID, permissionName, k, contracts.ErrUnknownScopeKey)
				}
			}
		}
	}

	grants, err := m.store.GetActiveGrants(ctx, handlerID, permissionName, m.clock.Now())
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if scopeMatches(g.Scope, scope) {
			return true, nil
		}
	}
	return false, nil
}

// scopeMatches reports whether grantScope is a subset-with-equal-values of
// checkScope. The empty grantScope always matches.
func scopeMatches(grantScope, checkScope map[string]string) bool {
	for k, v := range grantScope {
		if cv, present := checkScope[k]; !present || cv != v {
			return false
		}
	}
	return true
}

// Grant issues a new permission grant, translating expiration into an
// absolute ExpiresAt via the injected clock.
func (m *Manager) Grant(ctx context.Context, handlerID, permissionName string, scope map[string]string, mode contracts.ExpirationMode, grantedBy string) (string, error) {
	if m.lookup != nil {
		def, ok, err := m.lookup.PermissionDef(handlerID, permissionName)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("grant %s/%s: %w", handlerID, permissionName, contracts.ErrUnknownPermission)
		}
		for k := range scope {
			if _, known := def.ParameterSchema[k]; !known {
				return "", fmt.Errorf("grant %s/%s scope key %q: %w", handlerID, permissionName, k, contracts.ErrUnknownScopeKey)
			}
		}
	}

	now := m.clock.Now()
	expiresAt, err := resolveExpiration(now, mode)
	if err != nil {
		return "", err
	}

	g := &contracts.PermissionGrant{
		HandlerID:      handlerID,
		PermissionName: permissionName,
		Scope:          scope,
		GrantedAt:      now,
		ExpiresAt:      expiresAt,
		GrantedBy:      grantedBy,
	}
	return m.store.SaveGrant(ctx, g)
}

func resolveExpiration(now time.Time, mode contracts.ExpirationMode) (time.Time, error) {
	switch mode {
	case contracts.ExpireOneHour:
		return now.Add(time.Hour), nil
	case contracts.ExpireToday:
		nowUTC := now.UTC()
		endOfDay := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		return endOfDay, nil
	case contracts.ExpireIndefinite:
		return contracts.NoExpiration, nil
	default:
		return time.Time{}, fmt.Errorf("unknown expiration mode %q", mode)
	}
}

// Revoke soft-deletes a grant by id. Idempotent: a second call on an
// already-revoked grant returns false, not an error.
func (m *Manager) Revoke(ctx context.Context, grantID string) (bool, error) {
	return m.store.RevokeGrant(ctx, grantID)
}

// ListGrants lists grants for handlerID, or all grants when handlerID is empty.
func (m *Manager) ListGrants(ctx context.Context, handlerID string) ([]*contracts.PermissionGrant, error) {
	return m.store.ListGrants(ctx, handlerID)
}

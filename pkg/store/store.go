// Package store implements durable persistence for grants and action
// requests over a single-writer SQLite database (modernc.org/sqlite, pure
// Go — no cgo). A database path of ":memory:" yields a non-durable store
// with the identical API, used by tests.
package store

import (
	"context"
	"time"

	"github.com/actionauth/core/pkg/contracts"
)

// Store is the durable persistence boundary. Implementations must run every
// mutating operation inside a transaction and perform snapshot reads for
// queries. Scope matching is never performed here — callers (the
// permissions package) own that logic; Store only filters on handler_id,
// permission_name, revoked, and expiration relative to `now`.
type Store interface {
	SaveGrant(ctx context.Context, g *contracts.PermissionGrant) (string, error)
	GetActiveGrants(ctx context.Context, handlerID, permissionName string, now time.Time) ([]*contracts.PermissionGrant, error)
	RevokeGrant(ctx context.Context, id string) (bool, error)
	ListGrants(ctx context.Context, handlerID string) ([]*contracts.PermissionGrant, error)

	SaveAction(ctx context.Context, a *contracts.ActionRequest) (string, error)
	// UpdateActionStatus transitions the row to `to` only if its current
	// status is one of `from`; otherwise it fails with
	// contracts.ErrInvalidTransition. completedAt is required iff `to` is
	// terminal.
	UpdateActionStatus(ctx context.Context, id string, from []contracts.ActionStatus, to contracts.ActionStatus, result any, errMsg string, completedAt *time.Time) error
	GetAction(ctx context.Context, id string) (*contracts.ActionRequest, error)
	ListPendingActions(ctx context.Context) ([]*contracts.ActionRequest, error)
	ListActionsByHandler(ctx context.Context, handlerID string) ([]*contracts.ActionRequest, error)

	Close() error
}

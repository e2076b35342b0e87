// Package actionsystem implements the orchestrator: the single public
// entrypoint enforcing the action lifecycle state machine and connecting
// grants, handler dispatch, the event bus, the audit trail, and
// observability around each call.
package actionsystem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/actionauth/core/pkg/audit"
	"github.com/actionauth/core/pkg/canonicalize"
	"github.com/actionauth/core/pkg/contracts"
	"github.com/actionauth/core/pkg/eventbus"
	"github.com/actionauth/core/pkg/handlers"
	"github.com/actionauth/core/pkg/observability"
	"github.com/actionauth/core/pkg/permissions"
	"github.com/actionauth/core/pkg/store"
)

// System is the ActionSystem orchestrator. It holds a single mutex across
// every public method, per the process-wide-lock concurrency model: all
// state-machine transitions and event emissions within one call are
// serialized against every other call.
type System struct {
	mu sync.Mutex

	store       store.Store
	handlers    *handlers.Registry
	permissions *permissions.Manager
	bus         *eventbus.Bus
	auditLog    audit.Logger
	obs         *observability.Provider
}

// New constructs a System wiring together its collaborators. obs may be
// nil, in which case a disabled Provider is created so callers always get
// a working TrackOperation.
func New(s store.Store, h *handlers.Registry, p *permissions.Manager, bus *eventbus.Bus, auditLog audit.Logger, obs *observability.Provider) *System {
	if obs == nil {
		disabled := observability.DefaultConfig()
		disabled.Enabled = false
		obs, _ = observability.New(context.Background(), disabled)
	}
	return &System{store: s, handlers: h, permissions: p, bus: bus, auditLog: auditLog, obs: obs}
}

// RegisterHandler is a thin passthrough to the HandlerRegistry.
func (sys *System) RegisterHandler(h *contracts.Handler) error {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	return sys.handlers.Register(h)
}

// GrantPermission is a thin passthrough to the PermissionManager, emitting
// PERMISSION_GRANTED and an audit record. It never executes pending
// actions — execution only ever happens via ApproveAction.
func (sys *System) GrantPermission(ctx context.Context, handlerID, permissionName string, scope map[string]string, mode contracts.ExpirationMode, grantedBy string) (grantID string, err error) {
	ctx, done := sys.obs.TrackOperation(ctx, "grant_permission", attribute.String("handler_id", handlerID))
	defer func() { done(err) }()

	sys.mu.Lock()
	defer sys.mu.Unlock()

	grantID, err = sys.permissions.Grant(ctx, handlerID, permissionName, scope, mode, grantedBy)
	if err != nil {
		return "", err
	}

	sys.auditLog.Record(ctx, audit.EventMutation, "grant_permission", handlerID+"/"+permissionName, map[string]any{
		"grant_id": grantID, "scope": scope, "mode": mode,
	})
	sys.bus.Emit(eventbus.PermissionGranted, &contracts.PermissionGrant{
		ID: grantID, HandlerID: handlerID, PermissionName: permissionName, Scope: scope, GrantedBy: grantedBy,
	})
	return grantID, nil
}

// RevokePermission is a thin passthrough to the PermissionManager.
func (sys *System) RevokePermission(ctx context.Context, grantID string) (revoked bool, err error) {
	ctx, done := sys.obs.TrackOperation(ctx, "revoke_permission")
	defer func() { done(err) }()

	sys.mu.Lock()
	defer sys.mu.Unlock()

	revoked, err = sys.permissions.Revoke(ctx, grantID)
	if err != nil {
		return false, err
	}
	if revoked {
		sys.auditLog.Record(ctx, audit.EventMutation, "revoke_permission", grantID, nil)
		sys.bus.Emit(eventbus.PermissionRevoked, &contracts.PermissionGrant{ID: grantID, Revoked: true})
	}
	return revoked, nil
}

// CheckPermission is a thin passthrough to the PermissionManager.
func (sys *System) CheckPermission(ctx context.Context, handlerID, permissionName string, scope map[string]string) (ok bool, err error) {
	ctx, done := sys.obs.TrackOperation(ctx, "check_permission", attribute.String("handler_id", handlerID))
	defer func() { done(err) }()

	sys.mu.Lock()
	defer sys.mu.Unlock()
	return sys.permissions.Check(ctx, handlerID, permissionName, scope)
}

// RequestAction resolves the handler, evaluates the gate, and either
// executes immediately or enqueues the action PENDING. Referent errors
// (UnknownHandler) fail fast before any row is written.
func (sys *System) RequestAction(ctx context.Context, handlerID, actionName string, params map[string]any) (result *contracts.ActionResult, err error) {
	ctx, done := sys.obs.TrackOperation(ctx, "request_action",
		attribute.String("handler_id", handlerID), attribute.String("action_name", actionName))
	defer func() { done(err) }()

	sys.mu.Lock()
	defer sys.mu.Unlock()

	h, err := sys.handlers.Get(handlerID)
	if err != nil {
		return nil, err
	}

	if err := validateParams(h, actionName, params); err != nil {
		return nil, err
	}

	required, err := h.GetRequiredPermission(actionName, params)
	if err != nil {
		return nil, fmt.Errorf("request_action: get_required_permission: %w", err)
	}

	permitted := required == nil
	if !permitted {
		permitted, err = sys.permissions.Check(ctx, handlerID, required.PermissionName, required.Scope)
		if err != nil {
			return nil, err
		}
	}

	contentHash, err := canonicalize.CanonicalHash(map[string]any{
		"handler_id": handlerID, "action_name": actionName, "params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("request_action: hash params: %w", err)
	}

	action := &contracts.ActionRequest{
		HandlerID:   handlerID,
		ActionName:  actionName,
		Params:      params,
		CreatedAt:   time.Now(),
		ContentHash: contentHash,
	}
	if required != nil {
		action.RequiredPermissionName = required.PermissionName
		action.RequiredScope = required.Scope
	}

	if permitted {
		return sys.executeNow(ctx, h, action)
	}
	return sys.enqueuePending(ctx, action)
}

func (sys *System) enqueuePending(ctx context.Context, action *contracts.ActionRequest) (*contracts.ActionResult, error) {
	action.Status = contracts.StatusPending
	id, err := sys.store.SaveAction(ctx, action)
	if err != nil {
		return nil, contracts.NewStorageError("save_action", err)
	}
	action.ID = id

	sys.auditLog.Record(ctx, audit.EventMutation, "request_action", id, map[string]any{
		"status": contracts.StatusPending, "required_permission_name": action.RequiredPermissionName,
	})
	sys.bus.Emit(eventbus.ActionEnqueued, action)
	sys.bus.Emit(eventbus.PermissionNeeded, map[string]any{
		"handler_id": action.HandlerID, "permission_name": action.RequiredPermissionName, "scope": action.RequiredScope,
	})

	return &contracts.ActionResult{
		ActionID:       id,
		Status:         contracts.StatusPending,
		PermissionName: action.RequiredPermissionName,
		Scope:          action.RequiredScope,
	}, nil
}

// executeNow persists action as RUNNING, dispatches to the handler, and
// finalizes it COMPLETED or FAILED. Handler errors are captured and never
// propagated to the caller; storage errors always propagate.
func (sys *System) executeNow(ctx context.Context, h *contracts.Handler, action *contracts.ActionRequest) (*contracts.ActionResult, error) {
	action.Status = contracts.StatusRunning
	id, err := sys.store.SaveAction(ctx, action)
	if err != nil {
		return nil, contracts.NewStorageError("save_action", err)
	}
	action.ID = id

	sys.auditLog.Record(ctx, audit.EventMutation, "request_action", id, map[string]any{"status": contracts.StatusRunning})

	return sys.runHandler(ctx, h, action, []contracts.ActionStatus{contracts.StatusRunning})
}

// runHandler invokes h.Execute and transitions action from one of `from`
// to its terminal state, recording the event, audit entry, and
// ActionResult uniformly for both the request_action and approve_action
// call paths. A panic escaping h.Execute is recovered here and treated the
// same as a returned error, per spec scenario 6: it never propagates past
// the orchestrator.
func (sys *System) runHandler(ctx context.Context, h *contracts.Handler, action *contracts.ActionRequest, from []contracts.ActionStatus) (*contracts.ActionResult, error) {
	start := time.Now()
	out, execErr := sys.invokeHandler(ctx, h, action)
	completedAt := time.Now()

	if execErr != nil {
		// contracts.HandlerExecutionError never propagates past this boundary;
		// its stringified message is recorded in the audit trail for
		// operability, while the stored/returned error stays the handler's
		// raw message, per spec scenario 6 (error="boom").
		wrapped := &contracts.HandlerExecutionError{HandlerID: h.HandlerID, ActionName: action.ActionName, Err: execErr}
		msg := execErr.Error()
		if err := sys.store.UpdateActionStatus(ctx, action.ID, from, contracts.StatusFailed, nil, msg, &completedAt); err != nil {
			return nil, contracts.NewStorageError("update_action_status", err)
		}
		sys.auditLog.Record(ctx, audit.EventMutation, "action_failed", action.ID, map[string]any{
			"error": wrapped.Error(), "duration_ms": completedAt.Sub(start).Milliseconds(),
		})
		action.Status = contracts.StatusFailed
		action.Error = msg
		action.Result = nil
		action.CompletedAt = &completedAt
		sys.bus.Emit(eventbus.ActionFailed, action)
		return &contracts.ActionResult{ActionID: action.ID, Status: contracts.StatusFailed, Error: msg}, nil
	}

	if err := sys.store.UpdateActionStatus(ctx, action.ID, from, contracts.StatusCompleted, out, "", &completedAt); err != nil {
		return nil, contracts.NewStorageError("update_action_status", err)
	}
	sys.auditLog.Record(ctx, audit.EventMutation, "action_completed", action.ID, map[string]any{
		"duration_ms": completedAt.Sub(start).Milliseconds(),
	})
	action.Status = contracts.StatusCompleted
	action.Result = out
	action.Error = ""
	action.CompletedAt = &completedAt
	sys.bus.Emit(eventbus.ActionCompleted, action)
	return &contracts.ActionResult{ActionID: action.ID, Status: contracts.StatusCompleted, Result: out}, nil
}

// invokeHandler calls h.Execute, converting a panic in plugin code into an
// error so the caller can treat it identically to a returned error. This is
// the Go analog of spec §9's "only the HandlerExecutionError boundary
// catches unchecked exceptions from plugin code".
func (sys *System) invokeHandler(ctx context.Context, h *contracts.Handler, action *contracts.ActionRequest) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = rerr
			} else {
				err = fmt.Errorf("%v", r)
			}
		}
	}()
	return h.Execute(ctx, action.ActionName, action.Params)
}

// ApproveAction re-checks the gate for a PENDING action and executes it if
// a matching grant now exists.
func (sys *System) ApproveAction(ctx context.Context, actionID string) (result *contracts.ActionResult, err error) {
	ctx, done := sys.obs.TrackOperation(ctx, "approve_action", attribute.String("action_id", actionID))
	defer func() { done(err) }()

	sys.mu.Lock()
	defer sys.mu.Unlock()

	action, err := sys.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != contracts.StatusPending {
		return nil, fmt.Errorf("approve_action %s: %w", actionID, contracts.ErrInvalidTransition)
	}

	permitted := action.RequiredPermissionName == ""
	if !permitted {
		permitted, err = sys.permissions.Check(ctx, action.HandlerID, action.RequiredPermissionName, action.RequiredScope)
		if err != nil {
			return nil, err
		}
	}
	if !permitted {
		return nil, fmt.Errorf("approve_action %s: %w", actionID, contracts.ErrPermissionStillMissing)
	}

	h, err := sys.handlers.Get(action.HandlerID)
	if err != nil {
		return nil, err
	}

	if err := sys.store.UpdateActionStatus(ctx, actionID, []contracts.ActionStatus{contracts.StatusPending}, contracts.StatusRunning, nil, "", nil); err != nil {
		return nil, contracts.NewStorageError("update_action_status", err)
	}
	sys.auditLog.Record(ctx, audit.EventMutation, "approve_action", actionID, map[string]any{"status": contracts.StatusRunning})

	return sys.runHandler(ctx, h, action, []contracts.ActionStatus{contracts.StatusRunning})
}

// DenyAction transitions a PENDING action directly to FAILED with no
// execution.
func (sys *System) DenyAction(ctx context.Context, actionID, reason string) (result *contracts.ActionResult, err error) {
	ctx, done := sys.obs.TrackOperation(ctx, "deny_action", attribute.String("action_id", actionID))
	defer func() { done(err) }()

	sys.mu.Lock()
	defer sys.mu.Unlock()

	action, err := sys.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != contracts.StatusPending {
		return nil, fmt.Errorf("deny_action %s: %w", actionID, contracts.ErrInvalidTransition)
	}

	completedAt := time.Now()
	errMsg := "denied: " + reason
	if err := sys.store.UpdateActionStatus(ctx, actionID, []contracts.ActionStatus{contracts.StatusPending}, contracts.StatusFailed, nil, errMsg, &completedAt); err != nil {
		return nil, contracts.NewStorageError("update_action_status", err)
	}

	sys.auditLog.Record(ctx, audit.EventMutation, "deny_action", actionID, map[string]any{"reason": reason})
	action.Status = contracts.StatusFailed
	action.Error = errMsg
	action.CompletedAt = &completedAt
	sys.bus.Emit(eventbus.ActionFailed, action)

	return &contracts.ActionResult{ActionID: actionID, Status: contracts.StatusFailed, Error: errMsg}, nil
}

// GetAction retrieves an action by id.
func (sys *System) GetAction(ctx context.Context, actionID string) (*contracts.ActionRequest, error) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	return sys.store.GetAction(ctx, actionID)
}

// ListPendingActions lists every action currently PENDING.
func (sys *System) ListPendingActions(ctx context.Context) ([]*contracts.ActionRequest, error) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	return sys.store.ListPendingActions(ctx)
}

// ListGrants lists grants for handlerID, or all grants when handlerID is
// empty — a superset of spec.md's list_grants(handler_id?) used by the
// demo binary's approval view.
func (sys *System) ListGrants(ctx context.Context, handlerID string) ([]*contracts.PermissionGrant, error) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	return sys.permissions.ListGrants(ctx, handlerID)
}

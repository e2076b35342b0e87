// Package contracts defines the data model shared by every component of the
// action authorization kernel: permissions, grants, action requests, and
// the handler capability record.
package contracts

import "time"

// NoExpiration is the sentinel used in ExpiresAt to mean "indefinite".
var NoExpiration = time.Time{}

// ExpirationMode selects how PermissionManager.Grant computes an absolute
// expiration from "now".
type ExpirationMode string

const (
	ExpireOneHour    ExpirationMode = "ONE_HOUR"
	ExpireToday      ExpirationMode = "TODAY"
	ExpireIndefinite ExpirationMode = "INDEFINITE"
)

// PermissionDef is declared statically by a handler.
type PermissionDef struct {
	Name string `json:"name"`
	Description string `json:"description"`
	// ParameterSchema maps scope parameter name to a human description.
	// Declares which scope keys are recognized for this permission; unknown
	// keys in grants or checks are rejected.
	ParameterSchema map[string]string `json:"parameter_schema,omitempty"`
}

// PermissionGrant is a durable row asserting a permission+scope has been
// authorized until some expiration.
type PermissionGrant struct {
	ID             string            `json:"id"`
	HandlerID      string            `json:"handler_id"`
	PermissionName string            `json:"permission_name"`
	Scope          map[string]string `json:"scope"`
	GrantedAt      time.Time         `json:"granted_at"`
	// ExpiresAt equal to NoExpiration means indefinite.
	ExpiresAt time.Time `json:"expires_at"`
	GrantedBy string    `json:"granted_by"`
	Revoked   bool      `json:"revoked"`
}

// IsIndefinite reports whether the grant never expires.
func (g *PermissionGrant) IsIndefinite() bool {
	return g.ExpiresAt.Equal(NoExpiration)
}

// ActionStatus is a state in the action lifecycle state machine.
type ActionStatus string

const (
	StatusPending   ActionStatus = "PENDING"
	StatusRunning   ActionStatus = "RUNNING"
	StatusCompleted ActionStatus = "COMPLETED"
	StatusFailed    ActionStatus = "FAILED"
	// StatusExpired is reserved for a future reaper. No code path in this
	// version produces it; spec.md §9 mandates the core never auto-transitions
	// to it without operator input.
	StatusExpired ActionStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ActionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ActionRequest is a row tracking one requested handler invocation.
type ActionRequest struct {
	ID         string                 `json:"id"`
	HandlerID  string                 `json:"handler_id"`
	ActionName string                 `json:"action_name"`
	Params     map[string]any         `json:"params"`
	Status     ActionStatus           `json:"status"`
	Result     any                    `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`

	// Cached at enqueue time for UI display; empty when the handler
	// self-gates (get_required_permission returned nil).
	RequiredPermissionName string            `json:"required_permission_name,omitempty"`
	RequiredScope          map[string]string `json:"required_scope,omitempty"`

	// ContentHash is a deterministic hash of (handler_id, action_name, params)
	// computed at enqueue time, letting callers dedupe identical pending
	// requests. Purely additive metadata; never consulted by the gate.
	ContentHash string `json:"content_hash,omitempty"`
}

// RequiredPermission is returned by a handler's GetRequiredPermission.
// A nil *RequiredPermission means the action is always permitted
// (the handler self-gates).
type RequiredPermission struct {
	PermissionName string
	Scope          map[string]string
}

// ActionResult is returned to callers of request_action / approve_action.
type ActionResult struct {
	ActionID       string            `json:"action_id"`
	Status         ActionStatus      `json:"status"`
	Result         any               `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	PermissionName string            `json:"permission_name,omitempty"`
	Scope          map[string]string `json:"scope,omitempty"`
}

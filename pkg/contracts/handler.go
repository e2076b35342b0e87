package contracts

import "context"

// Handler is the plugin contract the kernel requires. It is expressed as a
// capability record rather than an interface hierarchy: a handler is
// composed of data (HandlerID, Permissions) plus function fields, so
// variants are assembled without subtyping.
type Handler struct {
	HandlerID   string
	HumanName   string
	Permissions []PermissionDef

	// GetRequiredPermission returns the permission+scope required for this
	// action given params, or nil if the action is always permitted (the
	// handler self-gates). Must be pure.
	GetRequiredPermission func(actionName string, params map[string]any) (*RequiredPermission, error)

	// Execute performs the side effect. Returns a JSON-serializable value or
	// an error.
	Execute func(ctx context.Context, actionName string, params map[string]any) (any, error)

	// RenderRequest and ToolSchema are opaque to the kernel; forwarded to
	// UI/agent collaborators untouched.
	RenderRequest func(req *ActionRequest) any
	ToolSchema    func() any

	// ParamsSchema optionally maps action name to a JSON Schema (draft
	// 2020-12) document validated against params before the gate is
	// evaluated. Absent entries skip validation.
	ParamsSchema map[string]string
}

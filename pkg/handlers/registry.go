// Package handlers implements the in-memory HandlerRegistry: the catalog of
// registered capability records a running kernel can dispatch actions to.
package handlers

import (
	"fmt"
	"sync"

	"github.com/actionauth/core/pkg/contracts"
)

// Registry is a mutex-guarded map of handler id to capability record.
// Registration is expected at process startup; lookups happen on every
// request_action/approve_action call, so reads take only a read lock.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*contracts.Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*contracts.Handler)}
}

// Register adds h to the catalog. Re-registering an id already present
// fails with ErrDuplicateHandler; permission names within h must be unique.
func (r *Registry) Register(h *contracts.Handler) error {
	if h == nil || h.HandlerID == "" {
		return fmt.Errorf("register handler: handler_id must not be empty")
	}

	seen := make(map[string]struct{}, len(h.Permissions))
	for _, p := range h.Permissions {
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("register handler %s: duplicate permission name %q", h.HandlerID, p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.HandlerID]; exists {
		return fmt.Errorf("register handler %s: %w", h.HandlerID, contracts.ErrDuplicateHandler)
	}
	r.handlers[h.HandlerID] = h
	return nil
}

// Get resolves a handler id to its capability record.
func (r *Registry) Get(handlerID string) (*contracts.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerID]
	if !ok {
		return nil, fmt.Errorf("get handler %s: %w", handlerID, contracts.ErrUnknownHandler)
	}
	return h, nil
}

// List returns every registered handler in no particular order.
func (r *Registry) List() []*contracts.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contracts.Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	return out
}

// PermissionDef implements permissions.HandlerLookup, letting the
// permissions package validate Grant calls against a handler's declared
// permissions without importing this package.
func (r *Registry) PermissionDef(handlerID, permissionName string) (*contracts.PermissionDef, bool, error) {
	h, err := r.Get(handlerID)
	if err != nil {
		return nil, false, nil
	}
	for i := range h.Permissions {
		if h.Permissions[i].Name == permissionName {
			return &h.Permissions[i], true, nil
		}
	}
	return nil, false, nil
}

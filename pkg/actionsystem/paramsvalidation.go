package actionsystem

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/actionauth/core/pkg/contracts"
)

// schemaCache compiles each handler's ParamsSchema documents once and
// reuses the compiled validators across calls.
type schemaCache struct {
	mu    sync.Mutex
	byKey map[string]*jsonschema.Schema
}

var compiledSchemas = &schemaCache{byKey: make(map[string]*jsonschema.Schema)}

func (c *schemaCache) compiled(handlerID, actionName, schemaDoc string) (*jsonschema.Schema, error) {
	key := handlerID + "/" + actionName
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.byKey[key]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	resourceURL := "mem://" + key + ".json"
	if err := compiler.AddResource(resourceURL, strings.NewReader(schemaDoc)); err != nil {
		return nil, fmt.Errorf("params schema %s: %w", key, err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("params schema %s: compile: %w", key, err)
	}
	c.byKey[key] = schema
	return schema, nil
}

// validateParams checks params against h.ParamsSchema[actionName], if one
// is declared. Absent entries skip validation entirely.
func validateParams(h *contracts.Handler, actionName string, params map[string]any) error {
	if h.ParamsSchema == nil {
		return nil
	}
	doc, ok := h.ParamsSchema[actionName]
	if !ok {
		return nil
	}

	schema, err := compiledSchemas.compiled(h.HandlerID, actionName, doc)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: encode params: %v", contracts.ErrInvalidParams, err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return fmt.Errorf("%w: decode params: %v", contracts.ErrInvalidParams, err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrInvalidParams, err)
	}
	return nil
}

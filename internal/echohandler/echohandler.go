// Package echohandler is the illustrative handler implementation used by
// tests and the demo binary: it implements contracts.Handler's capability
// record directly, matching spec.md §8's scenario handler.
package echohandler

import (
	"context"
	"fmt"

	"github.com/actionauth/core/pkg/contracts"
)

// HandlerID is the registry key this package registers under.
const HandlerID = "echo"

// sayParamsSchema is validated against "say" params before the gate runs,
// per the kernel's optional JSON-Schema pre-write validation.
const sayParamsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"topic": {"type": "string", "minLength": 1},
		"text": {"type": "string", "minLength": 1}
	},
	"required": ["topic", "text"]
}`

// New builds the echo Handler: a single "say" action requiring the "speak"
// permission scoped by "topic".
func New() *contracts.Handler {
	return &contracts.Handler{
		HandlerID: HandlerID,
		HumanName: "Echo",
		Permissions: []contracts.PermissionDef{
			{
				Name:            "speak",
				Description:     "Allows the echo handler to speak on a given topic.",
				ParameterSchema: map[string]string{"topic": "the subject matter of the message"},
			},
		},
		GetRequiredPermission: getRequiredPermission,
		Execute:               execute,
		RenderRequest:         renderRequest,
		ToolSchema:            toolSchema,
		ParamsSchema: map[string]string{
			"say": sayParamsSchema,
		},
	}
}

func getRequiredPermission(actionName string, params map[string]any) (*contracts.RequiredPermission, error) {
	if actionName != "say" {
		return nil, fmt.Errorf("echohandler: unknown action %q", actionName)
	}
	topic, _ := params["topic"].(string)
	return &contracts.RequiredPermission{
		PermissionName: "speak",
		Scope:          map[string]string{"topic": topic},
	}, nil
}

func execute(ctx context.Context, actionName string, params map[string]any) (any, error) {
	text, _ := params["text"].(string)
	return map[string]any{"echoed": text}, nil
}

func renderRequest(req *contracts.ActionRequest) any {
	return map[string]any{
		"action_id": req.ID,
		"summary":   fmt.Sprintf("say %q", req.Params["text"]),
	}
}

func toolSchema() any {
	return map[string]any{
		"name":        "say",
		"description": "Speak a line of text on a given topic.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"topic": map[string]any{"type": "string"},
				"text":  map[string]any{"type": "string"},
			},
			"required": []string{"topic", "text"},
		},
	}
}

// Package tools defines the tool surface a sub-agent drives against a
// strategy graph: JSON-Schema tool descriptions plus a single dispatcher
// that turns a decoded tool call into a graph.Graph mutation. Every driver
// package (anthropicdriver, openaidriver, bedrockdriver) shares this
// catalog so the set of operations a sub-agent can invoke never drifts
// between providers.
package tools

import (
	"fmt"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
	"github.com/veupathdb/strategy-orchestration-core/internal/toolerrors"
)

// Definition is a provider-agnostic tool description: a name, a prose
// description for the model, and a JSON Schema (as a plain map, ready to be
// re-encoded into whatever shape a given SDK wants) for its input.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// Catalog is the fixed set of tools every sub-agent driver exposes to its
// model. Names match the graph operations they dispatch to.
var Catalog = []Definition{
	{
		Name:        "add_step",
		Description: "Add a leaf search step, a unary transform step, or a binary combine step to the strategy graph.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"searchName":     stringProp("External platform search name. Required for leaf/transform steps, omit for combine steps."),
				"parameters":     map[string]any{"type": "object", "description": "Search parameter name/value pairs, all string-valued.", "additionalProperties": map[string]any{"type": "string"}},
				"primaryInput":   stringProp("Step id feeding this step's primary input. Omit for a leaf step."),
				"secondaryInput": stringProp("Step id feeding this step's secondary input. Set together with operator for a combine step."),
				"operator":       stringProp("One of INTERSECT, UNION, MINUS, RMINUS, COLOCATE. Required when secondaryInput is set."),
				"displayName":    stringProp("Human-readable label for this step."),
			},
		},
	},
	{
		Name:        "update_step",
		Description: "Patch an existing step's search name, parameters, operator, or display name.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"stepId":      stringProp("Id of the step to update."),
				"searchName":  stringProp("New search name, if changing."),
				"parameters":  map[string]any{"type": "object", "description": "Parameter values to merge in.", "additionalProperties": map[string]any{"type": "string"}},
				"operator":    stringProp("New combine operator, if changing."),
				"displayName": stringProp("New display name, if changing."),
			},
			"required": []string{"stepId"},
		},
	},
	{
		Name:        "rename_step",
		Description: "Set a step's display name.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"stepId":      stringProp("Id of the step to rename."),
				"displayName": stringProp("New display name."),
			},
			"required": []string{"stepId", "displayName"},
		},
	},
	{
		Name:        "delete_step",
		Description: "Delete a step and every step that transitively depends on it.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"stepId": stringProp("Id of the step to delete."),
			},
			"required": []string{"stepId"},
		},
	},
	{
		Name:        "ensure_single_output",
		Description: "Fold every current root step into a single output root using the given combine operator, returning its step id.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"operator":    stringProp("Combine operator used to fold multiple roots together."),
				"displayName": stringProp("Display name for the folded output step."),
			},
			"required": []string{"operator"},
		},
	},
}

// Dispatch decodes a generic tool call (already unmarshaled into args) and
// applies it to g, returning a JSON-able result payload on success or a
// structured error the caller can fold back into the sub-agent's retry
// prompt.
func Dispatch(g *graph.Graph, name string, args map[string]any) (map[string]any, *toolerrors.CodedError) {
	switch name {
	case "add_step":
		return dispatchAddStep(g, args)
	case "update_step":
		return dispatchUpdateStep(g, args)
	case "rename_step":
		return dispatchRenameStep(g, args)
	case "delete_step":
		return dispatchDeleteStep(g, args)
	case "ensure_single_output":
		return dispatchEnsureSingleOutput(g, args)
	default:
		return nil, toolerrors.New(toolerrors.CodeInvalidKind, fmt.Sprintf("unknown tool %q", name))
	}
}

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func paramsArg(args map[string]any, key string) map[string]string {
	raw, ok := args[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func dispatchAddStep(g *graph.Graph, args map[string]any) (map[string]any, *toolerrors.CodedError) {
	node := graph.StepNode{
		SearchName:     strArg(args, "searchName"),
		Parameters:     paramsArg(args, "parameters"),
		PrimaryInput:   strArg(args, "primaryInput"),
		SecondaryInput: strArg(args, "secondaryInput"),
		Operator:       graph.Operator(strArg(args, "operator")),
		DisplayName:    strArg(args, "displayName"),
	}
	id, err := g.AddStep(node)
	if err != nil {
		return nil, err
	}
	return map[string]any{"stepId": id}, nil
}

func dispatchUpdateStep(g *graph.Graph, args map[string]any) (map[string]any, *toolerrors.CodedError) {
	stepID := strArg(args, "stepId")
	if stepID == "" {
		return nil, toolerrors.New(toolerrors.CodeInvalidInputRef, "stepId is required")
	}
	patch := graph.Patch{}
	if v, ok := args["searchName"].(string); ok {
		patch.SearchName = &v
	}
	if v, ok := args["displayName"].(string); ok {
		patch.DisplayName = &v
	}
	if v, ok := args["operator"].(string); ok {
		op := graph.Operator(v)
		patch.Operator = &op
	}
	if params := paramsArg(args, "parameters"); params != nil {
		patch.Parameters = params
	}
	if err := g.UpdateStep(stepID, patch); err != nil {
		return nil, err
	}
	return map[string]any{"stepId": stepID}, nil
}

func dispatchRenameStep(g *graph.Graph, args map[string]any) (map[string]any, *toolerrors.CodedError) {
	stepID := strArg(args, "stepId")
	displayName := strArg(args, "displayName")
	if stepID == "" || displayName == "" {
		return nil, toolerrors.New(toolerrors.CodeInvalidInputRef, "stepId and displayName are required")
	}
	if err := g.RenameStep(stepID, displayName); err != nil {
		return nil, err
	}
	return map[string]any{"stepId": stepID}, nil
}

func dispatchDeleteStep(g *graph.Graph, args map[string]any) (map[string]any, *toolerrors.CodedError) {
	stepID := strArg(args, "stepId")
	if stepID == "" {
		return nil, toolerrors.New(toolerrors.CodeInvalidInputRef, "stepId is required")
	}
	deleted, err := g.DeleteStep(stepID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deletedStepIds": deleted}, nil
}

func dispatchEnsureSingleOutput(g *graph.Graph, args map[string]any) (map[string]any, *toolerrors.CodedError) {
	operator := strArg(args, "operator")
	if operator == "" {
		return nil, toolerrors.New(toolerrors.CodeInvalidInputRef, "operator is required")
	}
	id, err := g.EnsureSingleOutput(graph.Operator(operator), strArg(args, "displayName"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"stepId": id}, nil
}

package scheduler

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/veupathdb/strategy-orchestration-core/internal/model"
	"github.com/veupathdb/strategy-orchestration-core/internal/toolerrors"
)

// planNodeSchemaDoc constrains the wire shape of one DelegationPlan node: a
// task node must carry a non-empty task description and, if present, a
// free-form object context; a combine node must carry at least one input
// and a recognized operator.
const planNodeSchemaDoc = `{
	"type": "object",
	"properties": {
		"id":   {"type": "string", "minLength": 1},
		"kind": {"type": "string", "enum": ["task", "combine"]},
		"dependsOn": {"type": "array", "items": {"type": "string"}},
		"task": {"type": "string"},
		"hint": {"type": "string"},
		"context": {"type": "object"},
		"inputs": {"type": "array", "items": {"type": "string"}},
		"operator": {"type": "string", "enum": ["INTERSECT", "UNION", "MINUS", "RMINUS", "COLOCATE"]},
		"displayName": {"type": "string"}
	},
	"required": ["id", "kind"],
	"allOf": [
		{
			"if": {"properties": {"kind": {"const": "task"}}},
			"then": {"required": ["task"]}
		},
		{
			"if": {"properties": {"kind": {"const": "combine"}}},
			"then": {"required": ["inputs", "operator"], "properties": {"inputs": {"minItems": 1}}}
		}
	]
}`

var (
	planNodeSchemaOnce sync.Once
	planNodeSchema     *jsonschema.Schema
	planNodeSchemaErr  error
)

func compiledPlanNodeSchema() (*jsonschema.Schema, error) {
	planNodeSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(planNodeSchemaDoc), &doc); err != nil {
			planNodeSchemaErr = fmt.Errorf("unmarshal plan node schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("delegation-node.json", doc); err != nil {
			planNodeSchemaErr = fmt.Errorf("add plan node schema resource: %w", err)
			return
		}
		schema, err := c.Compile("delegation-node.json")
		if err != nil {
			planNodeSchemaErr = fmt.Errorf("compile plan node schema: %w", err)
			return
		}
		planNodeSchema = schema
	})
	return planNodeSchema, planNodeSchemaErr
}

// wireNode mirrors model.DelegationNode's JSON shape for schema validation;
// it is never the type a caller constructs, only an intermediate rendering
// of an already-decoded node checked against planNodeSchemaDoc.
type wireNode struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	DependsOn   []string       `json:"dependsOn,omitempty"`
	Task        string         `json:"task,omitempty"`
	Hint        string         `json:"hint,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Inputs      []string       `json:"inputs,omitempty"`
	Operator    string         `json:"operator,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
}

// validatePlanSchema checks every node's wire shape against
// planNodeSchemaDoc, catching malformed context payloads and combine nodes
// missing their required inputs/operator before the dependency graph is
// built and scheduled.
func validatePlanSchema(plan model.DelegationPlan) *toolerrors.CodedError {
	schema, err := compiledPlanNodeSchema()
	if err != nil {
		return toolerrors.New(toolerrors.CodeDelegationPlanInvalid, err.Error())
	}

	for _, n := range plan.Nodes {
		wire := wireNode{
			ID:          n.ID,
			Kind:        string(n.Kind),
			DependsOn:   n.DependsOn,
			Task:        n.Task,
			Hint:        n.Hint,
			Context:     n.Context,
			Inputs:      n.Inputs,
			Operator:    string(n.Operator),
			DisplayName: n.DisplayName,
		}
		raw, err := json.Marshal(wire)
		if err != nil {
			return toolerrors.New(toolerrors.CodeDelegationPlanInvalid, fmt.Sprintf("marshal node %q: %v", n.ID, err))
		}
		var instance any
		if err := json.Unmarshal(raw, &instance); err != nil {
			return toolerrors.New(toolerrors.CodeDelegationPlanInvalid, fmt.Sprintf("unmarshal node %q: %v", n.ID, err))
		}
		if err := schema.Validate(instance); err != nil {
			return toolerrors.New(toolerrors.CodeDelegationPlanInvalid, fmt.Sprintf("node %q failed schema validation: %v", n.ID, err))
		}
	}
	return nil
}

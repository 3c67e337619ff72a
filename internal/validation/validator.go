// Package validation checks workflow definitions before they are persisted:
// structurally against a JSON Schema, then semantically as a graph.
package validation

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"flowline/internal/conditions"
	"flowline/pkg/schema"
)

//go:embed schema.json
var workflowSchema []byte

const schemaURL = "https://flowline.dev/workflow.schema.json"

// ConditionTable answers whether a condition type has a registered matcher.
type ConditionTable interface {
	Known(t schema.ConditionType) bool
}

// Validator validates workflow definitions. Construct once and reuse; the
// compiled JSON Schema is shared.
type Validator struct {
	compiled   *jsonschema.Schema
	conditions ConditionTable
}

var _ ConditionTable = (*conditions.Evaluator)(nil)

// NewValidator compiles the embedded workflow schema.
func NewValidator(table ConditionTable) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(workflowSchema))
	if err != nil {
		return nil, fmt.Errorf("parse workflow schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema: %w", err)
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &Validator{compiled: compiled, conditions: table}, nil
}

// ValidateJSON checks a raw definition document structurally and
// semantically, returning the decoded definition on success.
func (v *Validator) ValidateJSON(ctx context.Context, raw json.RawMessage) (*schema.WorkflowDefinition, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"definition is not valid JSON: %s", err.Error()).WithCause(err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"definition does not match the workflow schema: %s", err.Error()).WithCause(err)
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"definition does not decode: %s", err.Error()).WithCause(err)
	}

	if err := v.ValidateGraph(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ValidateGraph applies the semantic rules the JSON Schema cannot express.
func (v *Validator) ValidateGraph(def *schema.WorkflowDefinition) error {
	ids := make(map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if ids[node.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate node id %q", node.ID).WithNode(node.ID)
		}
		ids[node.ID] = true
	}

	triggers := def.TriggerNodes()
	if len(triggers) != 1 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"definition must have exactly one trigger node, has %d", len(triggers))
	}

	for _, edge := range def.Edges {
		if !ids[edge.Source] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge references unknown source node %q", edge.Source)
		}
		if !ids[edge.Target] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge references unknown target node %q", edge.Target)
		}
		if edge.Condition != nil && !edge.Condition.IsDefault() && v.conditions != nil {
			if !v.conditions.Known(edge.Condition.Type) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"edge %s -> %s uses unknown condition type %q", edge.Source, edge.Target, edge.Condition.Type)
			}
		}
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		out := def.OutgoingEdges(node.ID)
		switch node.Type {
		case schema.NodeTypeWait:
			if len(out) != 1 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"wait node %q must have exactly one outgoing edge, has %d", node.ID, len(out)).WithNode(node.ID)
			}
		case schema.NodeTypeEnd:
			if len(out) != 0 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"end node %q must have no outgoing edges", node.ID).WithNode(node.ID)
			}
		case schema.NodeTypeTrigger:
			if len(def.OutgoingEdges(node.ID)) == 0 && len(def.Nodes) > 1 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"trigger node %q is connected to nothing", node.ID).WithNode(node.ID)
			}
		}
	}

	if unreachable := v.unreachableNodes(def, triggers[0].ID); len(unreachable) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"nodes unreachable from the trigger: %v", unreachable)
	}

	return nil
}

// unreachableNodes walks the graph from the trigger and returns the ids of
// nodes no path reaches.
func (v *Validator) unreachableNodes(def *schema.WorkflowDefinition, triggerID string) []string {
	seen := map[string]bool{triggerID: true}
	stack := []string{triggerID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range def.OutgoingEdges(id) {
			if !seen[edge.Target] {
				seen[edge.Target] = true
				stack = append(stack, edge.Target)
			}
		}
	}

	var out []string
	for i := range def.Nodes {
		if !seen[def.Nodes[i].ID] {
			out = append(out, def.Nodes[i].ID)
		}
	}
	return out
}

package schema

import "sort"

// WorkflowDefinition is the JSON-serializable automation graph. It is
// immutable at execution time: instances reference it by workflow ID and
// never mutate it.
type WorkflowDefinition struct {
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NodeType enumerates the closed set of node kinds.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAction    NodeType = "action"
	NodeTypeCondition NodeType = "condition"
	NodeTypeWait      NodeType = "wait"
	NodeTypeEnd       NodeType = "end"
)

// NodeTypes lists every valid node type.
var NodeTypes = []NodeType{NodeTypeTrigger, NodeTypeAction, NodeTypeCondition, NodeTypeWait, NodeTypeEnd}

// Node is one step of the graph. The Type tag selects which config block
// applies: Action for action nodes, Wait for wait nodes; trigger, condition
// and end nodes carry no config.
type Node struct {
	ID     string      `json:"id"`
	Name   string      `json:"name,omitempty"`
	Type   NodeType    `json:"type"`
	Action *ActionSpec `json:"action,omitempty"`
	Wait   *WaitSpec   `json:"wait,omitempty"`
}

// ActionSpec holds the action-specific parameters of an action node.
type ActionSpec struct {
	Type           string         `json:"type"`                      // create_task, move_card, ...
	AssignTo       string         `json:"assign_to,omitempty"`       // "card_owner" or "role:<name>"
	DueMinutes     int            `json:"due_minutes,omitempty"`     // task due offset, default 60
	WaitForOutcome bool           `json:"wait_for_outcome,omitempty"`
	TargetStageID  string         `json:"target_stage_id,omitempty"` // move_card destination
	Title          string         `json:"title,omitempty"`           // task title
	Description    string         `json:"description,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// WaitSpec holds the wait-specific parameters of a wait node.
type WaitSpec struct {
	Minutes              int  `json:"minutes"`
	RespectBusinessHours bool `json:"respect_business_hours,omitempty"`
	StopIfStageChanged   bool `json:"stop_if_stage_changed,omitempty"`
}

// Edge is a directed, optionally conditioned transition between two nodes.
// Edges leaving the same node are evaluated in Order; an edge with a nil
// condition (or a default-typed one) is the fallback.
type Edge struct {
	ID        string     `json:"id,omitempty"`
	Source    string     `json:"source"`
	Target    string     `json:"target"`
	Condition *Condition `json:"condition,omitempty"`
	Order     int        `json:"order,omitempty"`
}

// ConditionType enumerates the registered edge condition kinds.
type ConditionType string

const (
	ConditionDefault ConditionType = "default"
	ConditionOutcome ConditionType = "outcome"
	ConditionCEL     ConditionType = "cel"
	ConditionExpr    ConditionType = "expr"
)

// Condition gates an edge. Value is used by outcome conditions, Expression
// by the cel and expr engines.
type Condition struct {
	Type       ConditionType `json:"type"`
	Value      string        `json:"value,omitempty"`
	Expression string        `json:"expression,omitempty"`
}

// IsDefault reports whether the condition (or its absence) makes the edge
// the unconditional fallback.
func (c *Condition) IsDefault() bool {
	return c == nil || c.Type == "" || c.Type == ConditionDefault
}

// NodeByID returns the node with the given ID, or nil.
func (d *WorkflowDefinition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// TriggerNodes returns all trigger-typed nodes.
func (d *WorkflowDefinition) TriggerNodes() []*Node {
	var out []*Node
	for i := range d.Nodes {
		if d.Nodes[i].Type == NodeTypeTrigger {
			out = append(out, &d.Nodes[i])
		}
	}
	return out
}

// OutgoingEdges returns the edges leaving the given node, sorted by Order
// (stable, so definition order breaks ties).
func (d *WorkflowDefinition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

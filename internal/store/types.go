package store

import (
	"encoding/json"
	"time"

	"flowline/pkg/schema"
)

// Workflow is the persisted representation of an automation definition.
// The graph is stored whole as a JSON document.
type Workflow struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name,omitempty"`
	Definition schema.WorkflowDefinition `json:"definition"`
	Enabled    bool                      `json:"enabled"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Instance is one execution of a workflow against one card.
type Instance struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflow_id"`
	CardID        string                 `json:"card_id"`
	CurrentNodeID string                 `json:"current_node_id"`
	Status        schema.InstanceStatus  `json:"status"`
	WaitingFor    schema.WaitingReason   `json:"waiting_for,omitempty"`
	WaitingTaskID string                 `json:"waiting_task_id,omitempty"`
	ResumeAt      *time.Time             `json:"resume_at,omitempty"`
	Context       schema.InstanceContext `json:"context"`
	CreatedAt     time.Time              `json:"created_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// QueueItem is one scheduled execution of one node for one instance.
type QueueItem struct {
	ID          string             `json:"id"`
	InstanceID  string             `json:"instance_id"`
	NodeID      string             `json:"node_id"`
	ExecuteAt   time.Time          `json:"execute_at"`
	Priority    int                `json:"priority"`
	Status      schema.QueueStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	LastError   string             `json:"last_error,omitempty"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// LogEntry is an immutable audit record. Write-only sink for observability.
type LogEntry struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	WorkflowID string          `json:"workflow_id"`
	CardID     string          `json:"card_id,omitempty"`
	Type       string          `json:"event_type"`
	NodeID     string          `json:"node_id,omitempty"`
	Input      json.RawMessage `json:"input_data,omitempty"`
	Output     json.RawMessage `json:"output_data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Card is the subject record the engine acts on. Only the fields the engine
// reads are modeled; the owning CRUD service manages the rest.
type Card struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	StageID          string    `json:"stage_id"`
	OwnerID          string    `json:"owner_id,omitempty"`
	SDROwnerID       string    `json:"sdr_owner_id,omitempty"`
	SalesOwnerID     string    `json:"sales_owner_id,omitempty"`
	ConciergeOwnerID string    `json:"concierge_owner_id,omitempty"`
	CreatedBy        string    `json:"created_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// OwnerChain returns the card's owner fields in resolution priority order.
func (c *Card) OwnerChain() []string {
	return []string{c.OwnerID, c.SDROwnerID, c.SalesOwnerID, c.ConciergeOwnerID, c.CreatedBy}
}

// Task is a follow-up task created by a create_task action.
type Task struct {
	ID          string    `json:"id"`
	CardID      string    `json:"card_id"`
	InstanceID  string    `json:"instance_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	AssigneeID  string    `json:"assignee_id"`
	DueAt       time.Time `json:"due_at"`
	Status      string    `json:"status"`
	Outcome     string    `json:"outcome,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is a directory entry used for role-based task assignment.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	WorkflowID string                 `json:"workflow_id,omitempty"`
	CardID     string                 `json:"card_id,omitempty"`
	Status     *schema.InstanceStatus `json:"status,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

// InstanceUpdate specifies mutable fields of an instance. Nil fields are
// left untouched; ClearWait nulls the three wait columns together.
type InstanceUpdate struct {
	Status        *schema.InstanceStatus  `json:"status,omitempty"`
	CurrentNodeID *string                 `json:"current_node_id,omitempty"`
	WaitingFor    *schema.WaitingReason   `json:"waiting_for,omitempty"`
	WaitingTaskID *string                 `json:"waiting_task_id,omitempty"`
	ResumeAt      *time.Time              `json:"resume_at,omitempty"`
	ClearWait     bool                    `json:"clear_wait,omitempty"`
	Context       *schema.InstanceContext `json:"context,omitempty"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
}

package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store defines the persistence layer contract. It is the single durable
// surface of the engine: workflow definitions, instances, the work queue,
// the append-only log, and the CRM collaborator tables all live behind it.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// Queue
	EnqueueItem(ctx context.Context, item *QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)
	DueQueueItems(ctx context.Context, now time.Time, limit int) ([]*QueueItem, error)
	// ClaimQueueItem atomically moves a pending item to processing and
	// increments its attempt counter. Returns nil (no error) when another
	// invocation claimed the item first.
	ClaimQueueItem(ctx context.Context, id string) (*QueueItem, error)
	CompleteQueueItem(ctx context.Context, id string, processedAt time.Time) error
	// ReleaseQueueItem returns a processing item to pending for a later retry.
	ReleaseQueueItem(ctx context.Context, id string, lastError string) error
	FailQueueItem(ctx context.Context, id string, lastError string) error
	FailedQueueItems(ctx context.Context, limit int) ([]*QueueItem, error)

	// Append-only log
	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, instanceID string, limit int) ([]*LogEntry, error)

	// Cards (subject records)
	CreateCard(ctx context.Context, card *Card) error
	GetCard(ctx context.Context, id string) (*Card, error)
	UpdateCardStage(ctx context.Context, id string, stageID string) error

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// SetTaskOutcome records the reported outcome and closes the task.
	SetTaskOutcome(ctx context.Context, id string, outcome string) error

	// Users
	CreateUser(ctx context.Context, user *User) error
	ActiveUsersByRole(ctx context.Context, role string) ([]*User, error)

	// Org settings
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
	PutSetting(ctx context.Context, key string, value json.RawMessage) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

package schema

// Event type constants for the append-only instance log.
const (
	EventInstanceCreated       = "instance_created"
	EventNodeEntered           = "node_entered"
	EventActionExecuted        = "action_executed"
	EventWaitSkipped           = "wait_skipped"
	EventCancelledStageChanged = "cancelled_stage_changed"
	EventCompleted             = "completed"
	EventFailed                = "failed"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusWaiting   InstanceStatus = "waiting"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
	InstanceStatusFailed    InstanceStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusCancelled || s == InstanceStatusFailed
}

// WaitingReason distinguishes what a waiting instance is suspended on.
type WaitingReason string

const (
	WaitingForTime        WaitingReason = "time"
	WaitingForTaskOutcome WaitingReason = "task_outcome"
)

// QueueStatus represents the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// Queue priorities. Higher wins within a batch.
const (
	PriorityWaitResume = 5   // item scheduled at the end of a timed wait
	PriorityAdvance    = 10  // item enqueued by a synchronous advance
	PriorityTestRun    = 100 // dry-run test trigger, wins contention against routine work
)

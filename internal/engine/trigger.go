package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"flowline/internal/store"
	"flowline/pkg/schema"
)

// Trigger starts workflow instances and resumes the ones suspended on a
// task outcome. It is the only component that creates instances.
type Trigger struct {
	store     store.Store
	processor *Processor
	logger    *slog.Logger
	now       func() time.Time
}

// NewTrigger wires a Trigger.
func NewTrigger(s store.Store, p *Processor, logger *slog.Logger) *Trigger {
	return &Trigger{
		store:     s,
		processor: p,
		logger:    logger,
		now:       time.Now,
	}
}

// TestResult is the outcome of a synchronous test run.
type TestResult struct {
	InstanceID string     `json:"instance_id"`
	Run        *RunResult `json:"run,omitempty"`
}

// Test starts a dry-run instance against a card and processes it
// synchronously. Actions return mock results, waits are skipped, and the
// high queue priority lets the run win contention against routine work.
// Disabled workflows may be tested; only real starts require enabled.
func (t *Trigger) Test(ctx context.Context, workflowID, cardID string) (*TestResult, error) {
	inst, err := t.start(ctx, workflowID, cardID, true)
	if err != nil {
		return nil, err
	}

	run, err := t.processor.Run(ctx)
	if err != nil {
		return nil, err
	}

	return &TestResult{InstanceID: inst.ID, Run: run}, nil
}

// Start creates a real instance for a card and enqueues its trigger node.
// The scheduler's next pass picks it up.
func (t *Trigger) Start(ctx context.Context, workflowID, cardID string) (*store.Instance, error) {
	return t.start(ctx, workflowID, cardID, false)
}

func (t *Trigger) start(ctx context.Context, workflowID, cardID string, dryRun bool) (*store.Instance, error) {
	wf, err := t.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !dryRun && !wf.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s is disabled", workflowID)
	}

	triggers := wf.Definition.TriggerNodes()
	if len(triggers) != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s must have exactly one trigger node, has %d", workflowID, len(triggers))
	}
	trigger := triggers[0]

	card, err := t.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}

	now := t.now()
	inst := &store.Instance{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		CardID:        cardID,
		CurrentNodeID: trigger.ID,
		Status:        schema.InstanceStatusRunning,
		Context: schema.InstanceContext{
			DryRun:            dryRun,
			TriggeredManually: dryRun,
			TriggerStageID:    card.StageID,
		},
		CreatedAt: now,
	}
	if err := t.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	t.appendCreatedLog(ctx, inst)

	priority := schema.PriorityAdvance
	if dryRun {
		priority = schema.PriorityTestRun
	}
	err = t.store.EnqueueItem(ctx, &store.QueueItem{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     trigger.ID,
		ExecuteAt:  now,
		Priority:   priority,
	})
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "instance started",
		"instance_id", inst.ID, "workflow_id", workflowID, "card_id", cardID, "dry_run", dryRun)
	return inst, nil
}

// TaskOutcome resumes an instance suspended on the given task. The outcome
// is written to the task row, lands in the instance context as
// last_task_outcome, and an advance item is enqueued for the suspended
// action node's edges.
func (t *Trigger) TaskOutcome(ctx context.Context, taskID, outcome string) error {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.InstanceID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "task %s belongs to no instance", taskID)
	}

	inst, err := t.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	if inst.Status != schema.InstanceStatusWaiting ||
		inst.WaitingFor != schema.WaitingForTaskOutcome ||
		inst.WaitingTaskID != taskID {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s is not waiting on task %s", inst.ID, taskID)
	}

	if err := t.store.SetTaskOutcome(ctx, taskID, outcome); err != nil {
		return err
	}

	inst.Context.Merge(map[string]any{"last_task_outcome": outcome})
	err = t.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Context: &inst.Context})
	if err != nil {
		return err
	}

	err = t.store.EnqueueItem(ctx, &store.QueueItem{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     inst.CurrentNodeID,
		ExecuteAt:  t.now(),
		Priority:   schema.PriorityAdvance,
	})
	if err != nil {
		return err
	}

	t.logger.InfoContext(ctx, "task outcome recorded",
		"instance_id", inst.ID, "task_id", taskID, "outcome", outcome)
	return nil
}

func (t *Trigger) appendCreatedLog(ctx context.Context, inst *store.Instance) {
	t.processor.dispatcher.appendLog(ctx, inst, schema.EventInstanceCreated, inst.CurrentNodeID, nil, map[string]any{
		"dry_run": inst.Context.DryRun,
	})
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"flowline/internal/actions"
	"flowline/internal/conditions"
	"flowline/internal/hours"
	"flowline/internal/store"
	"flowline/pkg/schema"
)

// DefaultMaxLoops bounds how many nodes one dispatch advances synchronously
// before handing the rest of the path back to the queue.
const DefaultMaxLoops = 5

// ActionExecutor runs the action configured on a node.
type ActionExecutor interface {
	Execute(ctx context.Context, node *schema.Node, inst *store.Instance) (actions.Result, error)
}

// Dispatcher executes one node of one instance and advances along matching
// edges. It owns instance status transitions; queue item status stays with
// the processor.
type Dispatcher struct {
	store      store.Store
	conditions *conditions.Evaluator
	executor   ActionExecutor
	guard      *StageChangeGuard
	logger     *slog.Logger
	maxLoops   int
	now        func() time.Time
}

// NewDispatcher wires a Dispatcher from its collaborators.
func NewDispatcher(s store.Store, ev *conditions.Evaluator, exec ActionExecutor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:      s,
		conditions: ev,
		executor:   exec,
		guard:      NewStageChangeGuard(s),
		logger:     logger,
		maxLoops:   DefaultMaxLoops,
		now:        time.Now,
	}
}

// SetMaxLoops overrides the synchronous hop budget. Values below one keep
// the default.
func (d *Dispatcher) SetMaxLoops(n int) {
	if n > 0 {
		d.maxLoops = n
	}
}

// Dispatch runs the node identified by nodeID for inst and advances the
// instance until it suspends, completes, or exhausts the synchronous hop
// budget (at which point a continuation item is enqueued).
//
// Stale dispatches against terminal instances are silent no-ops.
func (d *Dispatcher) Dispatch(ctx context.Context, inst *store.Instance, wf *store.Workflow, nodeID string) error {
	if inst.Status.IsTerminal() {
		d.logger.InfoContext(ctx, "skipping dispatch for terminal instance",
			"instance_id", inst.ID, "status", inst.Status)
		return nil
	}

	def := &wf.Definition

	// A waiting instance resumes here. Remember what it was waiting on
	// before clearing the wait fields.
	resumedFromOutcome := inst.Status == schema.InstanceStatusWaiting &&
		inst.WaitingFor == schema.WaitingForTaskOutcome
	if inst.Status == schema.InstanceStatusWaiting {
		if err := d.setRunning(ctx, inst); err != nil {
			return err
		}
	}

	// Stage-change guard: set by a wait node with stop_if_stage_changed,
	// checked once on resume.
	if inst.Context.WaitCheckStage {
		cancelled, err := d.checkStageGuard(ctx, inst, nodeID)
		if err != nil || cancelled {
			return err
		}
	}

	current := nodeID
	for hop := 0; ; hop++ {
		if hop >= d.maxLoops {
			return d.enqueueContinuation(ctx, inst, current)
		}

		node := def.NodeByID(current)
		if node == nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %s has no node %s", inst.WorkflowID, current).WithNode(current)
		}

		d.appendLog(ctx, inst, schema.EventNodeEntered, node.ID, nil, map[string]any{"node_type": node.Type})

		switch node.Type {
		case schema.NodeTypeTrigger, schema.NodeTypeCondition:
			// Routing only; the work happens on the edges.

		case schema.NodeTypeAction:
			if resumedFromOutcome && hop == 0 {
				// The action already ran before the instance suspended on
				// its task; the outcome is in the context now.
				break
			}
			suspended, err := d.runAction(ctx, inst, node)
			if err != nil {
				return err
			}
			if suspended {
				return nil
			}

		case schema.NodeTypeWait:
			next, suspended, err := d.runWait(ctx, inst, def, node)
			if err != nil {
				return err
			}
			if suspended {
				return nil
			}
			if next == "" {
				return d.complete(ctx, inst, node.ID)
			}
			// Wait skipped: move straight to its single outgoing edge.
			current = next
			continue

		case schema.NodeTypeEnd:
			return d.complete(ctx, inst, node.ID)

		default:
			return schema.NewErrorf(schema.ErrCodeValidation,
				"unknown node type %q", node.Type).WithNode(node.ID)
		}

		next, done, err := d.nextNode(ctx, inst, def, node)
		if err != nil {
			return err
		}
		if done {
			return d.complete(ctx, inst, node.ID)
		}
		current = next
	}
}

// runAction executes an action node. Returns suspended=true when the
// instance is now waiting on the created task's outcome.
func (d *Dispatcher) runAction(ctx context.Context, inst *store.Instance, node *schema.Node) (bool, error) {
	result, err := d.executor.Execute(ctx, node, inst)
	if err != nil {
		return false, err
	}

	d.appendLog(ctx, inst, schema.EventActionExecuted, node.ID, node.Action, result)
	inst.Context.Merge(result)

	if node.Action != nil && node.Action.WaitForOutcome && !inst.Context.DryRun {
		taskID, _ := result["task_id"].(string)
		if taskID == "" {
			return false, schema.NewErrorf(schema.ErrCodeExecution,
				"action %s set wait_for_outcome but produced no task", node.Action.Type).WithNode(node.ID)
		}

		waiting := schema.InstanceStatusWaiting
		reason := schema.WaitingForTaskOutcome
		if err := CheckTransition(inst.Status, waiting); err != nil {
			return false, err
		}
		err := d.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
			Status:        &waiting,
			CurrentNodeID: &node.ID,
			WaitingFor:    &reason,
			WaitingTaskID: &taskID,
			Context:       &inst.Context,
		})
		if err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// runWait suspends the instance for a timed wait and schedules its resume.
// Dry runs and non-positive durations skip the wait, returning the target
// node for inline continuation. next is empty when the wait has no outgoing
// edge and the instance should complete.
func (d *Dispatcher) runWait(ctx context.Context, inst *store.Instance, def *schema.WorkflowDefinition, node *schema.Node) (next string, suspended bool, err error) {
	wait := node.Wait
	if wait == nil {
		return "", false, schema.NewErrorf(schema.ErrCodeValidation,
			"wait node %s has no wait config", node.ID).WithNode(node.ID)
	}

	edges := def.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return "", false, nil
	}
	target := edges[0].Target

	if inst.Context.DryRun || wait.Minutes <= 0 {
		d.appendLog(ctx, inst, schema.EventWaitSkipped, node.ID, wait, map[string]any{
			"reason": skipReason(inst.Context.DryRun),
		})
		return target, false, nil
	}

	resumeAt, err := d.resumeTime(ctx, wait)
	if err != nil {
		return "", false, err
	}

	if wait.StopIfStageChanged {
		inst.Context.WaitCheckStage = true
		inst.Context.WaitInitialStageID = d.currentStage(ctx, inst.CardID)
	}

	waiting := schema.InstanceStatusWaiting
	reason := schema.WaitingForTime
	if err := CheckTransition(inst.Status, waiting); err != nil {
		return "", false, err
	}
	err = d.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:        &waiting,
		CurrentNodeID: &target,
		WaitingFor:    &reason,
		ResumeAt:      &resumeAt,
		Context:       &inst.Context,
	})
	if err != nil {
		return "", false, err
	}
	inst.Status = waiting

	err = d.store.EnqueueItem(ctx, &store.QueueItem{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     target,
		ExecuteAt:  resumeAt,
		Priority:   schema.PriorityWaitResume,
	})
	if err != nil {
		return "", false, err
	}

	d.appendLog(ctx, inst, schema.EventNodeEntered, target, wait, map[string]any{
		"resume_at":   resumeAt.UTC().Format(time.RFC3339),
		"waiting_for": string(schema.WaitingForTime),
	})
	return "", true, nil
}

// nextNode evaluates the node's outgoing edges in order. Conditional edges
// are tried first; when none matches, an unconditional (default) edge is the
// fallback, and failing that the first edge in order is taken. done is true
// only for a node with no outgoing edges.
func (d *Dispatcher) nextNode(ctx context.Context, inst *store.Instance, def *schema.WorkflowDefinition, node *schema.Node) (next string, done bool, err error) {
	edges := def.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return "", true, nil
	}

	fallback := ""
	haveFallback := false
	for _, edge := range edges {
		if edge.Condition.IsDefault() {
			if !haveFallback {
				fallback = edge.Target
				haveFallback = true
			}
			continue
		}
		ok, err := d.conditions.Matches(ctx, edge.Condition, &inst.Context)
		if err != nil {
			if ferr, isFlow := err.(*schema.FlowError); isFlow {
				return "", false, ferr.WithNode(node.ID)
			}
			return "", false, err
		}
		if ok {
			return edge.Target, false, nil
		}
	}

	if haveFallback {
		return fallback, false, nil
	}
	return edges[0].Target, false, nil
}

// checkStageGuard cancels the instance if its card moved while it waited.
// Returns cancelled=true when the instance is now terminal.
func (d *Dispatcher) checkStageGuard(ctx context.Context, inst *store.Instance, nodeID string) (bool, error) {
	changed, currentStage, err := d.guard.Changed(ctx, inst.CardID, inst.Context.WaitInitialStageID)
	if err != nil {
		return false, err
	}

	initial := inst.Context.WaitInitialStageID
	inst.Context.WaitCheckStage = false
	inst.Context.WaitInitialStageID = ""

	if !changed {
		return false, d.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Context: &inst.Context})
	}

	cancelled := schema.InstanceStatusCancelled
	if err := CheckTransition(inst.Status, cancelled); err != nil {
		return false, err
	}
	completedAt := d.now()
	err = d.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:      &cancelled,
		Context:     &inst.Context,
		CompletedAt: &completedAt,
	})
	if err != nil {
		return false, err
	}
	inst.Status = cancelled

	d.appendLog(ctx, inst, schema.EventCancelledStageChanged, nodeID, nil, map[string]any{
		"initial_stage_id": initial,
		"current_stage_id": currentStage,
	})
	d.logger.InfoContext(ctx, "instance cancelled, card left its stage",
		"instance_id", inst.ID, "card_id", inst.CardID,
		"initial_stage_id", initial, "current_stage_id", currentStage)
	return true, nil
}

// complete marks the instance completed.
func (d *Dispatcher) complete(ctx context.Context, inst *store.Instance, nodeID string) error {
	completed := schema.InstanceStatusCompleted
	if err := CheckTransition(inst.Status, completed); err != nil {
		return err
	}
	completedAt := d.now()
	err := d.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:        &completed,
		CurrentNodeID: &nodeID,
		Context:       &inst.Context,
		CompletedAt:   &completedAt,
	})
	if err != nil {
		return err
	}
	inst.Status = completed

	d.appendLog(ctx, inst, schema.EventCompleted, nodeID, nil, nil)
	d.logger.InfoContext(ctx, "instance completed", "instance_id", inst.ID, "node_id", nodeID)
	return nil
}

// enqueueContinuation hands the remainder of a long synchronous path back to
// the queue.
func (d *Dispatcher) enqueueContinuation(ctx context.Context, inst *store.Instance, nodeID string) error {
	err := d.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		CurrentNodeID: &nodeID,
		Context:       &inst.Context,
	})
	if err != nil {
		return err
	}
	return d.store.EnqueueItem(ctx, &store.QueueItem{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeID:     nodeID,
		ExecuteAt:  d.now(),
		Priority:   schema.PriorityAdvance,
	})
}

// setRunning flips a waiting instance back to running and clears the wait
// columns.
func (d *Dispatcher) setRunning(ctx context.Context, inst *store.Instance) error {
	running := schema.InstanceStatusRunning
	if err := CheckTransition(inst.Status, running); err != nil {
		return err
	}
	err := d.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:    &running,
		ClearWait: true,
	})
	if err != nil {
		return err
	}
	inst.Status = running
	inst.WaitingFor = ""
	inst.WaitingTaskID = ""
	inst.ResumeAt = nil
	return nil
}

// resumeTime computes when a timed wait ends, consulting the org's business
// hours when the wait respects them.
func (d *Dispatcher) resumeTime(ctx context.Context, wait *schema.WaitSpec) (time.Time, error) {
	now := d.now()
	if !wait.RespectBusinessHours {
		return now.Add(time.Duration(wait.Minutes) * time.Minute), nil
	}

	cfg := hours.DefaultConfig()
	raw, err := d.store.GetSetting(ctx, hours.SettingKey)
	if err != nil {
		var ferr *schema.FlowError
		if !errors.As(err, &ferr) || ferr.Code != schema.ErrCodeNotFound {
			return time.Time{}, err
		}
	} else {
		cfg, err = hours.ParseConfig(raw)
		if err != nil {
			return time.Time{}, err
		}
	}

	return hours.Add(now, wait.Minutes, cfg)
}

// currentStage reads the card's stage for the guard snapshot; a missing card
// yields an empty snapshot, which the guard later reads as changed.
func (d *Dispatcher) currentStage(ctx context.Context, cardID string) string {
	card, err := d.store.GetCard(ctx, cardID)
	if err != nil {
		return ""
	}
	return card.StageID
}

// appendLog writes an audit entry. Audit failures are logged, not fatal.
func (d *Dispatcher) appendLog(ctx context.Context, inst *store.Instance, eventType, nodeID string, input, output any) {
	entry := &store.LogEntry{
		InstanceID: inst.ID,
		WorkflowID: inst.WorkflowID,
		CardID:     inst.CardID,
		Type:       eventType,
		NodeID:     nodeID,
		CreatedAt:  d.now(),
	}
	if input != nil {
		if raw, err := json.Marshal(input); err == nil {
			entry.Input = raw
		}
	}
	if output != nil {
		if raw, err := json.Marshal(output); err == nil {
			entry.Output = raw
		}
	}
	if err := d.store.AppendLog(ctx, entry); err != nil {
		d.logger.WarnContext(ctx, "failed to append instance log",
			"instance_id", inst.ID, "event_type", eventType, "error", err)
	}
}

func skipReason(dryRun bool) string {
	if dryRun {
		return "dry_run"
	}
	return "zero_duration"
}

package engine

import (
	"context"
	"log/slog"
	"time"

	"flowline/internal/store"
	"flowline/pkg/schema"
)

// DefaultBatchSize bounds how many due queue items one processing pass
// claims.
const DefaultBatchSize = 50

// Per-item outcomes of a processing pass. A stage-change cancellation is a
// skip, not an error: the item completes but its action never ran.
const (
	ItemStatusSuccess             = "success"
	ItemStatusError               = "error"
	ItemStatusSkippedStageChanged = "skipped_stage_changed"
)

// ItemResult records how one queue item fared in a processing pass.
type ItemResult struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	NodeID     string `json:"node_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// RunResult summarizes one processing pass.
type RunResult struct {
	Processed int          `json:"processed"`
	Results   []ItemResult `json:"results,omitempty"`
}

// Processor drains due queue items. Each item is claimed with a
// compare-and-set so concurrent passes never double-process, dispatched, and
// then completed, released for retry, or failed for good.
type Processor struct {
	store      store.Store
	dispatcher *Dispatcher
	logger     *slog.Logger
	batchSize  int
	now        func() time.Time
}

// NewProcessor wires a Processor around the dispatcher.
func NewProcessor(s store.Store, d *Dispatcher, logger *slog.Logger) *Processor {
	return &Processor{
		store:      s,
		dispatcher: d,
		logger:     logger,
		batchSize:  DefaultBatchSize,
		now:        time.Now,
	}
}

// SetBatchSize overrides the per-pass claim budget. Values below one keep
// the default.
func (p *Processor) SetBatchSize(n int) {
	if n > 0 {
		p.batchSize = n
	}
}

// Run executes one processing pass over the due queue. A failure to fetch
// the batch is fatal; per-item failures are recorded in the result and the
// pass continues.
func (p *Processor) Run(ctx context.Context) (*RunResult, error) {
	items, err := p.store.DueQueueItems(ctx, p.now(), p.batchSize)
	if err != nil {
		return nil, err
	}

	result := &RunResult{}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		claimed, err := p.store.ClaimQueueItem(ctx, item.ID)
		if err != nil {
			p.logger.ErrorContext(ctx, "failed to claim queue item", "item_id", item.ID, "error", err)
			result.Results = append(result.Results, ItemResult{
				ID:         item.ID,
				InstanceID: item.InstanceID,
				NodeID:     item.NodeID,
				Status:     ItemStatusError,
				Error:      err.Error(),
			})
			continue
		}
		if claimed == nil {
			// Another pass got there first.
			continue
		}

		result.Processed++
		result.Results = append(result.Results, p.process(ctx, claimed))
	}

	return result, nil
}

// process dispatches one claimed item and settles its queue status.
func (p *Processor) process(ctx context.Context, item *store.QueueItem) ItemResult {
	res := ItemResult{ID: item.ID, InstanceID: item.InstanceID, NodeID: item.NodeID}

	inst, err := p.store.GetInstance(ctx, item.InstanceID)
	if err != nil {
		return p.settle(ctx, item, nil, err, res)
	}

	if inst.Status.IsTerminal() {
		// Stale item for a finished instance; retire it without work.
		if err := p.store.CompleteQueueItem(ctx, item.ID, p.now()); err != nil {
			p.logger.ErrorContext(ctx, "failed to retire stale queue item", "item_id", item.ID, "error", err)
		}
		res.Status = ItemStatusSuccess
		return res
	}

	wf, err := p.store.GetWorkflow(ctx, inst.WorkflowID)
	if err != nil {
		return p.settle(ctx, item, inst, err, res)
	}

	err = p.dispatcher.Dispatch(ctx, inst, wf, item.NodeID)
	res = p.settle(ctx, item, inst, err, res)
	if err == nil && inst.Status == schema.InstanceStatusCancelled {
		// The stage guard is the only cancellation path; tag the skip so
		// callers need not read the audit log to tell it from a success.
		res.Status = ItemStatusSkippedStageChanged
	}
	return res
}

// settle moves the claimed item to completed, back to pending for another
// attempt, or to failed when attempts are exhausted or the error is
// deterministic. A permanently failed item fails its instance.
func (p *Processor) settle(ctx context.Context, item *store.QueueItem, inst *store.Instance, dispatchErr error, res ItemResult) ItemResult {
	if dispatchErr == nil {
		if err := p.store.CompleteQueueItem(ctx, item.ID, p.now()); err != nil {
			p.logger.ErrorContext(ctx, "failed to complete queue item", "item_id", item.ID, "error", err)
			res.Status = ItemStatusError
			res.Error = err.Error()
			return res
		}
		res.Status = ItemStatusSuccess
		return res
	}

	res.Error = dispatchErr.Error()
	retryable := IsRetryableError(dispatchErr)
	exhausted := item.Attempts >= item.MaxAttempts

	if retryable && !exhausted {
		if err := p.store.ReleaseQueueItem(ctx, item.ID, dispatchErr.Error()); err != nil {
			p.logger.ErrorContext(ctx, "failed to release queue item", "item_id", item.ID, "error", err)
		}
		res.Status = ItemStatusError
		p.logger.WarnContext(ctx, "queue item released for retry",
			"item_id", item.ID, "instance_id", item.InstanceID,
			"attempt", item.Attempts, "max_attempts", item.MaxAttempts, "error", dispatchErr)
		return res
	}

	if err := p.store.FailQueueItem(ctx, item.ID, dispatchErr.Error()); err != nil {
		p.logger.ErrorContext(ctx, "failed to fail queue item", "item_id", item.ID, "error", err)
	}
	res.Status = ItemStatusError
	p.logger.ErrorContext(ctx, "queue item failed permanently",
		"item_id", item.ID, "instance_id", item.InstanceID,
		"attempts", item.Attempts, "retryable", retryable, "error", dispatchErr)

	if inst != nil && !inst.Status.IsTerminal() {
		p.failInstance(ctx, inst, item.NodeID, dispatchErr)
	}
	return res
}

// failInstance moves the instance to failed and records the cause in the
// audit log.
func (p *Processor) failInstance(ctx context.Context, inst *store.Instance, nodeID string, cause error) {
	failed := schema.InstanceStatusFailed
	completedAt := p.now()
	err := p.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:      &failed,
		CompletedAt: &completedAt,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to mark instance failed", "instance_id", inst.ID, "error", err)
		return
	}
	inst.Status = failed

	p.dispatcher.appendLog(ctx, inst, schema.EventFailed, nodeID, nil, map[string]any{
		"error": cause.Error(),
	})
}

package actions

import (
	"context"
	"log/slog"
	"time"

	"flowline/internal/store"
	"flowline/pkg/schema"
)

// Executor resolves and runs the action configured on a node. Unknown action
// types execute as logged no-ops so that a definition with a new action type
// does not strand its instances.
type Executor struct {
	store    Store
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor backed by the given registry.
func NewExecutor(s Store, registry *Registry, logger *slog.Logger) *Executor {
	return &Executor{
		store:    s,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute runs the action configured on node for inst and returns its result.
// The card is loaded fresh so the action sees the current stage and owners.
func (e *Executor) Execute(ctx context.Context, node *schema.Node, inst *store.Instance) (Result, error) {
	if node.Action == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"node %s has no action config", node.ID).WithNode(node.ID)
	}

	card, err := e.store.GetCard(ctx, inst.CardID)
	if err != nil {
		return nil, err
	}

	req := Request{
		Spec:     node.Action,
		Instance: inst,
		Card:     card,
		DryRun:   inst.Context.DryRun,
		Now:      e.now(),
	}

	action, ok := e.registry.Get(node.Action.Type)
	if !ok {
		e.logger.WarnContext(ctx, "unknown action type, executing as no-op",
			"action_type", node.Action.Type,
			"node_id", node.ID)
		return Result{"status": "executed"}, nil
	}

	result, err := action.Execute(ctx, req)
	if err != nil {
		if ferr, ok := err.(*schema.FlowError); ok {
			return nil, ferr.WithNode(node.ID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"action %s failed: %s", node.Action.Type, err.Error()).
			WithNode(node.ID).
			WithCause(err)
	}

	return result, nil
}

package actions

import (
	"context"

	"flowline/pkg/schema"
)

// MoveCardAction moves the instance's card to a target pipeline stage.
type MoveCardAction struct {
	store Store
}

// NewMoveCardAction creates the builtin move_card action.
func NewMoveCardAction(s Store) *MoveCardAction {
	return &MoveCardAction{store: s}
}

// Name returns the action identifier.
func (a *MoveCardAction) Name() string {
	return "move_card"
}

// Execute moves the card to the configured target stage. On dry runs the
// intended stage is reported without touching the card.
func (a *MoveCardAction) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Spec == nil || req.Spec.TargetStageID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "move_card requires a target_stage_id")
	}

	if req.DryRun {
		return Result{
			"status":   "card_moved",
			"stage_id": req.Spec.TargetStageID,
			"dry_run":  true,
		}, nil
	}

	if err := a.store.UpdateCardStage(ctx, req.Card.ID, req.Spec.TargetStageID); err != nil {
		return nil, err
	}

	return Result{
		"status":   "card_moved",
		"stage_id": req.Spec.TargetStageID,
	}, nil
}

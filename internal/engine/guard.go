package engine

import (
	"context"
	"errors"

	"flowline/internal/store"
	"flowline/pkg/schema"
)

// StageChangeGuard checks whether a card left the stage it was in when a
// wait began. A card that no longer exists counts as moved.
type StageChangeGuard struct {
	store store.Store
}

// NewStageChangeGuard creates a guard backed by the given store.
func NewStageChangeGuard(s store.Store) *StageChangeGuard {
	return &StageChangeGuard{store: s}
}

// Changed reports whether the card's stage differs from initialStageID, and
// returns the current stage for logging.
func (g *StageChangeGuard) Changed(ctx context.Context, cardID, initialStageID string) (bool, string, error) {
	card, err := g.store.GetCard(ctx, cardID)
	if err != nil {
		var ferr *schema.FlowError
		if errors.As(err, &ferr) && ferr.Code == schema.ErrCodeNotFound {
			return true, "", nil
		}
		return false, "", err
	}
	return card.StageID != initialStageID, card.StageID, nil
}

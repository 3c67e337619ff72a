package actions

import (
	"context"
	"time"

	"flowline/internal/store"
	"flowline/pkg/schema"
)

// Result is the outcome of an action execution. It is merged into the
// instance context by the dispatcher, so keys should be flat and
// JSON-serializable.
type Result map[string]any

// Request is the data provided to an action at execution time.
type Request struct {
	Spec     *schema.ActionSpec
	Instance *store.Instance
	Card     *store.Card
	DryRun   bool
	Now      time.Time
}

// Action is an executable side effect bound to an action node type.
// Implementations must honor DryRun by returning synthetic results without
// persisting anything.
type Action interface {
	Name() string
	Execute(ctx context.Context, req Request) (Result, error)
}

// Store is the slice of the persistence layer the builtin actions need.
type Store interface {
	GetCard(ctx context.Context, id string) (*store.Card, error)
	UpdateCardStage(ctx context.Context, id string, stageID string) error
	CreateTask(ctx context.Context, task *store.Task) error
	ActiveUsersByRole(ctx context.Context, role string) ([]*store.User, error)
}

package actions

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowline/internal/store"
	"flowline/pkg/schema"
)

const (
	// DefaultDueMinutes applies when an action spec omits due_minutes.
	DefaultDueMinutes = 60

	// MockTaskID is returned instead of a real task id on dry runs.
	MockTaskID = "mock-task-id"

	rolePrefix = "role:"
)

// CreateTaskAction creates a follow-up task on the instance's card.
//
// Assignee resolution order:
//  1. assign_to "role:<name>" — a random active user with that role
//  2. assign_to "<user-id>" — used as-is
//  3. the card's owner chain, first non-empty field
//  4. the configured fallback assignee
type CreateTaskAction struct {
	store    Store
	fallback string
	pick     func(n int) int
}

// NewCreateTaskAction creates the builtin create_task action. fallbackAssignee
// is used when neither the action spec nor the card yields an assignee.
func NewCreateTaskAction(s Store, fallbackAssignee string) *CreateTaskAction {
	return &CreateTaskAction{
		store:    s,
		fallback: fallbackAssignee,
		pick:     rand.Intn,
	}
}

// Name returns the action identifier.
func (a *CreateTaskAction) Name() string {
	return "create_task"
}

// Execute resolves the assignee, computes the due time and persists the task.
// On dry runs nothing is persisted and a mock task id is returned.
func (a *CreateTaskAction) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "create_task requires an action config")
	}

	assignee, err := a.resolveAssignee(ctx, req)
	if err != nil {
		return nil, err
	}

	dueMinutes := req.Spec.DueMinutes
	if dueMinutes <= 0 {
		dueMinutes = DefaultDueMinutes
	}
	dueAt := req.Now.Add(time.Duration(dueMinutes) * time.Minute)

	title := req.Spec.Title
	if title == "" {
		title = "Follow up"
	}

	task := &store.Task{
		ID:          uuid.NewString(),
		CardID:      req.Card.ID,
		InstanceID:  req.Instance.ID,
		Title:       title,
		Description: req.Spec.Description,
		AssigneeID:  assignee,
		DueAt:       dueAt,
		Status:      "open",
		CreatedAt:   req.Now,
	}

	if req.DryRun {
		return Result{
			"status":      "task_created",
			"task_id":     MockTaskID,
			"assignee_id": assignee,
			"due_at":      dueAt.Format(time.RFC3339),
			"dry_run":     true,
		}, nil
	}

	if err := a.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	return Result{
		"status":      "task_created",
		"task_id":     task.ID,
		"assignee_id": assignee,
		"due_at":      dueAt.Format(time.RFC3339),
	}, nil
}

func (a *CreateTaskAction) resolveAssignee(ctx context.Context, req Request) (string, error) {
	assignTo := strings.TrimSpace(req.Spec.AssignTo)

	if role, ok := strings.CutPrefix(assignTo, rolePrefix); ok {
		users, err := a.store.ActiveUsersByRole(ctx, role)
		if err != nil {
			return "", err
		}
		if len(users) > 0 {
			return users[a.pick(len(users))].ID, nil
		}
		// No active user with the role: fall through to the owner chain.
	} else if assignTo != "" {
		return assignTo, nil
	}

	for _, owner := range req.Card.OwnerChain() {
		if owner != "" {
			return owner, nil
		}
	}

	if a.fallback != "" {
		return a.fallback, nil
	}

	return "", schema.NewErrorf(schema.ErrCodeExecution,
		"no assignee could be resolved for card %s", req.Card.ID)
}

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A second pass finds nothing newer than the recorded version.
	require.NoError(t, s.Migrate(ctx))

	var applied int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 2, applied, "engine core and CRM record steps")
}

func testDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "finish", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.Edge{{Source: "start", Target: "finish"}},
	}
}

func createTestInstance(t *testing.T, s *LibSQLStore, wfID string) *Instance {
	t.Helper()
	inst := &Instance{
		ID:            uuid.NewString(),
		WorkflowID:    wfID,
		CardID:        "card-1",
		CurrentNodeID: "start",
		Status:        schema.InstanceStatusRunning,
		Context:       schema.InstanceContext{TriggerStageID: "stage-1"},
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}

func createTestWorkflow(t *testing.T, s *LibSQLStore) *Workflow {
	t.Helper()
	wf := &Workflow{
		ID:         uuid.NewString(),
		Name:       "follow up",
		Definition: testDefinition(),
		Enabled:    true,
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := createTestWorkflow(t, s)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.Name, got.Name)
	assert.True(t, got.Enabled)
	assert.Len(t, got.Definition.Nodes, 2)

	_, err = s.GetWorkflow(ctx, "missing")
	requireFlowCode(t, err, schema.ErrCodeNotFound)

	enabled := true
	list, err := s.ListWorkflows(ctx, WorkflowFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestInstanceUpdateAndClearWait(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := createTestWorkflow(t, s)
	inst := createTestInstance(t, s, wf.ID)

	waiting := schema.InstanceStatusWaiting
	reason := schema.WaitingForTime
	resumeAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateInstance(ctx, inst.ID, InstanceUpdate{
		Status:     &waiting,
		WaitingFor: &reason,
		ResumeAt:   &resumeAt,
	}))

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, waiting, got.Status)
	assert.Equal(t, reason, got.WaitingFor)
	require.NotNil(t, got.ResumeAt)
	assert.WithinDuration(t, resumeAt, *got.ResumeAt, time.Second)

	running := schema.InstanceStatusRunning
	require.NoError(t, s.UpdateInstance(ctx, inst.ID, InstanceUpdate{
		Status:    &running,
		ClearWait: true,
	}))

	got, err = s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, running, got.Status)
	assert.Empty(t, got.WaitingFor)
	assert.Nil(t, got.ResumeAt)
}

func TestInstanceContextPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := createTestWorkflow(t, s)
	inst := createTestInstance(t, s, wf.ID)

	inst.Context.Merge(map[string]any{"last_task_outcome": "done", "task_id": "t-9"})
	require.NoError(t, s.UpdateInstance(ctx, inst.ID, InstanceUpdate{Context: &inst.Context}))

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Context.LastTaskOutcome)
	assert.Equal(t, "t-9", got.Context.Extra["task_id"])
	assert.Equal(t, "stage-1", got.Context.TriggerStageID)
}

func TestQueueDueOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := createTestWorkflow(t, s)
	now := time.Now().UTC()

	older := createTestInstance(t, s, wf.ID)
	urgent := createTestInstance(t, s, wf.ID)
	future := createTestInstance(t, s, wf.ID)

	require.NoError(t, s.EnqueueItem(ctx, &QueueItem{
		ID: "q-older", InstanceID: older.ID, NodeID: "start",
		ExecuteAt: now.Add(-2 * time.Minute), Priority: schema.PriorityAdvance,
	}))
	require.NoError(t, s.EnqueueItem(ctx, &QueueItem{
		ID: "q-urgent", InstanceID: urgent.ID, NodeID: "start",
		ExecuteAt: now.Add(-time.Minute), Priority: schema.PriorityTestRun,
	}))
	require.NoError(t, s.EnqueueItem(ctx, &QueueItem{
		ID: "q-future", InstanceID: future.ID, NodeID: "start",
		ExecuteAt: now.Add(time.Hour), Priority: schema.PriorityAdvance,
	}))

	due, err := s.DueQueueItems(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "q-urgent", due[0].ID, "higher priority first")
	assert.Equal(t, "q-older", due[1].ID)
}

func TestClaimQueueItemIsCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := createTestWorkflow(t, s)
	inst := createTestInstance(t, s, wf.ID)

	require.NoError(t, s.EnqueueItem(ctx, &QueueItem{
		ID: "q-1", InstanceID: inst.ID, NodeID: "start", ExecuteAt: time.Now().UTC(),
	}))

	claimed, err := s.ClaimQueueItem(ctx, "q-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, schema.QueueStatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	again, err := s.ClaimQueueItem(ctx, "q-1")
	require.NoError(t, err)
	assert.Nil(t, again, "second claim loses the race")
}

func TestQueueRetryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := createTestWorkflow(t, s)
	inst := createTestInstance(t, s, wf.ID)
	now := time.Now().UTC()

	require.NoError(t, s.EnqueueItem(ctx, &QueueItem{
		ID: "q-1", InstanceID: inst.ID, NodeID: "start", ExecuteAt: now.Add(-time.Minute),
	}))

	// Exhaust all attempts through claim/release cycles.
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.ClaimQueueItem(ctx, "q-1")
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", attempt)
		assert.Equal(t, attempt, claimed.Attempts)
		require.NoError(t, s.ReleaseQueueItem(ctx, "q-1", "boom"))
	}

	// Attempts are spent: the item is no longer selectable.
	due, err := s.DueQueueItems(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := s.GetQueueItem(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, schema.QueueStatusPending, got.Status)
	assert.Equal(t, "boom", got.LastError)
}

func TestFailedQueueItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := createTestWorkflow(t, s)
	inst := createTestInstance(t, s, wf.ID)

	require.NoError(t, s.EnqueueItem(ctx, &QueueItem{
		ID: "q-1", InstanceID: inst.ID, NodeID: "start", ExecuteAt: time.Now().UTC(),
	}))
	_, err := s.ClaimQueueItem(ctx, "q-1")
	require.NoError(t, err)
	require.NoError(t, s.FailQueueItem(ctx, "q-1", "bad node"))

	failed, err := s.FailedQueueItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad node", failed[0].LastError)

	due, err := s.DueQueueItems(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "failed items never come back")
}

func TestEnqueueSecondPendingItemConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := createTestWorkflow(t, s)
	inst := createTestInstance(t, s, wf.ID)
	now := time.Now().UTC()

	require.NoError(t, s.EnqueueItem(ctx, &QueueItem{
		ID: "q-1", InstanceID: inst.ID, NodeID: "start", ExecuteAt: now,
	}))
	err := s.EnqueueItem(ctx, &QueueItem{
		ID: "q-2", InstanceID: inst.ID, NodeID: "finish", ExecuteAt: now,
	})
	requireFlowCode(t, err, schema.ErrCodeConflict)

	// Once the first is claimed (processing), scheduling the next is allowed.
	_, err = s.ClaimQueueItem(ctx, "q-1")
	require.NoError(t, err)
	require.NoError(t, s.EnqueueItem(ctx, &QueueItem{
		ID: "q-2", InstanceID: inst.ID, NodeID: "finish", ExecuteAt: now,
	}))
}

func TestLogsAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := createTestWorkflow(t, s)
	inst := createTestInstance(t, s, wf.ID)

	for _, event := range []string{schema.EventInstanceCreated, schema.EventNodeEntered, schema.EventCompleted} {
		require.NoError(t, s.AppendLog(ctx, &LogEntry{
			InstanceID: inst.ID,
			WorkflowID: wf.ID,
			CardID:     inst.CardID,
			Type:       event,
			NodeID:     "start",
			Output:     json.RawMessage(`{"ok":true}`),
		}))
	}

	logs, err := s.ListLogs(ctx, inst.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, schema.EventInstanceCreated, logs[0].Type)
	assert.JSONEq(t, `{"ok":true}`, string(logs[0].Output))
}

func TestCardsAndStage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	card := &Card{ID: "card-1", Name: "Acme deal", StageID: "new", OwnerID: "u-1"}
	require.NoError(t, s.CreateCard(ctx, card))

	require.NoError(t, s.UpdateCardStage(ctx, "card-1", "qualified"))
	got, err := s.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "qualified", got.StageID)
	assert.Equal(t, []string{"u-1", "", "", "", ""}, got.OwnerChain())

	err = s.UpdateCardStage(ctx, "missing", "x")
	requireFlowCode(t, err, schema.ErrCodeNotFound)
}

func TestTasksRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &Task{
		ID: "t-1", CardID: "card-1", InstanceID: "i-1",
		Title: "Call back", AssigneeID: "u-1",
		DueAt: time.Now().Add(time.Hour).UTC(), Status: "open",
	}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Call back", got.Title)
	assert.Equal(t, "i-1", got.InstanceID)

	require.NoError(t, s.SetTaskOutcome(ctx, "t-1", "done"))
	got, err = s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Outcome)
	assert.Equal(t, "completed", got.Status)

	requireFlowCode(t, s.SetTaskOutcome(ctx, "missing", "done"), schema.ErrCodeNotFound)
}

func TestActiveUsersByRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{ID: "u-1", Role: "sdr", Active: true}))
	require.NoError(t, s.CreateUser(ctx, &User{ID: "u-2", Role: "sdr", Active: false}))
	require.NoError(t, s.CreateUser(ctx, &User{ID: "u-3", Role: "sales", Active: true}))

	users, err := s.ActiveUsersByRole(ctx, "sdr")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u-1", users[0].ID)
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "business_hours")
	requireFlowCode(t, err, schema.ErrCodeNotFound)

	require.NoError(t, s.PutSetting(ctx, "business_hours", json.RawMessage(`{"start":"08:00"}`)))
	raw, err := s.GetSetting(ctx, "business_hours")
	require.NoError(t, err)
	assert.JSONEq(t, `{"start":"08:00"}`, string(raw))

	// Put overwrites.
	require.NoError(t, s.PutSetting(ctx, "business_hours", json.RawMessage(`{"start":"10:00"}`)))
	raw, err = s.GetSetting(ctx, "business_hours")
	require.NoError(t, err)
	assert.JSONEq(t, `{"start":"10:00"}`, string(raw))
}

func requireFlowCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok, "expected *schema.FlowError, got %T: %v", err, err)
	assert.Equal(t, code, ferr.Code)
}

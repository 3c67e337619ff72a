package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"flowline/internal/store"
	"flowline/pkg/schema"
)

// mockStore is an in-memory store.Store for engine tests. It mirrors the
// durable store's contract closely enough for dispatch semantics: CAS claim,
// the one-pending-item-per-instance rule, and due-item ordering.
type mockStore struct {
	mu        sync.Mutex
	workflows map[string]*store.Workflow
	instances map[string]*store.Instance
	queue     map[string]*store.QueueItem
	logs      []*store.LogEntry
	cards     map[string]*store.Card
	tasks     map[string]*store.Task
	users     []*store.User
	settings  map[string]json.RawMessage

	failEnqueue error
	failGetCard error
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows: map[string]*store.Workflow{},
		instances: map[string]*store.Instance{},
		queue:     map[string]*store.QueueItem{},
		cards:     map[string]*store.Card{},
		tasks:     map[string]*store.Task{},
		settings:  map[string]json.RawMessage{},
	}
}

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
}

func (m *mockStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, notFound("workflow", id)
	}
	return wf, nil
}

func (m *mockStore) ListWorkflows(_ context.Context, _ store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (m *mockStore) CreateInstance(_ context.Context, inst *store.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.instances[inst.ID] = &cp
	return nil
}

func (m *mockStore) GetInstance(_ context.Context, id string) (*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, notFound("instance", id)
	}
	cp := *inst
	return &cp, nil
}

func (m *mockStore) UpdateInstance(_ context.Context, id string, u store.InstanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return notFound("instance", id)
	}
	if u.Status != nil {
		inst.Status = *u.Status
	}
	if u.CurrentNodeID != nil {
		inst.CurrentNodeID = *u.CurrentNodeID
	}
	if u.WaitingFor != nil {
		inst.WaitingFor = *u.WaitingFor
	}
	if u.WaitingTaskID != nil {
		inst.WaitingTaskID = *u.WaitingTaskID
	}
	if u.ResumeAt != nil {
		t := *u.ResumeAt
		inst.ResumeAt = &t
	}
	if u.ClearWait {
		inst.WaitingFor = ""
		inst.WaitingTaskID = ""
		inst.ResumeAt = nil
	}
	if u.Context != nil {
		inst.Context = *u.Context
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		inst.CompletedAt = &t
	}
	inst.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) ListInstances(_ context.Context, _ store.InstanceFilter) ([]*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Instance
	for _, inst := range m.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) EnqueueItem(_ context.Context, item *store.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEnqueue != nil {
		return m.failEnqueue
	}
	for _, q := range m.queue {
		if q.InstanceID == item.InstanceID && q.Status == schema.QueueStatusPending {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"instance %q already has a pending queue item", item.InstanceID)
		}
	}
	cp := *item
	if cp.Status == "" {
		cp.Status = schema.QueueStatusPending
	}
	if cp.MaxAttempts <= 0 {
		cp.MaxAttempts = 3
	}
	m.queue[item.ID] = &cp
	return nil
}

func (m *mockStore) GetQueueItem(_ context.Context, id string) (*store.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.queue[id]
	if !ok {
		return nil, notFound("queue_item", id)
	}
	cp := *item
	return &cp, nil
}

func (m *mockStore) DueQueueItems(_ context.Context, now time.Time, limit int) ([]*store.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.QueueItem
	for _, item := range m.queue {
		if item.Status == schema.QueueStatusPending &&
			!item.ExecuteAt.After(now) &&
			item.Attempts < item.MaxAttempts {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ExecuteAt.Before(out[j].ExecuteAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) ClaimQueueItem(_ context.Context, id string) (*store.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.queue[id]
	if !ok {
		return nil, notFound("queue_item", id)
	}
	if item.Status != schema.QueueStatusPending {
		return nil, nil
	}
	item.Status = schema.QueueStatusProcessing
	item.Attempts++
	cp := *item
	return &cp, nil
}

func (m *mockStore) CompleteQueueItem(_ context.Context, id string, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.queue[id]
	if !ok {
		return notFound("queue_item", id)
	}
	item.Status = schema.QueueStatusCompleted
	item.ProcessedAt = &processedAt
	return nil
}

func (m *mockStore) ReleaseQueueItem(_ context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.queue[id]
	if !ok {
		return notFound("queue_item", id)
	}
	item.Status = schema.QueueStatusPending
	item.LastError = lastError
	return nil
}

func (m *mockStore) FailQueueItem(_ context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.queue[id]
	if !ok {
		return notFound("queue_item", id)
	}
	item.Status = schema.QueueStatusFailed
	item.LastError = lastError
	now := time.Now()
	item.ProcessedAt = &now
	return nil
}

func (m *mockStore) FailedQueueItems(_ context.Context, limit int) ([]*store.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.QueueItem
	for _, item := range m.queue {
		if item.Status == schema.QueueStatusFailed {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) AppendLog(_ context.Context, entry *store.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	cp.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *mockStore) ListLogs(_ context.Context, instanceID string, _ int) ([]*store.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.LogEntry
	for _, e := range m.logs {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) CreateCard(_ context.Context, card *store.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *card
	m.cards[card.ID] = &cp
	return nil
}

func (m *mockStore) GetCard(_ context.Context, id string) (*store.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGetCard != nil {
		return nil, m.failGetCard
	}
	card, ok := m.cards[id]
	if !ok {
		return nil, notFound("card", id)
	}
	cp := *card
	return &cp, nil
}

func (m *mockStore) UpdateCardStage(_ context.Context, id, stageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[id]
	if !ok {
		return notFound("card", id)
	}
	card.StageID = stageID
	return nil
}

func (m *mockStore) CreateTask(_ context.Context, task *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, notFound("task", id)
	}
	cp := *task
	return &cp, nil
}

func (m *mockStore) SetTaskOutcome(_ context.Context, id string, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return notFound("task", id)
	}
	task.Outcome = outcome
	task.Status = "completed"
	return nil
}

func (m *mockStore) CreateUser(_ context.Context, user *store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.users = append(m.users, &cp)
	return nil
}

func (m *mockStore) ActiveUsersByRole(_ context.Context, role string) ([]*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.User
	for _, u := range m.users {
		if u.Role == role && u.Active {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) GetSetting(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	if !ok {
		return nil, notFound("setting", key)
	}
	return v, nil
}

func (m *mockStore) PutSetting(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *mockStore) Migrate(context.Context) error { return nil }
func (m *mockStore) Close() error                  { return nil }

var _ store.Store = (*mockStore)(nil)

// --- inspection helpers ---

func (m *mockStore) instance(id string) *store.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.instances[id]
	return &cp
}

func (m *mockStore) pendingItems() []*store.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.QueueItem
	for _, item := range m.queue {
		if item.Status == schema.QueueStatusPending {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out
}

func (m *mockStore) logTypes(instanceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.logs {
		if e.InstanceID == instanceID {
			out = append(out, e.Type)
		}
	}
	return out
}

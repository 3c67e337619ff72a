package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"flowline/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, definition, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.Name), string(def), boolInt(wf.Enabled),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var name sql.NullString
	var defJSON string
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, definition, enabled, created_at, updated_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &name, &defJSON, &enabled, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT id, name, definition, enabled, created_at, updated_at FROM workflows`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, boolInt(*filter.Enabled))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var name sql.NullString
		var defJSON string
		var enabled int
		if err := rows.Scan(&wf.ID, &name, &defJSON, &enabled, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Name = name.String
		wf.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	ctxJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, workflow_id, card_id, current_node_id, status, waiting_for, waiting_task_id, resume_at, context, created_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.WorkflowID, inst.CardID, inst.CurrentNodeID, string(inst.Status),
		nullStr(string(inst.WaitingFor)), nullStr(inst.WaitingTaskID), nullTime(inst.ResumeAt),
		string(ctxJSON), timeOrNow(inst.CreatedAt), nullTime(inst.CompletedAt), timeOrNow(inst.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, card_id, current_node_id, status, waiting_for, waiting_task_id, resume_at, context, created_at, completed_at, updated_at
		 FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, *update.CurrentNodeID)
	}
	if update.WaitingFor != nil {
		sets = append(sets, "waiting_for = ?")
		args = append(args, nullStr(string(*update.WaitingFor)))
	}
	if update.WaitingTaskID != nil {
		sets = append(sets, "waiting_task_id = ?")
		args = append(args, nullStr(*update.WaitingTaskID))
	}
	if update.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, *update.ResumeAt)
	}
	if update.ClearWait {
		sets = append(sets, "waiting_for = NULL", "waiting_task_id = NULL", "resume_at = NULL")
	}
	if update.Context != nil {
		ctxJSON, err := json.Marshal(update.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(ctxJSON))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE instances SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.CardID != "" {
		where = append(where, "card_id = ?")
		args = append(args, filter.CardID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, workflow_id, card_id, current_node_id, status, waiting_for, waiting_task_id, resume_at, context, created_at, completed_at, updated_at FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(scan func(dest ...any) error) (*Instance, error) {
	inst := &Instance{}
	var status string
	var waitingFor, waitingTaskID sql.NullString
	var resumeAt, completedAt sql.NullTime
	var ctxJSON string
	err := scan(&inst.ID, &inst.WorkflowID, &inst.CardID, &inst.CurrentNodeID, &status,
		&waitingFor, &waitingTaskID, &resumeAt, &ctxJSON, &inst.CreatedAt, &completedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	inst.WaitingFor = schema.WaitingReason(waitingFor.String)
	inst.WaitingTaskID = waitingTaskID.String
	if resumeAt.Valid {
		inst.ResumeAt = &resumeAt.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(ctxJSON), &inst.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return inst, nil
}

// --- Queue ---

func (s *LibSQLStore) EnqueueItem(ctx context.Context, item *QueueItem) error {
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items (id, instance_id, node_id, execute_at, priority, status, attempts, max_attempts, last_error, processed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.InstanceID, item.NodeID, item.ExecuteAt, item.Priority,
		string(statusOrPending(item.Status)), item.Attempts, item.MaxAttempts,
		nullStr(item.LastError), nullTime(item.ProcessedAt), timeOrNow(item.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"instance %q already has a pending queue item", item.InstanceID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, selectQueueItem+` WHERE id = ?`, id)
	item, err := scanQueueItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("queue_item", id)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *LibSQLStore) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]*QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		selectQueueItem+` WHERE status = 'pending' AND execute_at <= ? AND attempts < max_attempts
		 ORDER BY priority DESC, execute_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *LibSQLStore) ClaimQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	// Compare-and-swap claim: only one invocation wins the pending row.
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'processing', attempts = attempts + 1
		 WHERE id = ? AND status = 'pending'`, id,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetQueueItem(ctx, id)
}

func (s *LibSQLStore) CompleteQueueItem(ctx context.Context, id string, processedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'completed', processed_at = ? WHERE id = ?`,
		processedAt, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "queue_item", id)
}

func (s *LibSQLStore) ReleaseQueueItem(ctx context.Context, id string, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', last_error = ? WHERE id = ? AND status = 'processing'`,
		nullStr(lastError), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "queue_item", id)
}

func (s *LibSQLStore) FailQueueItem(ctx context.Context, id string, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'failed', last_error = ?, processed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		nullStr(lastError), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "queue_item", id)
}

func (s *LibSQLStore) FailedQueueItems(ctx context.Context, limit int) ([]*QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		selectQueueItem+` WHERE status = 'failed' ORDER BY processed_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const selectQueueItem = `SELECT id, instance_id, node_id, execute_at, priority, status, attempts, max_attempts, last_error, processed_at, created_at FROM queue_items`

func scanQueueItem(scan func(dest ...any) error) (*QueueItem, error) {
	item := &QueueItem{}
	var status string
	var lastError sql.NullString
	var processedAt sql.NullTime
	err := scan(&item.ID, &item.InstanceID, &item.NodeID, &item.ExecuteAt, &item.Priority,
		&status, &item.Attempts, &item.MaxAttempts, &lastError, &processedAt, &item.CreatedAt)
	if err != nil {
		return nil, err
	}
	item.Status = schema.QueueStatus(status)
	item.LastError = lastError.String
	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}
	return item, nil
}

// --- Log ---

func (s *LibSQLStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (instance_id, workflow_id, card_id, event_type, node_id, input_data, output_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.InstanceID, entry.WorkflowID, nullStr(entry.CardID), entry.Type,
		nullStr(entry.NodeID), nullRaw(entry.Input), nullRaw(entry.Output), timeOrNow(entry.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListLogs(ctx context.Context, instanceID string, limit int) ([]*LogEntry, error) {
	query := `SELECT id, instance_id, workflow_id, card_id, event_type, node_id, input_data, output_data, created_at
	 FROM logs WHERE instance_id = ? ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var cardID, nodeID sql.NullString
		var input, output sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.WorkflowID, &cardID, &e.Type, &nodeID, &input, &output, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CardID = cardID.String
		e.NodeID = nodeID.String
		e.Input = rawOrNil(input)
		e.Output = rawOrNil(output)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Cards ---

func (s *LibSQLStore) CreateCard(ctx context.Context, card *Card) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cards (id, name, stage_id, owner_id, sdr_owner_id, sales_owner_id, concierge_owner_id, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID, nullStr(card.Name), card.StageID,
		nullStr(card.OwnerID), nullStr(card.SDROwnerID), nullStr(card.SalesOwnerID),
		nullStr(card.ConciergeOwnerID), nullStr(card.CreatedBy),
		timeOrNow(card.CreatedAt), timeOrNow(card.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetCard(ctx context.Context, id string) (*Card, error) {
	c := &Card{}
	var name, owner, sdr, sales, concierge, createdBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, stage_id, owner_id, sdr_owner_id, sales_owner_id, concierge_owner_id, created_by, created_at, updated_at
		 FROM cards WHERE id = ?`, id,
	).Scan(&c.ID, &name, &c.StageID, &owner, &sdr, &sales, &concierge, &createdBy, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("card", id)
	}
	if err != nil {
		return nil, err
	}
	c.Name = name.String
	c.OwnerID = owner.String
	c.SDROwnerID = sdr.String
	c.SalesOwnerID = sales.String
	c.ConciergeOwnerID = concierge.String
	c.CreatedBy = createdBy.String
	return c, nil
}

func (s *LibSQLStore) UpdateCardStage(ctx context.Context, id string, stageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cards SET stage_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, stageID, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "card", id)
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *Task) error {
	status := task.Status
	if status == "" {
		status = "open"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, card_id, instance_id, title, description, assignee_id, due_at, status, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.CardID, nullStr(task.InstanceID), task.Title, nullStr(task.Description),
		task.AssigneeID, task.DueAt, status, nullStr(task.Outcome), timeOrNow(task.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t := &Task{}
	var instanceID, description, outcome sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, card_id, instance_id, title, description, assignee_id, due_at, status, outcome, created_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.CardID, &instanceID, &t.Title, &description, &t.AssigneeID, &t.DueAt, &t.Status, &outcome, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	t.InstanceID = instanceID.String
	t.Description = description.String
	t.Outcome = outcome.String
	return t, nil
}

func (s *LibSQLStore) SetTaskOutcome(ctx context.Context, id string, outcome string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET outcome = ?, status = 'completed' WHERE id = ?`, outcome, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

// --- Users ---

func (s *LibSQLStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, role, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, nullStr(user.Name), nullStr(user.Role), boolInt(user.Active), timeOrNow(user.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ActiveUsersByRole(ctx context.Context, role string) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, role, active, created_at FROM users WHERE role = ? AND active = 1 ORDER BY id`, role,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		var name, r sql.NullString
		var active int
		if err := rows.Scan(&u.ID, &name, &r, &active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Name = name.String
		u.Role = r.String
		u.Active = active != 0
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Settings ---

func (s *LibSQLStore) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("setting", key)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (s *LibSQLStore) PutSetting(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, string(value),
	)
	return err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func statusOrPending(s schema.QueueStatus) schema.QueueStatus {
	if s == "" {
		return schema.QueueStatusPending
	}
	return s
}

var _ Store = (*LibSQLStore)(nil)

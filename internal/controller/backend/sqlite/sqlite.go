// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite backend implementation for single-node
// deployments. SQLite has no advisory lock primitive, so WithWorkflowLock
// is implemented with a dedicated lock table instead of the postgres
// backend's pg_advisory_xact_lock.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/pkg/model"
	_ "modernc.org/sqlite"
)

var (
	_ backend.DefinitionStore  = (*Backend)(nil)
	_ backend.EnvironmentStore = (*Backend)(nil)
	_ backend.ExecutionStore   = (*Backend)(nil)
	_ backend.DelayedCallStore = (*Backend)(nil)
	_ backend.CronTriggerStore = (*Backend)(nil)
	_ backend.Backend          = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	Path string
	WAL  bool
}

const timeLayout = time.RFC3339Nano

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// errors from concurrent writers within this process.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'private',
			definition TEXT NOT NULL,
			spec TEXT,
			tags TEXT,
			is_system INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS action_definitions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'private',
			description TEXT,
			input TEXT,
			action_class TEXT,
			attributes TEXT,
			tags TEXT,
			is_system INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS environments (
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			variables TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			workflow_id TEXT,
			description TEXT,
			spec TEXT,
			state TEXT NOT NULL,
			state_info TEXT,
			input TEXT,
			output TEXT,
			params TEXT,
			context TEXT,
			runtime_context TEXT,
			accepted INTEGER DEFAULT 0,
			task_execution_id TEXT,
			project_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_exec_state ON workflow_executions(state)`,
		`CREATE TABLE IF NOT EXISTS task_executions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			workflow_execution_id TEXT NOT NULL,
			workflow_name TEXT,
			workflow_id TEXT,
			spec TEXT,
			action_spec TEXT,
			state TEXT NOT NULL,
			state_info TEXT,
			in_context TEXT,
			published TEXT,
			processed INTEGER DEFAULT 0,
			runtime_context TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (workflow_execution_id) REFERENCES workflow_executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_exec_wf_exec ON task_executions(workflow_execution_id)`,
		`CREATE TABLE IF NOT EXISTS action_executions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			task_execution_id TEXT,
			input TEXT,
			output TEXT,
			state TEXT NOT NULL,
			state_info TEXT,
			accepted INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (task_execution_id) REFERENCES task_executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_exec_task_exec ON action_executions(task_execution_id)`,
		`CREATE TABLE IF NOT EXISTS delayed_calls (
			id TEXT PRIMARY KEY,
			factory_method_path TEXT,
			target_method_name TEXT NOT NULL,
			method_arguments TEXT,
			serializers TEXT,
			auth_context TEXT,
			execution_time TEXT NOT NULL,
			processing INTEGER DEFAULT 0,
			processing_since TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delayed_calls_due ON delayed_calls(execution_time, processing)`,
		`CREATE TABLE IF NOT EXISTS cron_triggers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			project_id TEXT,
			pattern TEXT NOT NULL,
			first_execution_time TEXT,
			next_execution_time TEXT NOT NULL,
			remaining_executions INTEGER,
			workflow_id TEXT,
			workflow_name TEXT NOT NULL,
			workflow_input TEXT,
			workflow_params TEXT,
			workflow_input_hash TEXT,
			workflow_params_hash TEXT,
			trust_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(project_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cron_triggers_due ON cron_triggers(next_execution_time)`,
		// Dedicated lock table standing in for a native advisory lock:
		// a row present for an execution ID means it is currently locked.
		`CREATE TABLE IF NOT EXISTS workflow_locks (
			workflow_execution_id TEXT PRIMARY KEY,
			locked_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalJSON(data sql.NullString, v any) {
	if !data.Valid || data.String == "" {
		return
	}
	json.Unmarshal([]byte(data.String), v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s.String)
	return t
}

func (b *Backend) CreateWorkflowDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	specJSON, err := marshalJSON(def.Spec)
	if err != nil {
		return err
	}
	tagsJSON, err := marshalJSON(def.Tags)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, project_id, name, scope, definition, spec, tags, is_system, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		def.ID, def.ProjectID, def.Name, def.Scope, def.Definition, specJSON, tagsJSON, def.IsSystem, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create workflow definition: %w", err)
	}
	def.CreatedAt, def.UpdatedAt = now, now
	return nil
}

const workflowDefColumns = `id, project_id, name, scope, definition, spec, tags, is_system, created_at, updated_at`

func scanWorkflowDefinition(scan func(...any) error) (*model.WorkflowDefinition, error) {
	var d model.WorkflowDefinition
	var specJSON, tagsJSON sql.NullString
	var createdAt, updatedAt sql.NullString
	if err := scan(&d.ID, &d.ProjectID, &d.Name, &d.Scope, &d.Definition, &specJSON, &tagsJSON, &d.IsSystem, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	unmarshalJSON(specJSON, &d.Spec)
	unmarshalJSON(tagsJSON, &d.Tags)
	d.CreatedAt, d.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &d, nil
}

func (b *Backend) GetWorkflowDefinition(ctx context.Context, projectID, name string) (*model.WorkflowDefinition, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+workflowDefColumns+" FROM workflow_definitions WHERE project_id=? AND name=?", projectID, name)
	d, err := scanWorkflowDefinition(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow definition not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow definition: %w", err)
	}
	return d, nil
}

func (b *Backend) GetWorkflowDefinitionByID(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+workflowDefColumns+" FROM workflow_definitions WHERE id=?", id)
	d, err := scanWorkflowDefinition(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow definition not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow definition: %w", err)
	}
	return d, nil
}

func (b *Backend) CreateActionDefinition(ctx context.Context, def *model.ActionDefinition) error {
	inputJSON, err := marshalJSON(def.Input)
	if err != nil {
		return err
	}
	attrJSON, err := marshalJSON(def.Attributes)
	if err != nil {
		return err
	}
	tagsJSON, err := marshalJSON(def.Tags)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO action_definitions (id, project_id, name, scope, description, input, action_class, attributes, tags, is_system, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		def.ID, def.ProjectID, def.Name, def.Scope, def.Description, inputJSON, def.ActionClass, attrJSON, tagsJSON, def.IsSystem, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create action definition: %w", err)
	}
	def.CreatedAt, def.UpdatedAt = now, now
	return nil
}

func (b *Backend) GetActionDefinition(ctx context.Context, projectID, name string) (*model.ActionDefinition, error) {
	var d model.ActionDefinition
	var inputJSON, attrJSON, tagsJSON sql.NullString
	var createdAt, updatedAt sql.NullString
	err := b.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, scope, description, input, action_class, attributes, tags, is_system, created_at, updated_at
		FROM action_definitions WHERE project_id=? AND name=?`, projectID, name).Scan(
		&d.ID, &d.ProjectID, &d.Name, &d.Scope, &d.Description, &inputJSON, &d.ActionClass, &attrJSON, &tagsJSON, &d.IsSystem, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action definition not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action definition: %w", err)
	}
	unmarshalJSON(inputJSON, &d.Input)
	unmarshalJSON(attrJSON, &d.Attributes)
	unmarshalJSON(tagsJSON, &d.Tags)
	d.CreatedAt, d.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &d, nil
}

func (b *Backend) GetEnvironment(ctx context.Context, projectID, name string) (*model.Environment, error) {
	var e model.Environment
	var varsJSON sql.NullString
	var createdAt, updatedAt sql.NullString
	err := b.db.QueryRowContext(ctx, `
		SELECT project_id, name, description, variables, created_at, updated_at
		FROM environments WHERE project_id=? AND name=?`, projectID, name).Scan(
		&e.ProjectID, &e.Name, &e.Description, &varsJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("environment not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	unmarshalJSON(varsJSON, &e.Variables)
	e.CreatedAt, e.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &e, nil
}

func (b *Backend) SaveEnvironment(ctx context.Context, env *model.Environment) error {
	varsJSON, err := marshalJSON(env.Variables)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO environments (project_id, name, description, variables, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (project_id, name) DO UPDATE SET
			description=excluded.description, variables=excluded.variables, updated_at=excluded.updated_at`,
		env.ProjectID, env.Name, env.Description, varsJSON, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to save environment: %w", err)
	}
	env.UpdatedAt = now
	return nil
}

func (b *Backend) CreateWorkflowExecution(ctx context.Context, w *model.WorkflowExecution) error {
	specJSON, _ := marshalJSON(w.Spec)
	inputJSON, _ := marshalJSON(w.Input)
	outputJSON, _ := marshalJSON(w.Output)
	paramsJSON, _ := marshalJSON(w.Params)
	contextJSON, _ := marshalJSON(w.Context)
	rtJSON, _ := marshalJSON(w.RuntimeContext)

	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_name, workflow_id, description, spec, state, state_info,
			input, output, params, context, runtime_context, accepted, task_execution_id, project_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.WorkflowName, w.WorkflowID, w.Description, specJSON, w.State, w.StateInfo,
		inputJSON, outputJSON, paramsJSON, contextJSON, rtJSON, w.Accepted, w.TaskExecutionID, w.ProjectID, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create workflow execution: %w", err)
	}
	w.CreatedAt, w.UpdatedAt = now, now
	return nil
}

const workflowExecutionColumns = `id, workflow_name, workflow_id, description, spec, state, state_info,
			input, output, params, context, runtime_context, accepted, task_execution_id, project_id, created_at, updated_at`

func scanWorkflowExecution(scan func(...any) error) (*model.WorkflowExecution, error) {
	var w model.WorkflowExecution
	var specJSON, inputJSON, outputJSON, paramsJSON, contextJSON, rtJSON sql.NullString
	var createdAt, updatedAt sql.NullString
	if err := scan(&w.ID, &w.WorkflowName, &w.WorkflowID, &w.Description, &specJSON, &w.State, &w.StateInfo,
		&inputJSON, &outputJSON, &paramsJSON, &contextJSON, &rtJSON, &w.Accepted, &w.TaskExecutionID, &w.ProjectID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	unmarshalJSON(specJSON, &w.Spec)
	unmarshalJSON(inputJSON, &w.Input)
	unmarshalJSON(outputJSON, &w.Output)
	unmarshalJSON(paramsJSON, &w.Params)
	unmarshalJSON(contextJSON, &w.Context)
	unmarshalJSON(rtJSON, &w.RuntimeContext)
	w.CreatedAt, w.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &w, nil
}

func (b *Backend) GetWorkflowExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+workflowExecutionColumns+" FROM workflow_executions WHERE id=?", id)
	w, err := scanWorkflowExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow execution not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow execution: %w", err)
	}
	return w, nil
}

func (b *Backend) UpdateWorkflowExecution(ctx context.Context, w *model.WorkflowExecution) error {
	specJSON, _ := marshalJSON(w.Spec)
	inputJSON, _ := marshalJSON(w.Input)
	outputJSON, _ := marshalJSON(w.Output)
	paramsJSON, _ := marshalJSON(w.Params)
	contextJSON, _ := marshalJSON(w.Context)
	rtJSON, _ := marshalJSON(w.RuntimeContext)

	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		UPDATE workflow_executions SET workflow_name=?, workflow_id=?, description=?, spec=?, state=?, state_info=?,
			input=?, output=?, params=?, context=?, runtime_context=?, accepted=?, task_execution_id=?, project_id=?, updated_at=?
		WHERE id=?`,
		w.WorkflowName, w.WorkflowID, w.Description, specJSON, w.State, w.StateInfo,
		inputJSON, outputJSON, paramsJSON, contextJSON, rtJSON, w.Accepted, w.TaskExecutionID, w.ProjectID, formatTime(now), w.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow execution: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("workflow execution not found: %s", w.ID)
	}
	w.UpdatedAt = now
	return nil
}

func (b *Backend) CreateTaskExecution(ctx context.Context, t *model.TaskExecution) error {
	specJSON, _ := marshalJSON(t.Spec)
	actionSpecJSON, _ := marshalJSON(t.ActionSpec)
	inCtxJSON, _ := marshalJSON(t.InContext)
	publishedJSON, _ := marshalJSON(t.Published)
	rtJSON, _ := marshalJSON(t.RuntimeContext)

	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO task_executions (id, name, workflow_execution_id, workflow_name, workflow_id, spec, action_spec,
			state, state_info, in_context, published, processed, runtime_context, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.WorkflowExecutionID, t.WorkflowName, t.WorkflowID, specJSON, actionSpecJSON,
		t.State, t.StateInfo, inCtxJSON, publishedJSON, t.Processed, rtJSON, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create task execution: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

const taskExecutionColumns = `id, name, workflow_execution_id, workflow_name, workflow_id, spec, action_spec,
			state, state_info, in_context, published, processed, runtime_context, created_at, updated_at`

func scanTaskExecution(scan func(...any) error) (*model.TaskExecution, error) {
	var t model.TaskExecution
	var specJSON, actionSpecJSON, inCtxJSON, publishedJSON, rtJSON sql.NullString
	var createdAt, updatedAt sql.NullString
	if err := scan(&t.ID, &t.Name, &t.WorkflowExecutionID, &t.WorkflowName, &t.WorkflowID, &specJSON, &actionSpecJSON,
		&t.State, &t.StateInfo, &inCtxJSON, &publishedJSON, &t.Processed, &rtJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	unmarshalJSON(specJSON, &t.Spec)
	unmarshalJSON(actionSpecJSON, &t.ActionSpec)
	unmarshalJSON(inCtxJSON, &t.InContext)
	unmarshalJSON(publishedJSON, &t.Published)
	unmarshalJSON(rtJSON, &t.RuntimeContext)
	t.CreatedAt, t.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &t, nil
}

func (b *Backend) GetTaskExecution(ctx context.Context, id string) (*model.TaskExecution, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+taskExecutionColumns+" FROM task_executions WHERE id=?", id)
	t, err := scanTaskExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task execution not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task execution: %w", err)
	}
	return t, nil
}

func (b *Backend) UpdateTaskExecution(ctx context.Context, t *model.TaskExecution) error {
	specJSON, _ := marshalJSON(t.Spec)
	actionSpecJSON, _ := marshalJSON(t.ActionSpec)
	inCtxJSON, _ := marshalJSON(t.InContext)
	publishedJSON, _ := marshalJSON(t.Published)
	rtJSON, _ := marshalJSON(t.RuntimeContext)

	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		UPDATE task_executions SET name=?, workflow_execution_id=?, workflow_name=?, workflow_id=?, spec=?,
			action_spec=?, state=?, state_info=?, in_context=?, published=?, processed=?, runtime_context=?, updated_at=?
		WHERE id=?`,
		t.Name, t.WorkflowExecutionID, t.WorkflowName, t.WorkflowID, specJSON,
		actionSpecJSON, t.State, t.StateInfo, inCtxJSON, publishedJSON, t.Processed, rtJSON, formatTime(now), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task execution: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("task execution not found: %s", t.ID)
	}
	t.UpdatedAt = now
	return nil
}

func (b *Backend) ListTaskExecutions(ctx context.Context, workflowExecutionID string) ([]*model.TaskExecution, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT "+taskExecutionColumns+" FROM task_executions WHERE workflow_execution_id=? ORDER BY created_at ASC", workflowExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task executions: %w", err)
	}
	defer rows.Close()

	var out []*model.TaskExecution
	for rows.Next() {
		t, err := scanTaskExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task execution: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *Backend) CreateActionExecution(ctx context.Context, a *model.ActionExecution) error {
	inputJSON, _ := marshalJSON(a.Input)
	outputJSON, _ := marshalJSON(a.Output)

	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO action_executions (id, name, task_execution_id, input, output, state, state_info, accepted, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.TaskExecutionID, inputJSON, outputJSON, a.State, a.StateInfo, a.Accepted, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create action execution: %w", err)
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

const actionExecutionColumns = `id, name, task_execution_id, input, output, state, state_info, accepted, created_at, updated_at`

func scanActionExecution(scan func(...any) error) (*model.ActionExecution, error) {
	var a model.ActionExecution
	var inputJSON, outputJSON sql.NullString
	var createdAt, updatedAt sql.NullString
	if err := scan(&a.ID, &a.Name, &a.TaskExecutionID, &inputJSON, &outputJSON, &a.State, &a.StateInfo, &a.Accepted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	unmarshalJSON(inputJSON, &a.Input)
	unmarshalJSON(outputJSON, &a.Output)
	a.CreatedAt, a.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &a, nil
}

func (b *Backend) GetActionExecution(ctx context.Context, id string) (*model.ActionExecution, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+actionExecutionColumns+" FROM action_executions WHERE id=?", id)
	a, err := scanActionExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action execution not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action execution: %w", err)
	}
	return a, nil
}

func (b *Backend) UpdateActionExecution(ctx context.Context, a *model.ActionExecution) error {
	inputJSON, _ := marshalJSON(a.Input)
	outputJSON, _ := marshalJSON(a.Output)

	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		UPDATE action_executions SET name=?, task_execution_id=?, input=?, output=?, state=?, state_info=?, accepted=?, updated_at=?
		WHERE id=?`,
		a.Name, a.TaskExecutionID, inputJSON, outputJSON, a.State, a.StateInfo, a.Accepted, formatTime(now), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update action execution: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("action execution not found: %s", a.ID)
	}
	a.UpdatedAt = now
	return nil
}

func (b *Backend) ListActionExecutions(ctx context.Context, taskExecutionID string) ([]*model.ActionExecution, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT "+actionExecutionColumns+" FROM action_executions WHERE task_execution_id=? ORDER BY created_at ASC", taskExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list action executions: %w", err)
	}
	defer rows.Close()

	var out []*model.ActionExecution
	for rows.Next() {
		a, err := scanActionExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action execution: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// WithWorkflowLock inserts a row into workflow_locks as a mutual-exclusion
// marker, since SQLite has no advisory lock primitive. Combined with the
// single-connection pool this makes lock acquisition atomic: a second
// INSERT for the same execution ID fails with a uniqueness violation
// until the first caller deletes its row.
func (b *Backend) WithWorkflowLock(ctx context.Context, workflowExecutionID string, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := b.db.ExecContext(ctx, "INSERT INTO workflow_locks (workflow_execution_id, locked_at) VALUES (?, ?)",
			workflowExecutionID, formatTime(time.Now()))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("failed to acquire workflow lock for %s: %w", workflowExecutionID, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	defer b.db.ExecContext(ctx, "DELETE FROM workflow_locks WHERE workflow_execution_id=?", workflowExecutionID)
	return fn(ctx)
}

func (b *Backend) CreateDelayedCall(ctx context.Context, c *model.DelayedCall) error {
	argsJSON, _ := marshalJSON(c.MethodArguments)
	serJSON, _ := marshalJSON(c.Serializers)
	authJSON, _ := marshalJSON(c.AuthContext)

	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO delayed_calls (id, factory_method_path, target_method_name, method_arguments, serializers, auth_context, execution_time, processing, created_at)
		VALUES (?,?,?,?,?,?,?,0,?)`,
		c.ID, c.FactoryMethodPath, c.TargetMethodName, argsJSON, serJSON, authJSON, formatTime(c.ExecutionTime), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create delayed call: %w", err)
	}
	c.CreatedAt = now
	return nil
}

// ClaimDueDelayedCalls relies on the single-connection write serialization
// SQLite already gets from db.SetMaxOpenConns(1): the select-then-update
// inside one transaction cannot interleave with another writer.
func (b *Backend) ClaimDueDelayedCalls(ctx context.Context, limit int) ([]*model.DelayedCall, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, factory_method_path, target_method_name, method_arguments, serializers, auth_context, execution_time, processing, processing_since, created_at
		FROM delayed_calls
		WHERE processing=0 AND execution_time <= ?
		ORDER BY execution_time ASC
		LIMIT ?`, formatTime(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due delayed calls: %w", err)
	}

	var claimed []*model.DelayedCall
	var ids []string
	for rows.Next() {
		var c model.DelayedCall
		var argsJSON, serJSON, authJSON, execTime, processingSince, createdAt sql.NullString
		if err := rows.Scan(&c.ID, &c.FactoryMethodPath, &c.TargetMethodName, &argsJSON, &serJSON, &authJSON,
			&execTime, &c.Processing, &processingSince, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan delayed call: %w", err)
		}
		unmarshalJSON(argsJSON, &c.MethodArguments)
		unmarshalJSON(serJSON, &c.Serializers)
		unmarshalJSON(authJSON, &c.AuthContext)
		c.ExecutionTime = parseTime(execTime)
		c.CreatedAt = parseTime(createdAt)
		claimed = append(claimed, &c)
		ids = append(ids, c.ID)
	}
	rows.Close()

	now := time.Now()
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, "UPDATE delayed_calls SET processing=1, processing_since=? WHERE id=?", formatTime(now), id); err != nil {
			return nil, fmt.Errorf("failed to claim delayed call: %w", err)
		}
		claimed[i].Processing = true
		claimed[i].ProcessingSince = &now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

func (b *Backend) DeleteDelayedCall(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM delayed_calls WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("failed to delete delayed call: %w", err)
	}
	return nil
}

func (b *Backend) ReclaimStale(ctx context.Context, staleness time.Duration) (int, error) {
	result, err := b.db.ExecContext(ctx, `
		UPDATE delayed_calls SET processing=0, processing_since=NULL
		WHERE processing=1 AND processing_since < ?`, formatTime(time.Now().Add(-staleness)))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale delayed calls: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (b *Backend) CreateCronTrigger(ctx context.Context, t *model.CronTrigger) error {
	inputJSON, _ := marshalJSON(t.WorkflowInput)
	paramsJSON, _ := marshalJSON(t.WorkflowParams)

	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO cron_triggers (id, name, project_id, pattern, first_execution_time, next_execution_time,
			remaining_executions, workflow_id, workflow_name, workflow_input, workflow_params,
			workflow_input_hash, workflow_params_hash, trust_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.ProjectID, t.Pattern, formatTime(t.FirstExecutionTime), formatTime(t.NextExecutionTime),
		t.RemainingExecutions, t.WorkflowID, t.WorkflowName, inputJSON, paramsJSON,
		t.WorkflowInputHash, t.WorkflowParamsHash, t.TrustID, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create cron trigger: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

const cronTriggerColumns = `id, name, project_id, pattern, first_execution_time, next_execution_time,
			remaining_executions, workflow_id, workflow_name, workflow_input, workflow_params,
			workflow_input_hash, workflow_params_hash, trust_id, created_at, updated_at`

func scanCronTrigger(scan func(...any) error) (*model.CronTrigger, error) {
	var t model.CronTrigger
	var inputJSON, paramsJSON sql.NullString
	var firstExec, nextExec, createdAt, updatedAt sql.NullString
	if err := scan(&t.ID, &t.Name, &t.ProjectID, &t.Pattern, &firstExec, &nextExec,
		&t.RemainingExecutions, &t.WorkflowID, &t.WorkflowName, &inputJSON, &paramsJSON,
		&t.WorkflowInputHash, &t.WorkflowParamsHash, &t.TrustID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	unmarshalJSON(inputJSON, &t.WorkflowInput)
	unmarshalJSON(paramsJSON, &t.WorkflowParams)
	t.FirstExecutionTime = parseTime(firstExec)
	t.NextExecutionTime = parseTime(nextExec)
	t.CreatedAt, t.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &t, nil
}

func (b *Backend) GetDueCronTriggers(ctx context.Context, limit int) ([]*model.CronTrigger, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT "+cronTriggerColumns+" FROM cron_triggers WHERE next_execution_time <= ? ORDER BY next_execution_time ASC LIMIT ?",
		formatTime(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due cron triggers: %w", err)
	}
	defer rows.Close()

	var out []*model.CronTrigger
	for rows.Next() {
		t, err := scanCronTrigger(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cron trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *Backend) AdvanceCronTrigger(ctx context.Context, id string, previousFire, nextFire time.Time, remaining *int) (bool, error) {
	if remaining != nil && *remaining <= 0 {
		result, err := b.db.ExecContext(ctx, "DELETE FROM cron_triggers WHERE id=? AND next_execution_time=?", id, formatTime(previousFire))
		if err != nil {
			return false, fmt.Errorf("failed to delete exhausted cron trigger: %w", err)
		}
		rows, _ := result.RowsAffected()
		return rows == 1, nil
	}

	result, err := b.db.ExecContext(ctx, `
		UPDATE cron_triggers SET next_execution_time=?, remaining_executions=?, updated_at=?
		WHERE id=? AND next_execution_time=?`,
		formatTime(nextFire), remaining, formatTime(time.Now()), id, formatTime(previousFire))
	if err != nil {
		return false, fmt.Errorf("failed to advance cron trigger: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (b *Backend) DeleteCronTrigger(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM cron_triggers WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("failed to delete cron trigger: %w", err)
	}
	return nil
}

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

// Package memory provides an in-memory backend implementation. It is the
// default backend for unit tests and for single-process deployments that
// don't need durability across restarts.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/pkg/model"
)

var (
	_ backend.DefinitionStore  = (*Backend)(nil)
	_ backend.EnvironmentStore = (*Backend)(nil)
	_ backend.ExecutionStore   = (*Backend)(nil)
	_ backend.DelayedCallStore = (*Backend)(nil)
	_ backend.CronTriggerStore = (*Backend)(nil)
	_ backend.Backend          = (*Backend)(nil)
)

// Backend is an in-memory storage backend. dataMu guards the maps below
// for the duration of a single CRUD call; WithWorkflowLock instead takes
// a per-workflow-execution mutex (lazily created in locks), mirroring
// the per-row granularity postgres/sqlite provide. That separation
// matters for sub-workflow tasks (spec §4.1 supplement): starting a
// child WorkflowExecution from inside a parent's WithWorkflowLock call
// only needs the child's own lock, which is a different map entry, so
// it can't deadlock against the parent's still-held lock the way a
// single backend-wide mutex would.
type Backend struct {
	dataMu sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	workflowDefs map[string]*model.WorkflowDefinition // keyed by projectID+"/"+name
	workflowByID map[string]*model.WorkflowDefinition
	actionDefs   map[string]*model.ActionDefinition

	environments map[string]*model.Environment // keyed by projectID+"/"+name

	workflowExecs map[string]*model.WorkflowExecution
	taskExecs     map[string]*model.TaskExecution
	actionExecs   map[string]*model.ActionExecution

	delayedCalls map[string]*model.DelayedCall
	cronTriggers map[string]*model.CronTrigger
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		locks:         make(map[string]*sync.Mutex),
		workflowDefs:  make(map[string]*model.WorkflowDefinition),
		workflowByID:  make(map[string]*model.WorkflowDefinition),
		actionDefs:    make(map[string]*model.ActionDefinition),
		environments:  make(map[string]*model.Environment),
		workflowExecs: make(map[string]*model.WorkflowExecution),
		taskExecs:     make(map[string]*model.TaskExecution),
		actionExecs:   make(map[string]*model.ActionExecution),
		delayedCalls:  make(map[string]*model.DelayedCall),
		cronTriggers:  make(map[string]*model.CronTrigger),
	}
}

func defKey(projectID, name string) string { return projectID + "/" + name }

func (b *Backend) CreateWorkflowDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	key := defKey(def.ProjectID, def.Name)
	if _, exists := b.workflowDefs[key]; exists {
		return &errAlreadyExists{kind: "workflow definition", id: key}
	}
	def.CreatedAt = time.Now()
	def.UpdatedAt = def.CreatedAt
	b.workflowDefs[key] = def
	b.workflowByID[def.ID] = def
	return nil
}

func (b *Backend) GetWorkflowDefinition(ctx context.Context, projectID, name string) (*model.WorkflowDefinition, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	def, ok := b.workflowDefs[defKey(projectID, name)]
	if !ok {
		return nil, &errNotFound{kind: "workflow definition", id: name}
	}
	return def, nil
}

func (b *Backend) GetWorkflowDefinitionByID(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	def, ok := b.workflowByID[id]
	if !ok {
		return nil, &errNotFound{kind: "workflow definition", id: id}
	}
	return def, nil
}

func (b *Backend) CreateActionDefinition(ctx context.Context, def *model.ActionDefinition) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	key := defKey(def.ProjectID, def.Name)
	if _, exists := b.actionDefs[key]; exists {
		return &errAlreadyExists{kind: "action definition", id: key}
	}
	def.CreatedAt = time.Now()
	def.UpdatedAt = def.CreatedAt
	b.actionDefs[key] = def
	return nil
}

func (b *Backend) GetActionDefinition(ctx context.Context, projectID, name string) (*model.ActionDefinition, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	def, ok := b.actionDefs[defKey(projectID, name)]
	if !ok {
		return nil, &errNotFound{kind: "action definition", id: name}
	}
	return def, nil
}

func (b *Backend) GetEnvironment(ctx context.Context, projectID, name string) (*model.Environment, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	env, ok := b.environments[defKey(projectID, name)]
	if !ok {
		return nil, &errNotFound{kind: "environment", id: name}
	}
	return env, nil
}

func (b *Backend) SaveEnvironment(ctx context.Context, env *model.Environment) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	env.UpdatedAt = time.Now()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = env.UpdatedAt
	}
	b.environments[defKey(env.ProjectID, env.Name)] = env
	return nil
}

func (b *Backend) CreateWorkflowExecution(ctx context.Context, wfEx *model.WorkflowExecution) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	if _, exists := b.workflowExecs[wfEx.ID]; exists {
		return &errAlreadyExists{kind: "workflow execution", id: wfEx.ID}
	}
	wfEx.CreatedAt = time.Now()
	wfEx.UpdatedAt = wfEx.CreatedAt
	b.workflowExecs[wfEx.ID] = wfEx
	return nil
}

func (b *Backend) GetWorkflowExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	wfEx, ok := b.workflowExecs[id]
	if !ok {
		return nil, &errNotFound{kind: "workflow execution", id: id}
	}
	return wfEx, nil
}

func (b *Backend) UpdateWorkflowExecution(ctx context.Context, wfEx *model.WorkflowExecution) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	if _, exists := b.workflowExecs[wfEx.ID]; !exists {
		return &errNotFound{kind: "workflow execution", id: wfEx.ID}
	}
	wfEx.UpdatedAt = time.Now()
	b.workflowExecs[wfEx.ID] = wfEx
	return nil
}

func (b *Backend) CreateTaskExecution(ctx context.Context, taskEx *model.TaskExecution) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	if _, exists := b.taskExecs[taskEx.ID]; exists {
		return &errAlreadyExists{kind: "task execution", id: taskEx.ID}
	}
	taskEx.CreatedAt = time.Now()
	taskEx.UpdatedAt = taskEx.CreatedAt
	b.taskExecs[taskEx.ID] = taskEx
	return nil
}

func (b *Backend) GetTaskExecution(ctx context.Context, id string) (*model.TaskExecution, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	taskEx, ok := b.taskExecs[id]
	if !ok {
		return nil, &errNotFound{kind: "task execution", id: id}
	}
	return taskEx, nil
}

func (b *Backend) UpdateTaskExecution(ctx context.Context, taskEx *model.TaskExecution) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	if _, exists := b.taskExecs[taskEx.ID]; !exists {
		return &errNotFound{kind: "task execution", id: taskEx.ID}
	}
	taskEx.UpdatedAt = time.Now()
	b.taskExecs[taskEx.ID] = taskEx
	return nil
}

func (b *Backend) ListTaskExecutions(ctx context.Context, workflowExecutionID string) ([]*model.TaskExecution, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	var out []*model.TaskExecution
	for _, t := range b.taskExecs {
		if t.WorkflowExecutionID == workflowExecutionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (b *Backend) CreateActionExecution(ctx context.Context, actionEx *model.ActionExecution) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	if _, exists := b.actionExecs[actionEx.ID]; exists {
		return &errAlreadyExists{kind: "action execution", id: actionEx.ID}
	}
	actionEx.CreatedAt = time.Now()
	actionEx.UpdatedAt = actionEx.CreatedAt
	b.actionExecs[actionEx.ID] = actionEx
	return nil
}

func (b *Backend) GetActionExecution(ctx context.Context, id string) (*model.ActionExecution, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	actionEx, ok := b.actionExecs[id]
	if !ok {
		return nil, &errNotFound{kind: "action execution", id: id}
	}
	return actionEx, nil
}

func (b *Backend) UpdateActionExecution(ctx context.Context, actionEx *model.ActionExecution) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	if _, exists := b.actionExecs[actionEx.ID]; !exists {
		return &errNotFound{kind: "action execution", id: actionEx.ID}
	}
	actionEx.UpdatedAt = time.Now()
	b.actionExecs[actionEx.ID] = actionEx
	return nil
}

func (b *Backend) ListActionExecutions(ctx context.Context, taskExecutionID string) ([]*model.ActionExecution, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	var out []*model.ActionExecution
	for _, a := range b.actionExecs {
		if a.TaskExecutionID == taskExecutionID {
			out = append(out, a)
		}
	}
	return out, nil
}

// lockFor returns the mutex for workflowExecutionID, creating it on
// first use. Locks are never removed: a workflow execution's row lives
// for the life of the process, so the map stays bounded by the number
// of distinct executions ever started, not by concurrency.
func (b *Backend) lockFor(workflowExecutionID string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()

	l, ok := b.locks[workflowExecutionID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[workflowExecutionID] = l
	}
	return l
}

// WithWorkflowLock holds workflowExecutionID's own mutex for the
// duration of fn, not a backend-wide lock: two different workflow
// executions (e.g. a parent and a sub-workflow it starts) may be driven
// concurrently, while calls against the same execution still serialize
// (spec §5).
func (b *Backend) WithWorkflowLock(ctx context.Context, workflowExecutionID string, fn func(ctx context.Context) error) error {
	l := b.lockFor(workflowExecutionID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func (b *Backend) CreateDelayedCall(ctx context.Context, call *model.DelayedCall) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	call.CreatedAt = time.Now()
	b.delayedCalls[call.ID] = call
	return nil
}

func (b *Backend) ClaimDueDelayedCalls(ctx context.Context, limit int) ([]*model.DelayedCall, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	now := time.Now()
	var claimed []*model.DelayedCall
	for _, c := range b.delayedCalls {
		if len(claimed) >= limit {
			break
		}
		if c.Processing || c.ExecutionTime.After(now) {
			continue
		}
		c.Processing = true
		t := now
		c.ProcessingSince = &t
		claimed = append(claimed, c)
	}
	return claimed, nil
}

func (b *Backend) DeleteDelayedCall(ctx context.Context, id string) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	delete(b.delayedCalls, id)
	return nil
}

func (b *Backend) ReclaimStale(ctx context.Context, staleness time.Duration) (int, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	cutoff := time.Now().Add(-staleness)
	n := 0
	for _, c := range b.delayedCalls {
		if c.Processing && c.ProcessingSince != nil && c.ProcessingSince.Before(cutoff) {
			c.Processing = false
			c.ProcessingSince = nil
			n++
		}
	}
	return n, nil
}

func (b *Backend) CreateCronTrigger(ctx context.Context, t *model.CronTrigger) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	if _, exists := b.cronTriggers[t.ID]; exists {
		return &errAlreadyExists{kind: "cron trigger", id: t.ID}
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	b.cronTriggers[t.ID] = t
	return nil
}

func (b *Backend) GetDueCronTriggers(ctx context.Context, limit int) ([]*model.CronTrigger, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	now := time.Now()
	var out []*model.CronTrigger
	for _, t := range b.cronTriggers {
		if len(out) >= limit {
			break
		}
		if !t.NextExecutionTime.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

// AdvanceCronTrigger implements the same CAS discipline as the SQL
// backends even though dataMu already serializes access here: it keeps
// the call's contract (and tests written against it) identical across
// backends, and protects against a second caller that read a stale
// snapshot of the trigger before calling this method.
func (b *Backend) AdvanceCronTrigger(ctx context.Context, id string, previousFire, nextFire time.Time, remaining *int) (bool, error) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	t, ok := b.cronTriggers[id]
	if !ok {
		return false, nil
	}
	if !t.NextExecutionTime.Equal(previousFire) {
		return false, nil
	}

	if remaining != nil && *remaining <= 0 {
		delete(b.cronTriggers, id)
		return true, nil
	}

	t.NextExecutionTime = nextFire
	t.RemainingExecutions = remaining
	t.UpdatedAt = time.Now()
	return true, nil
}

func (b *Backend) DeleteCronTrigger(ctx context.Context, id string) error {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()

	delete(b.cronTriggers, id)
	return nil
}

func (b *Backend) Close() error { return nil }

type errNotFound struct {
	kind string
	id   string
}

func (e *errNotFound) Error() string { return fmt.Sprintf("%s not found: %s", e.kind, e.id) }

type errAlreadyExists struct {
	kind string
	id   string
}

func (e *errAlreadyExists) Error() string { return fmt.Sprintf("%s already exists: %s", e.kind, e.id) }

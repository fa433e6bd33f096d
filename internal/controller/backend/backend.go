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

// Package backend provides storage interfaces for the workflow engine's
// persisted entities (spec §3).
//
// # Interface hierarchy
//
// Interface segregation lets a component depend only on the store it
// needs: ExecutionStore is the minimal requirement for driving a
// workflow, DelayedCallStore and CronTriggerStore are only needed by the
// two sweepers, DefinitionStore only by the façade's lookups. Backend
// composes all of them for full-featured implementations (memory,
// sqlite, postgres all satisfy it).
package backend

import (
	"context"
	"io"
	"time"

	"github.com/tombee/conductor/pkg/model"
)

// DefinitionStore persists workflow and action definitions.
type DefinitionStore interface {
	CreateWorkflowDefinition(ctx context.Context, def *model.WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, projectID, name string) (*model.WorkflowDefinition, error)
	GetWorkflowDefinitionByID(ctx context.Context, id string) (*model.WorkflowDefinition, error)

	CreateActionDefinition(ctx context.Context, def *model.ActionDefinition) error
	GetActionDefinition(ctx context.Context, projectID, name string) (*model.ActionDefinition, error)
}

// EnvironmentStore persists named, reusable environments.
type EnvironmentStore interface {
	GetEnvironment(ctx context.Context, projectID, name string) (*model.Environment, error)
	SaveEnvironment(ctx context.Context, env *model.Environment) error
}

// ExecutionStore is the core interface for driving workflow/task/action
// executions. It is the minimal requirement for the controller, task
// handler and action invoker.
type ExecutionStore interface {
	CreateWorkflowExecution(ctx context.Context, wfEx *model.WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, id string) (*model.WorkflowExecution, error)
	UpdateWorkflowExecution(ctx context.Context, wfEx *model.WorkflowExecution) error

	CreateTaskExecution(ctx context.Context, taskEx *model.TaskExecution) error
	GetTaskExecution(ctx context.Context, id string) (*model.TaskExecution, error)
	UpdateTaskExecution(ctx context.Context, taskEx *model.TaskExecution) error
	ListTaskExecutions(ctx context.Context, workflowExecutionID string) ([]*model.TaskExecution, error)

	CreateActionExecution(ctx context.Context, actionEx *model.ActionExecution) error
	GetActionExecution(ctx context.Context, id string) (*model.ActionExecution, error)
	UpdateActionExecution(ctx context.Context, actionEx *model.ActionExecution) error
	ListActionExecutions(ctx context.Context, taskExecutionID string) ([]*model.ActionExecution, error)

	// WithWorkflowLock runs fn holding the exclusive per-workflow-execution
	// lock described in spec §5 (`SELECT ... FOR UPDATE`-equivalent, or a
	// dedicated lock table on engines without native row locks). All state
	// transitions for one workflow execution are serialized through this.
	WithWorkflowLock(ctx context.Context, workflowExecutionID string, fn func(ctx context.Context) error) error
}

// DelayedCallStore persists and claims delayed calls (spec §4.7).
type DelayedCallStore interface {
	CreateDelayedCall(ctx context.Context, call *model.DelayedCall) error

	// ClaimDueDelayedCalls atomically claims up to limit rows whose
	// execution_time has passed and are not already being processed,
	// setting processing=true in the same statement. Only rows this
	// call actually claimed are returned (§4.7, §8 "no DelayedCall
	// processed twice").
	ClaimDueDelayedCalls(ctx context.Context, limit int) ([]*model.DelayedCall, error)

	DeleteDelayedCall(ctx context.Context, id string) error

	// ReclaimStale resets processing=false on rows that have been
	// claimed for longer than staleness, so a crashed handler's work is
	// picked up again (spec §4.9).
	ReclaimStale(ctx context.Context, staleness time.Duration) (int, error)
}

// CronTriggerStore persists and advances cron triggers (spec §4.8).
type CronTriggerStore interface {
	CreateCronTrigger(ctx context.Context, t *model.CronTrigger) error
	GetDueCronTriggers(ctx context.Context, limit int) ([]*model.CronTrigger, error)

	// AdvanceCronTrigger performs the CAS update guarding at-most-once
	// firing: it updates next_execution_time/remaining_executions only
	// if the row's current next_execution_time still equals previousFire.
	// The bool return is true iff this call won the race and may fire the
	// workflow.
	AdvanceCronTrigger(ctx context.Context, id string, previousFire, nextFire time.Time, remaining *int) (bool, error)
	DeleteCronTrigger(ctx context.Context, id string) error
}

// Backend composes every store a fully-featured deployment needs.
type Backend interface {
	DefinitionStore
	EnvironmentStore
	ExecutionStore
	DelayedCallStore
	CronTriggerStore
	io.Closer
}

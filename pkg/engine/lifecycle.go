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

package engine

import (
	"context"

	pkgerrors "github.com/tombee/conductor/pkg/errors"
	"github.com/tombee/conductor/pkg/model"
)

// PauseWorkflowExecution acquires the workflow lock and transitions a
// RUNNING workflow to PAUSED (spec §4.1).
func (e *Engine) PauseWorkflowExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	var wfEx *model.WorkflowExecution
	err := e.store.WithWorkflowLock(ctx, id, func(ctx context.Context) error {
		var err error
		wfEx, err = e.store.GetWorkflowExecution(ctx, id)
		if err != nil {
			return err
		}
		if err := e.transitionWorkflow(wfEx, model.StatePaused); err != nil {
			return err
		}
		return e.store.UpdateWorkflowExecution(ctx, wfEx)
	})
	return wfEx, err
}

// ResumeWorkflowExecution transitions a PAUSED workflow back to RUNNING
// and re-enters the controller to pick up tasks that completed while
// paused (spec §4.1).
func (e *Engine) ResumeWorkflowExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	wfEx, err := e.store.GetWorkflowExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.store.WithWorkflowLock(ctx, id, func(ctx context.Context) error {
		if err := e.transitionWorkflow(wfEx, model.StateRunning); err != nil {
			return err
		}
		return e.store.UpdateWorkflowExecution(ctx, wfEx)
	}); err != nil {
		return nil, err
	}
	if err := e.driveToQuiescence(ctx, wfEx); err != nil {
		return wfEx, err
	}
	return wfEx, nil
}

// StopWorkflowExecution flips a RUNNING or PAUSED workflow to ERROR
// without forcibly interrupting in-flight actions (spec §5): their
// results are still accepted on arrival, but no further commands are
// emitted once the state is no longer RUNNING.
func (e *Engine) StopWorkflowExecution(ctx context.Context, id, message string) (*model.WorkflowExecution, error) {
	var wfEx *model.WorkflowExecution
	err := e.store.WithWorkflowLock(ctx, id, func(ctx context.Context) error {
		var err error
		wfEx, err = e.store.GetWorkflowExecution(ctx, id)
		if err != nil {
			return err
		}
		wfEx.StateInfo = message
		if err := e.transitionWorkflow(wfEx, model.StateError); err != nil {
			return err
		}
		return e.store.UpdateWorkflowExecution(ctx, wfEx)
	})
	return wfEx, err
}

// RollbackWorkflowExecution reverses a terminal workflow back to RUNNING
// without resetting any task/action state, the same recursive
// re-entry rerun uses minus the reset step (spec §4.1).
func (e *Engine) RollbackWorkflowExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	wfEx, err := e.store.GetWorkflowExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.store.WithWorkflowLock(ctx, id, func(ctx context.Context) error {
		if err := e.transitionWorkflow(wfEx, model.StateRunning); err != nil {
			return err
		}
		return e.store.UpdateWorkflowExecution(ctx, wfEx)
	}); err != nil {
		return nil, err
	}
	if err := e.driveToQuiescence(ctx, wfEx); err != nil {
		return wfEx, err
	}
	return wfEx, nil
}

// Rerun re-enters an ERROR task (spec §4.1). The owning workflow must be
// in ERROR or PAUSED. If reset is true, all of the task's
// ActionExecutions are marked accepted=false so a fresh attempt is
// authoritative; reset=false is only valid for with-items tasks and
// keeps already-succeeded iterations' accepted flag intact.
func (e *Engine) Rerun(ctx context.Context, taskExecutionID string, reset bool) (*model.TaskExecution, error) {
	taskEx, err := e.store.GetTaskExecution(ctx, taskExecutionID)
	if err != nil {
		return nil, err
	}
	if taskEx.State != model.StateError {
		return nil, &pkgerrors.InvalidStateError{Resource: "task_execution", ID: taskEx.ID, From: string(taskEx.State), To: string(model.StateRunning)}
	}

	wfEx, err := e.store.GetWorkflowExecution(ctx, taskEx.WorkflowExecutionID)
	if err != nil {
		return nil, err
	}
	if wfEx.State != model.StateError && wfEx.State != model.StatePaused {
		return nil, &pkgerrors.InvalidStateError{Resource: "workflow_execution", ID: wfEx.ID, From: string(wfEx.State), To: string(model.StateRunning)}
	}
	if !reset && taskEx.Spec != nil && taskEx.Spec.WithItems == "" {
		return nil, &pkgerrors.InvalidStateError{Resource: "task_execution", ID: taskEx.ID, From: "reset=false", To: "non-with-items task"}
	}

	return taskEx, e.store.WithWorkflowLock(ctx, wfEx.ID, func(ctx context.Context) error {
		if reset {
			actions, err := e.store.ListActionExecutions(ctx, taskEx.ID)
			if err != nil {
				return err
			}
			for _, a := range actions {
				a.Accepted = false
				if err := e.store.UpdateActionExecution(ctx, a); err != nil {
					return err
				}
			}
		}

		taskEx.Processed = false
		if err := e.transitionTask(taskEx, model.StateRunning); err != nil {
			return err
		}
		if err := e.store.UpdateTaskExecution(ctx, taskEx); err != nil {
			return err
		}

		if err := e.transitionWorkflow(wfEx, model.StateRunning); err != nil {
			return err
		}
		if err := e.store.UpdateWorkflowExecution(ctx, wfEx); err != nil {
			return err
		}
		return e.driveLocked(ctx, wfEx)
	})
}

func (e *Engine) transitionTask(taskEx *model.TaskExecution, to model.State) error {
	if !model.IsValidTaskTransition(taskEx.State, to) {
		return &pkgerrors.InvalidStateError{Resource: "task_execution", ID: taskEx.ID, From: string(taskEx.State), To: string(to)}
	}
	taskEx.State = to
	return nil
}

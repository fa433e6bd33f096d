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

// Package engine implements the public operations of spec §4.1
// (start_workflow, start_action, on_action_complete, pause/resume/stop/
// rollback, rerun) on top of the controller (§4.3), task handler (§4.4)
// and action invoker (§4.5).
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/pkg/dataflow"
	"github.com/tombee/conductor/pkg/dsl"
	pkgerrors "github.com/tombee/conductor/pkg/errors"
	"github.com/tombee/conductor/pkg/model"
)

// Engine is the façade described by spec §4.1. Its default Dispatcher
// (RegistryDispatcher over std.echo/std.fail/std.noop) executes actions
// synchronously in-process, which collapses the asynchronous invoke/
// on_action_complete round trip the spec describes into one call chain
// inside driveToQuiescence: OnActionComplete is still exposed, and still
// idempotent via ActionExecution.Accepted, for a future remote
// dispatcher whose results arrive on their own goroutine.
type Engine struct {
	store   backend.Backend
	eval    *dataflow.Evaluator
	invoker *Invoker
	tasks   *TaskHandler
	log     *slog.Logger
}

// New creates an Engine over store, dispatching actions through
// dispatcher, with no field-size limit. Use NewWithLimits to bound the
// task input/published field sizes.
func New(store backend.Backend, dispatcher Dispatcher, log *slog.Logger) *Engine {
	return NewWithLimits(store, dispatcher, 0, log)
}

// NewWithLimits creates an Engine whose TaskHandler rejects a task input
// or published field once its JSON encoding exceeds fieldSizeLimit bytes
// (0 disables the check).
func NewWithLimits(store backend.Backend, dispatcher Dispatcher, fieldSizeLimit int64, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	eval := dataflow.New()
	invoker := NewInvoker(store, dispatcher, log)
	tasks := NewTaskHandler(store, store, eval, invoker, fieldSizeLimit, log)

	e := &Engine{
		store:   store,
		eval:    eval,
		invoker: invoker,
		tasks:   tasks,
		log:     log,
	}
	tasks.SetSubworkflowRunner(store, func(ctx context.Context, def *model.WorkflowDefinition, input map[string]any, description string, params map[string]any, parentTaskExecutionID string, parentIndex *int) (*model.WorkflowExecution, error) {
		return e.startWorkflow(ctx, def, input, description, params, parentTaskExecutionID, parentIndex)
	})
	return e
}

// ReapOrphanedWait is the DelayedCallTarget a crash-orphaned wait-before/
// wait-after row dispatches to; register it against a DelayedCallScheduler
// under DelayedTargetResumeWait so a process restart mid-wait surfaces as
// an actionable ERROR task instead of a silently abandoned one.
func (e *Engine) ReapOrphanedWait(ctx context.Context, call *model.DelayedCall) error {
	return e.tasks.ReapOrphanedWait(ctx, call)
}

func (e *Engine) controllerFor(spec *model.WorkflowSpec) Controller {
	if spec.Type == model.WorkflowTypeReverse {
		return NewReverseController(e.eval)
	}
	return NewDirectController(e.eval)
}

// StartWorkflow loads def, validates input, creates the WorkflowExecution
// IDLE→RUNNING, and drives it to quiescence (spec §4.1).
func (e *Engine) StartWorkflow(ctx context.Context, def *model.WorkflowDefinition, input map[string]any, description string, params map[string]any) (*model.WorkflowExecution, error) {
	return e.startWorkflow(ctx, def, input, description, params, "", nil)
}

// startWorkflow is StartWorkflow's body, with the two extra parameters a
// "workflow:" task needs to link a sub-WorkflowExecution back to its
// owning task: parentTaskExecutionID populates TaskExecutionID (spec §3
// Invariant 2) and parentIndex populates RuntimeContext["index"] when the
// owning task is itself a with-items iteration. A bare top-level call
// (including FireCronTrigger) leaves both zero.
func (e *Engine) startWorkflow(ctx context.Context, def *model.WorkflowDefinition, input map[string]any, description string, params map[string]any, parentTaskExecutionID string, parentIndex *int) (*model.WorkflowExecution, error) {
	resolvedInput, err := dsl.ValidateInput(def.Spec, input, false)
	if err != nil {
		return nil, err
	}

	env, err := e.resolveEnv(ctx, def.ProjectID, params)
	if err != nil {
		return nil, err
	}

	wfExID := uuid.NewString()
	wfEx := &model.WorkflowExecution{
		ID:              wfExID,
		WorkflowName:    def.Name,
		WorkflowID:      def.ID,
		Description:     description,
		Spec:            def.Spec,
		State:           model.StateIdle,
		Input:           resolvedInput,
		Params:          params,
		ProjectID:       def.ProjectID,
		Context:         dataflow.BuildInitialContext(wfExID, resolvedInput, env, def.Spec.Vars),
		TaskExecutionID: parentTaskExecutionID,
	}
	if parentIndex != nil {
		wfEx.RuntimeContext = map[string]any{"index": *parentIndex}
	}
	if err := e.store.CreateWorkflowExecution(ctx, wfEx); err != nil {
		return nil, err
	}

	if err := e.transitionWorkflow(wfEx, model.StateRunning); err != nil {
		return nil, err
	}
	if err := e.store.UpdateWorkflowExecution(ctx, wfEx); err != nil {
		return nil, err
	}

	if err := e.driveToQuiescence(ctx, wfEx); err != nil {
		return wfEx, err
	}
	return wfEx, nil
}

// FireCronTrigger starts t's workflow. It is the fire callback a
// CronProcessor is constructed with: by the time it runs, the trigger's
// CAS advance has already succeeded, so exactly one replica ever calls
// this for a given firing (spec §4.8).
func (e *Engine) FireCronTrigger(ctx context.Context, t *model.CronTrigger) error {
	def, err := e.store.GetWorkflowDefinitionByID(ctx, t.WorkflowID)
	if err != nil {
		return err
	}
	_, err = e.StartWorkflow(ctx, def, t.WorkflowInput, "cron: "+t.Name, t.WorkflowParams)
	return err
}

// StartAction runs a single action outside any workflow (spec §4.1).
// saveResult=false discards the recorded output after dispatch so a
// fire-and-forget diagnostic call doesn't grow the ActionExecution table.
func (e *Engine) StartAction(ctx context.Context, name string, input map[string]any, saveResult bool) (*model.ActionExecution, error) {
	actionEx, err := e.invoker.Invoke(ctx, "", name, input)
	if err != nil {
		return nil, err
	}
	if !saveResult {
		actionEx.Output = nil
	}
	return actionEx, nil
}

// OnActionComplete is the idempotent sink described by spec §4.1: it
// updates the ActionExecution's output/state and routes the result to
// the owning task, re-driving the workflow. It is a no-op if the action
// execution was already accepted (duplicate delivery).
func (e *Engine) OnActionComplete(ctx context.Context, actionExecutionID string, output map[string]any, failed bool, failureMessage string) error {
	actionEx, err := e.store.GetActionExecution(ctx, actionExecutionID)
	if err != nil {
		return err
	}
	if actionEx.Accepted {
		return nil // already processed; duplicate delivery is a no-op
	}

	if failed {
		actionEx.State = model.StateError
		actionEx.StateInfo = failureMessage
	} else {
		actionEx.State = model.StateSuccess
		actionEx.Output = output
	}
	actionEx.Accepted = true
	if err := e.store.UpdateActionExecution(ctx, actionEx); err != nil {
		return err
	}

	if actionEx.TaskExecutionID == "" {
		return nil // bare start_action call, no owning task
	}
	taskEx, err := e.store.GetTaskExecution(ctx, actionEx.TaskExecutionID)
	if err != nil {
		return err
	}
	wfEx, err := e.store.GetWorkflowExecution(ctx, taskEx.WorkflowExecutionID)
	if err != nil {
		return err
	}
	return e.driveToQuiescence(ctx, wfEx)
}

// driveToQuiescence repeatedly asks the controller for commands,
// dispatches RunTask by running the task synchronously to completion,
// persists WAITING join placeholders, and applies terminal commands,
// until the controller returns only Noop. The whole loop runs under the
// workflow lock so concurrent callers (rerun, resume, another
// on_action_complete) never observe a half-applied command set (spec §5).
func (e *Engine) driveToQuiescence(ctx context.Context, wfEx *model.WorkflowExecution) error {
	return e.store.WithWorkflowLock(ctx, wfEx.ID, func(ctx context.Context) error {
		return e.driveLocked(ctx, wfEx)
	})
}

// driveLocked is driveToQuiescence's body, assuming the caller already
// holds wfEx's workflow lock. Callers that need to drive a workflow from
// inside their own WithWorkflowLock closure (e.g. Rerun) must call this
// directly: the lock primitives are not reentrant.
func (e *Engine) driveLocked(ctx context.Context, wfEx *model.WorkflowExecution) error {
	for {
		if wfEx.State != model.StateRunning {
			return nil
		}

		taskExecs, err := e.store.ListTaskExecutions(ctx, wfEx.ID)
		if err != nil {
			return err
		}

		controller := e.controllerFor(wfEx.Spec)
		result, err := controller.ContinueWorkflow(wfEx, taskExecs)
		if err != nil {
			return err
		}

		for _, t := range taskExecs {
			if !t.Processed && t.State.IsTerminal() {
				t.Processed = true
				if err := e.store.UpdateTaskExecution(ctx, t); err != nil {
					return err
				}
			}
		}
		for _, wt := range result.WaitingTasks {
			if err := e.upsertWaitingTask(ctx, wt, taskExecs); err != nil {
				return err
			}
		}

		progressed, err := e.applyCommands(ctx, wfEx, result.Commands, controller)
		if err != nil {
			return err
		}
		if err := e.store.UpdateWorkflowExecution(ctx, wfEx); err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// applyCommands runs each command and reports whether any RunTask
// actually ran (so the caller's loop knows to re-poll the controller).
func (e *Engine) applyCommands(ctx context.Context, wfEx *model.WorkflowExecution, cmds []Command, controller Controller) (bool, error) {
	progressed := false
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case *RunTask:
			if _, err := e.tasks.Run(ctx, wfEx, c.Task, c.Context); err != nil {
				return progressed, err
			}
			progressed = true

		case PauseWorkflow:
			return progressed, e.transitionWorkflow(wfEx, model.StatePaused)
		case *PauseWorkflow:
			return progressed, e.transitionWorkflow(wfEx, model.StatePaused)

		case SucceedWorkflow:
			return progressed, e.succeed(wfEx, controller)
		case *SucceedWorkflow:
			return progressed, e.succeed(wfEx, controller)

		case FailWorkflow:
			return progressed, e.fail(wfEx, c.Message)
		case *FailWorkflow:
			return progressed, e.fail(wfEx, c.Message)
		}
	}

	if !progressed {
		if err := e.checkAndComplete(ctx, wfEx, controller); err != nil {
			return progressed, err
		}
	}
	return progressed, nil
}

// checkAndComplete mirrors the original engine's _check_and_complete:
// a workflow is not complete while any incomplete task is outside
// WAITING; once every incomplete task is WAITING, the workflow
// succeeds if all errors are handled, else fails with an aggregated
// message (spec §4.1 supplement, §4.9).
func (e *Engine) checkAndComplete(ctx context.Context, wfEx *model.WorkflowExecution, controller Controller) error {
	taskExecs, err := e.store.ListTaskExecutions(ctx, wfEx.ID)
	if err != nil {
		return err
	}
	for _, t := range taskExecs {
		if !t.State.IsTerminal() && t.State != model.StateWaiting {
			return nil // still genuinely in flight
		}
	}
	if controller.AllErrorsHandled(wfEx, taskExecs) {
		return e.succeed(wfEx, controller)
	}
	return e.fail(wfEx, e.buildFailureMessage(taskExecs))
}

func (e *Engine) succeed(wfEx *model.WorkflowExecution, controller Controller) error {
	taskExecs, _ := e.store.ListTaskExecutions(context.Background(), wfEx.ID)
	finalCtx := controller.EvaluateWorkflowFinalContext(wfEx, taskExecs)
	output, err := dataflow.MergeOutput(e.eval, wfEx.Spec.Output, finalCtx)
	if err != nil {
		return err
	}
	wfEx.Output = output
	wfEx.Context = finalCtx
	wfEx.Accepted = true
	return e.transitionWorkflow(wfEx, model.StateSuccess)
}

func (e *Engine) fail(wfEx *model.WorkflowExecution, message string) error {
	wfEx.StateInfo = message
	wfEx.Accepted = true
	return e.transitionWorkflow(wfEx, model.StateError)
}

// buildFailureMessage reproduces the original engine's
// _build_fail_info_message: failed tasks sorted by name, each
// contributing its state_info and every ERROR action execution's
// output (spec §4.9).
func (e *Engine) buildFailureMessage(taskExecs []*model.TaskExecution) string {
	msg := ""
	for _, name := range sortedFailedTaskNames(taskExecs) {
		for _, t := range taskExecs {
			if t.Name != name || t.State != model.StateError {
				continue
			}
			msg += fmt.Sprintf("Task '%s' failed: %s\n", t.Name, t.StateInfo)
			actions, _ := e.store.ListActionExecutions(context.Background(), t.ID)
			for _, a := range actions {
				if a.State == model.StateError {
					msg += fmt.Sprintf("  action %s: %v\n", a.Name, a.StateInfo)
				}
			}
		}
	}
	return msg
}

func sortedFailedTaskNames(taskExecs []*model.TaskExecution) []string {
	seen := make(map[string]bool)
	var names []string
	for _, t := range taskExecs {
		if t.State == model.StateError && !seen[t.Name] {
			seen[t.Name] = true
			names = append(names, t.Name)
		}
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}

func (e *Engine) upsertWaitingTask(ctx context.Context, wt *model.TaskExecution, existing []*model.TaskExecution) error {
	for _, t := range existing {
		if t.Name == wt.Name && t.State == model.StateWaiting {
			t.RuntimeContext = wt.RuntimeContext
			return e.store.UpdateTaskExecution(ctx, t)
		}
	}
	wt.ID = uuid.NewString()
	return e.store.CreateTaskExecution(ctx, wt)
}

// transitionWorkflow validates and applies a workflow state transition
// (spec §4.2); an invalid transition leaves state untouched.
func (e *Engine) transitionWorkflow(wfEx *model.WorkflowExecution, to model.State) error {
	if !model.IsValidWorkflowTransition(wfEx.State, to) {
		return &pkgerrors.InvalidStateError{Resource: "workflow_execution", ID: wfEx.ID, From: string(wfEx.State), To: string(to)}
	}
	wfEx.State = to
	wfEx.Accepted = to.IsTerminal()
	return nil
}

func (e *Engine) resolveEnv(ctx context.Context, projectID string, params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	switch v := params["env"].(type) {
	case map[string]any:
		return v, nil
	case string:
		env, err := e.store.GetEnvironment(ctx, projectID, v)
		if err != nil {
			return nil, err
		}
		return env.Variables, nil
	default:
		return map[string]any{}, nil
	}
}

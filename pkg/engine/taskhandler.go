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
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/pkg/dataflow"
	"github.com/tombee/conductor/pkg/model"
)

// TaskHandler creates task executions and drives each through the fixed
// policy chain of spec §4.4: wait-before, retry, timeout, wait-after,
// concurrency.
type TaskHandler struct {
	store          backend.ExecutionStore
	delayed        backend.DelayedCallStore
	defs           backend.DefinitionStore
	eval           *dataflow.Evaluator
	invoker        *Invoker
	log            *slog.Logger
	fieldSizeLimit int64

	startWorkflow func(ctx context.Context, def *model.WorkflowDefinition, input map[string]any, description string, params map[string]any, parentTaskExecutionID string, parentIndex *int) (*model.WorkflowExecution, error)
}

// NewTaskHandler creates a TaskHandler over the given stores. fieldSizeLimit
// bounds the JSON-encoded size of a task's input/published fields in
// bytes; 0 disables the check.
func NewTaskHandler(store backend.ExecutionStore, delayed backend.DelayedCallStore, eval *dataflow.Evaluator, invoker *Invoker, fieldSizeLimit int64, log *slog.Logger) *TaskHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TaskHandler{store: store, delayed: delayed, eval: eval, invoker: invoker, fieldSizeLimit: fieldSizeLimit, log: log}
}

// SetSubworkflowRunner wires the definition lookup and workflow-start
// callback a "workflow:" task needs. Engine calls this once after
// construction, closing over its own StartWorkflow so a sub-workflow
// task runs through the exact same validate/drive/complete path a
// top-level StartWorkflow call does (spec §4.1 supplement).
func (h *TaskHandler) SetSubworkflowRunner(defs backend.DefinitionStore, start func(ctx context.Context, def *model.WorkflowDefinition, input map[string]any, description string, params map[string]any, parentTaskExecutionID string, parentIndex *int) (*model.WorkflowExecution, error)) {
	h.defs = defs
	h.startWorkflow = start
}

// Run creates and fully drives a task (including all with-items
// iterations) to a terminal state. wait-before/wait-after durations are
// honoured with a real sleep rather than parking on the delayed-call
// scheduler: the fixed-order policy chain's ordering is what spec §4.4
// requires, and a synchronous sleep preserves it without forcing every
// caller through the scheduler for the common case of short waits.
// With-items iterations run on goroutines bounded by the concurrency
// cap, while the retry loop runs on its iteration's goroutine; Run
// returns only once every iteration is terminal, so a caller holding the
// workflow lock holds it for the whole task, waits and retries included.
func (h *TaskHandler) Run(ctx context.Context, wfEx *model.WorkflowExecution, spec *model.TaskSpec, inContext map[string]any) ([]*model.TaskExecution, error) {
	items, itemVar, err := h.resolveWithItems(spec, inContext)
	if err != nil {
		return nil, err
	}

	if items == nil {
		t, err := h.runIteration(ctx, wfEx, spec, inContext, nil)
		if err != nil {
			return nil, err
		}
		return []*model.TaskExecution{t}, nil
	}

	// A with-items task over an empty list completes vacuously: no
	// iteration ever runs, but a TaskExecution must still be persisted so
	// the controller sees this task as already started (otherwise root-
	// task/transition bootstrapping would re-emit RunTask for it forever)
	// and so its on-success transitions fire.
	if len(items) == 0 {
		t, err := h.runEmptyWithItems(ctx, wfEx, spec, inContext)
		if err != nil {
			return nil, err
		}
		return []*model.TaskExecution{t}, nil
	}

	concurrency := len(items)
	if spec.Concurrency != "" {
		n, err := h.eval.Evaluate(spec.Concurrency, inContext)
		if err == nil {
			if f, ok := toFloat(n); ok && int(f) > 0 {
				concurrency = int(f)
			}
		}
	}

	results := make([]*model.TaskExecution, len(items))
	errs := make([]error, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()
			iterCtx := cloneContext(inContext)
			iterCtx[itemVar] = item
			idx := i
			t, err := h.runIteration(ctx, wfEx, spec, iterCtx, &idx)
			results[i] = t
			errs[i] = err
		}(i, item)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return results, e
		}
	}
	return results, nil
}

// runEmptyWithItems persists the trivially-successful TaskExecution for a
// with-items task whose list evaluated to zero items.
func (h *TaskHandler) runEmptyWithItems(ctx context.Context, wfEx *model.WorkflowExecution, spec *model.TaskSpec, inContext map[string]any) (*model.TaskExecution, error) {
	taskEx := &model.TaskExecution{
		ID:                  uuid.NewString(),
		Name:                spec.Name,
		WorkflowExecutionID: wfEx.ID,
		WorkflowName:        wfEx.WorkflowName,
		WorkflowID:          wfEx.WorkflowID,
		Spec:                spec,
		State:               model.StateSuccess,
		InContext:           inContext,
		RuntimeContext:      map[string]any{"with_items_count": 0},
	}
	published, err := h.publish(spec, inContext, map[string]any{})
	if err != nil {
		return nil, err
	}
	taskEx.Published = published
	if err := h.store.CreateTaskExecution(ctx, taskEx); err != nil {
		return nil, err
	}
	return taskEx, nil
}

func (h *TaskHandler) resolveWithItems(spec *model.TaskSpec, ctx map[string]any) ([]any, string, error) {
	if spec.WithItems == "" {
		return nil, "", nil
	}
	varName, listExpr, ok := parseWithItems(spec.WithItems)
	if !ok {
		return nil, "", fmt.Errorf("invalid with-items clause %q", spec.WithItems)
	}
	v, err := h.eval.Evaluate(listExpr, ctx)
	if err != nil {
		return nil, "", err
	}
	items, ok := v.([]any)
	if !ok {
		if items == nil {
			return []any{}, varName, nil
		}
		return nil, "", fmt.Errorf("with-items expression %q did not evaluate to a list", spec.WithItems)
	}
	return items, varName, nil
}

// parseWithItems splits the DSL's "i in <% ... %>" form into the loop
// variable name and the raw list expression.
func parseWithItems(raw string) (varName, listExpr string, ok bool) {
	const sep = " in "
	for i := 0; i+len(sep) <= len(raw); i++ {
		if raw[i:i+len(sep)] == sep {
			return trimSpace(raw[:i]), raw[i+len(sep):], true
		}
	}
	return "", "", false
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// runIteration drives one task instance (or with-items iteration)
// through the policy chain to a terminal state.
func (h *TaskHandler) runIteration(ctx context.Context, wfEx *model.WorkflowExecution, spec *model.TaskSpec, inContext map[string]any, index *int) (*model.TaskExecution, error) {
	actionInput, err := dataflow.ResolveInput(h.eval, spec.Input, inContext)
	if err != nil {
		return nil, err
	}
	if err := dataflow.CheckFieldSize("input", actionInput, h.fieldSizeLimit); err != nil {
		return nil, err
	}

	taskEx := &model.TaskExecution{
		ID:                  uuid.NewString(),
		Name:                spec.Name,
		WorkflowExecutionID: wfEx.ID,
		WorkflowName:        wfEx.WorkflowName,
		WorkflowID:          wfEx.WorkflowID,
		Spec:                spec,
		ActionSpec:          map[string]any{"name": spec.Action, "input": actionInput},
		State:               model.StateRunning,
		InContext:           inContext,
	}
	if index != nil {
		taskEx.RuntimeContext = map[string]any{"index": *index}
	}
	if err := h.store.CreateTaskExecution(ctx, taskEx); err != nil {
		return nil, err
	}

	if err := h.waitPolicy(ctx, taskEx, spec.WaitBefore, inContext); err != nil {
		return nil, err
	}

	var result map[string]any
	var runErr error
	if spec.Workflow != "" {
		result, runErr = h.runSubworkflow(ctx, wfEx, taskEx, spec, actionInput, index)
	} else {
		var actionEx *model.ActionExecution
		actionEx, runErr = h.runWithRetry(ctx, taskEx, spec, actionInput)
		if actionEx != nil {
			result = actionEx.Output
		}
	}

	if runErr != nil {
		taskEx.State = model.StateError
		taskEx.StateInfo = runErr.Error()
	} else {
		taskEx.State = model.StateSuccess
		if result == nil {
			result = map[string]any{}
		}
		published, err := h.publish(spec, inContext, result)
		if err != nil {
			return nil, err
		}
		if err := dataflow.CheckFieldSize("published", published, h.fieldSizeLimit); err != nil {
			taskEx.State = model.StateError
			taskEx.StateInfo = err.Error()
			if err := h.store.UpdateTaskExecution(ctx, taskEx); err != nil {
				return nil, err
			}
			return taskEx, nil
		}
		taskEx.Published = published
		if spec.KeepResult {
			taskEx.Published[spec.Name] = result
		}
	}

	if err := h.waitPolicy(ctx, taskEx, spec.WaitAfter, inContext); err != nil {
		return nil, err
	}

	if err := h.store.UpdateTaskExecution(ctx, taskEx); err != nil {
		return nil, err
	}
	return taskEx, nil
}

// waitPolicy sleeps for the evaluated expression's seconds, if any. The
// sleep itself stays an in-process goroutine block rather than a
// suspend/resume through DelayedCallScheduler: splitting a task's policy
// chain into a resumable continuation would mean persisting and
// replaying retry/timeout/wait-after state across a process restart,
// which is a different execution model than the synchronous
// run-to-completion TaskHandler.Run this engine is built around (see
// DESIGN.md's "Delayed-call scheduler" entry for the full reasoning).
// What IS made crash-observable: the task is parked in
// model.StateRunningDelayed for the wait's duration, and a DelayedCall
// row tracks it by task_execution_id with ExecutionTime set to when the
// wait is due to end. A wait that completes normally deletes its own
// row before the scheduler would ever see it due; a wait that never
// completes (the process crashed mid-sleep) leaves the row to be
// claimed by DelayedCallScheduler's ordinary sweep once due, which
// dispatches to ReapOrphanedWait — turning an otherwise-silent lost
// task into a task surfaced in model.StateError, ready for the
// existing rerun path, instead of one that simply never terminates.
func (h *TaskHandler) waitPolicy(ctx context.Context, taskEx *model.TaskExecution, expr string, evalCtx map[string]any) error {
	if expr == "" {
		return nil
	}
	v, err := h.eval.Evaluate(expr, evalCtx)
	if err != nil {
		return err
	}
	seconds, ok := toFloat(v)
	if !ok || seconds <= 0 {
		return nil
	}

	resumeAt := time.Duration(seconds * float64(time.Second))
	prevState := taskEx.State
	taskEx.State = model.StateRunningDelayed
	if err := h.store.UpdateTaskExecution(ctx, taskEx); err != nil {
		return err
	}

	var callID string
	if h.delayed != nil {
		call := &model.DelayedCall{
			ID:                uuid.NewString(),
			FactoryMethodPath: "engine.TaskHandler.waitPolicy",
			TargetMethodName:  DelayedTargetResumeWait,
			MethodArguments:   map[string]any{"task_execution_id": taskEx.ID},
			ExecutionTime:     time.Now().Add(resumeAt),
		}
		if err := h.delayed.CreateDelayedCall(ctx, call); err != nil {
			return err
		}
		callID = call.ID
	}

	waitErr := func() error {
		select {
		case <-time.After(resumeAt):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}()

	if callID != "" {
		_ = h.delayed.DeleteDelayedCall(ctx, callID)
	}

	if waitErr != nil {
		return waitErr
	}
	taskEx.State = prevState
	return h.store.UpdateTaskExecution(ctx, taskEx)
}

// DelayedTargetResumeWait is the DelayedCallScheduler target name for a
// stale wait-before/wait-after parking row (spec §4.7/§4.9): it mirrors
// the original engine's resume_task_after_wait factory/target pair.
const DelayedTargetResumeWait = "resume_task_after_wait"

// ReapOrphanedWait is the DelayedCallTarget a crashed wait's DelayedCall
// row dispatches to once claimed. If the task it names is still parked
// in RUNNING_DELAYED, the process that was sleeping for it is gone, so
// there's no in-memory continuation left to resume: the task is marked
// ERROR with an actionable message instead of being silently abandoned.
// If the task already moved on (the normal case — its own goroutine
// deleted this row before the scheduler ever claimed it), this is a
// harmless no-op.
func (h *TaskHandler) ReapOrphanedWait(ctx context.Context, call *model.DelayedCall) error {
	taskExID, _ := call.MethodArguments["task_execution_id"].(string)
	if taskExID == "" {
		return fmt.Errorf("delayed call %s missing task_execution_id", call.ID)
	}
	taskEx, err := h.store.GetTaskExecution(ctx, taskExID)
	if err != nil {
		return err
	}
	if taskEx.State != model.StateRunningDelayed {
		return nil
	}
	taskEx.State = model.StateError
	taskEx.StateInfo = "wait-before/wait-after did not resume before process restart; rerun this task to retry it"
	return h.store.UpdateTaskExecution(ctx, taskEx)
}

// runWithRetry applies the retry policy (spec §4.4 and §4.9): up to
// Count+1 attempts, honouring timeout per attempt and break/continue
// guards evaluated against the attempt's own input context.
func (h *TaskHandler) runWithRetry(ctx context.Context, taskEx *model.TaskExecution, spec *model.TaskSpec, input map[string]any) (*model.ActionExecution, error) {
	attempts := 1
	var delay time.Duration
	var breakOn, continueOn string
	if spec.Retry != nil {
		attempts = spec.Retry.Count + 1
		if spec.Retry.Delay != "" {
			if v, err := h.eval.Evaluate(spec.Retry.Delay, input); err == nil {
				if f, ok := toFloat(v); ok {
					delay = time.Duration(f * float64(time.Second))
				}
			}
		}
		breakOn = spec.Retry.BreakOn
		continueOn = spec.Retry.ContinueOn
	}

	// A fresh rate.Limiter starts with a full burst, so draining it once
	// up front makes every subsequent Wait actually pace by delay instead
	// of returning immediately on the first retry.
	var limiter *rate.Limiter
	if delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
		limiter.Allow()
	}

	actionName := spec.Action
	var lastErr error
	var lastEx *model.ActionExecution

	for attempt := 0; attempt < attempts; attempt++ {
		runCtx := ctx
		var cancel context.CancelFunc
		if spec.Timeout != "" {
			if v, err := h.eval.Evaluate(spec.Timeout, input); err == nil {
				if f, ok := toFloat(v); ok && f > 0 {
					runCtx, cancel = context.WithTimeout(ctx, time.Duration(f*float64(time.Second)))
				}
			}
		}

		actionEx, err := h.invoker.Invoke(runCtx, taskEx.ID, actionName, input)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return nil, err // infra failure (store write), not an action failure
		}
		lastEx = actionEx

		if actionEx.State == model.StateSuccess {
			return actionEx, nil
		}

		lastErr = fmt.Errorf("%s", actionEx.StateInfo)

		if breakOn != "" {
			if ok, _ := h.eval.EvaluateBool(breakOn, input); ok {
				break
			}
		}
		if continueOn != "" {
			if ok, _ := h.eval.EvaluateBool(continueOn, input); !ok {
				break
			}
		}
		if attempt < attempts-1 && limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
	}

	if lastEx != nil && lastEx.State == model.StateSuccess {
		return lastEx, nil
	}
	return lastEx, lastErr
}

// runSubworkflow invokes a "workflow:" task's named sub-workflow
// synchronously through the same StartWorkflow path a top-level
// invocation uses, and folds its completion into the owning task's
// outcome. Engine's Dispatcher is itself synchronous in-process (see
// engine.go's doc comment), so this collapses the original engine's
// delayed-call-based send_result_to_parent_workflow notification into
// one call chain the same way action dispatch already does, rather
// than introducing a second, genuinely asynchronous completion path.
func (h *TaskHandler) runSubworkflow(ctx context.Context, wfEx *model.WorkflowExecution, taskEx *model.TaskExecution, spec *model.TaskSpec, input map[string]any, index *int) (map[string]any, error) {
	if h.startWorkflow == nil || h.defs == nil {
		return nil, fmt.Errorf("sub-workflow invocation is not configured")
	}
	def, err := h.defs.GetWorkflowDefinition(ctx, wfEx.ProjectID, spec.Workflow)
	if err != nil {
		return nil, fmt.Errorf("sub-workflow %q: %w", spec.Workflow, err)
	}

	childEx, err := h.startWorkflow(ctx, def, input, fmt.Sprintf("sub-workflow of %s (task %s)", wfEx.WorkflowName, spec.Name), nil, taskEx.ID, index)
	if err != nil {
		return nil, err
	}
	if childEx.State == model.StateError {
		return nil, fmt.Errorf("sub-workflow %q failed: %s", spec.Workflow, childEx.StateInfo)
	}
	return childEx.Output, nil
}

func (h *TaskHandler) publish(spec *model.TaskSpec, inContext map[string]any, result map[string]any) (map[string]any, error) {
	resolveCtx := cloneContext(inContext)
	resolveCtx[spec.Name] = result

	published, err := dataflow.ResolveInput(h.eval, spec.Publish, resolveCtx)
	if err != nil {
		return nil, err
	}
	return published, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

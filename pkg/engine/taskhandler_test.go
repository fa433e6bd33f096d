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
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/controller/backend/memory"
	"github.com/tombee/conductor/pkg/dataflow"
	"github.com/tombee/conductor/pkg/model"
)

func newTestTaskHandler(dispatch DispatcherFunc) (*TaskHandler, *memory.Backend) {
	store := memory.New()
	eval := dataflow.New()
	invoker := NewInvoker(store, dispatch, nil)
	return NewTaskHandler(store, store, eval, invoker, 0, nil), store
}

func wfExFor(name string) *model.WorkflowExecution {
	return &model.WorkflowExecution{ID: "wf-1", WorkflowName: name, ProjectID: "default"}
}

func TestTaskHandler_RetrySucceedsBeforeExhaustingCount(t *testing.T) {
	var calls int32
	dispatch := DispatcherFunc(func(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, fmt.Errorf("transient failure %d", n)
		}
		return map[string]any{"ok": true}, nil
	})
	h, _ := newTestTaskHandler(dispatch)

	spec := &model.TaskSpec{
		Name:   "flaky",
		Action: "std.whatever",
		Retry:  &model.RetrySpec{Count: 5},
	}
	taskEx, err := h.runIteration(context.Background(), wfExFor("w"), spec, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StateSuccess, taskEx.State)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestTaskHandler_RetryExhaustsCountThenErrors(t *testing.T) {
	var calls int32
	dispatch := DispatcherFunc(func(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("always fails")
	})
	h, _ := newTestTaskHandler(dispatch)

	spec := &model.TaskSpec{
		Name:   "doomed",
		Action: "std.whatever",
		Retry:  &model.RetrySpec{Count: 2},
	}
	taskEx, err := h.runIteration(context.Background(), wfExFor("w"), spec, map[string]any{}, nil)
	require.NoError(t, err, "runIteration reports task failure via taskEx.State, not a Go error")
	assert.Equal(t, model.StateError, taskEx.State)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "Count=2 means 3 total attempts")
}

func TestTaskHandler_RetryBreakOnStopsEarly(t *testing.T) {
	var calls int32
	dispatch := DispatcherFunc(func(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("fatal")
	})
	h, _ := newTestTaskHandler(dispatch)

	spec := &model.TaskSpec{
		Name:   "gives-up",
		Action: "std.whatever",
		Retry:  &model.RetrySpec{Count: 5, BreakOn: "true"},
	}
	taskEx, err := h.runIteration(context.Background(), wfExFor("w"), spec, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StateError, taskEx.State)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "break-on true after the first failed attempt stops retrying")
}

func TestTaskHandler_RetryContinueOnFalseStopsEarly(t *testing.T) {
	var calls int32
	dispatch := DispatcherFunc(func(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("fatal")
	})
	h, _ := newTestTaskHandler(dispatch)

	spec := &model.TaskSpec{
		Name:   "no-continue",
		Action: "std.whatever",
		Retry:  &model.RetrySpec{Count: 5, ContinueOn: "false"},
	}
	taskEx, err := h.runIteration(context.Background(), wfExFor("w"), spec, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StateError, taskEx.State)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTaskHandler_WithItemsFanOutRunsEachIteration(t *testing.T) {
	var calls int32
	dispatch := DispatcherFunc(func(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]any{"echoed": input["message"]}, nil
	})
	h, _ := newTestTaskHandler(dispatch)

	spec := &model.TaskSpec{
		Name:      "each",
		Action:    "std.whatever",
		WithItems: "item in <% $.items %>",
		Input:     map[string]any{"message": "<% $.item %>"},
	}
	results, err := h.Run(context.Background(), wfExFor("w"), spec, map[string]any{"items": []any{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, model.StateSuccess, r.State)
	}
}

func TestTaskHandler_SubworkflowLinksChildToOwningTask(t *testing.T) {
	h, store := newTestTaskHandler(DispatcherFunc(func(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
		t.Fatalf("workflow task must not dispatch an action")
		return nil, nil
	}))
	defineWorkflow(t, store, &model.WorkflowSpec{Name: "child", Type: model.WorkflowTypeDirect})

	var gotParentID string
	var gotIndex *int
	h.SetSubworkflowRunner(store, func(ctx context.Context, def *model.WorkflowDefinition, input map[string]any, description string, params map[string]any, parentTaskExecutionID string, parentIndex *int) (*model.WorkflowExecution, error) {
		gotParentID = parentTaskExecutionID
		gotIndex = parentIndex
		return &model.WorkflowExecution{ID: "child-1", State: model.StateSuccess, Output: map[string]any{}}, nil
	})

	spec := &model.TaskSpec{Name: "invoke_child", Workflow: "child"}
	taskEx, err := h.runIteration(context.Background(), wfExFor("w"), spec, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StateSuccess, taskEx.State)
	assert.Equal(t, taskEx.ID, gotParentID, "child's TaskExecutionID must reference the owning task (spec Invariant 2)")
	assert.Nil(t, gotIndex)
}

func TestTaskHandler_SubworkflowOverWithItemsPropagatesIndex(t *testing.T) {
	h, store := newTestTaskHandler(nil)
	defineWorkflow(t, store, &model.WorkflowSpec{Name: "child", Type: model.WorkflowTypeDirect})

	var gotIndexes []int
	h.SetSubworkflowRunner(store, func(ctx context.Context, def *model.WorkflowDefinition, input map[string]any, description string, params map[string]any, parentTaskExecutionID string, parentIndex *int) (*model.WorkflowExecution, error) {
		require.NotNil(t, parentIndex)
		gotIndexes = append(gotIndexes, *parentIndex)
		return &model.WorkflowExecution{ID: "child-" + fmt.Sprint(*parentIndex), State: model.StateSuccess, Output: map[string]any{}}, nil
	})

	spec := &model.TaskSpec{
		Name:      "invoke_each",
		Workflow:  "child",
		WithItems: "item in <% $.items %>",
		Input:     map[string]any{"item": "<% $.item %>"},
	}
	results, err := h.Run(context.Background(), wfExFor("w"), spec, map[string]any{"items": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.ElementsMatch(t, []int{0, 1}, gotIndexes, "each with-items iteration must report its own sibling index to the sub-workflow it invokes")
}

func TestTaskHandler_WaitBeforeParksThenClearsDelayedCall(t *testing.T) {
	dispatch := DispatcherFunc(func(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	h, store := newTestTaskHandler(dispatch)

	spec := &model.TaskSpec{
		Name:       "delayed",
		Action:     "std.whatever",
		WaitBefore: "0.01",
	}
	taskEx, err := h.runIteration(context.Background(), wfExFor("w"), spec, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StateSuccess, taskEx.State, "the task returns to its real terminal state once the wait completes")

	pending, err := store.ClaimDueDelayedCalls(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 0, "a wait that completes normally deletes its own DelayedCall row")
}

func TestTaskHandler_ReapOrphanedWaitMarksStrandedTaskAsError(t *testing.T) {
	h, store := newTestTaskHandler(nil)

	taskEx := &model.TaskExecution{
		ID:                  "task-1",
		Name:                "delayed",
		WorkflowExecutionID: "wf-1",
		State:               model.StateRunningDelayed,
	}
	require.NoError(t, store.CreateTaskExecution(context.Background(), taskEx))

	call := &model.DelayedCall{ID: "call-1", MethodArguments: map[string]any{"task_execution_id": "task-1"}}
	require.NoError(t, h.ReapOrphanedWait(context.Background(), call))

	got, err := store.GetTaskExecution(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, got.State)
	assert.NotEmpty(t, got.StateInfo)
}

func TestTaskHandler_ReapOrphanedWaitIsNoopOnceTaskMovedOn(t *testing.T) {
	h, store := newTestTaskHandler(nil)

	taskEx := &model.TaskExecution{
		ID:                  "task-2",
		Name:                "delayed",
		WorkflowExecutionID: "wf-1",
		State:               model.StateSuccess,
	}
	require.NoError(t, store.CreateTaskExecution(context.Background(), taskEx))

	call := &model.DelayedCall{ID: "call-2", MethodArguments: map[string]any{"task_execution_id": "task-2"}}
	require.NoError(t, h.ReapOrphanedWait(context.Background(), call))

	got, err := store.GetTaskExecution(context.Background(), "task-2")
	require.NoError(t, err)
	assert.Equal(t, model.StateSuccess, got.State, "a wait that already resumed normally must be left untouched")
}

func TestTaskHandler_FieldSizeLimitRejectsOversizedPublish(t *testing.T) {
	dispatch := DispatcherFunc(func(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
		return map[string]any{"big": "this published value is far larger than the configured sixteen byte limit"}, nil
	})
	store := memory.New()
	eval := dataflow.New()
	invoker := NewInvoker(store, dispatch, nil)
	h := NewTaskHandler(store, store, eval, invoker, 16, nil)

	spec := &model.TaskSpec{
		Name:    "over",
		Action:  "std.whatever",
		Publish: map[string]any{"out": "<% $.over.big %>"},
	}
	taskEx, err := h.runIteration(context.Background(), wfExFor("w"), spec, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StateError, taskEx.State)
}

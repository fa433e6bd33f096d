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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/pkg/model"
)

func createTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	be, err := New(Config{Path: dbPath, WAL: true})
	require.NoError(t, err)

	return be, dbPath
}

func TestSQLiteBackend_WorkflowExecutionCRUD(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	wfEx := &model.WorkflowExecution{
		ID:           "wf-exec-1",
		WorkflowName: "linear",
		State:        model.StateRunning,
		Input:        map[string]any{"from": "Neo"},
		Context:      map[string]any{},
	}

	require.NoError(t, be.CreateWorkflowExecution(ctx, wfEx))

	retrieved, err := be.GetWorkflowExecution(ctx, "wf-exec-1")
	require.NoError(t, err)
	assert.Equal(t, "linear", retrieved.WorkflowName)
	assert.Equal(t, model.StateRunning, retrieved.State)
	assert.Equal(t, "Neo", retrieved.Input["from"])

	retrieved.State = model.StateSuccess
	retrieved.Output = map[string]any{"result": "done"}
	retrieved.Accepted = true
	require.NoError(t, be.UpdateWorkflowExecution(ctx, retrieved))

	updated, err := be.GetWorkflowExecution(ctx, "wf-exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateSuccess, updated.State)
	assert.True(t, updated.Accepted)
	assert.Equal(t, "done", updated.Output["result"])
}

func TestSQLiteBackend_TaskExecutionLifecycle(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	wfEx := &model.WorkflowExecution{ID: "wf-exec-2", WorkflowName: "linear", State: model.StateRunning}
	require.NoError(t, be.CreateWorkflowExecution(ctx, wfEx))

	t1 := &model.TaskExecution{ID: "task-1", Name: "task1", WorkflowExecutionID: "wf-exec-2", State: model.StateRunning}
	t2 := &model.TaskExecution{ID: "task-2", Name: "task2", WorkflowExecutionID: "wf-exec-2", State: model.StateIdle}
	require.NoError(t, be.CreateTaskExecution(ctx, t1))
	require.NoError(t, be.CreateTaskExecution(ctx, t2))

	tasks, err := be.ListTaskExecutions(ctx, "wf-exec-2")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	t1.State = model.StateSuccess
	t1.Published = map[string]any{"hi": "Hi"}
	t1.Processed = true
	require.NoError(t, be.UpdateTaskExecution(ctx, t1))

	retrieved, err := be.GetTaskExecution(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateSuccess, retrieved.State)
	assert.True(t, retrieved.Processed)
	assert.Equal(t, "Hi", retrieved.Published["hi"])
}

func TestSQLiteBackend_ActionExecutionAccepted(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	a := &model.ActionExecution{ID: "action-1", Name: "std.echo", TaskExecutionID: "task-1", State: model.StateRunning}
	require.NoError(t, be.CreateActionExecution(ctx, a))

	a.State = model.StateSuccess
	a.Output = map[string]any{"result": "Hi"}
	a.Accepted = true
	require.NoError(t, be.UpdateActionExecution(ctx, a))

	retrieved, err := be.GetActionExecution(ctx, "action-1")
	require.NoError(t, err)
	assert.True(t, retrieved.Accepted)
	assert.Equal(t, "Hi", retrieved.Output["result"])

	list, err := be.ListActionExecutions(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteBackend_DelayedCallClaim(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	call := &model.DelayedCall{
		ID:               "delayed-1",
		TargetMethodName: "run_task",
		ExecutionTime:    time.Now().Add(-time.Second),
	}
	require.NoError(t, be.CreateDelayedCall(ctx, call))

	claimed, err := be.ClaimDueDelayedCalls(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.True(t, claimed[0].Processing)

	// A second claim attempt must not re-claim the same row.
	claimedAgain, err := be.ClaimDueDelayedCalls(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimedAgain, 0)

	require.NoError(t, be.DeleteDelayedCall(ctx, "delayed-1"))
}

func TestSQLiteBackend_ReclaimStale(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	call := &model.DelayedCall{
		ID:               "delayed-stale",
		TargetMethodName: "run_task",
		ExecutionTime:    time.Now().Add(-time.Hour),
	}
	require.NoError(t, be.CreateDelayedCall(ctx, call))

	_, err := be.ClaimDueDelayedCalls(ctx, 10)
	require.NoError(t, err)

	n, err := be.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := be.ClaimDueDelayedCalls(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestSQLiteBackend_CronTriggerAdvanceCAS(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	first := time.Now().Add(-time.Minute)
	trigger := &model.CronTrigger{
		ID:                "cron-1",
		Name:              "hourly",
		Pattern:           "0 * * * *",
		NextExecutionTime: first,
		WorkflowName:      "linear",
	}
	require.NoError(t, be.CreateCronTrigger(ctx, trigger))

	next := first.Add(time.Hour)
	won, err := be.AdvanceCronTrigger(ctx, "cron-1", first, next, nil)
	require.NoError(t, err)
	assert.True(t, won)

	// Reusing the stale previousFire must lose the race.
	wonAgain, err := be.AdvanceCronTrigger(ctx, "cron-1", first, next.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.False(t, wonAgain)

	due, err := be.GetDueCronTriggers(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, due, 0)
}

func TestSQLiteBackend_CronTriggerExhaustionDeletes(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	first := time.Now().Add(-time.Minute)
	remaining := 1
	trigger := &model.CronTrigger{
		ID:                  "cron-2",
		Name:                "once",
		Pattern:             "0 0 1 1 *",
		NextExecutionTime:   first,
		RemainingExecutions: &remaining,
		WorkflowName:        "linear",
	}
	require.NoError(t, be.CreateCronTrigger(ctx, trigger))

	zero := 0
	won, err := be.AdvanceCronTrigger(ctx, "cron-2", first, first, &zero)
	require.NoError(t, err)
	assert.True(t, won)

	due, err := be.GetDueCronTriggers(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, due, 0)
}

func TestSQLiteBackend_WorkflowLockSerializes(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	order := []int{}
	done := make(chan struct{}, 2)

	run := func(n int) {
		be.WithWorkflowLock(ctx, "wf-exec-lock", func(ctx context.Context) error {
			order = append(order, n)
			time.Sleep(10 * time.Millisecond)
			return nil
		})
		done <- struct{}{}
	}

	go run(1)
	go run(2)
	<-done
	<-done

	assert.Len(t, order, 2)
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "persist.db")
	cfg := Config{Path: dbPath, WAL: true}

	be1, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	wfEx := &model.WorkflowExecution{ID: "persist-wf", WorkflowName: "linear", State: model.StateSuccess}
	require.NoError(t, be1.CreateWorkflowExecution(ctx, wfEx))
	require.NoError(t, be1.Close())

	be2, err := New(cfg)
	require.NoError(t, err)
	defer be2.Close()

	retrieved, err := be2.GetWorkflowExecution(ctx, "persist-wf")
	require.NoError(t, err)
	assert.Equal(t, model.StateSuccess, retrieved.State)
}

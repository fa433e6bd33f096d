package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/pkg/model"
)

func TestBackend_WorkflowDefinitionRoundtrip(t *testing.T) {
	b := New()
	ctx := context.Background()

	def := &model.WorkflowDefinition{ID: "def-1", Name: "linear", ProjectID: "p1", Definition: "version: '2.0'"}
	require.NoError(t, b.CreateWorkflowDefinition(ctx, def))

	require.Error(t, b.CreateWorkflowDefinition(ctx, def))

	byName, err := b.GetWorkflowDefinition(ctx, "p1", "linear")
	require.NoError(t, err)
	assert.Equal(t, "def-1", byName.ID)

	byID, err := b.GetWorkflowDefinitionByID(ctx, "def-1")
	require.NoError(t, err)
	assert.Equal(t, "linear", byID.Name)

	_, err = b.GetWorkflowDefinition(ctx, "p1", "missing")
	assert.Error(t, err)
}

func TestBackend_EnvironmentUpsert(t *testing.T) {
	b := New()
	ctx := context.Background()

	env := &model.Environment{Name: "prod", ProjectID: "p1", Variables: map[string]any{"region": "us-east"}}
	require.NoError(t, b.SaveEnvironment(ctx, env))

	env.Variables["region"] = "eu-west"
	require.NoError(t, b.SaveEnvironment(ctx, env))

	retrieved, err := b.GetEnvironment(ctx, "p1", "prod")
	require.NoError(t, err)
	assert.Equal(t, "eu-west", retrieved.Variables["region"])
}

func TestBackend_TaskAndActionExecutionListing(t *testing.T) {
	b := New()
	ctx := context.Background()

	wfEx := &model.WorkflowExecution{ID: "wf-1", WorkflowName: "linear", State: model.StateRunning}
	require.NoError(t, b.CreateWorkflowExecution(ctx, wfEx))

	for _, name := range []string{"task1", "task2"} {
		require.NoError(t, b.CreateTaskExecution(ctx, &model.TaskExecution{
			ID: name, Name: name, WorkflowExecutionID: "wf-1", State: model.StateIdle,
		}))
	}

	tasks, err := b.ListTaskExecutions(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	require.NoError(t, b.CreateActionExecution(ctx, &model.ActionExecution{
		ID: "action-1", Name: "std.echo", TaskExecutionID: "task1", State: model.StateRunning,
	}))
	actions, err := b.ListActionExecutions(ctx, "task1")
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestBackend_DelayedCallClaimIsExclusive(t *testing.T) {
	b := New()
	ctx := context.Background()

	require.NoError(t, b.CreateDelayedCall(ctx, &model.DelayedCall{
		ID: "dc-1", TargetMethodName: "run_task", ExecutionTime: time.Now().Add(-time.Second),
	}))

	first, err := b.ClaimDueDelayedCalls(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := b.ClaimDueDelayedCalls(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, second, 0)
}

func TestBackend_AdvanceCronTriggerCAS(t *testing.T) {
	b := New()
	ctx := context.Background()

	first := time.Now().Add(-time.Minute)
	require.NoError(t, b.CreateCronTrigger(ctx, &model.CronTrigger{
		ID: "cron-1", Name: "hourly", NextExecutionTime: first, WorkflowName: "linear",
	}))

	next := first.Add(time.Hour)
	won, err := b.AdvanceCronTrigger(ctx, "cron-1", first, next, nil)
	require.NoError(t, err)
	assert.True(t, won)

	wonAgain, err := b.AdvanceCronTrigger(ctx, "cron-1", first, next.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.False(t, wonAgain)
}

func TestBackend_WithWorkflowLockSerializesConcurrentCallers(t *testing.T) {
	b := New()
	ctx := context.Background()

	var order []int
	done := make(chan struct{}, 2)
	run := func(n int) {
		b.WithWorkflowLock(ctx, "wf-1", func(ctx context.Context) error {
			order = append(order, n)
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

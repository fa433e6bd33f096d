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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/controller/backend/memory"
	"github.com/tombee/conductor/pkg/model"
)

func TestDelayedCallScheduler_DispatchesDueCallsToRegisteredTarget(t *testing.T) {
	store := memory.New()
	sched := NewDelayedCallScheduler(store, time.Hour, 0, nil)

	var got *model.DelayedCall
	sched.RegisterTarget("resume_task_after_wait", func(ctx context.Context, call *model.DelayedCall) error {
		got = call
		return nil
	})

	call := &model.DelayedCall{
		ID:               "call-1",
		TargetMethodName: "resume_task_after_wait",
		ExecutionTime:    time.Now().Add(-time.Second),
		MethodArguments:  map[string]any{"task_execution_id": "t1"},
	}
	require.NoError(t, store.CreateDelayedCall(context.Background(), call))

	sched.sweepOnce(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.MethodArguments["task_execution_id"])

	remaining, err := store.ClaimDueDelayedCalls(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 0, "dispatched call must be deleted regardless of target outcome")
}

func TestDelayedCallScheduler_UnknownTargetIsDroppedNotRetried(t *testing.T) {
	store := memory.New()
	sched := NewDelayedCallScheduler(store, time.Hour, 0, nil)

	call := &model.DelayedCall{
		ID:               "call-unknown",
		TargetMethodName: "nonexistent",
		ExecutionTime:    time.Now().Add(-time.Second),
	}
	require.NoError(t, store.CreateDelayedCall(context.Background(), call))

	sched.sweepOnce(context.Background())

	remaining, err := store.ClaimDueDelayedCalls(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 0)
}

func TestDelayedCallScheduler_ClaimIsExclusiveAcrossConcurrentSweeps(t *testing.T) {
	store := memory.New()
	var dispatches int32
	sched := NewDelayedCallScheduler(store, time.Hour, 0, nil)
	sched.RegisterTarget("resume_task_after_wait", func(ctx context.Context, call *model.DelayedCall) error {
		atomic.AddInt32(&dispatches, 1)
		return nil
	})

	for i := 0; i < 5; i++ {
		call := &model.DelayedCall{
			ID:               fmt.Sprintf("call-%d", i),
			TargetMethodName: "resume_task_after_wait",
			ExecutionTime:    time.Now().Add(-time.Second),
		}
		require.NoError(t, store.CreateDelayedCall(context.Background(), call))
	}

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			sched.sweepOnce(context.Background())
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&dispatches), "every call dispatched exactly once across concurrent sweeps")
}

func TestDelayedCallScheduler_ReclaimStaleReturnsClaimedRowToPending(t *testing.T) {
	store := memory.New()
	sched := NewDelayedCallScheduler(store, time.Hour, 10*time.Millisecond, nil)

	call := &model.DelayedCall{
		ID:               "call-stale",
		TargetMethodName: "resume_task_after_wait",
		ExecutionTime:    time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.CreateDelayedCall(context.Background(), call))

	claimed, err := store.ClaimDueDelayedCalls(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "claim marks the row processing before a target ever runs")

	// Simulate the handler crashing: the row stays processing=true and
	// is never deleted. Once staleness has elapsed, ReclaimStale must
	// make it claimable again.
	time.Sleep(20 * time.Millisecond)
	sched.reclaimOnce(context.Background())

	reclaimed, err := store.ClaimDueDelayedCalls(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, reclaimed, 1, "reclaimed row must be claimable again")
}

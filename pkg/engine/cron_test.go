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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/controller/backend/memory"
	"github.com/tombee/conductor/pkg/model"
)

func TestCronProcessor_FiresOnceThenAdvancesNextExecutionTime(t *testing.T) {
	store := memory.New()
	var fireCount int32
	p := NewCronProcessor(store, store, time.Hour, func(ctx context.Context, tr *model.CronTrigger) error {
		atomic.AddInt32(&fireCount, 1)
		return nil
	}, nil)

	first := time.Now().Add(-time.Minute)
	trigger := &model.CronTrigger{
		ID:                "cron-daily",
		Name:              "daily",
		Pattern:           "0 0 * * *", // next occurrence is always a future midnight
		NextExecutionTime: first,
		WorkflowName:      "linear",
	}
	require.NoError(t, store.CreateCronTrigger(context.Background(), trigger))

	p.sweepOnce(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fireCount))

	due, err := store.GetDueCronTriggers(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, due, 0, "trigger's next_execution_time must have advanced past now")
}

func TestCronProcessor_ExhaustedTriggerFiresExactlyOnceThenDeletes(t *testing.T) {
	store := memory.New()
	var fireCount int32
	p := NewCronProcessor(store, store, time.Hour, func(ctx context.Context, tr *model.CronTrigger) error {
		atomic.AddInt32(&fireCount, 1)
		return nil
	}, nil)

	remaining := 1
	first := time.Now().Add(-time.Minute)
	trigger := &model.CronTrigger{
		ID:                  "cron-once",
		Name:                "once",
		Pattern:             "* * * * *",
		NextExecutionTime:   first,
		RemainingExecutions: &remaining,
		WorkflowName:        "linear",
	}
	require.NoError(t, store.CreateCronTrigger(context.Background(), trigger))

	p.sweepOnce(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fireCount))

	due, err := store.GetDueCronTriggers(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, due, 0)

	// A second sweep must not find (and therefore not re-fire) the
	// now-deleted trigger.
	p.sweepOnce(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fireCount), "exhausted trigger must not fire again")
}

func TestCronProcessor_ConcurrentSweepsFireAtMostOnce(t *testing.T) {
	store := memory.New()
	var fireCount int32
	p := NewCronProcessor(store, store, time.Hour, func(ctx context.Context, tr *model.CronTrigger) error {
		atomic.AddInt32(&fireCount, 1)
		return nil
	}, nil)

	first := time.Now().Add(-time.Minute)
	trigger := &model.CronTrigger{
		ID:                "cron-race",
		Name:              "race",
		Pattern:           "0 0 1 1 *",
		NextExecutionTime: first,
		WorkflowName:      "linear",
	}
	require.NoError(t, store.CreateCronTrigger(context.Background(), trigger))

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			p.sweepOnce(context.Background())
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fireCount), "the CAS-advance must let only one concurrent sweep fire")
}

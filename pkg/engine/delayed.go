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
	"log/slog"
	"time"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/pkg/model"
)

// DelayedCallTarget runs one claimed DelayedCall's target function,
// looked up by the row's target_method_name. The only target registered
// in this repository is resume_task_after_wait (DelayedTargetResumeWait).
type DelayedCallTarget func(ctx context.Context, call *model.DelayedCall) error

// DelayedCallScheduler is the periodic sweeper of spec §4.7: it claims
// due, unprocessed DelayedCall rows and dispatches each to its
// registered target, deleting the row afterwards whether or not the
// target succeeded. The same run loop, on a second ticker, also reclaims
// rows stuck in processing=true past a staleness threshold, so a crashed
// handler's work is picked up again (spec §4.9).
type DelayedCallScheduler struct {
	store     backend.DelayedCallStore
	targets   map[string]DelayedCallTarget
	interval  time.Duration
	staleness time.Duration
	batchSize int
	log       *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDelayedCallScheduler creates a scheduler sweeping store every
// interval, reclaiming rows claimed longer than staleness ago.
func NewDelayedCallScheduler(store backend.DelayedCallStore, interval, staleness time.Duration, log *slog.Logger) *DelayedCallScheduler {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &DelayedCallScheduler{
		store:     store,
		targets:   make(map[string]DelayedCallTarget),
		interval:  interval,
		staleness: staleness,
		batchSize: 50,
		log:       log,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// RegisterTarget wires a target_method_name to its implementation.
func (s *DelayedCallScheduler) RegisterTarget(targetMethodName string, fn DelayedCallTarget) {
	s.targets[targetMethodName] = fn
}

// Start runs the sweep loop on its own goroutine until Stop is called
// or ctx is cancelled.
func (s *DelayedCallScheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *DelayedCallScheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *DelayedCallScheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	reclaimTicker := time.NewTicker(s.staleReclaimInterval())
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		case <-reclaimTicker.C:
			s.reclaimOnce(ctx)
		}
	}
}

func (s *DelayedCallScheduler) staleReclaimInterval() time.Duration {
	if s.staleness > 0 && s.staleness/2 > s.interval {
		return s.staleness / 2
	}
	return s.interval * 10
}

func (s *DelayedCallScheduler) sweepOnce(ctx context.Context) {
	calls, err := s.store.ClaimDueDelayedCalls(ctx, s.batchSize)
	if err != nil {
		s.log.Error("delayed call claim failed", "error", err)
		return
	}
	for _, call := range calls {
		s.dispatch(ctx, call)
	}
}

// dispatch resolves and invokes one claimed call's target, deleting the
// row regardless of outcome: per spec §4.7, retry semantics belong to
// the policy that scheduled the call (e.g. a retry's own count/delay),
// not to the scheduler re-attempting indefinitely.
func (s *DelayedCallScheduler) dispatch(ctx context.Context, call *model.DelayedCall) {
	fn, ok := s.targets[call.TargetMethodName]
	if !ok {
		delayedCallsDispatched.WithLabelValues("no_target").Inc()
		s.log.Error("delayed call has no registered target", "target", call.TargetMethodName, "id", call.ID)
		_ = s.store.DeleteDelayedCall(ctx, call.ID)
		return
	}
	if err := fn(ctx, call); err != nil {
		delayedCallsDispatched.WithLabelValues("error").Inc()
		s.log.Error("delayed call target failed", "target", call.TargetMethodName, "id", call.ID, "error", err)
	} else {
		delayedCallsDispatched.WithLabelValues("success").Inc()
	}
	_ = s.store.DeleteDelayedCall(ctx, call.ID)
}

func (s *DelayedCallScheduler) reclaimOnce(ctx context.Context) {
	if s.staleness <= 0 {
		return
	}
	n, err := s.store.ReclaimStale(ctx, s.staleness)
	if err != nil {
		s.log.Error("stale delayed call reclaim failed", "error", err)
		return
	}
	if n > 0 {
		delayedCallsReclaimed.Add(float64(n))
		s.log.Info("reclaimed stale delayed calls", "count", n)
	}
}

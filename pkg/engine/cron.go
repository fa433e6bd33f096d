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
	"github.com/tombee/conductor/internal/controller/scheduler"
	"github.com/tombee/conductor/pkg/model"
)

// CronProcessor is the periodic sweeper of spec §4.8: it selects due
// CronTrigger rows, computes each one's next firing time, and CAS-
// advances the row before firing the workflow, guaranteeing at-most-once
// firing across any number of engine replicas polling the same table.
type CronProcessor struct {
	store    backend.CronTriggerStore
	defs     backend.DefinitionStore
	fire     func(ctx context.Context, t *model.CronTrigger) error
	interval time.Duration
	log      *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCronProcessor creates a processor sweeping store every interval.
// fire is called only after a trigger's CAS advance succeeds, and is
// typically a closure over Engine.StartWorkflow.
func NewCronProcessor(store backend.CronTriggerStore, defs backend.DefinitionStore, interval time.Duration, fire func(ctx context.Context, t *model.CronTrigger) error, log *slog.Logger) *CronProcessor {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &CronProcessor{
		store:    store,
		defs:     defs,
		fire:     fire,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop on its own goroutine.
func (p *CronProcessor) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (p *CronProcessor) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *CronProcessor) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepOnce(ctx)
		}
	}
}

func (p *CronProcessor) sweepOnce(ctx context.Context) {
	due, err := p.store.GetDueCronTriggers(ctx, 100)
	if err != nil {
		cronSweepErrors.Inc()
		p.log.Error("cron trigger sweep failed", "error", err)
		return
	}
	for _, t := range due {
		if err := p.processOne(ctx, t); err != nil {
			cronSweepErrors.Inc()
			p.log.Error("cron trigger processing failed", "trigger", t.Name, "error", err)
		}
	}
}

// processOne implements the exact cron-advance algorithm of
// services/periodic.py: decrement remaining_executions first (if
// non-nil and positive), delete the trigger once it reaches exactly 0,
// otherwise compute the next fire time and CAS-update filtered on the
// trigger's previous next_execution_time. Only a successful CAS may
// fire the workflow.
func (p *CronProcessor) processOne(ctx context.Context, t *model.CronTrigger) error {
	cron, err := scheduler.ParseCron(t.Pattern)
	if err != nil {
		return err
	}

	previousFire := t.NextExecutionTime
	nextFire := cron.Next(previousFire)

	var remaining *int
	if t.RemainingExecutions != nil {
		r := *t.RemainingExecutions - 1
		remaining = &r
		if r <= 0 {
			won, err := p.store.AdvanceCronTrigger(ctx, t.ID, previousFire, previousFire, &r)
			if err != nil || !won {
				return err
			}
			return p.fireIfSet(ctx, t)
		}
	}

	won, err := p.store.AdvanceCronTrigger(ctx, t.ID, previousFire, nextFire, remaining)
	if err != nil || !won {
		return err
	}
	return p.fireIfSet(ctx, t)
}

func (p *CronProcessor) fireIfSet(ctx context.Context, t *model.CronTrigger) error {
	if p.fire == nil {
		return nil
	}
	cronTriggersFired.Inc()
	return p.fire(ctx, t)
}

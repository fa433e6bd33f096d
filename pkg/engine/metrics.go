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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ambient sweeper metrics. These are carried regardless of the REST/HTTP
// Non-goal, the same way the teacher exposes persistence-error counters
// independently of any API surface.
var (
	cronTriggersFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_cron_triggers_fired_total",
		Help: "Total cron triggers that won their CAS advance and started a workflow.",
	})
	cronSweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_cron_sweep_errors_total",
		Help: "Total errors encountered while sweeping or advancing cron triggers.",
	})
	delayedCallsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_delayed_calls_dispatched_total",
		Help: "Total claimed delayed calls dispatched to a target, by outcome.",
	}, []string{"outcome"})
	delayedCallsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_delayed_calls_reclaimed_total",
		Help: "Total delayed calls reclaimed from a stale processing claim.",
	})
)

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
	"strconv"

	"github.com/tombee/conductor/pkg/model"
)

// Command is the controller's tagged-variant output (spec §4.3). It is
// modeled as a closed interface with one implementing type per variant
// rather than a single struct with a kind field, so the dispatcher's
// switch is exhaustive-checkable and each variant only carries the
// fields it needs.
type Command interface {
	commandKey() string
}

// RunTask asks the dispatcher to start (or, for with-items, start one
// iteration of) a task.
type RunTask struct {
	Task    *model.TaskSpec
	Context map[string]any
	// Index is non-nil for a with-items iteration, carrying its sibling
	// position (stored as TaskExecution.RuntimeContext["index"]).
	Index *int
}

func (c *RunTask) commandKey() string {
	if c.Index != nil {
		return "run_task:" + c.Task.Name + ":" + strconv.Itoa(*c.Index)
	}
	return "run_task:" + c.Task.Name
}

// PauseWorkflow asks the dispatcher to transition the workflow to PAUSED.
type PauseWorkflow struct{}

func (PauseWorkflow) commandKey() string { return "pause_workflow" }

// FailWorkflow asks the dispatcher to transition the workflow to ERROR
// with Message as its state_info.
type FailWorkflow struct {
	Message string
}

func (FailWorkflow) commandKey() string { return "fail_workflow" }

// SucceedWorkflow asks the dispatcher to transition the workflow to
// SUCCESS, with Context as the basis for the declared `output:` binding.
type SucceedWorkflow struct {
	Context map[string]any
}

func (SucceedWorkflow) commandKey() string { return "succeed_workflow" }

// Noop means no action is currently required (e.g. the workflow is
// PAUSED, or every completed task is already processed and nothing is
// runnable yet).
type Noop struct{}

func (Noop) commandKey() string { return "noop" }

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

	"github.com/google/uuid"

	"github.com/tombee/conductor/internal/controller/backend"
	"github.com/tombee/conductor/pkg/model"
)

// Dispatcher routes an action invocation to whatever executes it: the
// in-process ActionRegistry for std.* actions, or (a collaborator's)
// gRPC/HTTP transport for out-of-process action executors. Both shapes
// satisfy the same interface so the Action Invoker never branches on
// locality (spec §4.5's "local and remote executors alike").
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, input map[string]any) (map[string]any, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, name string, input map[string]any) (map[string]any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	return f(ctx, name, input)
}

// Invoker runs one action execution to completion and persists its
// result. It is stateless between calls: every fact needed to resume
// after a crash (the ActionExecution row, accepted=false until the
// result is durably recorded) lives in the backend, not in memory, so
// a second invoker process picking up the same claimed work sees
// exactly the state the first one left behind (spec §4.5, Invariant 4).
type Invoker struct {
	store      backend.ExecutionStore
	dispatcher Dispatcher
	log        *slog.Logger
}

// NewInvoker creates an Invoker over store, dispatching every action
// through dispatcher.
func NewInvoker(store backend.ExecutionStore, dispatcher Dispatcher, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	return &Invoker{store: store, dispatcher: dispatcher, log: log}
}

// Invoke creates an ActionExecution for taskEx, runs name(input) via the
// dispatcher, and persists the outcome. It never returns the action's
// own error to the caller: a dispatch failure is folded into the
// returned ActionExecution's ERROR state and state_info, exactly like
// any other action outcome, so the Task Handler's success/error path is
// uniform regardless of why an action failed.
func (inv *Invoker) Invoke(ctx context.Context, taskExecutionID string, name string, input map[string]any) (*model.ActionExecution, error) {
	actionEx := &model.ActionExecution{
		ID:              uuid.NewString(),
		Name:            name,
		TaskExecutionID: taskExecutionID,
		Input:           input,
		State:           model.StateRunning,
	}
	if err := inv.store.CreateActionExecution(ctx, actionEx); err != nil {
		return nil, err
	}

	output, runErr := inv.dispatcher.Dispatch(ctx, name, input)

	if runErr != nil {
		actionEx.State = model.StateError
		actionEx.StateInfo = runErr.Error()
	} else {
		actionEx.State = model.StateSuccess
		actionEx.Output = output
	}
	// Accepted flips true only once the outcome is durably recorded;
	// a crash between Dispatch returning and this Update leaves the row
	// RUNNING/Accepted=false. Nothing in this package re-dispatches or
	// otherwise recovers such a row; no DelayedCall is created for it.
	actionEx.Accepted = true

	if err := inv.store.UpdateActionExecution(ctx, actionEx); err != nil {
		return nil, err
	}

	inv.log.Debug("action execution completed",
		"action", name, "task_execution_id", taskExecutionID, "state", actionEx.State)

	return actionEx, nil
}

// RegistryDispatcher adapts an ActionRegistry to the Dispatcher
// interface, the local-execution half of §4.5's dispatch story.
func RegistryDispatcher(r *ActionRegistry) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
		return r.Run(ctx, name, input)
	})
}

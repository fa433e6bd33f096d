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
	"strings"
	"sync"

	pkgerrors "github.com/tombee/conductor/pkg/errors"
)

// Action is a unit of work a task can invoke. Reference names are
// "namespace.operation", dispatched the same way internal/operation's
// connector registry dispatches "connector.operation".
type Action interface {
	// Run executes the action against resolved input and either returns
	// a result map or an error. A returned error marks the action
	// execution ERROR; the Action Invoker never panics a failure out to
	// the caller.
	Run(ctx context.Context, input map[string]any) (map[string]any, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

func (f ActionFunc) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}

// ActionRegistry holds the namespace.operation dispatch table. Unlike
// internal/operation's Registry, entries here are process-wide actions
// (std.echo, std.fail, ...), not per-workflow connector instances, so
// there is no LoadFromDefinition step: actions are registered once at
// startup.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]Action)}
}

// Register adds or replaces an action under a "namespace.operation" name.
func (r *ActionRegistry) Register(name string, a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = a
}

// Get retrieves an action by its full name.
func (r *ActionRegistry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actions[name]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "action", ID: name}
	}
	return a, nil
}

// Run resolves name and executes it against input.
func (r *ActionRegistry) Run(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return a.Run(ctx, input)
}

// parseActionName splits "namespace.operation" for actions that want to
// validate their own namespace; the registry itself dispatches on the
// full string so this is only used by composite/ad-hoc actions.
func parseActionName(name string) (namespace, operation string, err error) {
	i := strings.IndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("invalid action reference %q: must be namespace.operation", name)
	}
	return name[:i], name[i+1:], nil
}

// RegisterStandardActions wires the std.echo/std.fail/std.noop
// illustrative actions needed to drive the engine's end-to-end
// scenarios (spec Non-goals: no action implementations beyond these).
func RegisterStandardActions(r *ActionRegistry) {
	r.Register("std.echo", ActionFunc(stdEcho))
	r.Register("std.noop", ActionFunc(stdNoop))
	r.Register("std.fail", ActionFunc(stdFail))
}

// stdEcho returns its input unchanged under "result", the convention
// every other task's publish/output expressions read from.
func stdEcho(ctx context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{"result": input}, nil
}

func stdNoop(ctx context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

// stdFail always errors, taking an optional "message" input so test
// workflows can assert on a specific state_info string.
func stdFail(ctx context.Context, input map[string]any) (map[string]any, error) {
	msg := "std.fail invoked"
	if m, ok := input["message"].(string); ok && m != "" {
		msg = m
	}
	return nil, fmt.Errorf("%s", msg)
}

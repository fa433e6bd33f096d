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

package errors

import "fmt"

// ConflictError represents a failed optimistic concurrency check: a CAS
// write lost a race with another writer, or a unique-constraint insert
// collided with an existing row.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

// InvalidStateError represents an attempted state transition that the
// state machine does not allow. The mutation that triggered it never
// took place.
type InvalidStateError struct {
	Resource string
	ID       string
	From     string
	To       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s cannot transition from %s to %s", e.Resource, e.ID, e.From, e.To)
}

// SizeLimitError represents a long text/JSON field that exceeds the
// configured byte budget on write.
type SizeLimitError struct {
	Field    string
	LimitKB  int
	ActualKB int
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("field %s is %dKB, exceeds limit of %dKB", e.Field, e.ActualKB, e.LimitKB)
}

// DSLParseError represents a workflow/action definition that failed to
// parse, including version mismatches and schema violations.
type DSLParseError struct {
	Source string
	Reason string
	Cause  error
}

func (e *DSLParseError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("failed to parse %s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("failed to parse workflow definition: %s", e.Reason)
}

func (e *DSLParseError) Unwrap() error {
	return e.Cause
}

// ExpressionError represents a failure compiling or evaluating a
// data-flow expression (either dialect).
type ExpressionError struct {
	Expression string
	Cause      error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression %q failed: %s", e.Expression, e.Cause)
}

func (e *ExpressionError) Unwrap() error {
	return e.Cause
}

// ExecutorFailureError carries an action execution failure. It is never
// returned directly to an engine-facade caller: the controller folds it
// into task/workflow error-handling transitions and state_info instead.
type ExecutorFailureError struct {
	ActionExecutionID string
	Message           string
}

func (e *ExecutorFailureError) Error() string {
	return fmt.Sprintf("action execution %s failed: %s", e.ActionExecutionID, e.Message)
}

// TransientError represents a retryable infrastructure failure (DB
// connectivity hiccup, lock-wait timeout). The caller may retry a
// bounded number of times before it is surfaced as InvalidState.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %s", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

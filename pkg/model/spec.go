package model

// WorkflowType selects which workflow controller flavour drives a
// workflow execution (spec §4.3).
type WorkflowType string

const (
	WorkflowTypeDirect  WorkflowType = "direct"
	WorkflowTypeReverse WorkflowType = "reverse"
)

// WorkflowSpec is the parsed (post-YAML) form of one workflow entry
// under the DSL's top-level `workflows:` map.
type WorkflowSpec struct {
	Name         string
	Type         WorkflowType
	Input        []InputParam
	Output       map[string]string // name -> expression
	Vars         map[string]any
	TaskDefaults *TaskDefaults
	Tasks        map[string]*TaskSpec
}

// InputParam is one entry of a workflow's `input:` list: either a bare
// required name, or `{name: default}`.
type InputParam struct {
	Name     string
	HasDefault bool
	Default  any
}

// TaskDefaults carries task-spec fields that apply to every task in the
// workflow unless overridden.
type TaskDefaults struct {
	OnSuccess []TransitionTarget
	OnError   []TransitionTarget
	OnComplete []TransitionTarget
	Retry     *RetrySpec
	Timeout   *string // expression text, e.g. "30"
	WaitBefore *string
	WaitAfter  *string
	Concurrency *string
}

// TransitionTarget is one entry of an on-success/on-error/on-complete
// list: a bare task name, or `{name: guard-expr}`.
type TransitionTarget struct {
	TaskName string
	Guard    string // empty means unconditional
}

// JoinSpec selects how many upstream branches must complete before a
// join task becomes runnable.
type JoinSpec struct {
	Mode  JoinMode
	Count int // only meaningful when Mode == JoinCount
}

type JoinMode string

const (
	JoinAll   JoinMode = "all"
	JoinOne   JoinMode = "one"
	JoinCount JoinMode = "count"
)

// RetrySpec configures the retry policy.
type RetrySpec struct {
	Count      int
	Delay      string // expression text, seconds
	BreakOn    string // expression text
	ContinueOn string // expression text
}

// TaskSpec is the parsed form of one entry under `tasks:`.
type TaskSpec struct {
	Name   string
	Action string // expression-bearing "name" for an action invocation
	Workflow string // name of a sub-workflow to invoke instead of an action
	Input  map[string]any
	Publish map[string]any
	KeepResult bool // defaults true; false clears raw result after publish

	OnSuccess  []TransitionTarget
	OnError    []TransitionTarget
	OnComplete []TransitionTarget

	Join *JoinSpec

	WithItems   string // "i in <% ... %>" raw form
	Concurrency string // expression text

	WaitBefore string // expression text, seconds
	WaitAfter  string // expression text, seconds
	Timeout    string // expression text, seconds
	Retry      *RetrySpec

	PauseBefore string // expression text, boolean
	Target      string // reverse-workflow requested task name (top-level only)
}

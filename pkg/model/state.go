// Package model defines the persisted entities of the workflow engine:
// definitions, executions, delayed calls and cron triggers, along with
// the state machines that govern their lifecycle.
package model

// State is a workflow or task execution state.
type State string

const (
	StateIdle           State = "IDLE"
	StateRunning        State = "RUNNING"
	StateRunningDelayed State = "RUNNING_DELAYED"
	StateWaiting        State = "WAITING"
	StatePaused         State = "PAUSED"
	StateSuccess        State = "SUCCESS"
	StateError          State = "ERROR"
)

var validStates = map[State]bool{
	StateIdle:           true,
	StateRunning:        true,
	StateRunningDelayed: true,
	StateWaiting:        true,
	StatePaused:         true,
	StateSuccess:        true,
	StateError:          true,
}

func (s State) IsValid() bool {
	return validStates[s]
}

// IsTerminal reports whether no further transitions happen without an
// explicit rerun.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateError
}

func (s State) IsCompleted() bool {
	return s.IsTerminal()
}

func (s State) IsWaiting() bool {
	return s == StateWaiting
}

func (s State) IsPausedOrCompleted() bool {
	return s == StatePaused || s.IsTerminal()
}

// workflowTransitions and taskTransitions encode the two state machines
// from spec §4.2. Keys are "from->to"; value irrelevant, used as a set.
// Workflow executions use the first table, task executions the second
// (tasks additionally cycle through WAITING and RUNNING_DELAYED, which a
// workflow execution never enters).
var workflowTransitions = map[State]map[State]bool{
	StateIdle:    {StateRunning: true},
	StateRunning: {StateSuccess: true, StateError: true, StatePaused: true},
	StatePaused:  {StateRunning: true, StateError: true, StateSuccess: true},
	// Rerun and rollback re-enter RUNNING from a terminal state; that is
	// the only path out of SUCCESS/ERROR and is validated the same way as any other
	// transition so an accidental second rerun call is safe.
	StateSuccess: {StateRunning: true},
	StateError:   {StateRunning: true},
}

var taskTransitions = map[State]map[State]bool{
	StateIdle:           {StateRunning: true, StateWaiting: true},
	StateWaiting:        {StateRunning: true},
	StateRunning:        {StateSuccess: true, StateError: true, StateRunningDelayed: true, StateWaiting: true},
	StateRunningDelayed: {StateRunning: true, StateError: true},
	StateSuccess:        {StateRunning: true},
	StateError:          {StateRunning: true},
}

// IsValidWorkflowTransition reports whether a workflow execution may move
// from one state to another.
func IsValidWorkflowTransition(from, to State) bool {
	return workflowTransitions[from][to]
}

// IsValidTaskTransition reports whether a task execution may move from
// one state to another.
func IsValidTaskTransition(from, to State) bool {
	return taskTransitions[from][to]
}

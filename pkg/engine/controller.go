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
	"sort"

	"github.com/tombee/conductor/pkg/dataflow"
	"github.com/tombee/conductor/pkg/model"
)

// Reserved target task names that map to engine-level commands instead
// of a task lookup, mirroring the DSL's "on-success: succeed" shorthand.
const (
	targetSucceed = "succeed"
	targetFail    = "fail"
	targetPause   = "pause"
)

// Controller computes the next set of commands for a workflow execution
// (spec §4.3). Two flavours are selected by WorkflowSpec.Type: direct
// (explicit on-success/on-error/on-complete transitions) and reverse
// (a requested target task, dependencies solved backward).
type Controller interface {
	// ContinueWorkflow inspects taskExecs for newly-completed
	// (processed=false, terminal) tasks and returns the commands they
	// trigger, plus any join placeholders the caller must persist.
	ContinueWorkflow(wfEx *model.WorkflowExecution, taskExecs []*model.TaskExecution) (*ControllerResult, error)

	// AllErrorsHandled reports whether every ERROR task has a matching
	// on-error transition that was taken.
	AllErrorsHandled(wfEx *model.WorkflowExecution, taskExecs []*model.TaskExecution) bool

	// EvaluateWorkflowFinalContext builds the union of published
	// variables of reachable successful tasks, in completion order.
	EvaluateWorkflowFinalContext(wfEx *model.WorkflowExecution, taskExecs []*model.TaskExecution) map[string]any
}

// ControllerResult is the controller's full output for one
// ContinueWorkflow call.
type ControllerResult struct {
	Commands []Command

	// WaitingTasks are join placeholders (state WAITING) the caller
	// must create or update even when no RunTask fired for them this
	// round, so the join's inbound count survives to the next call.
	WaitingTasks []*model.TaskExecution
}

// DirectController implements the "direct" workflow type: on-success,
// on-error and on-complete transitions drive command generation.
type DirectController struct {
	eval *dataflow.Evaluator
}

// NewDirectController creates a direct-type controller using eval to
// evaluate transition guards.
func NewDirectController(eval *dataflow.Evaluator) *DirectController {
	return &DirectController{eval: eval}
}

// ContinueWorkflow implements the algorithm of spec §4.3:
//  1. PAUSED workflow emits nothing.
//  2. Newly-completed tasks (processed=false, terminal), tie-broken by
//     name ascending, each contribute their on-success/on-error/
//     on-complete transitions whose guard passes against the
//     post-publish context.
//  3. A transition targeting a join task only fires once the join
//     condition (all/N/one) is satisfied by inbound firings observed so
//     far; until then a WAITING placeholder tracks the running count.
//     A transition targeting a non-join task has no such gate: every
//     arriving branch runs it again, producing one TaskExecution per
//     arrival under the same task name.
//  4. A with-items task's N iteration rows (one TaskExecution per item,
//     all sharing the task's name) are not independent firings: they
//     are published as a single ordered list under the task's name and
//     contribute their on-success/on-error/on-complete transitions
//     exactly once for the whole fan-out, not once per iteration.
func (c *DirectController) ContinueWorkflow(wfEx *model.WorkflowExecution, taskExecs []*model.TaskExecution) (*ControllerResult, error) {
	if wfEx.State == model.StatePaused {
		return &ControllerResult{Commands: []Command{Noop{}}}, nil
	}

	spec := wfEx.Spec
	byName := indexTaskExecsByName(taskExecs)

	pending := make([]*model.TaskExecution, 0)
	for _, t := range taskExecs {
		if !t.Processed && t.State.IsTerminal() {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name < pending[j].Name })

	result := &ControllerResult{}
	ctx := cloneContext(wfEx.Context)

	// joinCounts tracks each join target's inbound-transition count across
	// this whole call, seeded from any existing WAITING placeholder. Two
	// sibling branches completing within the same ContinueWorkflow call
	// (spec §8's parallel-branches-plus-notify scenario) must accumulate
	// into the same counter rather than each computing count=1 off the
	// byName snapshot taken before the loop started, which would produce
	// two competing WAITING placeholders that never individually reach
	// the join threshold.
	joinCounts := make(map[string]int)
	fired := make(map[string]bool)
	for name, t := range byName {
		if t.State == model.StateWaiting {
			joinCounts[name] = joinCount(t)
		}
	}

	// pending is sorted by Name, so rows belonging to the same with-items
	// fan-out (which all share their task's Name) sit in one contiguous
	// run; group them so the fan-out is published and transitioned exactly
	// once instead of once per iteration. A non-with-items task can still
	// have more than one row under the same name (repeated non-join
	// fan-in, bullet 3 above) and those remain independent firings.
	for i := 0; i < len(pending); {
		name := pending[i].Name
		j := i + 1
		for j < len(pending) && pending[j].Name == name {
			j++
		}
		group := pending[i:j]
		i = j

		taskSpec := spec.Tasks[name]
		if taskSpec != nil && taskSpec.WithItems != "" {
			ctx = publishWithItemsGroup(ctx, group)
			if err := c.fireTransitions(spec, taskSpec, aggregateState(group), ctx, byName, joinCounts, fired, result); err != nil {
				return nil, err
			}
			continue
		}

		for _, taskEx := range group {
			ctx = dataflow.Publish(ctx, taskEx.Name, taskEx.Published[taskEx.Name], taskEx.Published, true)
			if taskSpec == nil {
				continue
			}
			if err := c.fireTransitions(spec, taskSpec, taskEx.State, ctx, byName, joinCounts, fired, result); err != nil {
				return nil, err
			}
		}
	}

	// Any join target touched this round but not fired still needs its
	// accumulated count persisted as a single WAITING placeholder.
	for name, count := range joinCounts {
		if fired[name] {
			continue
		}
		if existing, ok := byName[name]; ok && existing.State == model.StateWaiting && joinCount(existing) == count {
			continue
		}
		result.WaitingTasks = append(result.WaitingTasks, waitingPlaceholder(wfEx, name, count))
	}

	for _, name := range rootTaskNames(spec) {
		if _, ok := byName[name]; ok {
			continue
		}
		result.Commands = append(result.Commands, &RunTask{Task: spec.Tasks[name], Context: ctx})
	}

	if len(result.Commands) == 0 && len(result.WaitingTasks) == 0 {
		result.Commands = []Command{Noop{}}
	}
	return result, nil
}

// rootTaskNames returns every task with no predecessor anywhere in the
// spec's on-success/on-error/on-complete graph, sorted by name ascending
// (spec §4.3's tie-break rule). These are the entry points a direct
// workflow starts from on its very first ContinueWorkflow call; they are
// recomputed (and filtered against byName) on every call rather than
// cached, since the filter against already-created executions is what
// makes repeated bootstrapping idempotent.
func rootTaskNames(spec *model.WorkflowSpec) []string {
	var roots []string
	for name := range spec.Tasks {
		if countPredecessors(spec, name) == 0 {
			roots = append(roots, name)
		}
	}
	sort.Strings(roots)
	return roots
}

// fireTransitions evaluates one completed task's on-success/on-error/
// on-complete targets against ctx and appends whatever commands they
// resolve to onto result. Shared by the per-row path and the with-items
// group path so both contribute transitions the same way.
func (c *DirectController) fireTransitions(
	spec *model.WorkflowSpec,
	taskSpec *model.TaskSpec,
	state model.State,
	ctx map[string]any,
	byName map[string]*model.TaskExecution,
	joinCounts map[string]int,
	fired map[string]bool,
	result *ControllerResult,
) error {
	targets := selectTransitions(taskSpec, state)
	for _, t := range targets {
		ok, err := c.eval.EvaluateBool(t.Guard, ctx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		cmd, err := c.resolveTarget(t.TaskName, spec, byName, ctx, joinCounts, fired)
		if err != nil {
			return err
		}
		if cmd != nil {
			result.Commands = append(result.Commands, cmd)
		}
	}
	return nil
}

// aggregateState reports the terminal state a with-items task's fan-out
// presents to its transitions: ERROR if any iteration failed (on-error
// fires once for the whole task), SUCCESS otherwise.
func aggregateState(group []*model.TaskExecution) model.State {
	for _, t := range group {
		if t.State == model.StateError {
			return model.StateError
		}
	}
	return model.StateSuccess
}

// publishWithItemsGroup aggregates a with-items task's per-iteration
// TaskExecution rows into a single ordered list published under the
// task's name, per the with-items glossary entry: the task's result is
// the list of its iterations' results, ordered by with-items index, not
// whichever iteration's Publish call happened to run last. The vacuous
// zero-iteration completion (runEmptyWithItems) contributes an empty
// list rather than a one-element list holding a nil result.
func publishWithItemsGroup(ctx map[string]any, group []*model.TaskExecution) map[string]any {
	sorted := append([]*model.TaskExecution(nil), group...)
	sort.SliceStable(sorted, func(i, j int) bool { return withItemsIndex(sorted[i]) < withItemsIndex(sorted[j]) })

	list := []any{}
	merged := make(map[string]any)
	for _, t := range sorted {
		_, isVacuousPlaceholder := t.RuntimeContext["with_items_count"]
		if !isVacuousPlaceholder && t.State == model.StateSuccess {
			list = append(list, t.Published[t.Name])
		}
		for k, v := range t.Published {
			merged[k] = v
		}
	}
	return dataflow.Publish(ctx, sorted[0].Name, list, merged, true)
}

func withItemsIndex(t *model.TaskExecution) int {
	if v, ok := t.RuntimeContext["index"].(int); ok {
		return v
	}
	return -1
}

// resolveTarget turns one passing transition target into a command, or
// nil if it only advances a join counter that hasn't reached threshold
// yet (the caller persists joinCounts as a WAITING placeholder itself).
func (c *DirectController) resolveTarget(
	name string,
	spec *model.WorkflowSpec,
	byName map[string]*model.TaskExecution,
	ctx map[string]any,
	joinCounts map[string]int,
	fired map[string]bool,
) (Command, error) {
	switch name {
	case targetSucceed:
		return &SucceedWorkflow{Context: ctx}, nil
	case targetFail:
		return &FailWorkflow{Message: "workflow failed via on-error transition"}, nil
	case targetPause:
		return &PauseWorkflow{}, nil
	}

	targetSpec, ok := spec.Tasks[name]
	if !ok {
		return nil, nil
	}

	// A non-join target fires once per inbound transition: spec §8's
	// fan-in-without-join scenario requires one distinct TaskExecution
	// per arriving branch, so no idempotency guard applies here.
	if targetSpec.Join == nil {
		return &RunTask{Task: targetSpec, Context: ctx}, nil
	}

	// Idempotency: a join already resolved by a non-WAITING TaskExecution
	// has already run; a branch arriving in a later ContinueWorkflow call
	// must not re-fire it.
	if existing, ok := byName[name]; ok && existing.State != model.StateWaiting {
		return nil, nil
	}

	if fired[name] {
		return nil, nil // already satisfied and dispatched earlier this round
	}

	joinCounts[name]++
	required := joinRequired(targetSpec.Join, countPredecessors(spec, name))
	if joinCounts[name] < required {
		return nil, nil
	}

	fired[name] = true
	return &RunTask{Task: targetSpec, Context: ctx}, nil
}

// AllErrorsHandled reports whether every ERROR task has a taken
// on-error transition (tracked by Processed=true, since the controller
// only marks a task processed after emitting its transitions).
func (c *DirectController) AllErrorsHandled(wfEx *model.WorkflowExecution, taskExecs []*model.TaskExecution) bool {
	for _, t := range taskExecs {
		if t.State != model.StateError {
			continue
		}
		spec := wfEx.Spec.Tasks[t.Name]
		hasHandler := spec != nil && (len(spec.OnError) > 0 || len(spec.OnComplete) > 0)
		if !hasHandler || !t.Processed {
			return false
		}
	}
	return true
}

// EvaluateWorkflowFinalContext unions published variables of successful
// tasks in completion order (CreatedAt ascending), later writes winning
// on key collision. A with-items task's iteration rows publish once, as
// the aggregated list built from every row sharing its name, rather than
// once per iteration.
func (c *DirectController) EvaluateWorkflowFinalContext(wfEx *model.WorkflowExecution, taskExecs []*model.TaskExecution) map[string]any {
	ordered := make([]*model.TaskExecution, 0, len(taskExecs))
	for _, t := range taskExecs {
		if t.State == model.StateSuccess {
			ordered = append(ordered, t)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	ctx := cloneContext(wfEx.Context)
	seen := make(map[string]bool)
	for _, t := range ordered {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true

		taskSpec := wfEx.Spec.Tasks[t.Name]
		if taskSpec != nil && taskSpec.WithItems != "" {
			ctx = publishWithItemsGroup(ctx, sameNameGroup(taskExecs, t.Name))
			continue
		}
		ctx = dataflow.Publish(ctx, t.Name, t.Published[t.Name], t.Published, true)
	}
	return ctx
}

func sameNameGroup(taskExecs []*model.TaskExecution, name string) []*model.TaskExecution {
	var out []*model.TaskExecution
	for _, t := range taskExecs {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

func selectTransitions(spec *model.TaskSpec, state model.State) []model.TransitionTarget {
	var out []model.TransitionTarget
	switch state {
	case model.StateSuccess:
		out = append(out, spec.OnSuccess...)
	case model.StateError:
		out = append(out, spec.OnError...)
	}
	out = append(out, spec.OnComplete...)
	return out
}

func joinCount(placeholder *model.TaskExecution) int {
	if placeholder == nil || placeholder.RuntimeContext == nil {
		return 0
	}
	if v, ok := placeholder.RuntimeContext["join_count"].(int); ok {
		return v
	}
	return 0
}

func waitingPlaceholder(wfEx *model.WorkflowExecution, name string, count int) *model.TaskExecution {
	return &model.TaskExecution{
		Name:                name,
		WorkflowExecutionID: wfEx.ID,
		WorkflowName:        wfEx.WorkflowName,
		WorkflowID:          wfEx.WorkflowID,
		State:               model.StateWaiting,
		Processed:           false,
		RuntimeContext:      map[string]any{"join_count": count},
	}
}

// joinRequired resolves a JoinSpec against the number of distinct tasks
// that can transition into the join target.
func joinRequired(j *model.JoinSpec, predecessors int) int {
	switch j.Mode {
	case model.JoinOne:
		return 1
	case model.JoinCount:
		return j.Count
	default: // JoinAll
		if predecessors == 0 {
			return 1
		}
		return predecessors
	}
}

// countPredecessors counts distinct tasks whose on-success/on-error/
// on-complete lists name target, across the whole spec.
func countPredecessors(spec *model.WorkflowSpec, target string) int {
	seen := make(map[string]bool)
	for name, t := range spec.Tasks {
		for _, list := range [][]model.TransitionTarget{t.OnSuccess, t.OnError, t.OnComplete} {
			for _, tr := range list {
				if tr.TaskName == target {
					seen[name] = true
				}
			}
		}
	}
	return len(seen)
}

func indexTaskExecsByName(taskExecs []*model.TaskExecution) map[string]*model.TaskExecution {
	out := make(map[string]*model.TaskExecution, len(taskExecs))
	for _, t := range taskExecs {
		out[t.Name] = t
	}
	return out
}

func cloneContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

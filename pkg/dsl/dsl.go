// Package dsl parses the workflow definition YAML language described in
// spec §6: a `version: '2.0'` document with top-level `workflows:` and
// optional `actions:` maps.
package dsl

import (
	"fmt"

	"gopkg.in/yaml.v3"

	pkgerrors "github.com/tombee/conductor/pkg/errors"
	"github.com/tombee/conductor/pkg/model"
)

// SupportedVersion is the only DSL version this engine accepts. Anything
// else fails parsing with a DSLParseError, per spec §6.
const SupportedVersion = "2.0"

// rawDocument mirrors the top-level YAML shape before conversion into
// model types. Paired yaml/json tags follow the teacher's convention in
// the teacher's original workflow definition parser.
type rawDocument struct {
	Version   string                    `yaml:"version" json:"version"`
	Workflows map[string]rawWorkflow    `yaml:"workflows" json:"workflows"`
	Actions   map[string]rawActionDef   `yaml:"actions,omitempty" json:"actions,omitempty"`
}

type rawWorkflow struct {
	Type        string                    `yaml:"type"`
	Input       []any                     `yaml:"input"`
	Output      map[string]string         `yaml:"output"`
	Vars        map[string]any            `yaml:"vars"`
	TaskDefaults map[string]any           `yaml:"task-defaults"`
	Tasks       map[string]rawTask        `yaml:"tasks"`
}

type rawTask struct {
	Action      string         `yaml:"action"`
	Workflow    string         `yaml:"workflow"`
	Input       map[string]any `yaml:"input"`
	Publish     map[string]any `yaml:"publish"`
	KeepResult  *bool          `yaml:"keep-result"`
	OnSuccess   any            `yaml:"on-success"`
	OnError     any            `yaml:"on-error"`
	OnComplete  any            `yaml:"on-complete"`
	Join        any            `yaml:"join"`
	WithItems   string         `yaml:"with-items"`
	Concurrency any            `yaml:"concurrency"`
	WaitBefore  any            `yaml:"wait-before"`
	WaitAfter   any            `yaml:"wait-after"`
	Timeout     any            `yaml:"timeout"`
	Retry       *rawRetry      `yaml:"retry"`
	PauseBefore any            `yaml:"pause-before"`
	Target      string         `yaml:"target"`
}

type rawRetry struct {
	Count      int    `yaml:"count"`
	Delay      any    `yaml:"delay"`
	BreakOn    string `yaml:"break-on"`
	ContinueOn string `yaml:"continue-on"`
}

type rawActionDef struct {
	Description string   `yaml:"description"`
	Input       []string `yaml:"input"`
	BaseClass   string   `yaml:"base"`
	BaseInput   map[string]any `yaml:"base-input"`
}

// ParseWorkflows parses a DSL document and returns one *model.WorkflowSpec
// per entry under `workflows:`.
func ParseWorkflows(data []byte) (map[string]*model.WorkflowSpec, error) {
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &pkgerrors.DSLParseError{Reason: err.Error(), Cause: err}
	}

	if doc.Version != SupportedVersion {
		return nil, &pkgerrors.DSLParseError{
			Reason: fmt.Sprintf("unsupported DSL version %q, expected %q", doc.Version, SupportedVersion),
		}
	}

	specs := make(map[string]*model.WorkflowSpec, len(doc.Workflows))
	for name, raw := range doc.Workflows {
		spec, err := convertWorkflow(name, raw)
		if err != nil {
			return nil, err
		}
		specs[name] = spec
	}
	return specs, nil
}

func convertWorkflow(name string, raw rawWorkflow) (*model.WorkflowSpec, error) {
	wfType := model.WorkflowTypeDirect
	switch raw.Type {
	case "", "direct":
		wfType = model.WorkflowTypeDirect
	case "reverse":
		wfType = model.WorkflowTypeReverse
	default:
		return nil, &pkgerrors.DSLParseError{
			Source: name,
			Reason: fmt.Sprintf("unknown workflow type %q", raw.Type),
		}
	}

	input, err := convertInput(raw.Input)
	if err != nil {
		return nil, &pkgerrors.DSLParseError{Source: name, Reason: err.Error(), Cause: err}
	}

	defaults, err := convertTaskDefaults(raw.TaskDefaults)
	if err != nil {
		return nil, &pkgerrors.DSLParseError{Source: name, Reason: err.Error(), Cause: err}
	}

	tasks := make(map[string]*model.TaskSpec, len(raw.Tasks))
	for taskName, rt := range raw.Tasks {
		ts, err := convertTask(taskName, rt, defaults)
		if err != nil {
			return nil, &pkgerrors.DSLParseError{Source: name, Reason: err.Error(), Cause: err}
		}
		tasks[taskName] = ts
	}

	if len(tasks) == 0 {
		return nil, &pkgerrors.DSLParseError{Source: name, Reason: "workflow has no tasks"}
	}

	return &model.WorkflowSpec{
		Name:         name,
		Type:         wfType,
		Input:        input,
		Output:       raw.Output,
		Vars:         raw.Vars,
		TaskDefaults: defaults,
		Tasks:        tasks,
	}, nil
}

func convertInput(raw []any) ([]model.InputParam, error) {
	out := make([]model.InputParam, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, model.InputParam{Name: v})
		case map[string]any:
			for k, def := range v {
				out = append(out, model.InputParam{Name: k, HasDefault: true, Default: def})
			}
		default:
			return nil, fmt.Errorf("invalid input entry: %v", item)
		}
	}
	return out, nil
}

func convertTaskDefaults(raw map[string]any) (*model.TaskDefaults, error) {
	if raw == nil {
		return &model.TaskDefaults{}, nil
	}

	d := &model.TaskDefaults{}
	if v, ok := raw["on-success"]; ok {
		d.OnSuccess = convertTargets(v)
	}
	if v, ok := raw["on-error"]; ok {
		d.OnError = convertTargets(v)
	}
	if v, ok := raw["on-complete"]; ok {
		d.OnComplete = convertTargets(v)
	}
	if v, ok := raw["retry"]; ok {
		if m, ok := v.(map[string]any); ok {
			d.Retry = convertRetryMap(m)
		}
	}
	if v, ok := raw["timeout"]; ok {
		s := toExprString(v)
		d.Timeout = &s
	}
	if v, ok := raw["wait-before"]; ok {
		s := toExprString(v)
		d.WaitBefore = &s
	}
	if v, ok := raw["wait-after"]; ok {
		s := toExprString(v)
		d.WaitAfter = &s
	}
	if v, ok := raw["concurrency"]; ok {
		s := toExprString(v)
		d.Concurrency = &s
	}
	return d, nil
}

func convertTask(name string, raw rawTask, defaults *model.TaskDefaults) (*model.TaskSpec, error) {
	if raw.Action == "" && raw.Workflow == "" {
		return nil, fmt.Errorf("task %q declares neither action nor workflow", name)
	}

	ts := &model.TaskSpec{
		Name:        name,
		Action:      raw.Action,
		Workflow:    raw.Workflow,
		Input:       raw.Input,
		Publish:     raw.Publish,
		KeepResult:  true,
		WithItems:   raw.WithItems,
		Concurrency: toExprString(raw.Concurrency),
		WaitBefore:  toExprString(raw.WaitBefore),
		WaitAfter:   toExprString(raw.WaitAfter),
		Timeout:     toExprString(raw.Timeout),
		PauseBefore: toExprString(raw.PauseBefore),
		Target:      raw.Target,
	}
	if raw.KeepResult != nil {
		ts.KeepResult = *raw.KeepResult
	}

	ts.OnSuccess = firstNonEmpty(convertTargets(raw.OnSuccess), defaults.OnSuccess)
	ts.OnError = firstNonEmpty(convertTargets(raw.OnError), defaults.OnError)
	ts.OnComplete = firstNonEmpty(convertTargets(raw.OnComplete), defaults.OnComplete)

	if raw.Join != nil {
		js, err := convertJoin(raw.Join)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
		ts.Join = js
	}

	if raw.Retry != nil {
		ts.Retry = &model.RetrySpec{
			Count:      raw.Retry.Count,
			Delay:      toExprString(raw.Retry.Delay),
			BreakOn:    raw.Retry.BreakOn,
			ContinueOn: raw.Retry.ContinueOn,
		}
	} else if defaults.Retry != nil {
		ts.Retry = defaults.Retry
	}

	if ts.Timeout == "" && defaults.Timeout != nil {
		ts.Timeout = *defaults.Timeout
	}
	if ts.WaitBefore == "" && defaults.WaitBefore != nil {
		ts.WaitBefore = *defaults.WaitBefore
	}
	if ts.WaitAfter == "" && defaults.WaitAfter != nil {
		ts.WaitAfter = *defaults.WaitAfter
	}
	if ts.Concurrency == "" && defaults.Concurrency != nil {
		ts.Concurrency = *defaults.Concurrency
	}

	return ts, nil
}

func convertRetryMap(m map[string]any) *model.RetrySpec {
	r := &model.RetrySpec{}
	if v, ok := m["count"]; ok {
		if n, ok := v.(int); ok {
			r.Count = n
		}
	}
	if v, ok := m["delay"]; ok {
		r.Delay = toExprString(v)
	}
	if v, ok := m["break-on"]; ok {
		r.BreakOn, _ = v.(string)
	}
	if v, ok := m["continue-on"]; ok {
		r.ContinueOn, _ = v.(string)
	}
	return r
}

func convertTargets(raw any) []model.TransitionTarget {
	if raw == nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}

	out := make([]model.TransitionTarget, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, model.TransitionTarget{TaskName: v})
		case map[string]any:
			for name, guard := range v {
				out = append(out, model.TransitionTarget{TaskName: name, Guard: toExprString(guard)})
			}
		}
	}
	return out
}

func convertJoin(raw any) (*model.JoinSpec, error) {
	switch v := raw.(type) {
	case string:
		if v == "all" {
			return &model.JoinSpec{Mode: model.JoinAll}, nil
		}
		if v == "one" {
			return &model.JoinSpec{Mode: model.JoinOne}, nil
		}
		return nil, fmt.Errorf("invalid join value %q", v)
	case int:
		return &model.JoinSpec{Mode: model.JoinCount, Count: v}, nil
	case bool:
		if v {
			return &model.JoinSpec{Mode: model.JoinAll}, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid join value %v", raw)
	}
}

func firstNonEmpty(a, b []model.TransitionTarget) []model.TransitionTarget {
	if len(a) > 0 {
		return a
	}
	return b
}

func toExprString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

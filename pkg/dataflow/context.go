package dataflow

// Reserved context keys, mirroring spec §4.6's execution-context shape.
const (
	KeyExecution     = "__execution"
	KeyEnv           = "__env"
	KeyTaskExecution = "__task_execution_id"
)

// BuildInitialContext seeds a workflow execution's context from its
// input, environment and declared `vars:` block. Later task completions
// add one key per task name via Publish.
func BuildInitialContext(wfExID string, input, env, vars map[string]any) map[string]any {
	ctx := map[string]any{
		KeyExecution: map[string]any{"id": wfExID},
		KeyEnv:       cloneMap(env),
	}
	for k, v := range input {
		ctx[k] = v
	}
	for k, v := range vars {
		if _, exists := ctx[k]; !exists {
			ctx[k] = v
		}
	}
	return ctx
}

// ForTask returns a shallow copy of ctx with __task_execution_id set,
// used as a task's in_context / evaluation context while it runs.
func ForTask(ctx map[string]any, taskExecutionID string) map[string]any {
	out := cloneMap(ctx)
	out[KeyTaskExecution] = taskExecutionID
	return out
}

// Publish merges a task's result under its own name, then its declared
// publish mapping, into the shared context. Called once per completed
// task in completion order so that later tasks overwrite earlier ones on
// key collision, per spec §4.6.
//
// When keepResult is false the raw per-task key is removed before
// publish is merged in, leaving only the explicitly published variables
// (a published variable named like the task is kept)
// (spec §4.6's "keep-result=false clears result from context").
func Publish(ctx map[string]any, taskName string, result any, published map[string]any, keepResult bool) map[string]any {
	out := cloneMap(ctx)

	if keepResult {
		out[taskName] = result
	} else {
		delete(out, taskName)
	}

	for k, v := range published {
		out[k] = v
	}

	return out
}

// MergeOutput evaluates a workflow's declared `output:` expressions
// against its final context.
func MergeOutput(eval *Evaluator, outputSpec map[string]string, finalContext map[string]any) (map[string]any, error) {
	if len(outputSpec) == 0 {
		return map[string]any{}, nil
	}

	out := make(map[string]any, len(outputSpec))
	for name, exprText := range outputSpec {
		v, err := eval.Evaluate(exprText, finalContext)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// ResolveInput evaluates every value of a raw input mapping (task input,
// action input, with-items item expression, ...) against ctx. Scalars
// without "<%"/"$" markers pass through unevaluated, so plain literals
// in the DSL don't pay an evaluator round trip.
func ResolveInput(eval *Evaluator, raw map[string]any, ctx map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		resolved, err := resolveValue(eval, v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(eval *Evaluator, v any, ctx map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if isExpression(val) {
			return eval.Evaluate(val, ctx)
		}
		return val, nil
	case map[string]any:
		return ResolveInput(eval, val, ctx)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(eval, item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func isExpression(s string) bool {
	t := s
	for len(t) > 0 && (t[0] == ' ' || t[0] == '\t') {
		t = t[1:]
	}
	return len(t) >= 4 && t[:2] == "<%" && t[len(t)-2:] == "%>"
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

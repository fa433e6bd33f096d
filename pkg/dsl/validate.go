package dsl

import (
	"fmt"

	pkgerrors "github.com/tombee/conductor/pkg/errors"
	"github.com/tombee/conductor/pkg/model"
)

// ValidateInput checks a start_workflow input payload against a
// workflow's declared `input:` list (spec §4.1): every parameter
// without a default must be present, and no unknown extra parameter may
// be passed unless allowExtra is set. Defaults are filled into a copy of
// input that is returned to the caller.
func ValidateInput(spec *model.WorkflowSpec, input map[string]any, allowExtra bool) (map[string]any, error) {
	resolved := make(map[string]any, len(input))
	for k, v := range input {
		resolved[k] = v
	}

	declared := make(map[string]bool, len(spec.Input))
	for _, p := range spec.Input {
		declared[p.Name] = true
		if _, present := resolved[p.Name]; !present {
			if p.HasDefault {
				resolved[p.Name] = p.Default
				continue
			}
			return nil, &pkgerrors.ValidationError{
				Field:      p.Name,
				Message:    fmt.Sprintf("missing required input parameter %q for workflow %q", p.Name, spec.Name),
				Suggestion: "provide a value for this parameter or give it a default in the workflow definition",
			}
		}
	}

	if !allowExtra {
		for k := range input {
			if !declared[k] {
				return nil, &pkgerrors.ValidationError{
					Field:      k,
					Message:    fmt.Sprintf("unexpected input parameter %q for workflow %q", k, spec.Name),
					Suggestion: "remove the parameter, or add it to the workflow's input: list",
				}
			}
		}
	}

	return resolved, nil
}

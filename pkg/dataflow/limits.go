package dataflow

import (
	"encoding/json"
	"fmt"

	pkgerrors "github.com/tombee/conductor/pkg/errors"
)

// CheckFieldSize rejects v if its JSON encoding exceeds limitBytes. A
// limitBytes of 0 or less disables the check. It guards the
// Context/Input/Output/Published fields a TaskExecution or
// WorkflowExecution carries, so a runaway action output or with-items
// fan-out can't grow a persisted row without bound.
func CheckFieldSize(field string, v any, limitBytes int64) error {
	if limitBytes <= 0 || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return &pkgerrors.ExpressionError{Expression: field, Cause: err}
	}
	if int64(len(data)) > limitBytes {
		return &pkgerrors.ExpressionError{
			Expression: field,
			Cause:      fmt.Errorf("field %q is %d bytes, exceeds limit of %d bytes", field, len(data), limitBytes),
		}
	}
	return nil
}

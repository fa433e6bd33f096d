package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/pkg/model"
)

const linearDataflowYAML = `
version: '2.0'

workflows:
  linear:
    type: direct
    input:
      - from
    tasks:
      task1:
        action: std.echo
        input:
          output: "Hi"
        publish:
          hi: <% $.task1 %>
        on-success:
          - task2
      task2:
        action: std.echo
        input:
          output: "Morpheus"
        publish:
          to: <% $.task2 %>
        on-success:
          - task3
      task3:
        action: std.echo
        input:
          output: "result"
        publish:
          result: <% $.hi %>, <% $.to %>! Your <% $.from %>.
`

func TestParseWorkflows_Linear(t *testing.T) {
	specs, err := ParseWorkflows([]byte(linearDataflowYAML))
	require.NoError(t, err)

	wf, ok := specs["linear"]
	require.True(t, ok)
	assert.Equal(t, model.WorkflowTypeDirect, wf.Type)
	require.Len(t, wf.Tasks, 3)

	task1 := wf.Tasks["task1"]
	require.NotNil(t, task1)
	assert.Equal(t, "std.echo", task1.Action)
	require.Len(t, task1.OnSuccess, 1)
	assert.Equal(t, "task2", task1.OnSuccess[0].TaskName)
}

func TestParseWorkflows_RejectsUnsupportedVersion(t *testing.T) {
	_, err := ParseWorkflows([]byte("version: '1.0'\nworkflows: {}\n"))
	assert.Error(t, err)
}

func TestParseWorkflows_RejectsEmptyTasks(t *testing.T) {
	_, err := ParseWorkflows([]byte("version: '2.0'\nworkflows:\n  empty:\n    tasks: {}\n"))
	assert.Error(t, err)
}

func TestValidateInput_MissingRequired(t *testing.T) {
	spec := &model.WorkflowSpec{
		Name:  "w",
		Input: []model.InputParam{{Name: "from"}},
	}

	_, err := ValidateInput(spec, map[string]any{}, false)
	assert.Error(t, err)
}

func TestValidateInput_AppliesDefaults(t *testing.T) {
	spec := &model.WorkflowSpec{
		Name:  "w",
		Input: []model.InputParam{{Name: "from", HasDefault: true, Default: "Neo"}},
	}

	resolved, err := ValidateInput(spec, map[string]any{}, false)
	require.NoError(t, err)
	assert.Equal(t, "Neo", resolved["from"])
}

func TestValidateInput_RejectsUnknownExtra(t *testing.T) {
	spec := &model.WorkflowSpec{Name: "w"}

	_, err := ValidateInput(spec, map[string]any{"bogus": 1}, false)
	assert.Error(t, err)
}

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

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowError_Error(t *testing.T) {
	err := &WorkflowError{Code: CodeUnknownStepType, StepID: "s1", Message: "no handler for type foo"}
	assert.Contains(t, err.Error(), CodeUnknownStepType)
	assert.Contains(t, err.Error(), "s1")
}

func TestVariableResolutionError_Error(t *testing.T) {
	err := &VariableResolutionError{Ref: "step1.data.rows", StepID: "s2", Reason: "no output for step1"}
	assert.Contains(t, err.Error(), "{{step1.data.rows}}")
	assert.Contains(t, err.Error(), "s2")
	assert.Contains(t, err.Error(), "no output for step1")
}

func TestExecutionError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := &ExecutionError{Code: CodePluginFailed, Plugin: "gmail", Action: "list_emails", Message: "boom", Cause: cause}
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "gmail.list_emails")
}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"workflow error", &WorkflowError{Code: CodeUnknownStepType}, CodeUnknownStepType},
		{"execution error", &ExecutionError{Code: CodePluginFailed}, CodePluginFailed},
		{"resolution error", &VariableResolutionError{Ref: "x"}, CodeVariableResolution},
		{"condition error", &ConditionError{Expression: "a > b"}, CodeConditionFailed},
		{"validation error", &ValidationError{Field: "input"}, CodeValidationFailed},
		{"wrapped execution error", Wrap(&ExecutionError{Code: CodeLLMFailed}, "step failed"), CodeLLMFailed},
		{"plain error", fmt.Errorf("boom"), ""},
		{"nil-safe wrap", Wrap(nil, "ignored"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

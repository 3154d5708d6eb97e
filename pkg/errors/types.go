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

// Package errors defines the typed error taxonomy used across the pilot
// engine. Handlers return these types; the dispatcher inspects them to decide
// between fatal failure, continue-on-error, and calibration collection.
package errors

import (
	"fmt"
)

// Error codes attached to step outputs and WorkflowError values.
const (
	CodeUnknownStepType       = "UNKNOWN_STEP_TYPE"
	CodeInvalidTransformInput = "INVALID_TRANSFORM_INPUT"
	CodeVariableResolution    = "VARIABLE_RESOLUTION_FAILED"
	CodeConditionFailed       = "CONDITION_EVALUATION_FAILED"
	CodePluginFailed          = "PLUGIN_EXECUTION_FAILED"
	CodeLLMFailed             = "LLM_EXECUTION_FAILED"
	CodeSchemaValidation      = "SCHEMA_VALIDATION_FAILED"
	CodeDependencyFailed      = "DEPENDENCY_FAILED"
	CodeCircuitOpen           = "CIRCUIT_OPEN"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeCancelled             = "EXECUTION_CANCELLED"
)

// WorkflowError is the base error for engine failures. It carries a stable
// code for step metadata, the step it originated from, and optional details
// for diagnostics.
type WorkflowError struct {
	// Code is a stable machine-readable error code (see Code* constants)
	Code string

	// StepID identifies the step the error originated from (may be empty)
	StepID string

	// Message is the human-readable error description
	Message string

	// Details carries structured diagnostic data
	Details map[string]interface{}

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s (step %s): %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// ValidationError represents invalid step shapes or parameters.
// Use this for malformed definitions, missing required config, or
// constraint violations. Fatal for the step.
type ValidationError struct {
	// Field identifies which field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ExecutionError represents a failure of the step's underlying call: a
// plugin error, an LLM failure, or bad transform input. Default fatal
// unless the step declares continue_on_error.
type ExecutionError struct {
	// Code is a stable machine-readable error code (see Code* constants)
	Code string

	// StepID identifies the failing step
	StepID string

	// Plugin and Action identify the connector call, when applicable
	Plugin string
	Action string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	msg := "execution failed"
	if e.Plugin != "" {
		msg = fmt.Sprintf("%s for %s.%s", msg, e.Plugin, e.Action)
	}
	if e.StepID != "" {
		msg = fmt.Sprintf("%s (step %s)", msg, e.StepID)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// VariableResolutionError represents a {{...}} reference that could not be
// resolved against the execution context. Always fatal for the step: a step
// must never observe a silently-undefined reference.
type VariableResolutionError struct {
	// Ref is the unresolved reference path (without braces)
	Ref string

	// StepID is the step whose parameters contained the reference (may be empty)
	StepID string

	// Reason explains why resolution failed
	Reason string
}

// Error implements the error interface.
func (e *VariableResolutionError) Error() string {
	msg := fmt.Sprintf("cannot resolve variable {{%s}}", e.Ref)
	if e.StepID != "" {
		msg = fmt.Sprintf("%s in step %s", msg, e.StepID)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	return msg
}

// ConditionError represents a predicate that could not be evaluated:
// a bad operator, non-comparable operands, or a broken expression.
type ConditionError struct {
	// Expression is the condition source text or operator description
	Expression string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition %q failed: %s", e.Expression, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConditionError) Unwrap() error {
	return e.Cause
}

// ConfigError represents engine configuration problems, such as a missing
// runtime dependency (plugin runtime, LLM runtime) on the executor.
type ConfigError struct {
	// Key is the configuration key that has the problem
	Key string

	// Reason explains what's wrong
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

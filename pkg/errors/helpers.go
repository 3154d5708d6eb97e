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
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree matching the target type.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Code extracts the stable error code from an error tree, if any.
// Returns an empty string when no typed engine error is present.
func Code(err error) string {
	var wf *WorkflowError
	if errors.As(err, &wf) {
		return wf.Code
	}
	var exec *ExecutionError
	if errors.As(err, &exec) {
		return exec.Code
	}
	var vre *VariableResolutionError
	if errors.As(err, &vre) {
		return CodeVariableResolution
	}
	var ce *ConditionError
	if errors.As(err, &ce) {
		return CodeConditionFailed
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CodeValidationFailed
	}
	return ""
}

package pilot

import (
	"strings"

	"github.com/tombee/pilot/pkg/errors"
)

// Failure categories assigned during batch calibration. Execution errors
// carry a subtype qualifying the transient cause.
const (
	FailureExecutionError    = "execution_error"
	FailureDataShapeMismatch = "data_shape_mismatch"
	FailureDataUnavailable   = "data_unavailable"
	FailureLogicError        = "logic_error"
	FailureCapabilityGap     = "capability_mismatch"
	FailureMissingStep       = "missing_step"
	FailureInvalidStepOrder  = "invalid_step_order"
)

// Execution-error subtypes.
const (
	SubtypeAuth      = "auth"
	SubtypeTimeout   = "timeout"
	SubtypeRateLimit = "rate_limit"
	SubtypeParameter = "parameter"
)

// CollectedIssue is one classified failure gathered while running in
// batch calibration mode.
type CollectedIssue struct {
	Category            string   `json:"category"`
	Subtype             string   `json:"subtype,omitempty"`
	Severity            string   `json:"severity"`
	AffectedSteps       []string `json:"affected_steps"`
	Message             string   `json:"message"`
	SuggestedFix        string   `json:"suggested_fix,omitempty"`
	AutoRepairAvailable bool     `json:"auto_repair_available"`
}

// ClassifyError maps a step failure to a calibration category and
// subtype. Classification is by error code first, then by message
// keywords.
func ClassifyError(stepID string, err error) CollectedIssue {
	issue := CollectedIssue{
		Category:      FailureExecutionError,
		Severity:      "error",
		AffectedSteps: []string{stepID},
	}
	if err == nil {
		return issue
	}
	issue.Message = err.Error()
	msg := strings.ToLower(issue.Message)

	switch errors.Code(err) {
	case errors.CodeVariableResolution:
		issue.Category = FailureDataUnavailable
		issue.SuggestedFix = "verify the referenced step produced output and the path exists"
		return issue
	case errors.CodeInvalidTransformInput:
		issue.Category = FailureDataShapeMismatch
		issue.SuggestedFix = "inspect the upstream output shape; an unwrap or map step may be needed"
		issue.AutoRepairAvailable = true
		return issue
	case errors.CodeConditionFailed:
		issue.Category = FailureLogicError
		return issue
	case errors.CodeUnknownStepType:
		issue.Category = FailureCapabilityGap
		return issue
	case errors.CodeDependencyFailed:
		issue.Category = FailureInvalidStepOrder
		return issue
	case errors.CodeSchemaValidation:
		issue.Category = FailureDataShapeMismatch
		issue.AutoRepairAvailable = true
		return issue
	}

	switch {
	case containsAny(msg, "unauthorized", "forbidden", "401", "403", "invalid credentials", "authentication"):
		issue.Subtype = SubtypeAuth
		issue.SuggestedFix = "reconnect the plugin credentials"
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		issue.Subtype = SubtypeTimeout
		issue.AutoRepairAvailable = true
	case containsAny(msg, "rate limit", "429", "too many requests", "quota"):
		issue.Subtype = SubtypeRateLimit
		issue.AutoRepairAvailable = true
	case containsAny(msg, "invalid parameter", "missing parameter", "missing required", "bad request", "400"):
		issue.Subtype = SubtypeParameter
		issue.SuggestedFix = "check the step params against the plugin action schema"
		issue.AutoRepairAvailable = true
	case containsAny(msg, "not found", "404", "no such", "does not exist", "empty result"):
		issue.Category = FailureDataUnavailable
	case containsAny(msg, "cannot read", "undefined", "not an array", "expected array", "wrong type", "type mismatch"):
		issue.Category = FailureDataShapeMismatch
		issue.AutoRepairAvailable = true
	case containsAny(msg, "unknown action", "unsupported", "not implemented", "no plugin"):
		issue.Category = FailureCapabilityGap
	case containsAny(msg, "depends on", "dependency"):
		issue.Category = FailureInvalidStepOrder
	}
	return issue
}

// ShouldContinueCalibration reports whether calibration should keep
// executing downstream steps after this classified failure. Structural
// problems stop the run; transient and data problems continue so one
// pass surfaces as many issues as possible.
func ShouldContinueCalibration(issue CollectedIssue) bool {
	switch issue.Category {
	case FailureLogicError, FailureCapabilityGap, FailureMissingStep, FailureInvalidStepOrder:
		return false
	case FailureExecutionError:
		return issue.Subtype != SubtypeAuth
	default:
		return true
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

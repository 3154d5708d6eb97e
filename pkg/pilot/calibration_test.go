package pilot

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/pilot/pkg/errors"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCategory string
		wantSubtype  string
		wantContinue bool
	}{
		{
			name:         "auth failure stops the run",
			err:          stderrors.New("plugin returned 401 unauthorized"),
			wantCategory: FailureExecutionError,
			wantSubtype:  SubtypeAuth,
			wantContinue: false,
		},
		{
			name:         "timeout continues",
			err:          stderrors.New("context deadline exceeded"),
			wantCategory: FailureExecutionError,
			wantSubtype:  SubtypeTimeout,
			wantContinue: true,
		},
		{
			name:         "rate limit continues",
			err:          stderrors.New("429 too many requests"),
			wantCategory: FailureExecutionError,
			wantSubtype:  SubtypeRateLimit,
			wantContinue: true,
		},
		{
			name:         "unresolved reference is data unavailable",
			err:          &errors.VariableResolutionError{Ref: "{{step1.data.items}}", Reason: "step not executed"},
			wantCategory: FailureDataUnavailable,
			wantContinue: true,
		},
		{
			name: "transform shape error",
			err: &errors.WorkflowError{
				Code:    errors.CodeInvalidTransformInput,
				Message: "map requires an array input",
			},
			wantCategory: FailureDataShapeMismatch,
			wantContinue: true,
		},
		{
			name:         "capability gap stops",
			err:          stderrors.New("unknown action list_invoices_v2"),
			wantCategory: FailureCapabilityGap,
			wantContinue: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := ClassifyError("s1", tt.err)
			assert.Equal(t, tt.wantCategory, issue.Category)
			assert.Equal(t, tt.wantSubtype, issue.Subtype)
			assert.Equal(t, []string{"s1"}, issue.AffectedSteps)
			assert.Equal(t, tt.wantContinue, ShouldContinueCalibration(issue))
		})
	}
}

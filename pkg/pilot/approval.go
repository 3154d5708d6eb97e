package pilot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/pilot/internal/notify"
	"github.com/tombee/pilot/pkg/errors"
)

// DefaultApprovalTimeout bounds how long a human_approval step waits
// when the definition does not set one.
const DefaultApprovalTimeout = 24 * time.Hour

// handleApproval registers a pending approval, fans notifications out to
// the configured channels, and blocks until a decision arrives or the
// wait times out. The step's on_timeout policy decides what a timeout
// means: approve, reject, or fail (default).
func (e *Engine) handleApproval(ctx context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	if e.approvals == nil {
		return nil, &errors.ConfigError{Key: "approvals", Reason: "human_approval steps require an approval tracker"}
	}
	if len(step.Approvers) == 0 {
		return nil, &errors.ValidationError{
			Field:      "approvers",
			Message:    "human_approval step has no approvers",
			Suggestion: "list at least one approver identity",
		}
	}

	title := step.Title
	if title == "" {
		title = step.Name
	}
	if resolved, err := e.resolver.ResolveAllVariables(title, ec, scope); err == nil {
		title = asString(resolved)
	}
	message := step.Message
	if resolved, err := e.resolver.ResolveAllVariables(message, ec, scope); err == nil {
		message = asString(resolved)
	}

	approvalType := step.ApprovalType
	if approvalType == "" {
		approvalType = "any"
	}

	wait := DefaultApprovalTimeout
	if step.Timeout > 0 {
		wait = time.Duration(step.Timeout) * time.Second
	}
	now := time.Now().UTC()

	req := ApprovalRequest{
		ApprovalID:   uuid.NewString(),
		ExecutionID:  ec.ExecutionID,
		StepID:       step.ID,
		Title:        title,
		Message:      message,
		Context:      approvalContext(step, ec),
		Approvers:    step.Approvers,
		ApprovalType: approvalType,
		ExpiresAt:    now.Add(wait).Format(time.RFC3339),
		CreatedAt:    now.Format(time.RFC3339),
	}

	approvalID, err := e.approvals.Request(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("registering approval: %w", err)
	}
	if approvalID == "" {
		approvalID = req.ApprovalID
	}
	req.ApprovalID = approvalID

	e.notifyApprovers(ctx, step, req)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	decision, err := e.approvals.Await(waitCtx, approvalID)
	if err != nil {
		if waitCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return e.resolveTimeout(step, approvalID, req)
		}
		return nil, &errors.WorkflowError{
			Code:    errors.CodeCancelled,
			StepID:  step.ID,
			Message: "approval wait interrupted",
			Cause:   err,
		}
	}

	approved := decision == "approved"
	result := map[string]interface{}{
		"approvalId": approvalID,
		"decision":   decision,
		"approved":   approved,
		"approvers":  toInterfaceStrings(step.Approvers),
	}
	if !approved {
		return result, &errors.WorkflowError{
			Code:    errors.CodeConditionFailed,
			StepID:  step.ID,
			Message: fmt.Sprintf("approval %s was rejected", approvalID),
			Details: result,
		}
	}
	return result, nil
}

// resolveTimeout applies the step's on_timeout policy once the wait
// deadline passes without a decision.
func (e *Engine) resolveTimeout(step *Step, approvalID string, req ApprovalRequest) (interface{}, error) {
	result := map[string]interface{}{
		"approvalId": approvalID,
		"decision":   "timeout",
		"approved":   false,
		"timedOut":   true,
	}
	switch step.OnTimeout {
	case "approve":
		result["decision"] = "approved"
		result["approved"] = true
		e.logger.Warn("approval timed out, auto-approving per on_timeout",
			"stepId", step.ID, "approvalId", approvalID)
		return result, nil
	case "reject":
		result["decision"] = "rejected"
		e.logger.Warn("approval timed out, auto-rejecting per on_timeout",
			"stepId", step.ID, "approvalId", approvalID)
		return result, &errors.WorkflowError{
			Code:    errors.CodeConditionFailed,
			StepID:  step.ID,
			Message: fmt.Sprintf("approval %s timed out and was rejected", approvalID),
			Details: result,
		}
	default:
		return result, &errors.WorkflowError{
			Code:    errors.CodeCancelled,
			StepID:  step.ID,
			Message: fmt.Sprintf("approval %s expired at %s with no decision", approvalID, req.ExpiresAt),
			Details: result,
		}
	}
}

// notifyApprovers sends the request to every configured channel.
// Delivery failures are logged and never block the wait: a reachable
// channel is enough, and the tracker remains the source of truth.
func (e *Engine) notifyApprovers(ctx context.Context, step *Step, req ApprovalRequest) {
	if len(step.Channels) == 0 {
		return
	}
	envelope := notify.Request{
		ApprovalID:   req.ApprovalID,
		ExecutionID:  req.ExecutionID,
		StepID:       req.StepID,
		Title:        req.Title,
		Message:      req.Message,
		Context:      req.Context,
		Approvers:    req.Approvers,
		ApprovalType: req.ApprovalType,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    req.CreatedAt,
	}
	for _, ch := range step.Channels {
		channel, err := notify.New(ch.Type, ch.Config)
		if err != nil {
			e.logger.Warn("skipping misconfigured approval channel",
				"stepId", step.ID, "channel", ch.Type, "error", err)
			continue
		}
		if err := channel.Send(ctx, envelope); err != nil {
			e.logger.Warn("approval notification failed",
				"stepId", step.ID, "channel", ch.Type, "error", err)
		}
	}
}

// approvalContext snapshots the data an approver needs to decide:
// resolved params plus a summary of the run so far.
func approvalContext(step *Step, ec *ExecutionContext) map[string]interface{} {
	out := map[string]interface{}{
		"agentId":        ec.AgentID,
		"completedSteps": toInterfaceStrings(ec.CompletedSteps()),
	}
	for k, v := range step.Params {
		out[k] = v
	}
	return out
}

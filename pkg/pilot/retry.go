package pilot

import (
	"context"
	"strings"
	"time"

	"github.com/tombee/pilot/pkg/errors"
)

const defaultBackoff = 500 * time.Millisecond

// stepAttempt runs one execution attempt and returns the handler's data
// and token usage.
type stepAttempt func(ctx context.Context) (interface{}, *TokenUsage, error)

// executeWithRetry applies the step's retry policy around an attempt.
// Backoff grows by the configured multiplier between attempts and the
// sleep is context-aware. When retryable_errors is set, only matching
// failures retry; everything retries otherwise.
func (e *Engine) executeWithRetry(ctx context.Context, step *Step, attempt stepAttempt) (interface{}, *TokenUsage, error) {
	policy := step.RetryPolicy
	if policy == nil || policy.MaxRetries <= 0 {
		return attempt(ctx)
	}

	backoff := defaultBackoff
	if policy.BackoffMs > 0 {
		backoff = time.Duration(policy.BackoffMs) * time.Millisecond
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	var data interface{}
	var tokens *TokenUsage
	var err error
	for i := 0; i <= policy.MaxRetries; i++ {
		if i > 0 {
			e.logger.Info("retrying step",
				"stepId", step.ID, "attempt", i+1, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * multiplier)
		}
		data, tokens, err = attempt(ctx)
		if err == nil {
			return data, tokens, nil
		}
		if ctx.Err() != nil || !retryable(err, policy.RetryableErrors) {
			break
		}
	}
	return data, tokens, err
}

// retryable matches the failure against the policy's allow-list by
// error code or message substring. An empty list retries everything.
func retryable(err error, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	code := errors.Code(err)
	msg := strings.ToLower(err.Error())
	for _, want := range allowed {
		if want == code || strings.Contains(msg, strings.ToLower(want)) {
			return true
		}
	}
	return false
}

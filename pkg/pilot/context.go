package pilot

import (
	"sort"
	"sync"
)

// ExecutionContext is the per-run state: step-output memo, run variables,
// and token/time accounting. It is owned by the coordinator; parallel
// branches receive clones and merge back deterministically.
//
// Invariants maintained here:
//   - at most one StepOutput per step id; a retry replaces the prior one
//     and subtracts its tokens/time before adding the new totals
//   - completed and failed step sets stay disjoint
//   - token counters never go below zero
type ExecutionContext struct {
	// Identity (immutable after creation)
	ExecutionID string
	AgentID     string
	UserID      string
	SessionID   string
	Agent       AgentConfig
	InputValues map[string]interface{}

	// MemoryContext is pre-loaded agent memory appended to LLM prompts
	MemoryContext string

	// Orchestrator optionally routes LLM-family steps
	Orchestrator Orchestrator

	// BatchCalibrationMode collects and classifies errors instead of
	// failing fast
	BatchCalibrationMode bool

	mu sync.RWMutex

	status      ExecutionStatus
	currentStep string

	completedSteps map[string]bool
	failedSteps    map[string]bool
	skippedSteps   map[string]bool

	stepOutputs map[string]*StepOutput
	variables   map[string]interface{}

	totalTokensUsed    int64
	totalExecutionTime int64

	collectedIssues []CollectedIssue
}

// NewExecutionContext creates a context in the running state.
func NewExecutionContext(executionID string, inputs map[string]interface{}) *ExecutionContext {
	if inputs == nil {
		inputs = make(map[string]interface{})
	}
	return &ExecutionContext{
		ExecutionID:    executionID,
		InputValues:    inputs,
		status:         StatusRunning,
		completedSteps: make(map[string]bool),
		failedSteps:    make(map[string]bool),
		skippedSteps:   make(map[string]bool),
		stepOutputs:    make(map[string]*StepOutput),
		variables:      make(map[string]interface{}),
	}
}

// SetStepOutput records the output for a step. On retry (the key already
// exists) the prior tokens and execution time are subtracted first so
// accounting reflects only the last attempt. The completed/failed sets
// are updated to stay disjoint. Never fails; missing token fields are
// treated as zero.
func (ec *ExecutionContext) SetStepOutput(stepID string, output *StepOutput) {
	if output == nil {
		return
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if prior, ok := ec.stepOutputs[stepID]; ok {
		ec.totalTokensUsed -= int64(prior.Metadata.Tokens())
		ec.totalExecutionTime -= prior.Metadata.ExecutionTime
		if ec.totalTokensUsed < 0 {
			ec.totalTokensUsed = 0
		}
		if ec.totalExecutionTime < 0 {
			ec.totalExecutionTime = 0
		}
	}

	ec.stepOutputs[stepID] = output

	if output.Metadata.Skipped {
		delete(ec.completedSteps, stepID)
		delete(ec.failedSteps, stepID)
		ec.skippedSteps[stepID] = true
	} else if output.Metadata.Success {
		ec.completedSteps[stepID] = true
		delete(ec.failedSteps, stepID)
		delete(ec.skippedSteps, stepID)
	} else {
		ec.failedSteps[stepID] = true
		delete(ec.completedSteps, stepID)
		delete(ec.skippedSteps, stepID)
	}

	ec.totalTokensUsed += int64(output.Metadata.Tokens())
	ec.totalExecutionTime += output.Metadata.ExecutionTime
}

// GetStepOutput returns the current output for a step, if any.
func (ec *ExecutionContext) GetStepOutput(stepID string) (*StepOutput, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out, ok := ec.stepOutputs[stepID]
	return out, ok
}

// SetVariable stores a run-scoped variable with overwrite semantics.
func (ec *ExecutionContext) SetVariable(name string, value interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.variables[name] = value
}

// GetVariable returns a run-scoped variable.
func (ec *ExecutionContext) GetVariable(name string) (interface{}, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.variables[name]
	return v, ok
}

// DeleteVariable removes a run-scoped variable.
func (ec *ExecutionContext) DeleteVariable(name string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.variables, name)
}

// Clone copies the context for a parallel branch: identity is shared,
// step outputs and variables are deep-copied. With resetMetrics the clone
// starts counting from zero so a later Merge sums only the new work.
func (ec *ExecutionContext) Clone(resetMetrics bool) *ExecutionContext {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	clone := &ExecutionContext{
		ExecutionID:          ec.ExecutionID,
		AgentID:              ec.AgentID,
		UserID:               ec.UserID,
		SessionID:            ec.SessionID,
		Agent:                ec.Agent,
		InputValues:          ec.InputValues,
		MemoryContext:        ec.MemoryContext,
		Orchestrator:         ec.Orchestrator,
		BatchCalibrationMode: ec.BatchCalibrationMode,
		status:               ec.status,
		completedSteps:       copyStringSet(ec.completedSteps),
		failedSteps:          copyStringSet(ec.failedSteps),
		skippedSteps:         copyStringSet(ec.skippedSteps),
		stepOutputs:          make(map[string]*StepOutput, len(ec.stepOutputs)),
		variables:            make(map[string]interface{}, len(ec.variables)),
	}
	for id, out := range ec.stepOutputs {
		clone.stepOutputs[id] = out.Clone()
	}
	for k, v := range ec.variables {
		clone.variables[k] = deepCopyValue(v)
	}
	if !resetMetrics {
		clone.totalTokensUsed = ec.totalTokensUsed
		clone.totalExecutionTime = ec.totalExecutionTime
	}
	return clone
}

// Merge folds a branch context back into the parent: step outputs union
// with the other side winning conflicts, step-id sets union, variables
// merge shallow (other wins), metrics sum.
func (ec *ExecutionContext) Merge(other *ExecutionContext) {
	if other == nil {
		return
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	ec.mu.Lock()
	defer ec.mu.Unlock()

	for id, out := range other.stepOutputs {
		ec.stepOutputs[id] = out
	}
	for id := range other.completedSteps {
		ec.completedSteps[id] = true
		delete(ec.failedSteps, id)
		delete(ec.skippedSteps, id)
	}
	for id := range other.failedSteps {
		if !ec.completedSteps[id] {
			ec.failedSteps[id] = true
		}
	}
	for id := range other.skippedSteps {
		if !ec.completedSteps[id] && !ec.failedSteps[id] {
			ec.skippedSteps[id] = true
		}
	}
	for k, v := range other.variables {
		ec.variables[k] = v
	}
	ec.totalTokensUsed += other.totalTokensUsed
	ec.totalExecutionTime += other.totalExecutionTime
	ec.collectedIssues = append(ec.collectedIssues, other.collectedIssues...)
}

// Reset wipes mutable state and returns the context to running.
func (ec *ExecutionContext) Reset() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.status = StatusRunning
	ec.currentStep = ""
	ec.completedSteps = make(map[string]bool)
	ec.failedSteps = make(map[string]bool)
	ec.skippedSteps = make(map[string]bool)
	ec.stepOutputs = make(map[string]*StepOutput)
	ec.variables = make(map[string]interface{})
	ec.totalTokensUsed = 0
	ec.totalExecutionTime = 0
	ec.collectedIssues = nil
}

// Status returns the run-level lifecycle state.
func (ec *ExecutionContext) Status() ExecutionStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.status
}

// SetCurrentStep records the step the coordinator is dispatching.
func (ec *ExecutionContext) SetCurrentStep(stepID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.currentStep = stepID
}

// CurrentStep returns the step the coordinator last dispatched.
func (ec *ExecutionContext) CurrentStep() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.currentStep
}

// MarkCompleted transitions the run to completed.
func (ec *ExecutionContext) MarkCompleted() { ec.setStatus(StatusCompleted) }

// MarkFailed transitions the run to failed.
func (ec *ExecutionContext) MarkFailed() { ec.setStatus(StatusFailed) }

// MarkPaused transitions the run to paused.
func (ec *ExecutionContext) MarkPaused() { ec.setStatus(StatusPaused) }

// MarkCancelled transitions the run to cancelled.
func (ec *ExecutionContext) MarkCancelled() { ec.setStatus(StatusCancelled) }

// Resume returns a paused run to running.
func (ec *ExecutionContext) Resume() { ec.setStatus(StatusRunning) }

func (ec *ExecutionContext) setStatus(s ExecutionStatus) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.status = s
}

// CompletedSteps returns the sorted ids of completed steps.
func (ec *ExecutionContext) CompletedSteps() []string { return ec.sortedSet(&ec.completedSteps) }

// FailedSteps returns the sorted ids of failed steps.
func (ec *ExecutionContext) FailedSteps() []string { return ec.sortedSet(&ec.failedSteps) }

// SkippedSteps returns the sorted ids of skipped steps.
func (ec *ExecutionContext) SkippedSteps() []string { return ec.sortedSet(&ec.skippedSteps) }

// IsFailed reports whether the step id is in the failed set.
func (ec *ExecutionContext) IsFailed(stepID string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.failedSteps[stepID]
}

// IsCompleted reports whether the step id is in the completed set.
func (ec *ExecutionContext) IsCompleted(stepID string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.completedSteps[stepID]
}

// IsSkipped reports whether the step id is in the skipped set.
func (ec *ExecutionContext) IsSkipped(stepID string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.skippedSteps[stepID]
}

// TotalTokensUsed returns the run's token total.
func (ec *ExecutionContext) TotalTokensUsed() int64 {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.totalTokensUsed
}

// TotalExecutionTime returns the run's summed step time in milliseconds.
func (ec *ExecutionContext) TotalExecutionTime() int64 {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.totalExecutionTime
}

// CollectIssue appends a calibration issue.
func (ec *ExecutionContext) CollectIssue(issue CollectedIssue) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.collectedIssues = append(ec.collectedIssues, issue)
}

// CollectedIssues returns the calibration issues gathered so far.
func (ec *ExecutionContext) CollectedIssues() []CollectedIssue {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]CollectedIssue(nil), ec.collectedIssues...)
}

func (ec *ExecutionContext) sortedSet(set *map[string]bool) []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	ids := make([]string, 0, len(*set))
	for id := range *set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func copyStringSet(set map[string]bool) map[string]bool {
	dup := make(map[string]bool, len(set))
	for k := range set {
		dup[k] = true
	}
	return dup
}

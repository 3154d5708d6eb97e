// Package pilot implements the workflow execution engine: it interprets
// declarative typed steps and drives them to completion against plugin
// connectors and LLM decision calls, producing a typed output and a
// per-step execution trace.
package pilot

import (
	"time"
)

// StepType discriminates step variants.
type StepType string

// Step types routed by the dispatcher.
const (
	StepTypeAction        StepType = "action"
	StepTypeLLMDecision   StepType = "llm_decision"
	StepTypeAIProcessing  StepType = "ai_processing"
	StepTypeTransform     StepType = "transform"
	StepTypeConditional   StepType = "conditional"
	StepTypeSwitch        StepType = "switch"
	StepTypeLoop          StepType = "loop"
	StepTypeParallel      StepType = "parallel"
	StepTypeParallelGroup StepType = "parallel_group"
	StepTypeScatterGather StepType = "scatter_gather"
	StepTypeEnrichment    StepType = "enrichment"
	StepTypeValidation    StepType = "validation"
	StepTypeComparison    StepType = "comparison"
	StepTypeExtraction    StepType = "deterministic_extraction"
	StepTypeDelay         StepType = "delay"
	StepTypeSubWorkflow   StepType = "sub_workflow"
	StepTypeHumanApproval StepType = "human_approval"

	// Symbolic LLM-family aliases that orchestrators may route.
	StepTypeSummarize StepType = "summarize"
	StepTypeExtract   StepType = "extract"
	StepTypeGenerate  StepType = "generate"
)

// IsLLMFamily reports whether the type is handled by the LLM decision
// handler and is eligible for orchestrator routing.
func (t StepType) IsLLMFamily() bool {
	switch t {
	case StepTypeLLMDecision, StepTypeAIProcessing, StepTypeSummarize, StepTypeExtract, StepTypeGenerate:
		return true
	}
	return false
}

// Step is one node of a workflow, discriminated by Type. Variant fields
// are populated according to the type; shared fields apply to all.
type Step struct {
	// ID is the unique step identifier within the workflow
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable step name
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Description provides context; also feeds LLM prompt fallback
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Type discriminates the step variant
	Type StepType `yaml:"type" json:"type"`

	// Dependencies lists step ids that must complete before this step starts
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// ExecuteIf gates execution; when it evaluates false the step is skipped
	ExecuteIf *Condition `yaml:"execute_if,omitempty" json:"executeIf,omitempty"`

	// ContinueOnError lets the run proceed past a failure of this step
	ContinueOnError bool `yaml:"continue_on_error,omitempty" json:"continueOnError,omitempty"`

	// RetryPolicy configures per-step retries
	RetryPolicy *RetryPolicy `yaml:"retry_policy,omitempty" json:"retryPolicy,omitempty"`

	// Cache enables output caching for cacheable step types
	Cache *CacheConfig `yaml:"cache,omitempty" json:"cache,omitempty"`

	// Timeout caps step execution in seconds (0 = engine default)
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// --- action ---

	// Plugin and Action identify the connector operation
	Plugin string `yaml:"plugin,omitempty" json:"plugin,omitempty"`
	Action string `yaml:"action,omitempty" json:"action,omitempty"`

	// Params are the operation parameters; {{...}} references are resolved
	// before dispatch. Also used as prompt parameters for LLM steps.
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`

	// OutputSchema declares the expected output shape (action and
	// llm-family steps). For actions it is attached to returned data for
	// downstream shape reconciliation; for LLM steps it constrains output.
	OutputSchema map[string]interface{} `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`

	// --- llm_decision / ai_processing ---

	// Prompt is the LLM prompt; falls back to Description, then Name
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	// --- transform ---

	// Operation names the transform (map, filter, group, ...)
	Operation string `yaml:"operation,omitempty" json:"operation,omitempty"`

	// Input is the transform input, usually a {{...}} reference
	Input interface{} `yaml:"input,omitempty" json:"input,omitempty"`

	// Config holds operation-specific settings
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`

	// --- conditional ---

	// Condition selects the branch
	Condition *Condition `yaml:"condition,omitempty" json:"condition,omitempty"`

	// ThenSteps / ElseSteps are inline nested branches
	ThenSteps []Step `yaml:"then_steps,omitempty" json:"then_steps,omitempty"`
	ElseSteps []Step `yaml:"else_steps,omitempty" json:"else_steps,omitempty"`

	// TrueBranch / FalseBranch name downstream step ids to activate
	// (alternative to inline branches)
	TrueBranch  []string `yaml:"true_branch,omitempty" json:"trueBranch,omitempty"`
	FalseBranch []string `yaml:"false_branch,omitempty" json:"falseBranch,omitempty"`

	// --- switch ---

	// Evaluate is the expression whose value selects a case
	Evaluate string `yaml:"evaluate,omitempty" json:"evaluate,omitempty"`

	// Cases maps case values to downstream step ids
	Cases map[string][]string `yaml:"cases,omitempty" json:"cases,omitempty"`

	// Default names the step ids for unmatched values
	Default []string `yaml:"default,omitempty" json:"default,omitempty"`

	// --- loop ---

	// IterateOver must resolve to an array
	IterateOver interface{} `yaml:"iterate_over,omitempty" json:"iterateOver,omitempty"`

	// MaxIterations caps the iteration count (0 = unbounded by config)
	MaxIterations int `yaml:"max_iterations,omitempty" json:"maxIterations,omitempty"`

	// LoopSteps is the loop body
	LoopSteps []Step `yaml:"loop_steps,omitempty" json:"loopSteps,omitempty"`

	// Parallel runs iterations concurrently
	Parallel bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	// --- parallel / parallel_group ---

	// Steps are the concurrent children
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	// MaxConcurrency bounds in-flight children (0 = unlimited)
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"maxConcurrency,omitempty"`

	// --- scatter_gather ---

	Scatter *ScatterConfig `yaml:"scatter,omitempty" json:"scatter,omitempty"`
	Gather  *GatherConfig  `yaml:"gather,omitempty" json:"gather,omitempty"`

	// --- enrichment ---

	Sources     []EnrichmentSource `yaml:"sources,omitempty" json:"sources,omitempty"`
	Strategy    string             `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	JoinOn      string             `yaml:"join_on,omitempty" json:"joinOn,omitempty"`
	MergeArrays bool               `yaml:"merge_arrays,omitempty" json:"mergeArrays,omitempty"`

	// --- validation ---

	Schema           map[string]interface{} `yaml:"schema,omitempty" json:"schema,omitempty"`
	Rules            []ValidationRule       `yaml:"rules,omitempty" json:"rules,omitempty"`
	OnValidationFail string                 `yaml:"on_validation_fail,omitempty" json:"onValidationFail,omitempty"`

	// --- comparison ---

	Left         interface{} `yaml:"left,omitempty" json:"left,omitempty"`
	Right        interface{} `yaml:"right,omitempty" json:"right,omitempty"`
	OutputFormat string      `yaml:"output_format,omitempty" json:"outputFormat,omitempty"`

	// --- deterministic_extraction ---

	Instruction  string `yaml:"instruction,omitempty" json:"instruction,omitempty"`
	DocumentType string `yaml:"document_type,omitempty" json:"document_type,omitempty"`
	OCRFallback  bool   `yaml:"ocr_fallback,omitempty" json:"ocr_fallback,omitempty"`

	// --- delay ---

	// Duration is the delay in milliseconds
	Duration int `yaml:"duration,omitempty" json:"duration,omitempty"`

	// --- sub_workflow ---

	WorkflowID     string                 `yaml:"workflow_id,omitempty" json:"workflowId,omitempty"`
	WorkflowSteps  []Step                 `yaml:"workflow_steps,omitempty" json:"workflowSteps,omitempty"`
	Inputs         map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	OutputMapping  map[string]string      `yaml:"output_mapping,omitempty" json:"outputMapping,omitempty"`
	InheritContext bool                   `yaml:"inherit_context,omitempty" json:"inheritContext,omitempty"`
	OnError        string                 `yaml:"on_error,omitempty" json:"onError,omitempty"`

	// --- human_approval ---

	Approvers    []string              `yaml:"approvers,omitempty" json:"approvers,omitempty"`
	ApprovalType string                `yaml:"approval_type,omitempty" json:"approvalType,omitempty"`
	Title        string                `yaml:"title,omitempty" json:"title,omitempty"`
	Message      string                `yaml:"message,omitempty" json:"message,omitempty"`
	OnTimeout    string                `yaml:"on_timeout,omitempty" json:"onTimeout,omitempty"`
	Channels     []NotificationChannel `yaml:"channels,omitempty" json:"channels,omitempty"`
}

// ScatterConfig fans a collection out to per-item mini-plans.
type ScatterConfig struct {
	// Input must resolve to an array
	Input interface{} `yaml:"input" json:"input"`

	// Steps is the per-item body, executed sequentially
	Steps []Step `yaml:"steps" json:"steps"`

	// ItemVariable names the per-item binding (default "item")
	ItemVariable string `yaml:"item_variable,omitempty" json:"itemVariable,omitempty"`

	// MaxConcurrency bounds in-flight items (0 = unlimited)
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"maxConcurrency,omitempty"`
}

// GatherConfig aggregates per-item results after a scatter.
type GatherConfig struct {
	// Operation is one of collect, merge, reduce, flatten
	Operation string `yaml:"operation" json:"operation"`

	// OutputKey keys the gathered result in the step output (default "results")
	OutputKey string `yaml:"output_key,omitempty" json:"outputKey,omitempty"`

	// ReduceExpression folds results for operation=reduce; it sees
	// acc and item. Required when Operation is "reduce".
	ReduceExpression string `yaml:"reduce_expression,omitempty" json:"reduceExpression,omitempty"`
}

// EnrichmentSource names one upstream contribution to an enrichment step.
type EnrichmentSource struct {
	// Key is the name the source is merged under (or joined by)
	Key string `yaml:"key" json:"key"`

	// From is a {{...}} reference to the source data
	From interface{} `yaml:"from" json:"from"`
}

// ValidationRule is a per-field predicate applied by validation steps.
type ValidationRule struct {
	Field    string      `yaml:"field" json:"field"`
	Operator string      `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value,omitempty" json:"value,omitempty"`
	Message  string      `yaml:"message,omitempty" json:"message,omitempty"`
}

// NotificationChannel configures one approval notification target.
type NotificationChannel struct {
	// Type is one of webhook, email, slack, teams
	Type string `yaml:"type" json:"type"`

	// Config holds channel-specific settings (url, recipients, ...)
	Config map[string]interface{} `yaml:"config" json:"config"`
}

// RetryPolicy configures per-step retry behavior.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int `yaml:"max_retries" json:"maxRetries"`

	// BackoffMs is the initial backoff in milliseconds
	BackoffMs int `yaml:"backoff_ms,omitempty" json:"backoffMs,omitempty"`

	// BackoffMultiplier grows the backoff between attempts
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty" json:"backoffMultiplier,omitempty"`

	// RetryableErrors restricts retries to matching error codes or
	// substrings; empty retries everything
	RetryableErrors []string `yaml:"retryable_errors,omitempty" json:"retryableErrors,omitempty"`
}

// CacheConfig enables output caching for a step.
type CacheConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// TTLSeconds is the entry lifetime (default 300)
	TTLSeconds int `yaml:"ttl_seconds,omitempty" json:"ttlSeconds,omitempty"`
}

// TTL returns the configured entry lifetime.
func (c *CacheConfig) TTL() time.Duration {
	if c == nil || c.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// TokenUsage is the token breakdown of an AI or plugin call.
type TokenUsage struct {
	Total      int `json:"total"`
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// StepOutput is the result record for a single step. Data is ephemeral
// (process lifetime); Metadata is persistable.
type StepOutput struct {
	StepID   string         `json:"stepId"`
	Plugin   string         `json:"plugin,omitempty"`
	Action   string         `json:"action,omitempty"`
	Data     interface{}    `json:"data,omitempty"`
	Metadata OutputMetadata `json:"metadata"`
}

// OutputMetadata is the persistable portion of a step output.
type OutputMetadata struct {
	Success       bool        `json:"success"`
	ExecutedAt    time.Time   `json:"executedAt"`
	ExecutionTime int64       `json:"executionTime"` // milliseconds
	ItemCount     *int        `json:"itemCount,omitempty"`
	TokensUsed    *TokenUsage `json:"tokensUsed,omitempty"`
	Error         string      `json:"error,omitempty"`
	ErrorCode     string      `json:"errorCode,omitempty"`
	FieldNames    []string    `json:"field_names,omitempty"`
	Orchestrated  bool        `json:"orchestrated,omitempty"`
	RoutedModel   string      `json:"routedModel,omitempty"`
	TokensSaved   int         `json:"tokensSaved,omitempty"`
	AutoRepaired  bool        `json:"auto_repaired,omitempty"`

	// Calibration fields
	FailureCategory       string `json:"failure_category,omitempty"`
	ParameterErrorDetails string `json:"parameter_error_details,omitempty"`

	// Skip bookkeeping
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"reason,omitempty"`

	// Recoverable marks a failed output whose dependents may still run
	// in calibration mode
	Recoverable bool `json:"recoverable,omitempty"`
}

// Tokens returns the total token count, nil-safe.
func (m *OutputMetadata) Tokens() int {
	if m.TokensUsed == nil {
		return 0
	}
	return m.TokensUsed.Total
}

// Clone deep-copies the output so context clones cannot alias metadata.
// Data is copied structurally for JSON-shaped values.
func (o *StepOutput) Clone() *StepOutput {
	if o == nil {
		return nil
	}
	dup := *o
	if o.Metadata.TokensUsed != nil {
		usage := *o.Metadata.TokensUsed
		dup.Metadata.TokensUsed = &usage
	}
	if o.Metadata.ItemCount != nil {
		n := *o.Metadata.ItemCount
		dup.Metadata.ItemCount = &n
	}
	if o.Metadata.FieldNames != nil {
		dup.Metadata.FieldNames = append([]string(nil), o.Metadata.FieldNames...)
	}
	dup.Data = deepCopyValue(o.Data)
	return &dup
}

// deepCopyValue copies JSON-shaped values. Scalars pass through.
func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		dup := make(map[string]interface{}, len(val))
		for k, item := range val {
			dup[k] = deepCopyValue(item)
		}
		return dup
	case []interface{}:
		dup := make([]interface{}, len(val))
		for i, item := range val {
			dup[i] = deepCopyValue(item)
		}
		return dup
	default:
		return v
	}
}

// ExecutionStatus is the run-level lifecycle state.
type ExecutionStatus string

// Execution statuses.
const (
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionResult summarizes a completed run.
type ExecutionResult struct {
	ExecutionID        string                 `json:"executionId"`
	Success            bool                   `json:"success"`
	Status             ExecutionStatus        `json:"status"`
	Outputs            map[string]interface{} `json:"outputs,omitempty"`
	Error              string                 `json:"error,omitempty"`
	FailedStep         string                 `json:"failedStep,omitempty"`
	ErrorStack         string                 `json:"errorStack,omitempty"`
	CompletedSteps     []string               `json:"completedSteps"`
	FailedSteps        []string               `json:"failedSteps"`
	SkippedSteps       []string               `json:"skippedSteps"`
	TotalTokensUsed    int64                  `json:"totalTokensUsed"`
	TotalExecutionTime int64                  `json:"totalExecutionTime"` // milliseconds
	StartedAt          time.Time              `json:"startedAt"`
	CompletedAt        time.Time              `json:"completedAt"`
	CollectedIssues    []CollectedIssue       `json:"collectedIssues,omitempty"`
}

package pilot

import (
	"context"
)

// PluginResult is the envelope returned by the plugin runtime.
type PluginResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ActionDefinition is the introspectable definition of one plugin action.
type ActionDefinition struct {
	// Parameters is a JSON Schema describing the action's parameters
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// OutputSchema optionally declares the action's output shape
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`

	// TokenCost overrides the engine's synthetic per-call token charge
	TokenCost int `json:"token_cost,omitempty"`
}

// PluginDefinition is the introspectable definition of a plugin.
type PluginDefinition struct {
	Actions map[string]ActionDefinition `json:"actions"`
}

// PluginRuntime executes named connector operations. Implementations are
// shared and stateless from the engine's point of view.
type PluginRuntime interface {
	// Execute runs (plugin, action, params) on behalf of userID.
	// A transport failure is returned as error; an action-level failure
	// comes back as a result with Success=false.
	Execute(ctx context.Context, userID, plugin, action string, params map[string]interface{}) (*PluginResult, error)

	// Definition returns the introspectable definition of a plugin,
	// when the plugin publishes one.
	Definition(plugin string) (*PluginDefinition, bool)
}

// AgentConfig carries the per-run agent settings forwarded to the LLM
// runtime.
type AgentConfig struct {
	// ModelPreference is the preferred model; routing may override
	ModelPreference string `json:"model_preference,omitempty"`

	// PluginsRequired lists plugins available for tool-augmented steps.
	// Suppressed for ai_processing steps (pure text analysis).
	PluginsRequired []string `json:"plugins_required,omitempty"`
}

// ContentBlock is one element of a multimodal LLM payload.
type ContentBlock struct {
	// Type is "text" or "image"
	Type string `json:"type"`

	// Text holds the text for text blocks
	Text string `json:"text,omitempty"`

	// MediaType and Data hold base64 image content for image blocks
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// Detail hints the vision fidelity ("low" bounds token cost)
	Detail string `json:"detail,omitempty"`
}

// LLMOptions tunes a single LLM call.
type LLMOptions struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// LLMResult is the envelope returned by the LLM runtime.
type LLMResult struct {
	Success    bool          `json:"success"`
	Response   string        `json:"response,omitempty"`
	ToolCalls  []interface{} `json:"toolCalls,omitempty"`
	TokensUsed TokenUsage    `json:"tokensUsed"`
	Error      string        `json:"error,omitempty"`
}

// LLMRuntime runs prompts against the configured model provider.
type LLMRuntime interface {
	// Run executes a text prompt. Content, when non-empty, replaces the
	// plain prompt with a multimodal payload.
	Run(ctx context.Context, userID string, agent AgentConfig, prompt string, content []ContentBlock, opts LLMOptions, sessionID string) (*LLMResult, error)

	// SupportsVision reports whether multimodal payloads are accepted.
	SupportsVision() bool
}

// StateManager persists execution rows for observability. Writes are
// best-effort: failures are logged, never propagated to step execution.
type StateManager interface {
	// LogStepExecution records the start (or completed summary) of a step.
	LogStepExecution(ctx context.Context, executionID, stepID, name string, stepType StepType, status string, metadata *OutputMetadata) error

	// UpdateStepExecution updates a previously logged step row.
	UpdateStepExecution(ctx context.Context, executionID, stepID, status string, metadata *OutputMetadata, errorMessage string) error

	// RecordExecution writes the run summary row.
	RecordExecution(ctx context.Context, result *ExecutionResult) error

	// RecordTokenUsage appends a token usage row for an AI or plugin call.
	RecordTokenUsage(ctx context.Context, executionID, stepID, source string, usage TokenUsage) error
}

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	Action       string                 `json:"action"`
	EntityType   string                 `json:"entityType"`
	EntityID     string                 `json:"entityId"`
	UserID       string                 `json:"userId"`
	ResourceName string                 `json:"resourceName,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
}

// AuditTrail appends audit events. Failures are logged, never fatal.
type AuditTrail interface {
	Append(ctx context.Context, event AuditEvent) error
}

// Orchestrator optionally routes LLM-family steps through an external
// model-selection layer.
type Orchestrator interface {
	// IsActive reports whether routing is currently enabled.
	IsActive() bool

	// ExecuteStep runs the step with already-resolved params. The engine
	// falls back to normal execution when this returns an error.
	ExecuteStep(ctx context.Context, step *Step, params map[string]interface{}, ec *ExecutionContext) (*StepOutput, error)

	// Config exposes orchestrator settings for diagnostics.
	Config() map[string]interface{}
}

// ApprovalTracker records pending human approvals and resolves their
// outcome. The engine only waits on the returned decision.
type ApprovalTracker interface {
	// Request registers an approval and returns its id.
	Request(ctx context.Context, req ApprovalRequest) (string, error)

	// Await blocks until the approval resolves or ctx is done.
	// Returns the decision ("approved" or "rejected").
	Await(ctx context.Context, approvalID string) (string, error)
}

// ApprovalRequest describes a pending human approval.
type ApprovalRequest struct {
	ApprovalID   string                 `json:"approval_id"`
	ExecutionID  string                 `json:"execution_id"`
	StepID       string                 `json:"step_id"`
	Title        string                 `json:"title"`
	Message      string                 `json:"message,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Approvers    []string               `json:"approvers"`
	ApprovalType string                 `json:"approval_type"`
	ExpiresAt    string                 `json:"expires_at,omitempty"`
	CreatedAt    string                 `json:"created_at"`
}

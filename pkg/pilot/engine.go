package pilot

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/pilot/internal/cache"
	"github.com/tombee/pilot/internal/jq"
	"github.com/tombee/pilot/internal/log"
	"github.com/tombee/pilot/internal/transform"
	"github.com/tombee/pilot/pkg/pilot/expression"
	"github.com/tombee/pilot/pkg/pilot/schema"
)

// DefaultStepTimeout bounds a single step when the definition does not
// set one.
const DefaultStepTimeout = 5 * time.Minute

// Engine drives workflow executions. All collaborators are injected;
// nil optional collaborators (state, audit, approvals, orchestrator)
// degrade to no-ops.
type Engine struct {
	logger *slog.Logger

	plugins   PluginRuntime
	llm       LLMRuntime
	state     StateManager
	audit     AuditTrail
	approvals ApprovalTracker
	workflows WorkflowLoader

	eval      *expression.Evaluator
	resolver  *Resolver
	cond      *ConditionalEvaluator
	transform *transform.Pipeline
	jq        *jq.Executor
	validator *schema.Validator
	cache     *cache.Cache
	breakers  *breakerPool
	limiter   *pluginLimiter
	metrics   *Metrics
	tracer    trace.Tracer

	stepTimeout     time.Duration
	pluginTokenCost int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPluginRuntime wires the connector runtime.
func WithPluginRuntime(p PluginRuntime) Option {
	return func(e *Engine) { e.plugins = p }
}

// WithLLMRuntime wires the model runtime.
func WithLLMRuntime(l LLMRuntime) Option {
	return func(e *Engine) { e.llm = l }
}

// WithStateManager wires execution persistence.
func WithStateManager(s StateManager) Option {
	return func(e *Engine) { e.state = s }
}

// WithAuditTrail wires the append-only audit sink.
func WithAuditTrail(a AuditTrail) Option {
	return func(e *Engine) { e.audit = a }
}

// WithApprovalTracker wires human-approval resolution.
func WithApprovalTracker(a ApprovalTracker) Option {
	return func(e *Engine) { e.approvals = a }
}

// WithCacheCapacity sizes the step-output cache.
func WithCacheCapacity(n int) Option {
	return func(e *Engine) { e.cache = cache.New(n) }
}

// WithMetrics wires a metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStepTimeout overrides the default per-step timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stepTimeout = d }
}

// WithPluginTokenCost overrides the synthetic per-call token charge for
// plugin actions. An action's definition may still override it per call.
func WithPluginTokenCost(n int) Option {
	return func(e *Engine) { e.pluginTokenCost = n }
}

// NewEngine builds an engine with the given collaborators.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:          log.New(log.FromEnv()),
		eval:            expression.New(),
		cache:           cache.New(cache.DefaultCapacity),
		tracer:          otel.Tracer("pilot/engine"),
		stepTimeout:     DefaultStepTimeout,
		pluginTokenCost: defaultPluginTokenCost,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resolver = NewResolver(e.eval)
	e.cond = NewConditionalEvaluator(e.resolver)
	e.transform = transform.New(e.eval)
	e.jq = jq.NewExecutor(0, 0)
	e.validator = schema.NewValidator()
	e.breakers = newBreakerPool()
	e.limiter = newPluginLimiter()
	if e.metrics == nil {
		e.metrics = NopMetrics()
	}
	return e
}

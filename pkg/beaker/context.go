// Package beaker binds a notebook kernel session, an LLM agent and the HMI
// service into a context that domain packages specialize.
package beaker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"

	"github.com/harun/askem/internal/observability"
	"github.com/harun/askem/internal/tracing"
	"github.com/harun/askem/pkg/agent"
	"github.com/harun/askem/pkg/codecell"
	"github.com/harun/askem/pkg/fewshot"
	"github.com/harun/askem/pkg/hmi"
	"github.com/harun/askem/pkg/kernel"
	"github.com/harun/askem/pkg/subkernel"
	"github.com/harun/askem/pkg/templates"
	"github.com/harun/askem/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrUnsupportedKernel is returned when a context cannot run on the
	// session's kernel.
	ErrUnsupportedKernel = errors.New("kernel not supported by context")
	// ErrUnknownAction is returned by Invoke for unregistered names.
	ErrUnknownAction = errors.New("unknown action")
)

// Event is a message a context sends to its clients.
type Event struct {
	Context string         `json:"context"`
	Type    string         `json:"type"`
	Content any            `json:"content"`
	Parent  map[string]any `json:"parent_header,omitempty"`
}

// EventSink receives context events. It must not block.
type EventSink func(ctx context.Context, ev Event)

// Context is a domain plugin built on a BaseContext.
type Context interface {
	Base() *BaseContext
	// Setup loads the remote state named by info into the kernel.
	Setup(ctx context.Context, info map[string]any) error
}

// AgentSettings configures the runner every context creates.
type AgentSettings struct {
	Config          agent.AgentConfig
	Profiles        []agent.AuthProfile
	ProviderFactory agent.ProviderCreator
	Policy          *toolexecutor.ToolPolicy
}

// Deps are the collaborators shared by every context.
type Deps struct {
	Executor  kernel.Executor
	Templates *templates.Registry
	HMI       *hmi.Client
	// Examples is optional.
	Examples *fewshot.Store
	Agent    AgentSettings
	// Sink is optional.
	Sink   EventSink
	Logger zerolog.Logger
}

// BaseConfig describes one context implementation.
type BaseConfig struct {
	Slug      string
	AgentName string
	Prompt    string
	// Procedures holds <kernel>/<name>.tmpl files.
	Procedures fs.FS
	// Kernels lists the supported kernel names. Empty means any known kernel.
	Kernels []string
}

// BaseContext implements the parts every context shares: code templates,
// kernel execution, actions and the agent query flow.
type BaseContext struct {
	slug      string
	subkernel subkernel.Subkernel
	executor  kernel.Executor
	templates *templates.Registry
	hmi       *hmi.Client
	examples  *fewshot.Store
	tools     *toolexecutor.ToolExecutor
	runner    *agent.Runner
	sink      EventSink
	logger    zerolog.Logger

	mu          sync.RWMutex
	handlers    map[string]*handler
	postExecute func(ctx context.Context, res *kernel.ExecutionResult) error
	autoContext func(ctx context.Context, query string) (string, error)
}

// NewBase creates the shared part of a context.
func NewBase(cfg BaseConfig, deps Deps) (*BaseContext, error) {
	if cfg.Slug == "" {
		return nil, fmt.Errorf("context slug is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("kernel executor is required")
	}
	if deps.Templates == nil {
		return nil, fmt.Errorf("template registry is required")
	}

	kernelName := deps.Executor.KernelName()
	if len(cfg.Kernels) > 0 && !slices.Contains(cfg.Kernels, kernelName) {
		return nil, fmt.Errorf("%w: %s does not run on %s", ErrUnsupportedKernel, cfg.Slug, kernelName)
	}
	sk, err := subkernel.Lookup(kernelName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKernel, err)
	}

	if cfg.Procedures != nil {
		deps.Templates.Register(cfg.Slug, cfg.Procedures)
	}

	logger := deps.Logger.With().Str("context", cfg.Slug).Str("kernel", kernelName).Logger()
	b := &BaseContext{
		slug:      cfg.Slug,
		subkernel: sk,
		executor:  deps.Executor,
		templates: deps.Templates,
		hmi:       deps.HMI,
		examples:  deps.Examples,
		tools:     toolexecutor.New(),
		sink:      deps.Sink,
		logger:    logger,
		handlers:  make(map[string]*handler),
	}

	name := cfg.AgentName
	if name == "" {
		name = cfg.Slug
	}
	runner, err := agent.NewRunner(agent.Config{
		Name:            name,
		Prompt:          cfg.Prompt,
		ToolExecutor:    b.tools,
		ToolPolicy:      deps.Agent.Policy,
		Agent:           deps.Agent.Config,
		Logger:          logger,
		AuthProfiles:    deps.Agent.Profiles,
		ProviderFactory: deps.Agent.ProviderFactory,
		Hooks: agent.Hooks{
			OnObservation: b.onObservation,
			OnDebug:       b.onDebug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent for %s: %w", cfg.Slug, err)
	}
	b.runner = runner

	return b, nil
}

// Base returns b. Embedding contexts inherit it.
func (b *BaseContext) Base() *BaseContext { return b }

func (b *BaseContext) Slug() string { return b.slug }
func (b *BaseContext) Subkernel() subkernel.Subkernel { return b.subkernel }
func (b *BaseContext) Kernel() kernel.Executor { return b.executor }
func (b *BaseContext) HMI() *hmi.Client { return b.hmi }
func (b *BaseContext) Agent() *agent.Runner { return b.runner }
func (b *BaseContext) Tools() *toolexecutor.ToolExecutor { return b.tools }
func (b *BaseContext) Examples() *fewshot.Store { return b.examples }
func (b *BaseContext) Logger() zerolog.Logger { return b.logger }

// RegisterTool makes a tool available to the agent.
func (b *BaseContext) RegisterTool(def toolexecutor.ToolDefinition) error {
	return b.tools.RegisterTool(def)
}

// SetPostExecute installs a hook that runs after every Execute.
func (b *BaseContext) SetPostExecute(fn func(ctx context.Context, res *kernel.ExecutionResult) error) {
	b.mu.Lock()
	b.postExecute = fn
	b.mu.Unlock()
}

// SetAutoContext installs the provider of the per-query system prompt
// addition.
func (b *BaseContext) SetAutoContext(fn func(ctx context.Context, query string) (string, error)) {
	b.mu.Lock()
	b.autoContext = fn
	b.mu.Unlock()
}

// AutoContext returns the prompt addition for query, or "".
func (b *BaseContext) AutoContext(ctx context.Context, query string) (string, error) {
	b.mu.RLock()
	fn := b.autoContext
	b.mu.RUnlock()
	if fn == nil {
		return "", nil
	}
	return fn(ctx, query)
}

// GetCode renders a procedure of this context for the session's kernel.
func (b *BaseContext) GetCode(name string, vars map[string]any) (string, error) {
	return b.templates.Render(b.slug, b.subkernel.KernelName(), name, vars)
}

// AddProcedures registers the procedures of another toolset so this context
// can render them with GetToolsetCode.
func (b *BaseContext) AddProcedures(toolset string, fsys fs.FS) {
	b.templates.Register(toolset, fsys)
}

// GetToolsetCode renders a procedure of toolset for the session's kernel.
func (b *BaseContext) GetToolsetCode(toolset, name string, vars map[string]any) (string, error) {
	return b.templates.Render(toolset, b.subkernel.KernelName(), name, vars)
}

func (b *BaseContext) kernelContext(ctx context.Context) context.Context {
	ctx = tracing.WithContextSlug(ctx, b.slug)
	return tracing.WithKernelID(ctx, b.executor.KernelID())
}

// Execute runs code in the kernel and then the post-execute hook. Kernel
// exceptions are reported in the result, not as an error.
func (b *BaseContext) Execute(ctx context.Context, code string) (*kernel.ExecutionResult, error) {
	ctx = b.kernelContext(ctx)
	res, err := b.executor.Execute(ctx, code)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	hook := b.postExecute
	b.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx, res); err != nil {
			logger := tracing.LoggerFromContext(ctx, b.logger)
			logger.Warn().Err(err).Msg("Post-execute hook failed")
		}
	}
	return res, nil
}

// ExecuteChecked runs code like Execute but turns a kernel exception into an
// error.
func (b *BaseContext) ExecuteChecked(ctx context.Context, code string) (*kernel.ExecutionResult, error) {
	res, err := b.Execute(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return res, fmt.Errorf("kernel raised: %w", err)
	}
	return res, nil
}

// EvaluateResult runs code without the post-execute hook. A kernel exception
// is returned as an error wrapping *kernel.ExecutionError.
func (b *BaseContext) EvaluateResult(ctx context.Context, code string) (*kernel.ExecutionResult, error) {
	ctx, span := tracing.StartSpan(b.kernelContext(ctx), "askem/beaker", "context.evaluate",
		attribute.String("context.slug", b.slug),
	)
	res, err := b.executor.Execute(ctx, code)
	if err == nil {
		if kerr := res.Err(); kerr != nil {
			err = fmt.Errorf("evaluation failed: %w", kerr)
		}
	}
	tracing.EndSpan(span, err)
	return res, err
}

// Evaluate runs code and parses its return value with the subkernel.
func (b *BaseContext) Evaluate(ctx context.Context, code string) (any, error) {
	res, err := b.EvaluateResult(ctx, code)
	if err != nil {
		return nil, err
	}
	return b.subkernel.ParseReturn(res.Return)
}

// Send emits an event to the context's clients.
func (b *BaseContext) Send(ctx context.Context, eventType string, content any, parent map[string]any) {
	logger := tracing.LoggerFromContext(ctx, b.logger)
	logger.Debug().Str("event", eventType).Msg("Context event")
	if b.sink == nil {
		return
	}
	b.sink(ctx, Event{Context: b.slug, Type: eventType, Content: content, Parent: parent})
}

func (b *BaseContext) onObservation(ctx context.Context, tool, observation string) {
	b.Send(ctx, "llm_observation", map[string]any{"tool": tool, "observation": observation}, nil)
}

func (b *BaseContext) onDebug(ctx context.Context, event string, content interface{}) {
	b.Send(ctx, event, content, nil)
}

// CodeCell renders a procedure as a code-cell envelope and stops the agent
// loop. Tools that only fill a template use it.
func (b *BaseContext) CodeCell(ctx context.Context, name string, vars map[string]any) (string, error) {
	if ec := toolexecutor.ExecContextFromContext(ctx); ec != nil && ec.ContextSlug != "" && ec.ContextSlug != b.slug {
		return "", fmt.Errorf("tool %s called for context %q, not %q", name, ec.ContextSlug, b.slug)
	}
	code, err := b.GetCode(name, vars)
	if err != nil {
		return "", err
	}
	agent.LoopFromContext(ctx).Stop()
	return codecell.New(b.subkernel.KernelName(), code).Marshal()
}

// GenerateCode asks the model for code with a one-shot prompt and wraps the
// fenced block in an envelope tagged with language.
func (b *BaseContext) GenerateCode(ctx context.Context, language, prompt, query string) (string, error) {
	response, err := b.runner.Oneshot(ctx, prompt, query)
	if err != nil {
		return "", err
	}
	agent.LoopFromContext(ctx).Stop()
	env, err := codecell.FromResponse(language, response)
	if err != nil {
		return "", err
	}
	return env.Marshal()
}

// Info describes the context for clients.
func (b *BaseContext) Info() map[string]any {
	info := b.runner.Info()
	return map[string]any{
		"slug":          b.slug,
		"kernel":        b.subkernel.KernelName(),
		"language":      b.subkernel.DisplayName(),
		"agent":         info.Name,
		"agent_prompt":  info.AgentPrompt,
		"tools":         info.Tools,
		"actions":       b.Actions(),
		"kernel_id":     b.executor.KernelID(),
		"example_store": b.examples != nil,
	}
}

// Close resets the agent and marks the context inactive.
func (b *BaseContext) Close() {
	b.runner.Reset()
	observability.SetContextActive(b.slug, false)
}

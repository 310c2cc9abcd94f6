package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/askem/internal/observability"
	"github.com/harun/askem/internal/tracing"
	"github.com/harun/askem/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrTooManyErrors is returned when tool errors in one run reach MaxErrors.
var ErrTooManyErrors = errors.New("too many tool errors")

// ErrMaxTurns is returned when the loop runs out of turns without an answer.
var ErrMaxTurns = errors.New("maximum tool execution turns exceeded")

// Hooks observe a run. Both are optional.
type Hooks struct {
	// OnObservation receives every tool output fed back to the model.
	OnObservation func(ctx context.Context, tool, observation string)
	// OnDebug receives debug events; names carry the "agent_" prefix.
	OnDebug func(ctx context.Context, event string, content interface{})
}

// Config holds runner configuration
type Config struct {
	// Name and Prompt describe the agent; Prompt is the default system prompt.
	Name            string
	Prompt          string
	ToolExecutor    *toolexecutor.ToolExecutor
	ToolPolicy      *toolexecutor.ToolPolicy
	Agent           AgentConfig
	Logger          zerolog.Logger
	AuthProfiles    []AuthProfile
	ProviderFactory ProviderCreator
	Hooks           Hooks
}

// Runner orchestrates AI agent execution
type Runner struct {
	name            string
	prompt          string
	toolExecutor    *toolexecutor.ToolExecutor
	toolPolicy      *toolexecutor.ToolPolicy
	config          AgentConfig
	logger          zerolog.Logger
	providerFactory ProviderCreator
	hooks           Hooks

	authProfiles []AuthProfile
	providers    map[string]LLMProvider
	authMu       sync.RWMutex

	// runMu serializes runs; history belongs to the run holding it.
	runMu   sync.Mutex
	history []AgentMessage
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.ToolExecutor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	agentCfg := cfg.Agent
	defaults := DefaultConfig()
	if agentCfg.Model == "" {
		agentCfg.Model = defaults.Model
	}
	if agentCfg.MaxTokens == 0 {
		agentCfg.MaxTokens = defaults.MaxTokens
	}
	if agentCfg.MaxRetries == 0 {
		agentCfg.MaxRetries = defaults.MaxRetries
	}
	if agentCfg.MaxErrors == 0 {
		agentCfg.MaxErrors = defaults.MaxErrors
	}
	if agentCfg.MaxTurns == 0 {
		agentCfg.MaxTurns = defaults.MaxTurns
	}
	if agentCfg.HistoryTokens == 0 {
		agentCfg.HistoryTokens = defaults.HistoryTokens
	}
	if err := validateConfig(agentCfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}

	profiles := make([]AuthProfile, len(cfg.AuthProfiles))
	copy(profiles, cfg.AuthProfiles)

	return &Runner{
		name:            cfg.Name,
		prompt:          strings.TrimSpace(cfg.Prompt),
		toolExecutor:    cfg.ToolExecutor,
		toolPolicy:      cfg.ToolPolicy,
		config:          agentCfg,
		logger:          cfg.Logger,
		providerFactory: providerFactory,
		hooks:           cfg.Hooks,
		authProfiles:    profiles,
		providers:       make(map[string]LLMProvider),
	}, nil
}

func validateConfig(config AgentConfig) error {
	if config.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if config.Temperature < 0 || config.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if config.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if config.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if config.MaxErrors < 0 || config.MaxTurns < 0 {
		return fmt.Errorf("max errors and max turns cannot be negative")
	}
	return nil
}

// Info describes the agent: its name, its tools and its prompt.
func (r *Runner) Info() Info {
	tools := make(map[string]string)
	for _, def := range r.toolExecutor.Definitions() {
		if r.toolPolicy.IsToolAllowed(def.Name) {
			tools[def.Name] = strings.TrimSpace(def.Description)
		}
	}
	return Info{Name: r.name, Tools: tools, AgentPrompt: r.prompt}
}

// Prompt returns the agent prompt.
func (r *Runner) Prompt() string { return r.prompt }

// History returns a copy of the conversation so far.
func (r *Runner) History() []AgentMessage {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return append([]AgentMessage(nil), r.history...)
}

// Reset clears the conversation history.
func (r *Runner) Reset() {
	r.runMu.Lock()
	r.history = nil
	r.runMu.Unlock()
}

// Debug forwards an event to the OnDebug hook as "agent_<event>".
func (r *Runner) Debug(ctx context.Context, event string, content interface{}) {
	r.logger.Debug().Str("event", event).Msg("Agent debug event")
	if r.hooks.OnDebug != nil {
		r.hooks.OnDebug(ctx, "agent_"+event, content)
	}
}

// Run executes the ReAct loop for one query. The query and the final answer
// are appended to the runner history.
func (r *Runner) Run(ctx context.Context, params RunParams) (AgentResult, error) {
	if strings.TrimSpace(params.Query) == "" {
		return AgentResult{}, fmt.Errorf("query cannot be empty")
	}

	ctx = tracing.NewAgentRunContext(ctx)
	ctx, span := tracing.StartSpan(ctx, "askem/agent", "agent.run",
		attribute.String("agent.name", r.name),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	r.runMu.Lock()
	defer r.runMu.Unlock()

	systemPrompt := params.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = r.prompt
	}

	r.history = compactHistory(r.history, r.config.HistoryTokens)
	start := len(r.history)
	r.history = append(r.history, AgentMessage{Role: "user", Content: params.Query})

	result, err := r.loop(ctx, systemPrompt)
	if err != nil {
		// drop the unfinished exchange so the next run starts clean
		r.history = r.history[:start]
		return AgentResult{}, err
	}
	return result, nil
}

func (r *Runner) loop(ctx context.Context, systemPrompt string) (AgentResult, error) {
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("agent", r.name).Logger()
	tools := r.toolSpecs()
	result := AgentResult{}
	toolErrors := 0

	for turn := 0; turn < r.config.MaxTurns; turn++ {
		if ctx.Err() != nil {
			return AgentResult{Aborted: true}, ctx.Err()
		}

		response, err := r.complete(ctx, LLMRequest{
			Messages:     append([]AgentMessage(nil), r.history...),
			Tools:        tools,
			SystemPrompt: systemPrompt,
		})
		if err != nil {
			return AgentResult{}, err
		}
		result.Usage = result.Usage.add(response.Usage)

		if len(response.ToolCalls) == 0 {
			r.history = append(r.history, AgentMessage{Role: "assistant", Content: response.Content})
			result.Response = response.Content
			r.Debug(ctx, "final_answer", map[string]interface{}{"answer": response.Content})
			return result, nil
		}

		if response.Content != "" {
			r.Debug(ctx, "thought", map[string]interface{}{"thought": response.Content})
		}
		r.history = append(r.history, AgentMessage{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		loop := &LoopController{}
		toolCtx := WithLoop(ctx, loop)
		stoppedBy, finalOutput := "", ""

		for _, call := range response.ToolCalls {
			r.Debug(ctx, "tool_call", map[string]interface{}{"tool": call.Name, "input": call.Parameters})

			// calls after a stop are answered without running
			if stoppedBy != "" {
				r.history = append(r.history, AgentMessage{
					Role: "tool", ToolCallID: call.ID, Content: "skipped: the task is already complete",
				})
				continue
			}

			toolResult := r.toolExecutor.Execute(toolCtx, call.Name, call.Parameters, &toolexecutor.ExecutionContext{
				ContextSlug: tracing.GetContextSlug(ctx),
				AgentID:     r.name,
				ToolPolicy:  r.toolPolicy,
			})

			observation := fmt.Sprintf("%v", toolResult.Output)
			if toolResult.Output == nil {
				observation = ""
			}
			if !toolResult.Success {
				toolErrors++
				observation = "Error: " + toolResult.Error
				logger.Warn().Str("tool", call.Name).Str("error", toolResult.Error).Int("errors", toolErrors).Msg("Tool call failed")
			}

			if r.hooks.OnObservation != nil {
				r.hooks.OnObservation(ctx, call.Name, observation)
			}
			r.history = append(r.history, AgentMessage{
				Role:       "tool",
				Content:    observation,
				ToolCallID: call.ID,
				IsError:    !toolResult.Success,
			})

			if toolResult.Success && loop.Stopped() {
				stoppedBy, finalOutput = call.Name, observation
			}
		}
		result.ToolCalls = append(result.ToolCalls, response.ToolCalls...)

		if stoppedBy != "" {
			r.history = append(r.history, AgentMessage{Role: "assistant", Content: finalOutput})
			result.Response = finalOutput
			result.StoppedBy = stoppedBy
			r.Debug(ctx, "final_answer", map[string]interface{}{"answer": finalOutput, "tool": stoppedBy})
			return result, nil
		}

		if toolErrors >= r.config.MaxErrors {
			return AgentResult{}, fmt.Errorf("%w: %d failed tool calls", ErrTooManyErrors, toolErrors)
		}
	}

	return AgentResult{}, ErrMaxTurns
}

// Oneshot makes a single LLM call with prompt as the system prompt and query
// as the only message. History is neither read nor written.
func (r *Runner) Oneshot(ctx context.Context, prompt, query string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "askem/agent", "agent.oneshot",
		attribute.String("agent.name", r.name),
	)
	response, err := r.complete(ctx, LLMRequest{
		Messages:     []AgentMessage{{Role: "user", Content: query}},
		SystemPrompt: prompt,
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

func (r *Runner) toolSpecs() []ToolSpec {
	defs := r.toolExecutor.Definitions()
	specs := make([]ToolSpec, 0, len(defs))
	for _, def := range defs {
		if !r.toolPolicy.IsToolAllowed(def.Name) {
			continue
		}
		specs = append(specs, ToolSpec{
			Name:        def.Name,
			Description: strings.TrimSpace(def.Description),
			InputSchema: def.InputSchema(),
		})
	}
	return specs
}

// complete sends one request, failing over across auth profiles in priority
// order. Each profile gets retries with backoff on retryable errors.
func (r *Runner) complete(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.authProfiles))
	copy(profiles, r.authProfiles)
	r.authMu.RUnlock()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	sortProfilesByPriority(profiles)

	var lastErr error
	for _, profile := range profiles {
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := r.provider(profile)
		if err != nil {
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}

		req := request
		req.Model = r.config.Model
		if profile.Model != "" {
			req.Model = profile.Model
		}
		req.Temperature = r.config.Temperature
		req.MaxTokens = r.config.MaxTokens

		start := time.Now()
		response, err := r.callWithRetry(ctx, provider, req)
		observability.RecordAgentRun(profile.Provider, time.Since(start), err == nil)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			return response, nil
		}

		lastErr = err
		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Auth profile failed")
		r.updateProfileFailure(profile.ID)

		if ctx.Err() != nil || !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = errors.New("every profile is in cooldown")
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (r *Runner) provider(profile AuthProfile) (LLMProvider, error) {
	r.authMu.Lock()
	defer r.authMu.Unlock()
	if p, ok := r.providers[profile.ID]; ok {
		return p, nil
	}
	p, err := r.providerFactory.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	r.providers[profile.ID] = p
	return p, nil
}

// retryDelay is the first backoff step; it doubles on every attempt.
var retryDelay = time.Second

func (r *Runner) callWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest) (*LLMResponse, error) {
	maxRetries := r.config.MaxRetries
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == maxRetries-1 {
			break
		}

		// 1s, 2s, 4s
		delay := retryDelay * time.Duration(1<<attempt)
		r.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount = 0
			r.authProfiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(r.authProfiles[i].Provider, false)
			break
		}
	}
}

func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount++
			cooldownMs := time.Now().UnixMilli() + int64(60000*r.authProfiles[i].FailureCount)
			r.authProfiles[i].CooldownUntil = &cooldownMs
			observability.SetProviderCooldown(r.authProfiles[i].Provider, true)
			break
		}
	}
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}

// compactHistory drops the oldest exchanges once the estimate exceeds
// maxTokens. Cuts only happen before a user query so tool calls stay paired
// with their results.
func compactHistory(history []AgentMessage, maxTokens int) []AgentMessage {
	if maxTokens <= 0 || EstimateTokens(history) <= maxTokens {
		return history
	}
	for i := 1; i < len(history); i++ {
		if history[i].Role != "user" || history[i].ToolCallID != "" {
			continue
		}
		if EstimateTokens(history[i:]) <= maxTokens {
			return append([]AgentMessage(nil), history[i:]...)
		}
	}
	return nil
}

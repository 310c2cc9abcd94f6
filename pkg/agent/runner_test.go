package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/harun/askem/pkg/agent"
	"github.com/harun/askem/pkg/agent/agenttest"
	"github.com/harun/askem/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T) *toolexecutor.ToolExecutor {
	t.Helper()
	te := toolexecutor.New()
	require.NoError(t, te.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "lookup",
		Description: "Look something up",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "input", Type: "string", Description: "Input", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "looked up " + params["input"].(string), nil
		},
	}))
	require.NoError(t, te.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "generate_code",
		Description: "Generate code and finish",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "Request", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			agent.LoopFromContext(ctx).Stop()
			return `{"action":"code_cell","language":"python3","content":"x = 1"}`, nil
		},
	}))
	require.NoError(t, te.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "broken",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("kernel died")
		},
	}))
	return te
}

type recorder struct {
	mu           sync.Mutex
	observations []string
	events       []string
}

func (r *recorder) hooks() agent.Hooks {
	return agent.Hooks{
		OnObservation: func(_ context.Context, tool, observation string) {
			r.mu.Lock()
			r.observations = append(r.observations, tool+": "+observation)
			r.mu.Unlock()
		},
		OnDebug: func(_ context.Context, event string, _ interface{}) {
			r.mu.Lock()
			r.events = append(r.events, event)
			r.mu.Unlock()
		},
	}
}

func newRunner(t *testing.T, provider agent.LLMProvider, rec *recorder) *agent.Runner {
	t.Helper()
	cfg := agent.Config{
		Name:            "TestAgent",
		Prompt:          "You write code.",
		ToolExecutor:    newExecutor(t),
		Logger:          zerolog.Nop(),
		AuthProfiles:    agenttest.Profiles("primary"),
		ProviderFactory: agenttest.Factory{"primary": provider},
	}
	if rec != nil {
		cfg.Hooks = rec.hooks()
	}
	r, err := agent.NewRunner(cfg)
	require.NoError(t, err)
	return r
}

func TestNewRunner(t *testing.T) {
	t.Run("requires tool executor", func(t *testing.T) {
		_, err := agent.NewRunner(agent.Config{AuthProfiles: agenttest.Profiles("a")})
		assert.ErrorContains(t, err, "tool executor")
	})

	t.Run("requires auth profiles", func(t *testing.T) {
		_, err := agent.NewRunner(agent.Config{ToolExecutor: toolexecutor.New()})
		assert.ErrorContains(t, err, "auth profile")
	})

	t.Run("rejects bad temperature", func(t *testing.T) {
		_, err := agent.NewRunner(agent.Config{
			ToolExecutor: toolexecutor.New(),
			AuthProfiles: agenttest.Profiles("a"),
			Agent:        agent.AgentConfig{Temperature: 3},
		})
		assert.Error(t, err)
	})
}

func TestRun_PlainAnswer(t *testing.T) {
	provider := agenttest.NewProvider(agenttest.Text("The model has three compartments."))
	rec := &recorder{}
	r := newRunner(t, provider, rec)

	result, err := r.Run(context.Background(), agent.RunParams{Query: "describe the model"})
	require.NoError(t, err)
	assert.Equal(t, "The model has three compartments.", result.Response)
	assert.Empty(t, result.StoppedBy)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "You write code.", reqs[0].SystemPrompt)
	assert.Len(t, reqs[0].Tools, 3)
	assert.Contains(t, rec.events, "agent_final_answer")

	history := r.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "describe the model", history[0].Content)
}

func TestRun_ToolLoop(t *testing.T) {
	provider := agenttest.NewProvider(
		agenttest.Call("c1", "lookup", map[string]interface{}{"input": "beta"}),
		agenttest.Text("beta is the infection rate"),
	)
	rec := &recorder{}
	r := newRunner(t, provider, rec)

	result, err := r.Run(context.Background(), agent.RunParams{Query: "what is beta?", SystemPrompt: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "beta is the infection rate", result.Response)
	assert.Len(t, result.ToolCalls, 1)
	assert.Equal(t, []string{"lookup: looked up beta"}, rec.observations)

	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "custom", reqs[0].SystemPrompt)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
}

func TestRun_StopSuccess(t *testing.T) {
	provider := agenttest.NewProvider(
		agenttest.Call("c1", "generate_code", map[string]interface{}{"query": "set x"}),
		agenttest.Text("should not be asked"),
	)
	r := newRunner(t, provider, nil)

	result, err := r.Run(context.Background(), agent.RunParams{Query: "set x to one"})
	require.NoError(t, err)
	assert.Equal(t, "generate_code", result.StoppedBy)
	assert.JSONEq(t, `{"action":"code_cell","language":"python3","content":"x = 1"}`, result.Response)
	assert.Len(t, provider.Requests(), 1)

	history := r.History()
	assert.Equal(t, "assistant", history[len(history)-1].Role)
}

func TestRun_TooManyErrors(t *testing.T) {
	provider := agenttest.NewProvider(agenttest.Call("c1", "broken", nil))
	rec := &recorder{}
	r := newRunner(t, provider, rec)

	_, err := r.Run(context.Background(), agent.RunParams{Query: "break it"})
	require.ErrorIs(t, err, agent.ErrTooManyErrors)
	assert.Len(t, provider.Requests(), agent.DefaultMaxErrors)
	assert.True(t, strings.HasPrefix(rec.observations[0], "broken: Error: kernel died"))
	assert.Empty(t, r.History(), "failed exchange is dropped")
}

func TestRun_MaxTurns(t *testing.T) {
	provider := agenttest.NewProvider(agenttest.Call("c1", "lookup", map[string]interface{}{"input": "again"}))
	r := newRunner(t, provider, nil)

	_, err := r.Run(context.Background(), agent.RunParams{Query: "loop forever"})
	require.ErrorIs(t, err, agent.ErrMaxTurns)
	assert.Len(t, provider.Requests(), agent.DefaultMaxTurns)
}

func TestRun_EmptyQuery(t *testing.T) {
	r := newRunner(t, agenttest.NewProvider(agenttest.Text("x")), nil)
	_, err := r.Run(context.Background(), agent.RunParams{Query: "  "})
	assert.Error(t, err)
}

func TestOneshot(t *testing.T) {
	provider := agenttest.NewProvider(agenttest.Text("```python\nx = 1\n```"))
	r := newRunner(t, provider, nil)

	out, err := r.Oneshot(context.Background(), "write code", "set x")
	require.NoError(t, err)
	assert.Contains(t, out, "x = 1")

	req := provider.Requests()[0]
	assert.Equal(t, "write code", req.SystemPrompt)
	assert.Empty(t, req.Tools)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "set x", req.Messages[0].Content)
	assert.Empty(t, r.History())
}

func TestFailover(t *testing.T) {
	primary := agenttest.NewProvider(agenttest.Fail(errors.New("status 529: overloaded")))
	secondary := agenttest.NewProvider(agenttest.Text("from secondary"))
	r, err := agent.NewRunner(agent.Config{
		ToolExecutor:    newExecutor(t),
		Logger:          zerolog.Nop(),
		Agent:           agent.AgentConfig{MaxRetries: 1},
		AuthProfiles:    agenttest.Profiles("primary", "secondary"),
		ProviderFactory: agenttest.Factory{"primary": primary, "secondary": secondary},
	})
	require.NoError(t, err)

	out, err := r.Oneshot(context.Background(), "p", "q")
	require.NoError(t, err)
	assert.Equal(t, "from secondary", out)

	// primary is cooling down now
	_, err = r.Oneshot(context.Background(), "p", "q")
	require.NoError(t, err)
	assert.Len(t, primary.Requests(), 1)
	assert.Len(t, secondary.Requests(), 2)
}

func TestPermanentErrorStopsFailover(t *testing.T) {
	primary := agenttest.NewProvider(agenttest.Fail(errors.New("invalid api key")))
	secondary := agenttest.NewProvider(agenttest.Text("unused"))
	r, err := agent.NewRunner(agent.Config{
		ToolExecutor:    newExecutor(t),
		AuthProfiles:    agenttest.Profiles("primary", "secondary"),
		ProviderFactory: agenttest.Factory{"primary": primary, "secondary": secondary},
	})
	require.NoError(t, err)

	_, err = r.Oneshot(context.Background(), "p", "q")
	assert.ErrorContains(t, err, "invalid api key")
	assert.Empty(t, secondary.Requests())
}

func TestInfoAndReset(t *testing.T) {
	r := newRunner(t, agenttest.NewProvider(agenttest.Text("ok")), nil)

	info := r.Info()
	assert.Equal(t, "TestAgent", info.Name)
	assert.Equal(t, "You write code.", info.AgentPrompt)
	assert.Equal(t, "Look something up", info.Tools["lookup"])

	_, err := r.Run(context.Background(), agent.RunParams{Query: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.History())
	r.Reset()
	assert.Empty(t, r.History())
}

func TestToolPolicyHidesTools(t *testing.T) {
	provider := agenttest.NewProvider(agenttest.Text("ok"))
	r, err := agent.NewRunner(agent.Config{
		ToolExecutor:    newExecutor(t),
		ToolPolicy:      &toolexecutor.ToolPolicy{Allow: []string{"*"}, Deny: []string{"broken"}},
		AuthProfiles:    agenttest.Profiles("primary"),
		ProviderFactory: agenttest.Factory{"primary": provider},
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), agent.RunParams{Query: "hi"})
	require.NoError(t, err)
	for _, tool := range provider.Requests()[0].Tools {
		assert.NotEqual(t, "broken", tool.Name)
	}
	assert.NotContains(t, r.Info().Tools, "broken")
}

func TestLoopFromContextOutsideLoop(t *testing.T) {
	loop := agent.LoopFromContext(context.Background())
	assert.Nil(t, loop)
	loop.Stop()
	assert.False(t, loop.Stopped())
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, agent.IsRetryableError(errors.New("429 Too Many Requests")))
	assert.True(t, agent.IsRetryableError(errors.New("read: connection reset by peer")))
	assert.False(t, agent.IsRetryableError(errors.New("invalid request")))
	assert.False(t, agent.IsRetryableError(nil))
}

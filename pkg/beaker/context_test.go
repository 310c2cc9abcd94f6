package beaker_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/harun/askem/pkg/agent/agenttest"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/beaker/beakertest"
	"github.com/harun/askem/pkg/codecell"
	"github.com/harun/askem/pkg/kernel"
	"github.com/harun/askem/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var procedures = fstest.MapFS{
	"python3/greet.tmpl":   {Data: []byte(`print({{ pystr .name }})`)},
	"julia-1.9/greet.tmpl": {Data: []byte(`println({{ julia .name }})`)},
}

func newBase(t *testing.T, env *beakertest.Env) *beaker.BaseContext {
	t.Helper()
	b, err := beaker.NewBase(beaker.BaseConfig{
		Slug:       "demo",
		Prompt:     "You help with demos.",
		Procedures: procedures,
		Kernels:    []string{"python3", "julia-1.9"},
	}, env.Deps)
	require.NoError(t, err)
	return b
}

func TestNewBase_Validation(t *testing.T) {
	env := beakertest.NewEnv(t, beakertest.NewExecutor("python3"))

	t.Run("missing slug", func(t *testing.T) {
		_, err := beaker.NewBase(beaker.BaseConfig{}, env.Deps)
		assert.Error(t, err)
	})

	t.Run("kernel outside the supported list", func(t *testing.T) {
		_, err := beaker.NewBase(beaker.BaseConfig{Slug: "x", Kernels: []string{"julia-1.9"}}, env.Deps)
		assert.ErrorIs(t, err, beaker.ErrUnsupportedKernel)
	})

	t.Run("unknown kernel", func(t *testing.T) {
		other := beakertest.NewEnv(t, beakertest.NewExecutor("ir"))
		_, err := beaker.NewBase(beaker.BaseConfig{Slug: "x"}, other.Deps)
		assert.ErrorIs(t, err, beaker.ErrUnsupportedKernel)
	})
}

func TestBaseContext_GetCode(t *testing.T) {
	t.Run("python", func(t *testing.T) {
		b := newBase(t, beakertest.NewEnv(t, beakertest.NewExecutor("python3")))
		code, err := b.GetCode("greet", map[string]any{"name": "it's"})
		require.NoError(t, err)
		assert.Equal(t, `print("it's")`, code)
	})

	t.Run("julia", func(t *testing.T) {
		b := newBase(t, beakertest.NewEnv(t, beakertest.NewExecutor("julia-1.9")))
		code, err := b.GetCode("greet", map[string]any{"name": "x"})
		require.NoError(t, err)
		assert.Equal(t, `println("x")`, code)
	})
}

func TestBaseContext_ExecuteAndEvaluate(t *testing.T) {
	exec := beakertest.NewExecutor("python3").
		On("boom", beakertest.Raise("ValueError", "bad")).
		On("vars", beakertest.Return("{'a': [1, 2], 'b': None}"))
	env := beakertest.NewEnv(t, exec)
	b := newBase(t, env)
	ctx := context.Background()

	var hooked []string
	b.SetPostExecute(func(_ context.Context, res *kernel.ExecutionResult) error {
		hooked = append(hooked, res.Status)
		return errors.New("ignored")
	})

	t.Run("execute runs the hook and keeps exceptions in the result", func(t *testing.T) {
		res, err := b.Execute(ctx, "boom()")
		require.NoError(t, err)
		assert.Error(t, res.Err())
		assert.Equal(t, []string{"error"}, hooked)
	})

	t.Run("checked execute fails on exceptions", func(t *testing.T) {
		_, err := b.ExecuteChecked(ctx, "boom()")
		var kerr *kernel.ExecutionError
		require.ErrorAs(t, err, &kerr)
		assert.Equal(t, "ValueError", kerr.EName)
	})

	t.Run("evaluate parses the return and skips the hook", func(t *testing.T) {
		before := len(hooked)
		v, err := b.Evaluate(ctx, "vars()")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": []any{int64(1), int64(2)}, "b": nil}, v)
		assert.Len(t, hooked, before)
	})

	t.Run("evaluate turns exceptions into errors", func(t *testing.T) {
		_, err := b.Evaluate(ctx, "boom()")
		var kerr *kernel.ExecutionError
		require.ErrorAs(t, err, &kerr)
		assert.Equal(t, "bad", kerr.EValue)
	})
}

func TestBaseContext_Invoke(t *testing.T) {
	env := beakertest.NewEnv(t, beakertest.NewExecutor("python3"))
	b := newBase(t, env)
	ctx := context.Background()

	b.Action("echo", `{"text": ""}`, func(_ context.Context, msg beaker.Message) (any, error) {
		return map[string]any{"text": msg.String("text")}, nil
	})
	b.Intercept("save_request", func(ctx context.Context, msg beaker.Message) (any, error) {
		b.Base().Send(ctx, "save_response", map[string]any{"ok": true}, msg.Header)
		return nil, nil
	})
	b.Action("broken", "{}", func(context.Context, beaker.Message) (any, error) {
		return nil, errors.New("nope")
	})

	t.Run("action replies", func(t *testing.T) {
		out, err := b.Invoke(ctx, "echo", beaker.Message{
			Content: map[string]any{"text": "hi"},
			Header:  map[string]any{"msg_id": "m1"},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"text": "hi"}, out)

		ev, ok := env.Events.Last("echo_response")
		require.True(t, ok)
		assert.Equal(t, "demo", ev.Context)
		assert.Equal(t, "m1", ev.Parent["msg_id"])
	})

	t.Run("intercept replies itself", func(t *testing.T) {
		_, err := b.Invoke(ctx, "save_request", beaker.Message{})
		require.NoError(t, err)
		_, auto := env.Events.Last("save_request_response")
		assert.False(t, auto)
		_, own := env.Events.Last("save_response")
		assert.True(t, own)
	})

	t.Run("failing action sends nothing", func(t *testing.T) {
		_, err := b.Invoke(ctx, "broken", beaker.Message{})
		assert.EqualError(t, err, "nope")
		_, sent := env.Events.Last("broken_response")
		assert.False(t, sent)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := b.Invoke(ctx, "missing", beaker.Message{})
		assert.ErrorIs(t, err, beaker.ErrUnknownAction)
	})

	t.Run("listing", func(t *testing.T) {
		names := []string{}
		for _, a := range b.Actions() {
			names = append(names, a.Name)
		}
		assert.Equal(t, []string{"broken", "echo", "save_request"}, names)
	})
}

func TestBaseContext_Query(t *testing.T) {
	t.Run("code cell answer", func(t *testing.T) {
		env := beakertest.NewEnv(t, beakertest.NewExecutor("python3"),
			agenttest.Call("c1", "greet", map[string]interface{}{"name": "world"}),
		)
		b := newBase(t, env)
		b.SetAutoContext(func(_ context.Context, query string) (string, error) {
			return "Loaded variables: df. Query: " + query, nil
		})
		require.NoError(t, b.RegisterTool(toolexecutor.ToolDefinition{
			Name:        "greet",
			Description: "Print a greeting.",
			Parameters:  []toolexecutor.ToolParameter{{Name: "name", Type: "string", Required: true}},
			KeepOutput:  true,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return b.CodeCell(ctx, "greet", map[string]any{"name": params["name"]})
			},
		}))

		res, err := b.Query(context.Background(), "say hello to the world")
		require.NoError(t, err)
		require.NotNil(t, res.CodeCell)
		assert.Equal(t, "greet", res.StoppedBy)
		assert.Equal(t, codecell.New("python3", `print("world")`), *res.CodeCell)

		ev, ok := env.Events.Last("code_cell")
		require.True(t, ok)
		assert.Equal(t, `print("world")`, ev.Content.(map[string]any)["code"])
		assert.Contains(t, env.Events.Types(), "llm_observation")
		assert.Contains(t, env.Events.Types(), "agent_tool_call")
		assert.Equal(t, "llm_response", env.Events.Types()[len(env.Events.Types())-1])

		prompt := env.LLM.Requests()[0].SystemPrompt
		assert.True(t, strings.HasPrefix(prompt, "You help with demos."))
		assert.Contains(t, prompt, "Query: say hello to the world")

		examples, err := env.Examples.Search(context.Background(), "demo", "hello world", 3)
		require.NoError(t, err)
		require.Len(t, examples, 1)
		assert.Equal(t, `print("world")`, examples[0].Code)
	})

	t.Run("plain answer", func(t *testing.T) {
		env := beakertest.NewEnv(t, beakertest.NewExecutor("python3"), agenttest.Text("Nothing to run."))
		b := newBase(t, env)

		res, err := b.Query(context.Background(), "what is loaded?")
		require.NoError(t, err)
		assert.Nil(t, res.CodeCell)
		assert.Equal(t, "Nothing to run.", res.Response)
		assert.NotContains(t, env.Events.Types(), "code_cell")
		n, err := env.Examples.Count()
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestBaseContext_CodeCell(t *testing.T) {
	env := beakertest.NewEnv(t, beakertest.NewExecutor("python3"))
	b := newBase(t, env)
	require.NoError(t, b.RegisterTool(toolexecutor.ToolDefinition{
		Name:       "greet",
		Parameters: []toolexecutor.ToolParameter{{Name: "name", Type: "string", Required: true}},
		KeepOutput: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return b.CodeCell(ctx, "greet", map[string]any{"name": toolexecutor.StringParam(params, "name")})
		},
	}))
	params := map[string]interface{}{"name": "world"}

	t.Run("own context", func(t *testing.T) {
		result := b.Tools().Execute(context.Background(), "greet", params, &toolexecutor.ExecutionContext{ContextSlug: "demo"})
		require.True(t, result.Success, result.Error)
		env2, ok := codecell.Parse(result.Output.(string))
		require.True(t, ok)
		assert.Equal(t, `print("world")`, env2.Content)
	})

	t.Run("called for another context", func(t *testing.T) {
		result := b.Tools().Execute(context.Background(), "greet", params, &toolexecutor.ExecutionContext{ContextSlug: "mira"})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, `called for context "mira", not "demo"`)
	})
}

func TestBaseContext_GenerateCode(t *testing.T) {
	env := beakertest.NewEnv(t, beakertest.NewExecutor("python3"),
		agenttest.Text("Here you go:\n```python\ndf.head()\n```\nDone."),
	)
	b := newBase(t, env)

	out, err := b.GenerateCode(context.Background(), "python3", "Write code.", "show the head")
	require.NoError(t, err)
	env2, ok := codecell.Parse(out)
	require.True(t, ok)
	assert.Equal(t, "df.head()", env2.Content)

	req := env.LLM.Requests()[0]
	assert.Equal(t, "Write code.", req.SystemPrompt)
	assert.Empty(t, req.Tools)
}

package miraedit_test

import (
	"context"
	"testing"

	"github.com/harun/askem/pkg/agent/agenttest"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/beaker/beakertest"
	"github.com/harun/askem/pkg/contexts/miraedit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amr(id, schema string) map[string]any {
	return map[string]any{
		"id":     id,
		"header": map[string]any{"name": "SIR", "schema_name": schema, "description": "SIR"},
		"model":  map[string]any{},
	}
}

func setup(t *testing.T, exec *beakertest.Executor, script ...agenttest.Responder) (*miraedit.Context, *beakertest.Env) {
	t.Helper()
	env := beakertest.NewEnv(t, exec, script...)
	env.HMI.Put("models", "m-1", amr("m-1", "petrinet"))
	env.HMI.Put("models", "m-2", amr("m-2", "regnet"))
	c, err := miraedit.New(env.Deps)
	require.NoError(t, err)
	return c, env
}

func TestSetup(t *testing.T) {
	ctx := context.Background()

	t.Run("single id loads into model", func(t *testing.T) {
		c, env := setup(t, beakertest.NewExecutor("python3"))
		require.NoError(t, c.Setup(ctx, map[string]any{"id": "m-1"}))
		assert.Equal(t, []string{"model"}, c.Models().Names())

		codes := env.Kernel.Codes()
		require.NotEmpty(t, codes)
		assert.Contains(t, codes[len(codes)-1], "from mira.metamodel.ops import add_observable_pattern, stratify")
	})

	t.Run("named models", func(t *testing.T) {
		c, _ := setup(t, beakertest.NewExecutor("python3"))
		require.NoError(t, c.Setup(ctx, map[string]any{"models": []any{
			map[string]any{"name": "sir_a", "model_id": "m-1"},
			map[string]any{"name": "sir_b", "model_id": "m-2"},
		}}))
		assert.Equal(t, []string{"sir_a", "sir_b"}, c.Models().Names())
	})

	t.Run("nothing to load", func(t *testing.T) {
		c, _ := setup(t, beakertest.NewExecutor("python3"))
		assert.Error(t, c.Setup(ctx, map[string]any{}))
	})

	t.Run("setup code failure", func(t *testing.T) {
		exec := beakertest.NewExecutor("python3").
			On("safe_parse_expr", beakertest.Raise("ModuleNotFoundError", "No module named 'mira'"))
		c, _ := setup(t, exec)
		assert.ErrorContains(t, c.Setup(ctx, map[string]any{"id": "m-1"}), "failed to prepare model editing")
	})
}

func TestProcedureTools(t *testing.T) {
	ctx := context.Background()

	t.Run("rename template", func(t *testing.T) {
		c, env := setup(t, beakertest.NewExecutor("python3"),
			agenttest.Call("c1", "replace_template_name", map[string]interface{}{"old_name": "infection", "new_name": "inf"}),
		)
		res, err := c.Query(ctx, "rename infection to inf")
		require.NoError(t, err)
		require.NotNil(t, res.CodeCell)
		assert.Equal(t, "replace_template_name", res.StoppedBy)
		assert.Equal(t, "python3", res.CodeCell.Language)
		assert.Contains(t, res.CodeCell.Content, "for _template in model.templates:")
		assert.Contains(t, res.CodeCell.Content, `_template.name == "infection"`)
		assert.Contains(t, res.CodeCell.Content, `_template.name = "inf"`)

		ev, ok := env.Events.Last("code_cell")
		require.True(t, ok)
		assert.Equal(t, "python3", ev.Content.(map[string]any)["language"])
	})

	t.Run("defaults fill optional parameters", func(t *testing.T) {
		c, _ := setup(t, beakertest.NewExecutor("python3"),
			agenttest.Call("c1", "add_natural_conversion_template", map[string]interface{}{
				"model":               "sir",
				"subject_name":        "S",
				"outcome_name":        "R",
				"parameter_name":      "v",
				"parameter_value":     "0.1",
				"template_expression": "v*S",
				"template_name":       "vaccine",
			}),
		)
		res, err := c.Query(ctx, "add vaccination from S to R")
		require.NoError(t, err)
		require.NotNil(t, res.CodeCell)
		code := res.CodeCell.Content
		assert.Contains(t, code, "sir = sir.add_template(")
		assert.Contains(t, code, "expression=sympy.Float(1.0)")
		assert.Contains(t, code, "value=0.1")
		assert.Contains(t, code, `sympy.Symbol("1")`)
		assert.Contains(t, code, `description=""`)
		assert.Contains(t, code, `safe_parse_expr("v*S", local_dict=_clash)`)
	})

	t.Run("parameter value expression", func(t *testing.T) {
		c, _ := setup(t, beakertest.NewExecutor("python3"),
			agenttest.Call("c1", "add_natural_degradation_template", map[string]interface{}{
				"subject_name":        "I",
				"parameter_name":      "gamma",
				"parameter_value":     "beta/N",
				"template_expression": "gamma*I",
				"template_name":       "recovery",
			}),
		)
		res, err := c.Query(ctx, "add recovery of I at rate beta/N")
		require.NoError(t, err)
		require.NotNil(t, res.CodeCell)
		assert.Contains(t, res.CodeCell.Content, "value=beta/N,")
		assert.NotContains(t, res.CodeCell.Content, `"beta/N"`)
	})

	t.Run("numeric parameter value is rejected", func(t *testing.T) {
		c, _ := setup(t, beakertest.NewExecutor("python3"),
			agenttest.Call("c1", "add_natural_degradation_template", map[string]interface{}{
				"subject_name":        "I",
				"parameter_name":      "gamma",
				"parameter_value":     0.1,
				"template_expression": "gamma*I",
				"template_name":       "recovery",
			}),
			agenttest.Text("The parameter value must be text."),
		)
		res, err := c.Query(ctx, "add recovery of I")
		require.NoError(t, err)
		assert.Nil(t, res.CodeCell)
	})

	t.Run("invalid model variable", func(t *testing.T) {
		c, _ := setup(t, beakertest.NewExecutor("python3"),
			agenttest.Call("c1", "replace_state_name", map[string]interface{}{
				"model": "my model", "template_name": "t", "old_name": "S", "new_name": "X",
			}),
			agenttest.Text("The model name is not valid."),
		)
		res, err := c.Query(ctx, "rename S")
		require.NoError(t, err)
		assert.Nil(t, res.CodeCell)
	})

	t.Run("stratify optional lists", func(t *testing.T) {
		c, _ := setup(t, beakertest.NewExecutor("python3"),
			agenttest.Call("c1", "stratify", map[string]interface{}{
				"key":    "age",
				"strata": []interface{}{"young", "old"},
			}),
		)
		res, err := c.Query(ctx, "stratify by age")
		require.NoError(t, err)
		require.NotNil(t, res.CodeCell)
		code := res.CodeCell.Content
		assert.Contains(t, code, `key="age"`)
		assert.Contains(t, code, `strata=["young", "old"]`)
		assert.Contains(t, code, "structure=None")
		assert.Contains(t, code, "directed=False")
		assert.Contains(t, code, "modify_names=True")
		assert.Contains(t, code, "add_param_factor = True")
	})
}

func TestModelPreview(t *testing.T) {
	ctx := context.Background()
	exec := beakertest.NewExecutor("python3").
		On("template_model_to_regnet_json(model)\n", beakertest.Return(`{'application/json': {'header': {'schema_name': 'regnet'}}}`)).
		On("template_model_to_petrinet_json(other)\n", beakertest.Return(`{'application/json': {}}`))
	c, env := setup(t, exec)
	require.NoError(t, c.Setup(ctx, map[string]any{"id": "m-2"}))

	out, err := c.Invoke(ctx, "model_preview", beaker.Message{Content: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"application/json": map[string]any{"header": map[string]any{"schema_name": "regnet"}}}, out)
	_, ok := env.Events.Last("model_preview_response")
	assert.True(t, ok)

	t.Run("unknown variables preview as petrinet", func(t *testing.T) {
		out, err := c.Invoke(ctx, "model_preview", beaker.Message{Content: map[string]any{"var_name": "other"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"application/json": map[string]any{}}, out)
	})

	t.Run("bad variable", func(t *testing.T) {
		_, err := c.Invoke(ctx, "model_preview", beaker.Message{Content: map[string]any{"var_name": "1x"}})
		assert.Error(t, err)
	})
}

func TestModelCompose(t *testing.T) {
	ctx := context.Background()
	c, env := setup(t, beakertest.NewExecutor("python3"))

	out, err := c.Invoke(ctx, "model_compose", beaker.Message{Content: map[string]any{
		"models":   []any{"sir_a", "sir_b"},
		"var_name": "combined",
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"var_name": "combined", "models": []string{"sir_a", "sir_b"}}, out)

	codes := env.Kernel.Codes()
	require.NotEmpty(t, codes)
	assert.Contains(t, codes[len(codes)-1], "combined = compose([sir_a, sir_b])")

	for _, bad := range []any{
		[]any{"sir_a"},
		[]any{"sir_a", "not valid"},
		"sir_a",
	} {
		_, err := c.Invoke(ctx, "model_compose", beaker.Message{Content: map[string]any{"models": bad}})
		assert.Error(t, err)
	}
}

func TestFactory(t *testing.T) {
	f := miraedit.Factory()
	assert.Len(t, f.Tools, 15)
	assert.Contains(t, f.Tools, "stratify")
	assert.Equal(t, []string{"python3"}, f.Kernels)
}

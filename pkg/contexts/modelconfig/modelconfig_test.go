package modelconfig_test

import (
	"context"
	"testing"

	"github.com/harun/askem/pkg/agent/agenttest"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/beaker/beakertest"
	"github.com/harun/askem/pkg/contexts/modelconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kernelConfig = `{'id': 'mc-1', 'name': 'SIR config', 'parameterSemanticList': [{'referenceId': 'beta', 'value': 0.4}]}`

func apiDocs() map[string]any {
	return map[string]any{
		"components": map[string]any{
			"schemas": map[string]any{
				"ModelConfiguration": map[string]any{
					"type":     "object",
					"required": []any{"name"},
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func setup(t *testing.T, exec *beakertest.Executor, script ...agenttest.Responder) (*modelconfig.Context, *beakertest.Env) {
	t.Helper()
	env := beakertest.NewEnv(t, exec, script...)
	env.HMI.SetAPIDocs(apiDocs())
	env.HMI.Put("model-configurations", "mc-1", map[string]any{"id": "mc-1", "name": "SIR config"})
	env.HMI.Put("datasets", "ds-1", map[string]any{"id": "ds-1", "fileNames": []any{"cases.csv"}})

	c, err := modelconfig.New(env.Deps)
	require.NoError(t, err)
	return c, env
}

func TestSetup(t *testing.T) {
	ctx := context.Background()

	t.Run("loads the configuration and dataset", func(t *testing.T) {
		c, env := setup(t, beakertest.NewExecutor("python3"))
		require.NoError(t, c.Setup(ctx, map[string]any{"id": "mc-1", "dataset_id": "ds-1"}))

		codes := env.Kernel.Codes()
		require.Len(t, codes, 2)
		assert.Contains(t, codes[0], `model_config = json.loads("{\"id\":\"mc-1\",\"name\":\"SIR config\"}")`)
		assert.Contains(t, codes[1], "dataset = pd.read_csv(")
		assert.Equal(t, "mc-1", c.ConfigID())
		assert.Equal(t, "ds-1", c.DatasetID())
	})

	t.Run("errors", func(t *testing.T) {
		c, _ := setup(t, beakertest.NewExecutor("python3"))
		assert.Error(t, c.Setup(ctx, map[string]any{}))
		assert.Error(t, c.Setup(ctx, map[string]any{"id": "mc-1", "type": "model"}))
		assert.Error(t, c.Setup(ctx, map[string]any{"id": "missing"}))
	})

	t.Run("julia is not supported", func(t *testing.T) {
		env := beakertest.NewEnv(t, beakertest.NewExecutor("julia-1.9"))
		_, err := modelconfig.New(env.Deps)
		assert.ErrorIs(t, err, beaker.ErrUnsupportedKernel)
	})
}

func TestSchemaAndConfig(t *testing.T) {
	ctx := context.Background()
	c, env := setup(t, beakertest.NewExecutor("python3").On("model_config\n", beakertest.Return(kernelConfig)))
	require.NoError(t, c.Setup(ctx, map[string]any{"id": "mc-1"}))

	schema, err := c.GetSchema(ctx)
	require.NoError(t, err)
	assert.Contains(t, schema, `"ModelConfiguration"`)

	before := len(env.HMI.Requests())
	_, err = c.GetSchema(ctx)
	require.NoError(t, err)
	assert.Len(t, env.HMI.Requests(), before, "schema is cached")

	config, err := c.GetConfig(ctx)
	require.NoError(t, err)
	assert.Contains(t, config, `"referenceId": "beta"`)
	assert.Contains(t, config, `"value": 0.4`)

	auto, err := c.AutoContext(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, auto, "The schema is:\n{")
	assert.Contains(t, auto, "'Python 3' language")
	assert.Contains(t, auto, "'python3' kernel")
}

func TestGenerateCode(t *testing.T) {
	ctx := context.Background()
	c, env := setup(t, beakertest.NewExecutor("python3").On("model_config\n", beakertest.Return(kernelConfig)),
		agenttest.Call("c1", "generate_code", map[string]interface{}{"query": "set beta to 0.5"}),
		agenttest.Text("```python\nmodel_config['parameterSemanticList'][0]['value'] = 0.5\n```"),
	)
	require.NoError(t, c.Setup(ctx, map[string]any{"id": "mc-1"}))

	res, err := c.Query(ctx, "set beta to 0.5")
	require.NoError(t, err)
	require.NotNil(t, res.CodeCell)
	assert.Equal(t, "python3", res.CodeCell.Language)
	assert.Equal(t, "model_config['parameterSemanticList'][0]['value'] = 0.5", res.CodeCell.Content)

	prompt := env.LLM.Requests()[1].SystemPrompt
	assert.Contains(t, prompt, "stored in a variable named `model_config`")
	assert.Contains(t, prompt, "The current configuration is:")
	assert.NotContains(t, prompt, "A dataset is loaded")
}

func TestSaveModelConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("writes the kernel configuration back", func(t *testing.T) {
		c, env := setup(t, beakertest.NewExecutor("python3").On("model_config\n", beakertest.Return(kernelConfig)))
		require.NoError(t, c.Setup(ctx, map[string]any{"id": "mc-1"}))

		_, err := c.Invoke(ctx, "save_model_config_request", beaker.Message{Header: map[string]any{"msg_id": "m9"}})
		require.NoError(t, err)

		stored, ok := env.HMI.Get("model-configurations", "mc-1")
		require.True(t, ok)
		assert.Equal(t, "SIR config", stored["name"])
		assert.Len(t, stored["parameterSemanticList"], 1)

		ev, ok := env.Events.Last("save_model_response")
		require.True(t, ok)
		assert.Equal(t, map[string]any{"model_configuration_id": "mc-1"}, ev.Content)
		assert.Equal(t, "m9", ev.Parent["msg_id"])
		_, auto := env.Events.Last("save_model_config_request_response")
		assert.False(t, auto)
	})

	t.Run("invalid configurations are still saved", func(t *testing.T) {
		c, env := setup(t, beakertest.NewExecutor("python3").On("model_config\n", beakertest.Return(`{'name': 3}`)))
		require.NoError(t, c.Setup(ctx, map[string]any{"id": "mc-1"}))

		_, err := c.Invoke(ctx, "save_model_config_request", beaker.Message{})
		require.NoError(t, err)
		stored, _ := env.HMI.Get("model-configurations", "mc-1")
		assert.EqualValues(t, 3, stored["name"])
	})

	t.Run("kernel errors", func(t *testing.T) {
		c, env := setup(t, beakertest.NewExecutor("python3").On("model_config\n", beakertest.Raise("NameError", "model_config")))
		require.NoError(t, c.Setup(ctx, map[string]any{"id": "mc-1"}))

		_, err := c.Invoke(ctx, "save_model_config_request", beaker.Message{})
		assert.ErrorContains(t, err, "NameError")
		_, sent := env.Events.Last("save_model_response")
		assert.False(t, sent)
	})
}

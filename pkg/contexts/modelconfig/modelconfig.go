// Package modelconfig is the context for inspecting and editing an HMI model
// configuration held as a dict in a Python kernel.
package modelconfig

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sync"

	"github.com/harun/askem/internal/tracing"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/hmi"
	"github.com/harun/askem/pkg/subkernel"
	"github.com/harun/askem/pkg/toolexecutor"
)

// Slug names the context.
const Slug = "model_configuration"

//go:embed context.yaml procedures
var assets embed.FS

// Metadata is the decoded context.yaml.
type Metadata struct {
	Description string `yaml:"description"`
	Kernels     map[string]struct {
		ConfigVar  string `yaml:"config_var"`
		DatasetVar string `yaml:"dataset_var"`
	} `yaml:"kernels"`
}

// Context holds one model configuration in the kernel.
type Context struct {
	*beaker.BaseContext

	configVar  string
	datasetVar string

	mu        sync.Mutex
	configID  string
	datasetID string
	schema    map[string]any
}

// Factory registers the context with a beaker.Manager.
func Factory() beaker.Factory {
	return beaker.Factory{
		Description: "Understand and update a model configuration.",
		Kernels:     []string{subkernel.PythonKernelName},
		Tools:       []string{"generate_code"},
		Actions:     []string{"save_model_config_request"},
		New: func(deps beaker.Deps) (beaker.Context, error) {
			return New(deps)
		},
	}
}

// Procedures returns the context's code templates keyed by kernel.
func Procedures() (fs.FS, error) {
	return fs.Sub(assets, "procedures")
}

// New creates the context on deps.Executor.
func New(deps beaker.Deps) (*Context, error) {
	var meta Metadata
	if err := beaker.LoadMetadata(assets, "context.yaml", &meta); err != nil {
		return nil, err
	}
	procedures, err := Procedures()
	if err != nil {
		return nil, err
	}
	base, err := beaker.NewBase(beaker.BaseConfig{
		Slug:       Slug,
		AgentName:  "ConfigEditAgent",
		Prompt:     agentPrompt,
		Procedures: procedures,
		Kernels:    []string{subkernel.PythonKernelName},
	}, deps)
	if err != nil {
		return nil, err
	}

	kmeta := meta.Kernels[base.Subkernel().KernelName()]
	c := &Context{
		BaseContext: base,
		configVar:   kmeta.ConfigVar,
		datasetVar:  kmeta.DatasetVar,
	}
	if c.configVar == "" {
		c.configVar = "model_config"
	}
	if c.datasetVar == "" {
		c.datasetVar = "dataset"
	}

	err = c.RegisterTool(toolexecutor.ToolDefinition{
		Name: "generate_code",
		Description: "Generate code to be run in an interactive Jupyter notebook for the purpose of modifying a model configuration. " +
			"This may include modifying the configuration based on an available dataset. " +
			"If the user mentions a dataset, it will always be a pandas DataFrame called `dataset`.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "A fully grammatically correct question about the current model configuration (and optional dataset).", Required: true},
		},
		KeepOutput: true,
		Handler:    c.generateCode,
	})
	if err != nil {
		return nil, err
	}
	c.Intercept("save_model_config_request", c.saveModelConfig)
	c.SetAutoContext(c.autoContext)
	return c, nil
}

// Setup loads {"id": "<config id>", "type": "model_config", "dataset_id": "..."}.
func (c *Context) Setup(ctx context.Context, info map[string]any) error {
	id, _ := info["id"].(string)
	if id == "" {
		return fmt.Errorf("model configuration id is required")
	}
	if t := beaker.StringOr(info, "type", "model_config"); t != "model_config" {
		return fmt.Errorf("unsupported item type %q", t)
	}
	logger := tracing.LoggerFromContext(ctx, c.Logger())
	logger.Info().Str("model_configuration", id).Msg("Processing model configuration")

	config, err := c.HMI().GetModelConfiguration(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch model configuration %s: %w", id, err)
	}
	c.mu.Lock()
	c.configID = id
	c.mu.Unlock()
	if err := c.loadConfig(ctx, config); err != nil {
		return err
	}

	if datasetID, _ := info["dataset_id"].(string); datasetID != "" {
		if err := c.loadDataset(ctx, datasetID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) loadConfig(ctx context.Context, config map[string]any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return err
	}
	code, err := c.GetCode("load_config", map[string]any{
		"var_name":          c.configVar,
		"model_config_json": string(raw),
	})
	if err != nil {
		return err
	}
	if _, err := c.ExecuteChecked(ctx, code); err != nil {
		return fmt.Errorf("failed to load model configuration: %w", err)
	}
	return nil
}

func (c *Context) loadDataset(ctx context.Context, id string) error {
	record, err := c.HMI().GetDataset(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch dataset %s: %w", id, err)
	}
	var filename string
	if names, ok := record["fileNames"].([]any); ok && len(names) > 0 {
		filename, _ = names[0].(string)
	}
	if filename == "" {
		return fmt.Errorf("dataset %s has no files", id)
	}
	url, err := c.HMI().DatasetDownloadURL(ctx, id, filename)
	if err != nil {
		return err
	}
	code, err := c.GetCode("load_dataset", map[string]any{"var_name": c.datasetVar, "url": url})
	if err != nil {
		return err
	}
	if _, err := c.ExecuteChecked(ctx, code); err != nil {
		return fmt.Errorf("failed to load dataset %s: %w", id, err)
	}
	c.mu.Lock()
	c.datasetID = id
	c.mu.Unlock()
	return nil
}

// ConfigID returns the id of the loaded configuration.
func (c *Context) ConfigID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configID
}

// DatasetID returns the id of the dataset loaded alongside, if any.
func (c *Context) DatasetID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.datasetID
}

// GetSchema returns the ModelConfiguration schema with every definition it
// references, as indented JSON. The schema is fetched once.
func (c *Context) GetSchema(ctx context.Context) (string, error) {
	schema, err := c.schemaDoc(ctx)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (c *Context) schemaDoc(ctx context.Context) (map[string]any, error) {
	c.mu.Lock()
	cached := c.schema
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	schema, err := c.HMI().ModelConfigurationSchema(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model configuration schema: %w", err)
	}
	c.mu.Lock()
	c.schema = schema
	c.mu.Unlock()
	return schema, nil
}

// GetConfig returns the configuration as it currently is in the kernel, as
// indented JSON.
func (c *Context) GetConfig(ctx context.Context) (string, error) {
	config, err := c.currentConfig(ctx)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (c *Context) currentConfig(ctx context.Context) (any, error) {
	code, err := c.GetCode("get_config", map[string]any{"var_name": c.configVar})
	if err != nil {
		return nil, err
	}
	config, err := c.Evaluate(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.configVar, err)
	}
	return config, nil
}

func (c *Context) autoContext(ctx context.Context, _ string) (string, error) {
	schema, err := c.GetSchema(ctx)
	if err != nil {
		return "", err
	}
	config, err := c.GetConfig(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`You are an scientific modeler whose goal is to help the user understand and update a model configuration.

Model configurations are defined by a specific model configuration JSON schema.
The schema defines the structure of the model configuration, including the parameters, initial conditions, and other attributes of the model.

The schema is:
%s

The actual instance of the model configuration is:
%s

Please answer any user queries to the best of your ability, but do not guess if you are not sure of an answer.

If you need to generate code, you should write it in the '%s' language for execution
in a Jupyter notebook using the '%s' kernel.
`, schema, config, c.Subkernel().DisplayName(), c.Subkernel().KernelName()), nil
}

// saveModelConfig writes the kernel's configuration back to the HMI and
// replies with save_model_response.
func (c *Context) saveModelConfig(ctx context.Context, msg beaker.Message) (any, error) {
	id := c.ConfigID()
	if id == "" {
		return nil, fmt.Errorf("no model configuration loaded")
	}
	updated, err := c.currentConfig(ctx)
	if err != nil {
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, c.Logger())
	if schema, err := c.schemaDoc(ctx); err != nil {
		logger.Warn().Err(err).Msg("Skipping model configuration validation")
	} else if problems, err := hmi.ValidateModelConfiguration(schema, updated); err != nil {
		logger.Warn().Err(err).Msg("Model configuration validation failed to run")
	} else if len(problems) > 0 {
		logger.Warn().Strs("problems", problems).Str("model_configuration", id).
			Msg("Model configuration does not match the schema")
	}

	responseID, err := c.HMI().UpdateModelConfiguration(ctx, id, updated)
	if err != nil {
		return nil, fmt.Errorf("failed to update model configuration %s: %w", id, err)
	}
	logger.Info().Str("model_configuration", responseID).Msg("Updated model configuration")

	content := map[string]any{"model_configuration_id": responseID}
	c.Send(ctx, "save_model_response", content, msg.Header)
	return content, nil
}

// Package pyciemss is the context for simulating and optimizing model
// configurations with PyCIEMSS.
package pyciemss

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/harun/askem/internal/tracing"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/subkernel"
	"github.com/harun/askem/pkg/templates"
)

// Slug names the context.
const Slug = "pyciemss"

//go:embed context.yaml procedures
var assets embed.FS

// Metadata is the decoded context.yaml.
type Metadata struct {
	Description  string   `yaml:"description"`
	LibraryNames []string `yaml:"library_names"`
	ModelVar     string   `yaml:"model_var"`
}

// Context holds a model configuration as an AMR dict in the kernel.
type Context struct {
	*beaker.BaseContext

	meta Metadata

	mu       sync.Mutex
	configID string
	amr      map[string]any
	schema   string
}

// Factory registers the context with a beaker.Manager.
func Factory() beaker.Factory {
	return beaker.Factory{
		Description: "Simulate, calibrate and optimize models with PyCIEMSS.",
		Kernels:     []string{subkernel.PythonKernelName},
		Tools:       []string{"generate_code", "retrieve_documentation"},
		Actions:     []string{"get_optimize", "save_results", "save_results_to_hmi"},
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
	if meta.ModelVar == "" {
		meta.ModelVar = "model"
	}
	procedures, err := Procedures()
	if err != nil {
		return nil, err
	}
	base, err := beaker.NewBase(beaker.BaseConfig{
		Slug:       Slug,
		AgentName:  "PyCIEMSSAgent",
		Prompt:     agentPrompt,
		Procedures: procedures,
		Kernels:    []string{subkernel.PythonKernelName},
	}, deps)
	if err != nil {
		return nil, err
	}

	c := &Context{BaseContext: base, meta: meta}
	if err := c.registerTools(); err != nil {
		return nil, err
	}
	c.Action("get_optimize", "{}", c.getOptimize)
	c.Action("save_results", "{}", c.saveResults)
	c.Action("save_results_to_hmi", `{"sim_type": "simulate"}`, c.saveResultsToHMI)
	c.SetAutoContext(c.autoContext)
	return c, nil
}

// Setup prepares the kernel and, given "model_config_id", loads that
// configuration's AMR into the model variable.
func (c *Context) Setup(ctx context.Context, info map[string]any) error {
	code, err := c.GetCode("setup", map[string]any{"hmi_url": c.HMI().BaseURL()})
	if err != nil {
		return err
	}
	if _, err := c.ExecuteChecked(ctx, code); err != nil {
		return fmt.Errorf("failed to set up pyciemss: %w", err)
	}
	if id, _ := info["model_config_id"].(string); id != "" {
		return c.SetModelConfig(ctx, id)
	}
	return nil
}

// SetModelConfig fetches a model configuration and assigns its AMR in the
// kernel.
func (c *Context) SetModelConfig(ctx context.Context, id string) error {
	logger := tracing.LoggerFromContext(ctx, c.Logger())

	config, err := c.HMI().GetModelConfiguration(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch model configuration %s: %w", id, err)
	}
	amr, ok := config["configuration"].(map[string]any)
	if !ok {
		return fmt.Errorf("model configuration %s has no configuration", id)
	}
	logger.Info().Str("model_config_id", id).Msg("Fetched model configuration")

	schema := "petrinet"
	if header, ok := amr["header"].(map[string]any); ok {
		if s, _ := header["schema_name"].(string); s != "" {
			schema = s
		}
	}

	code, err := c.GetCode("load_model", map[string]any{"var_name": c.meta.ModelVar, "amr": amr})
	if err != nil {
		return err
	}
	if _, err := c.ExecuteChecked(ctx, code); err != nil {
		return fmt.Errorf("failed to load model configuration %s: %w", id, err)
	}

	c.mu.Lock()
	c.configID, c.amr, c.schema = id, amr, schema
	c.mu.Unlock()
	return nil
}

// ConfigID returns the loaded model configuration id.
func (c *Context) ConfigID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configID
}

// AMR returns the loaded configuration's AMR, or nil.
func (c *Context) AMR() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amr
}

// SchemaName returns the AMR schema of the loaded configuration.
func (c *Context) SchemaName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schema
}

func (c *Context) getOptimize(ctx context.Context, msg beaker.Message) (any, error) {
	vars := make(map[string]any, len(msg.Content)+1)
	for k, v := range msg.Content {
		vars[k] = v
	}
	model := beaker.StringOr(vars, "model", c.meta.ModelVar)
	if err := beaker.VariableName(model); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	vars["model"] = model

	code, err := c.GetCode("optimize", vars)
	if err != nil {
		return nil, err
	}
	c.Send(ctx, "code_cell", map[string]any{"code": code}, msg.Header)
	return code, nil
}

func (c *Context) saveResults(ctx context.Context, _ beaker.Message) (any, error) {
	code, err := c.GetCode("save_results", nil)
	if err != nil {
		return nil, err
	}
	return c.Evaluate(ctx, code)
}

func (c *Context) saveResultsToHMI(ctx context.Context, msg beaker.Message) (any, error) {
	logger := tracing.LoggerFromContext(ctx, c.Logger())

	payload := map[string]any{
		"name":              "PyCIEMSS Notebook Session",
		"execution_payload": map[string]any{},
		"result_files":      []any{},
		"type":              beaker.StringOr(msg.Content, "sim_type", "simulate"),
		"status":            "success",
		"engine":            "ciemss",
	}
	simID, err := c.HMI().CreateSimulation(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("Failed to create simulation on TDS: %w", err)
	}
	sim, err := c.HMI().GetSimulation(ctx, simID)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("simulation_id", simID).Interface("simulation", sim).Msg("Created simulation")

	user, pass := c.HMI().Credentials()
	code, err := pyCall("_save_result", simID, user, pass)
	if err != nil {
		return nil, err
	}
	files, err := c.Evaluate(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to upload results of simulation %s: %w", simID, err)
	}
	if _, ok := files.([]any); !ok {
		return nil, fmt.Errorf("failed to upload results of simulation %s: expected a list, got %T", simID, files)
	}
	return simID, nil
}

// pyCall renders a call of fn with string arguments.
func pyCall(fn string, args ...string) (string, error) {
	quoted := make([]string, len(args))
	for i, a := range args {
		q, err := templates.PyString(a)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return fn + "(" + strings.Join(quoted, ", ") + ")", nil
}

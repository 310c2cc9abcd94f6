// Package miraedit is the context for editing MIRA template models with
// prewritten transformation procedures.
package miraedit

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/contexts/mira"
	"github.com/harun/askem/pkg/subkernel"
)

// Slug names the context.
const Slug = "mira_model_edit"

//go:embed context.yaml procedures
var assets embed.FS

const agentPrompt = `LLM agent used for working with the MIRA modeling framework in Python 3.
It finds prewritten procedures that edit a model.

A MIRA template model is made up of templates (conversions, productions and degradations between states) that are merged together,
along with the parameters and initial values they use.

Instead of manipulating the model directly, always return code that will be run externally in a Jupyter notebook
by calling the tool that matches the requested change.`

var previewSchemas = map[string]bool{"petrinet": true, "regnet": true, "stockflow": true}

// Context edits template models loaded from the HMI.
type Context struct {
	*beaker.BaseContext

	models *mira.Models
}

// Factory registers the context with a beaker.Manager.
func Factory() beaker.Factory {
	names := make([]string, len(procedures))
	for i, p := range procedures {
		names[i] = p.name
	}
	return beaker.Factory{
		Description: "Edit MIRA template models with prewritten transformation procedures.",
		Kernels:     []string{subkernel.PythonKernelName},
		Tools:       names,
		Actions:     []string{"model_compose", "model_preview", "save_amr"},
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
	var meta struct {
		Description string `yaml:"description"`
	}
	if err := beaker.LoadMetadata(assets, "context.yaml", &meta); err != nil {
		return nil, err
	}
	sub, err := Procedures()
	if err != nil {
		return nil, err
	}
	base, err := beaker.NewBase(beaker.BaseConfig{
		Slug:       Slug,
		AgentName:  "MiraModelEditAgent",
		Prompt:     agentPrompt,
		Procedures: sub,
		Kernels:    []string{subkernel.PythonKernelName},
	}, deps)
	if err != nil {
		return nil, err
	}

	c := &Context{BaseContext: base, models: mira.NewModels(base)}
	for _, p := range procedures {
		if err := c.RegisterTool(p.tool(c.BaseContext)); err != nil {
			return nil, err
		}
	}
	c.Action("model_preview", `{"var_name": "model"}`, c.modelPreview)
	c.Action("model_compose", `{"models": ["model_a", "model_b"], "var_name": "model"}`, c.modelCompose)
	c.Action("save_amr", `{"name": "new_model", "model_var": "model", "project_id": null}`, c.models.SaveAMR)
	return c, nil
}

// Setup loads {"models": [{"name", "model_id"}]}, or a single {"id"} into
// the variable "model".
func (c *Context) Setup(ctx context.Context, info map[string]any) error {
	refs, err := mira.ParseModelRefs(info)
	if err != nil {
		return err
	}
	if id, _ := info["id"].(string); id != "" {
		refs = append(refs, mira.ModelRef{Name: "model", ModelID: id})
	}
	if len(refs) == 0 {
		return fmt.Errorf("no models to load")
	}
	if err := c.models.Load(ctx, refs); err != nil {
		return err
	}

	code, err := c.GetCode("model_edit_setup", nil)
	if err != nil {
		return err
	}
	if _, err := c.ExecuteChecked(ctx, code); err != nil {
		return fmt.Errorf("failed to prepare model editing: %w", err)
	}
	return nil
}

// Models returns the loaded models.
func (c *Context) Models() *mira.Models { return c.models }

// modelPreview returns {"application/json": <AMR>} for a template model
// variable.
func (c *Context) modelPreview(ctx context.Context, msg beaker.Message) (any, error) {
	varName := beaker.StringOr(msg.Content, "var_name", "model")
	if err := beaker.VariableName(varName); err != nil {
		return nil, err
	}
	schema := msg.String("schema_name")
	if schema == "" {
		if amr, ok := c.models.AMR(varName); ok {
			schema = mira.SchemaName(amr)
		}
	}
	if !previewSchemas[schema] {
		schema = "petrinet"
	}

	code, err := c.GetCode("model_preview", map[string]any{"var_name": varName, "schema_name": schema})
	if err != nil {
		return nil, err
	}
	preview, err := c.Evaluate(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to preview %s: %w", varName, err)
	}
	return preview, nil
}

// modelCompose merges template models into one variable.
func (c *Context) modelCompose(ctx context.Context, msg beaker.Message) (any, error) {
	varName := beaker.StringOr(msg.Content, "var_name", "model")
	if err := beaker.VariableName(varName); err != nil {
		return nil, err
	}
	raw, _ := msg.Content["models"].([]any)
	if len(raw) < 2 {
		return nil, fmt.Errorf("at least two models are required to compose")
	}
	models := make([]string, len(raw))
	for i, m := range raw {
		name, _ := m.(string)
		if err := beaker.VariableName(name); err != nil {
			return nil, err
		}
		models[i] = name
	}

	code, err := c.GetCode("model_compose", map[string]any{"var_name": varName, "models": models})
	if err != nil {
		return nil, err
	}
	if _, err := c.ExecuteChecked(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to compose %v: %w", models, err)
	}
	return map[string]any{"var_name": varName, "models": models}, nil
}

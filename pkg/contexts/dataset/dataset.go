// Package dataset is the context for exploring and editing HMI datasets as
// dataframes in a Python or Julia kernel.
package dataset

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/harun/askem/internal/tracing"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/subkernel"
)

// Slug names the context.
const Slug = "dataset"

//go:embed context.yaml procedures
var assets embed.FS

// Library is a package the generated code may use.
type Library struct {
	Name  string `yaml:"name"`
	Alias string `yaml:"alias"`
}

// KernelMetadata describes the dataframe stack of one kernel.
type KernelMetadata struct {
	DataframeLibrary string    `yaml:"df_lib_name"`
	Libraries        []Library `yaml:"libraries"`
}

// Metadata is the decoded context.yaml.
type Metadata struct {
	Description string                    `yaml:"description"`
	Kernels     map[string]KernelMetadata `yaml:"kernels"`
}

// Asset is a dataset loaded into a kernel variable.
type Asset struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Filename string `json:"filename"`
}

// Context loads datasets into dataframes and generates code against them.
type Context struct {
	*beaker.BaseContext

	meta  KernelMetadata
	state *state
}

type state struct {
	assets map[string]Asset
}

// Factory registers the context with a beaker.Manager.
func Factory() beaker.Factory {
	return beaker.Factory{
		Description: "Evaluate, modify and display datasets loaded as dataframes.",
		Kernels:     []string{subkernel.PythonKernelName, subkernel.JuliaKernelName},
		Tools:       []string{"generate_code"},
		Actions:     []string{"download_dataset", "save_dataset"},
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
		AgentName:  "DatasetAgent",
		Prompt:     agentPrompt,
		Procedures: procedures,
		Kernels:    []string{subkernel.PythonKernelName, subkernel.JuliaKernelName},
	}, deps)
	if err != nil {
		return nil, err
	}

	c := &Context{
		BaseContext: base,
		meta:        meta.Kernels[base.Subkernel().KernelName()],
		state:       &state{assets: map[string]Asset{}},
	}
	if err := c.registerTools(); err != nil {
		return nil, err
	}
	c.Action("download_dataset", `{"var_name": "df"}`, c.downloadDataset)
	c.Action("save_dataset", `{"var_name": "df", "name": "", "description": "", "filename": "dataset.csv"}`, c.saveDataset)
	c.SetAutoContext(c.autoContext)
	return c, nil
}

// Setup loads {"datasets": {"<var_name>": "<dataset_id>"}}. A bare
// "dataset_id" loads into "df".
func (c *Context) Setup(ctx context.Context, info map[string]any) error {
	datasets, err := beaker.StringMap(info["datasets"])
	if err != nil {
		return fmt.Errorf("invalid datasets: %w", err)
	}
	if id, ok := info["dataset_id"].(string); ok && id != "" {
		datasets["df"] = id
	}
	if len(datasets) == 0 {
		return fmt.Errorf("no datasets to load")
	}

	names := make([]string, 0, len(datasets))
	for name := range datasets {
		if err := beaker.VariableName(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		asset, err := c.loadDataset(ctx, name, datasets[name])
		if err != nil {
			return err
		}
		c.state.assets[name] = asset
	}
	return nil
}

func (c *Context) loadDataset(ctx context.Context, varName, id string) (Asset, error) {
	record, err := c.HMI().GetDataset(ctx, id)
	if err != nil {
		return Asset{}, fmt.Errorf("failed to fetch dataset %s: %w", id, err)
	}
	filename := firstFileName(record)
	if filename == "" {
		return Asset{}, fmt.Errorf("dataset %s has no files", id)
	}
	url, err := c.HMI().DatasetDownloadURL(ctx, id, filename)
	if err != nil {
		return Asset{}, fmt.Errorf("failed to resolve dataset %s: %w", id, err)
	}

	code, err := c.GetCode("load_df", map[string]any{"var_name": varName, "url": url})
	if err != nil {
		return Asset{}, err
	}
	if _, err := c.ExecuteChecked(ctx, code); err != nil {
		return Asset{}, fmt.Errorf("failed to load dataset %s into %s: %w", id, varName, err)
	}

	name, _ := record["name"].(string)
	logger := tracing.LoggerFromContext(ctx, c.Logger())
	logger.Info().
		Str("dataset", id).Str("variable", varName).Msg("Dataset loaded")
	return Asset{ID: id, Name: name, Filename: filename}, nil
}

func firstFileName(record map[string]any) string {
	for _, key := range []string{"fileNames", "file_names"} {
		if names, ok := record[key].([]any); ok && len(names) > 0 {
			s, _ := names[0].(string)
			return s
		}
	}
	return ""
}

// Assets returns the loaded datasets by variable name.
func (c *Context) Assets() map[string]Asset {
	out := make(map[string]Asset, len(c.state.assets))
	for k, v := range c.state.assets {
		out[k] = v
	}
	return out
}

func (c *Context) variables() []string {
	names := make([]string, 0, len(c.state.assets))
	for name := range c.state.assets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Context) autoContext(ctx context.Context, _ string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working with datasets in the %s language using %s dataframes.\n",
		c.Subkernel().DisplayName(), c.meta.DataframeLibrary)
	for _, name := range c.variables() {
		asset := c.state.assets[name]
		fmt.Fprintf(&b, "- `%s` holds dataset %q (id %s, file %s).\n", name, asset.Name, asset.ID, asset.Filename)
	}
	return b.String(), nil
}

func (c *Context) downloadDataset(ctx context.Context, msg beaker.Message) (any, error) {
	varName := beaker.StringOr(msg.Content, "var_name", "df")
	if err := beaker.VariableName(varName); err != nil {
		return nil, err
	}
	code, err := c.GetCode("df_download", map[string]any{"var_name": varName})
	if err != nil {
		return nil, err
	}
	res, err := c.EvaluateResult(ctx, code)
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

func (c *Context) saveDataset(ctx context.Context, msg beaker.Message) (any, error) {
	varName := beaker.StringOr(msg.Content, "var_name", "df")
	if err := beaker.VariableName(varName); err != nil {
		return nil, err
	}
	name := beaker.StringOr(msg.Content, "name", varName)
	filename := beaker.StringOr(msg.Content, "filename", "dataset.csv")

	id, err := c.HMI().CreateDataset(ctx, map[string]any{
		"name":        name,
		"description": beaker.StringOr(msg.Content, "description", ""),
		"fileNames":   []string{filename},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset: %w", err)
	}

	username, password := c.HMI().Credentials()
	code, err := c.GetCode("hmi_create_csv_dataset", map[string]any{
		"var_name": varName,
		"url":      c.HMI().UploadCSVURL(id),
		"id":       id,
		"filename": filename,
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	res, err := c.EvaluateResult(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to upload dataset %s: %w", id, err)
	}
	if out := strings.TrimSpace(res.Stdout); strings.Contains(out, "upload failed") {
		return nil, fmt.Errorf("failed to upload dataset %s: %s", id, out)
	}

	if projectID := beaker.StringOr(msg.Content, "project_id", ""); projectID != "" {
		if err := c.HMI().AddProjectAsset(ctx, projectID, "dataset", id); err != nil {
			return nil, fmt.Errorf("failed to add dataset %s to project %s: %w", id, projectID, err)
		}
	}

	c.state.assets[varName] = Asset{ID: id, Name: name, Filename: filename}
	return map[string]any{"dataset_id": id}, nil
}

// Package mira is the context for building and transforming epidemiology
// models with the MIRA library in a Python kernel.
package mira

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/harun/askem/internal/tracing"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/fewshot"
	"github.com/harun/askem/pkg/kernel"
	"github.com/harun/askem/pkg/subkernel"
)

// Slug names the context.
const Slug = "mira"

const (
	fewShotLimit   = 5
	maxValueLength = 1000
)

//go:embed context.yaml procedures
var assets embed.FS

var procedures = mustSub(assets, "procedures")

// Procedures returns the context's code templates keyed by kernel.
func Procedures() (fs.FS, error) { return procedures, nil }

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// Metadata is the decoded context.yaml.
type Metadata struct {
	Description           string   `yaml:"description"`
	TaskDescription       string   `yaml:"task_description"`
	LibraryNames          []string `yaml:"library_names"`
	SubmoduleDescriptions []string `yaml:"library_submodule_descriptions"`
}

// LibraryName is the first library name, or a generic fallback.
func (m Metadata) LibraryName() string {
	if len(m.LibraryNames) > 0 {
		return m.LibraryNames[0]
	}
	return "a Jupyter notebook"
}

func (m Metadata) submodules() string {
	if len(m.SubmoduleDescriptions) > 0 {
		return m.SubmoduleDescriptions[0]
	}
	return ""
}

// Context loads HMI models as MIRA template models and helps the user work
// with them.
type Context struct {
	*beaker.BaseContext

	meta   Metadata
	models *Models

	mu              sync.Mutex
	variables       map[string]any
	importedModules []string
	lastQuery       string
	fewShot         string
	comparisonPairs []any
}

// Factory registers the context with a beaker.Manager.
func Factory() beaker.Factory {
	return beaker.Factory{
		Description: "Build, inspect and transform epidemiology models with MIRA.",
		Kernels:     []string{subkernel.PythonKernelName},
		Tools:       []string{"generate_code", "submit_code", "retrieve_documentation"},
		Actions:     []string{"save_amr", "get_comparison_pairs"},
		New: func(deps beaker.Deps) (beaker.Context, error) {
			return New(deps)
		},
	}
}

// New creates the context on deps.Executor.
func New(deps beaker.Deps) (*Context, error) {
	var meta Metadata
	if err := beaker.LoadMetadata(assets, "context.yaml", &meta); err != nil {
		return nil, err
	}
	base, err := beaker.NewBase(beaker.BaseConfig{
		Slug:       Slug,
		AgentName:  "MiraAgent",
		Prompt:     agentPrompt,
		Procedures: procedures,
		Kernels:    []string{subkernel.PythonKernelName},
	}, deps)
	if err != nil {
		return nil, err
	}

	c := &Context{
		BaseContext:     base,
		meta:            meta,
		models:          NewModels(base),
		variables:       map[string]any{},
		comparisonPairs: []any{},
	}
	if err := c.registerTools(); err != nil {
		return nil, err
	}
	c.Action("save_amr", `{"name": "new_model", "model_var": "model", "project_id": null}`, c.models.SaveAMR)
	c.Action("get_comparison_pairs", "{}", c.getComparisonPairs)
	c.SetPostExecute(c.postExecute)
	c.SetAutoContext(c.autoContext)
	return c, nil
}

// Setup loads {"models": [{"name": "<var>", "model_id": "<id>"}]} and the
// optional "comparison_pairs" reported by get_comparison_pairs.
func (c *Context) Setup(ctx context.Context, info map[string]any) error {
	refs, err := ParseModelRefs(info)
	if err != nil {
		return err
	}
	pairs, err := parseComparisonPairs(info)
	if err != nil {
		return err
	}
	if err := c.models.Load(ctx, refs); err != nil {
		return err
	}
	c.mu.Lock()
	c.comparisonPairs = pairs
	c.mu.Unlock()
	return nil
}

// parseComparisonPairs reads [["model_a", "model_b"], ...].
func parseComparisonPairs(info map[string]any) ([]any, error) {
	raw, _ := info["comparison_pairs"].([]any)
	pairs := make([]any, 0, len(raw))
	for i, item := range raw {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("comparison_pairs[%d] must be a pair of model names", i)
		}
		for _, name := range pair {
			if s, ok := name.(string); !ok || s == "" {
				return nil, fmt.Errorf("comparison_pairs[%d] must be a pair of model names", i)
			}
		}
		pairs = append(pairs, []any{pair[0], pair[1]})
	}
	return pairs, nil
}

// Models returns the loaded models.
func (c *Context) Models() *Models { return c.models }

// Variables returns the user variables seen after the last execution.
func (c *Context) Variables() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// postExecute refreshes the variables and imports of the user's namespace.
func (c *Context) postExecute(ctx context.Context, _ *kernel.ExecutionResult) error {
	code, err := c.GetCode("get_jupyter_variables", map[string]any{"max_length": maxValueLength})
	if err != nil {
		return err
	}
	v, err := c.Evaluate(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to read jupyter variables: %w", err)
	}
	state, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("failed to read jupyter variables: unexpected %T", v)
	}

	variables, _ := state["user_vars"].(map[string]any)
	if variables == nil {
		variables = map[string]any{}
	}
	var modules []string
	if list, ok := state["imported_modules"].([]any); ok {
		for _, m := range list {
			if s, ok := m.(string); ok {
				modules = append(modules, s)
			}
		}
	}

	c.mu.Lock()
	c.variables = variables
	c.importedModules = modules
	c.mu.Unlock()

	c.Agent().Debug(ctx, "update_code_env", map[string]any{"variables": variables})
	c.Agent().Debug(ctx, "code", map[string]any{"imported_modules": modules})
	return nil
}

func (c *Context) fewShotExamples(ctx context.Context, query string) string {
	c.mu.Lock()
	if query == c.lastQuery {
		cached := c.fewShot
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	var formatted string
	if store := c.Examples(); store != nil && query != "" {
		examples, err := store.Search(ctx, Slug, query, fewShotLimit)
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, c.Logger())
			logger.Warn().Err(err).Msg("Few-shot lookup failed")
		} else {
			formatted = fewshot.Format(examples)
		}
	}

	c.mu.Lock()
	c.lastQuery, c.fewShot = query, formatted
	c.mu.Unlock()
	c.Agent().Debug(ctx, "few_shot_examples", map[string]any{
		"few_shot_examples": formatted,
		"user_query":        query,
	})
	return formatted
}

func (c *Context) codeEnvironment() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.variables))
	for name := range c.variables {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("These are the variables in the user's current code environment with key value pairs:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %v\n", name, c.variables[name])
	}
	fmt.Fprintf(&b, `
The user has also imported the following modules: %s. So you don't need to import them when generating code.
When writing code that edits the variables that the user has in their environment be sure to modify them in place.
For example if we have a variable a=1, if we wanted to change a to 2, we you write a=2.
When the user asks you to perform an action, if they specifically mention a variable name, be sure to use that variable.
Additionally if the object they ask you to update is similar to an object in the code environment, be sure to use that variable.
`, strings.Join(c.importedModules, ","))
	return b.String()
}

func (c *Context) autoContext(ctx context.Context, query string) (string, error) {
	lib := c.meta.LibraryName()
	intro := fmt.Sprintf(`You are an exceptionally intelligent coding assistant that consistently delivers accurate and reliable responses to user instructions.
%[1]s is a framework for representing systems using ontology-grounded meta-model templates, and generating various model implementations and exchange formats from these templates.
It also implements algorithms for assembling and querying domain knowledge graphs in support of modeling.

You should ALWAYS try looking up what the user is asking you to do in the documentation to get a sense of how it can be done.
You should ALWAYS think about which functions and classes from %[1]s you are going to use before you write code. Try to use %[1]s as much as possible.
If the functions you want to use are in the context below, no need to look them up again.
Otherwise use the retrieve_documentation tool on the relevant module, class or function.

Below is some information on the submodules in %[1]s:

%[2]s
`, lib, c.meta.submodules())

	if examples := c.fewShotExamples(ctx, query); examples != "" {
		intro += `
Additionally here are some similar examples of similar user requests and your previous successful code generations in the format [[Request,Code]].
If the request from the user is similar enough to one of these examples, use it to help write code to answer the user's request.

` + examples + "\n"
	}

	loaded := "The currently loaded models are: " + strings.Join(c.models.Names(), " ") + "."
	outro := "\nPlease answer any user queries or perform user instructions to the best of your ability, but do not guess if you are not sure of an answer.\n"
	return strings.Join([]string{intro, c.codeEnvironment(), loaded, outro}, "\n"), nil
}

func (c *Context) getComparisonPairs(context.Context, beaker.Message) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{"comparison_pairs": append([]any{}, c.comparisonPairs...)}, nil
}

// Package pypackage is a context for exploring Python packages through their
// built-in documentation.
package pypackage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/subkernel"
	"github.com/harun/askem/pkg/toolexecutor"
)

// Slug names the context.
const Slug = "pypackage"

//go:embed procedures
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

const agentPrompt = `You are an assistant that helps users understand and use Python packages.
Look up documentation with the retrieve_documentation tool before answering questions about a package, module or function.`

// Context answers questions about installed Python packages.
type Context struct {
	*beaker.BaseContext
}

// Factory registers the context with a beaker.Manager.
func Factory() beaker.Factory {
	return beaker.Factory{
		Description: "Discover and explain the contents of Python packages.",
		Kernels:     []string{subkernel.PythonKernelName},
		Tools:       []string{"retrieve_documentation"},
		New: func(deps beaker.Deps) (beaker.Context, error) {
			return New(deps)
		},
	}
}

// New creates the context on deps.Executor.
func New(deps beaker.Deps) (*Context, error) {
	base, err := beaker.NewBase(beaker.BaseConfig{
		Slug:       Slug,
		AgentName:  "PyPackageAgent",
		Prompt:     agentPrompt,
		Procedures: procedures,
		Kernels:    []string{subkernel.PythonKernelName},
	}, deps)
	if err != nil {
		return nil, err
	}
	if err := base.RegisterTool(RetrieveDocumentation(base)); err != nil {
		return nil, err
	}
	return &Context{BaseContext: base}, nil
}

// Setup has nothing to load.
func (c *Context) Setup(context.Context, map[string]any) error { return nil }

// RetrieveDocumentation is the retrieve_documentation tool bound to b.
func RetrieveDocumentation(b *beaker.BaseContext) toolexecutor.ToolDefinition {
	b.AddProcedures(Slug, procedures)
	return toolexecutor.ToolDefinition{
		Name: "retrieve_documentation",
		Description: "This function retrieves documentation about a Python module.\n\n" +
			"You should use this to discover what is available within a package and determine the proper syntax and functionality on how to use the code. " +
			"Querying against the module or package should list all available submodules and functions that exist, so you can use this to discover available " +
			"functions and then query the function to get usage information.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "target", Type: "string", Description: "Python package, module or function for which documentation is requested", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			target := toolexecutor.StringParam(params, "target")
			return documentation(ctx, b, target)
		},
	}
}

// documentation returns the help() text for target.
func documentation(ctx context.Context, b *beaker.BaseContext, target string) (string, error) {
	target = strings.TrimSpace(target)
	if err := beaker.DottedName(target); err != nil {
		return "", err
	}
	code, err := b.GetToolsetCode(Slug, "retrieve_documentation", map[string]any{"target": target})
	if err != nil {
		return "", err
	}
	res, err := b.EvaluateResult(ctx, code)
	if err != nil {
		return "", fmt.Errorf("no documentation for %s: %w", target, err)
	}
	return res.Stdout, nil
}

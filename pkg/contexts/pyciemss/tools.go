package pyciemss

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/askem/pkg/contexts/pypackage"
	"github.com/harun/askem/pkg/toolexecutor"
)

const agentPrompt = `You are an assistant helping scientists simulate, calibrate and optimize epidemiology models with PyCIEMSS in a Jupyter notebook.
Look up the documentation of pyciemss functions before you use them.
Always answer with code that will be run in the user's notebook.`

func (c *Context) registerTools() error {
	defs := []toolexecutor.ToolDefinition{
		{
			Name: "generate_code",
			Description: "Generate code to be run in an interactive Jupyter notebook that uses PyCIEMSS to sample, calibrate, ensemble or optimize the loaded model. " +
				"Input is a full grammatically correct request for an action to be performed.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "query", Type: "string", Description: "A fully grammatically correct request for code.", Required: true},
			},
			KeepOutput: true,
			Handler:    c.generateCode,
		},
		pypackage.RetrieveDocumentation(c.Base()),
	}
	for _, def := range defs {
		if err := c.RegisterTool(def); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) autoContext(context.Context, string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working with %s.\n", strings.Join(c.meta.LibraryNames, ", "))
	b.WriteString("Results of pyciemss calls should be stored in the `_results` dict under a descriptive name so they can be saved.\n")

	amr := c.AMR()
	if amr == nil {
		b.WriteString("No model configuration is loaded.\n")
		return b.String(), nil
	}
	data, err := json.MarshalIndent(amr, "", "  ")
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "The model configuration %s is loaded as a %s AMR dict in the variable `%s`:\n%s\n",
		c.ConfigID(), c.SchemaName(), c.meta.ModelVar, data)
	return b.String(), nil
}

func (c *Context) generateCode(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query := toolexecutor.StringParam(params, "query")
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	background, err := c.autoContext(ctx, query)
	if err != nil {
		return nil, err
	}
	prompt := background + `
Please write Python code that satisfies the user's request below.

Please generate the code as if you were programming inside a Jupyter Notebook and the code is to be executed inside a cell.
You MUST wrap the code with a line containing three backticks (` + "```" + `) before and after the generated code.
No additional text is needed in the response, just the code block.
`
	return c.GenerateCode(ctx, c.Subkernel().KernelName(), prompt, query)
}

package mira

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/askem/pkg/agent"
	"github.com/harun/askem/pkg/codecell"
	"github.com/harun/askem/pkg/contexts/pypackage"
	"github.com/harun/askem/pkg/toolexecutor"
)

const agentPrompt = `You are an assistant helping scientists build, inspect and transform epidemiology models with the MIRA library in a Jupyter notebook.
Look up the documentation of MIRA modules, classes and functions before you use them.
When the user asks for code, either write it with the generate_code tool or submit code you have written yourself with the submit_code tool.`

func (c *Context) registerTools() error {
	defs := []toolexecutor.ToolDefinition{
		{
			Name: "generate_code",
			Description: "Generate code to be run in an interactive Jupyter notebook that uses MIRA to create, inspect or modify the loaded models. " +
				"Input is a full grammatically correct request for an action to be performed.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "query", Type: "string", Description: "A fully grammatically correct request for code.", Required: true},
			},
			KeepOutput: true,
			Handler:    c.generateCode,
		},
		{
			Name: "submit_code",
			Description: "Submit code to the user's notebook as a new code cell. " +
				"Use this once you are confident the code answers the user's request.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "code", Type: "string", Description: "The Python code to submit.", Required: true},
			},
			KeepOutput: true,
			Handler:    c.submitCode,
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

func (c *Context) submitCode(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	code := toolexecutor.StringParam(params, "code")
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	agent.LoopFromContext(ctx).Stop()
	return codecell.New(c.Subkernel().KernelName(), code).Marshal()
}

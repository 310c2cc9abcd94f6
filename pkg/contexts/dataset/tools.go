package dataset

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/askem/pkg/toolexecutor"
)

const agentPrompt = `You are an exceptionally intelligent coding assistant that consistently delivers accurate and reliable responses to user instructions.
You are working with datasets that are loaded as dataframes in a Jupyter kernel.
Use the generate_code tool whenever the user asks you to transform, filter, plot or otherwise manipulate a dataset.
When asked to convert data from incidence to prevalence or to calculate the Weighted Interval Score (WIS)
or Average Treatment Effect (ATE) you should use the generate_code tool which will have appropriate instructions for the task.`

func (c *Context) registerTools() error {
	return c.RegisterTool(toolexecutor.ToolDefinition{
		Name: "generate_code",
		Description: "Generate code to be run in an interactive Jupyter notebook for the purpose of exploring, modifying and visualizing a dataframe. " +
			"Input is a full grammatically correct question about or request for an action to be performed on the loaded dataframes.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "The request to turn into code.", Required: true},
		},
		KeepOutput: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			query := toolexecutor.StringParam(params, "query")
			if strings.TrimSpace(query) == "" {
				return nil, fmt.Errorf("query is required")
			}
			prompt, err := c.codePrompt(ctx)
			if err != nil {
				return nil, err
			}
			return c.GenerateCode(ctx, c.Subkernel().KernelName(), prompt, query)
		},
	})
}

// describe evaluates describe_dataset for one variable.
func (c *Context) describe(ctx context.Context, varName string) (string, error) {
	code, err := c.GetCode("describe_dataset", map[string]any{"var_name": varName})
	if err != nil {
		return "", err
	}
	v, err := c.Evaluate(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to describe %s: %w", varName, err)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("failed to describe %s: unexpected %T", varName, v)
	}
	return s, nil
}

func (c *Context) codePrompt(ctx context.Context) (string, error) {
	lang := c.Subkernel().DisplayName()
	dfLib := c.meta.DataframeLibrary

	var b strings.Builder
	fmt.Fprintf(&b, "You are a programmer writing code to help with scientific data analysis and manipulation in %s.\n\n", lang)
	b.WriteString("Please write code that satisfies the user's request below.\n\n")

	for _, name := range c.variables() {
		desc, err := c.describe(ctx, name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "You have access to a variable name `%s` that is a %s DataFrame with the following structure:\n%s\n--- End description of variable `%s`\n\n",
			name, dfLib, desc, name)
	}

	if len(c.meta.Libraries) > 0 {
		b.WriteString("You also have access to the libraries:\n")
		for _, lib := range c.meta.Libraries {
			if lib.Alias != "" {
				fmt.Fprintf(&b, "- %s (imported as %s)\n", lib.Name, lib.Alias)
			} else {
				fmt.Fprintf(&b, "- %s\n", lib.Name)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString(`If you are asked to modify or update the dataframe, modify the dataframe in place, keeping the updated variable the same unless specifically specified otherwise.

If you are asked to convert incidence data to prevalence data, use the following approach:
1. Determine the recovery period for the disease; if it is not provided, ask for it.
2. The prevalence on a given day is the sum of the incidence over the preceding recovery period.
3. Compute recovered as the cumulative incidence minus the prevalence, and susceptible as the total population minus infected and recovered.

If you are asked to calculate epidemic metrics:
- The Weighted Interval Score (WIS) of a quantile forecast is the weighted sum of the interval scores of its central prediction intervals plus half the absolute error of the median, divided by the number of intervals plus one half.
- The Average Treatment Effect (ATE) is the mean difference of the outcome between the treated and the untreated runs.
State the formula you use in a comment above the code.

`)
	if c.Subkernel().KernelName() == "python3" {
		b.WriteString("When selecting or assigning subsets of a pandas DataFrame, use `.loc[]` to avoid chained assignment.\n\n")
	}
	fmt.Fprintf(&b, "Please generate the code as if you were programming inside a Jupyter Notebook and the code is to be executed inside a cell.\n"+
		"You MUST wrap the code with a line containing three backticks (```) before and after the generated code.\n"+
		"No additional text is needed in the response, just the code block with the %s code.\n", lang)
	return b.String(), nil
}

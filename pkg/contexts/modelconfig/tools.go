package modelconfig

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/askem/pkg/toolexecutor"
)

const agentPrompt = `LLM agent used for editing model configurations in Python 3.
The name of the model configuration variable is ` + "`model_config`" + `.

Any time the user asks to make edits to the model configuration, generate the code to be executed in a Jupyter Notebook cell
which updates the JSON object in accordance with the model configuration schema. The user will be able to update the model
configuration's parameters, initial conditions, and other attributes.`

func (c *Context) generateCode(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query := toolexecutor.StringParam(params, "query")
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	schema, err := c.GetSchema(ctx)
	if err != nil {
		return nil, err
	}
	config, err := c.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, `You are a programmer writing code to help with writing model configuration updates and edits in Python.

Model configurations are defined by a specific model configuration JSON schema and are JSON objects themselves. Therefore, code to update them
can be considered updates to the dictionary/JSON of the model configuration.

You should always operate on the assumption that the model configuration exists, is schema compliant and is stored in a variable named `+"`%s`"+`.

It will comply with the schema:
%s

The current configuration is:
%s

`, c.configVar, schema, config)

	if c.DatasetID() != "" {
		desc, err := c.describeDataset(ctx)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "A dataset is loaded as the pandas DataFrame `%s`:\n%s\n\n", c.datasetVar, desc)
	}
	b.WriteString(`The user may ask you to update the model configuration based on a dataset. If they do, you should use the ` + "`" + c.datasetVar + "`" + ` DataFrame to update the model configuration.

Please write code that satisfies the user's request below.

Please generate the code as if you were programming inside a Jupyter Notebook and the code is to be executed inside a cell.
You MUST wrap the code with a line containing three backticks (` + "```" + `) before and after the generated code.
No additional text is needed in the response, just the code block.
`)
	return c.GenerateCode(ctx, c.Subkernel().KernelName(), b.String(), query)
}

func (c *Context) describeDataset(ctx context.Context) (string, error) {
	code, err := c.GetCode("describe_dataset", map[string]any{"var_name": c.datasetVar})
	if err != nil {
		return "", err
	}
	v, err := c.Evaluate(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to describe %s: %w", c.datasetVar, err)
	}
	return fmt.Sprint(v), nil
}

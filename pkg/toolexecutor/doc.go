// Package toolexecutor registers and executes the tools a context exposes to
// its agent.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before execution.
// - Every execution is bounded by a timeout and recorded in metrics.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "generate_code",
//		Description: "Generate code for a request",
//		Parameters: []toolexecutor.ToolParameter{{Name: "query", Type: "string", Description: "request", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["query"], nil },
//	})
package toolexecutor

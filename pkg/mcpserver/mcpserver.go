// Package mcpserver exposes the tools of a context over the MCP protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/harun/askem/pkg/toolexecutor"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server serves context tools using the MCP Go SDK.
type Server struct {
	server *mcp.Server
}

// New creates a server with the given name and version.
func New(name, version string) *Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    name,
		Version: version,
	}, nil)

	return &Server{server: server}
}

// Register adds every tool of te. Calls run through te, so argument
// validation, defaults and timeouts apply as in an agent run.
func (s *Server) Register(te *toolexecutor.ToolExecutor, contextSlug string) error {
	for _, def := range te.Definitions() {
		schema, err := json.Marshal(def.InputSchema())
		if err != nil {
			return fmt.Errorf("failed to encode schema of %s: %w", def.Name, err)
		}
		s.server.AddTool(&mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: json.RawMessage(schema),
		}, toolHandler(te, def.Name, contextSlug))
	}
	return nil
}

// Serve reads requests from in and writes responses to out until ctx is
// cancelled or the transport closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	transport := &mcp.IOTransport{
		Reader: io.NopCloser(in),
		Writer: nopWriteCloser{out},
	}
	return s.run(ctx, transport)
}

func (s *Server) run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

func toolHandler(te *toolexecutor.ToolExecutor, name, contextSlug string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := map[string]interface{}{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
				return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}

		result := te.Execute(ctx, name, params, &toolexecutor.ExecutionContext{ContextSlug: contextSlug})
		if !result.Success {
			return errorResult(result.Error), nil
		}

		text, err := outputText(result.Output)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil
	}
}

func outputText(output interface{}) (string, error) {
	switch v := output.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool output: %w", err)
	}
	return string(data), nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

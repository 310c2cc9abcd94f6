package gateway

import (
	"context"
	"fmt"

	"github.com/harun/askem/internal/tracing"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/codecell"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("contexts.list", s.handleContextsList)
	_ = s.RegisterMethod("context.setup", s.handleContextSetup)
	_ = s.RegisterMethod("context.info", s.handleContextInfo)
	_ = s.RegisterMethod("context.execute", s.handleContextExecute)
	_ = s.RegisterMethod("context.query", s.handleContextQuery)
	_ = s.RegisterMethod("context.action", s.handleContextAction)
	_ = s.RegisterMethod("templates.list", s.handleTemplatesList)
	_ = s.RegisterMethod("templates.render", s.handleTemplatesRender)
	_ = s.RegisterMethod("clients.list", s.handleClientsList)
}

func stringParam(params map[string]interface{}, name string, required bool) (string, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		if required {
			return "", invalidParams("%s parameter is required", name)
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", invalidParams("%s parameter must be a string", name)
	}
	if required && value == "" {
		return "", invalidParams("%s parameter is required", name)
	}
	return value, nil
}

func objectParam(params map[string]interface{}, name string) (map[string]interface{}, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return map[string]interface{}{}, nil
	}
	value, ok := raw.(map[string]interface{})
	if !ok {
		return nil, invalidParams("%s parameter must be an object", name)
	}
	return value, nil
}

func (s *Server) activeContext() (beaker.Context, error) {
	c, ok := s.manager.Active()
	if !ok {
		return nil, &RPCError{Code: NoActiveContext, Message: "no context is set up"}
	}
	return c, nil
}

// handleContextsList handles contexts.list
func (s *Server) handleContextsList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"contexts": s.manager.List()}, nil
}

// handleContextSetup handles context.setup. It opens the kernel named by
// kernel_id, or starts one of kernel, and activates the context on it.
func (s *Server) handleContextSetup(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	slug, err := stringParam(params, "context", true)
	if err != nil {
		return nil, err
	}
	kernelID, err := stringParam(params, "kernel_id", false)
	if err != nil {
		return nil, err
	}
	kernelName, err := stringParam(params, "kernel", false)
	if err != nil {
		return nil, err
	}
	info, err := objectParam(params, "info")
	if err != nil {
		return nil, err
	}
	if kernelID == "" && kernelName == "" {
		kernelName = s.defaultKernel
	}
	if kernelName != "" && !s.manager.Supports(slug, kernelName) {
		return nil, invalidParams("context %s does not run on %s", slug, kernelName)
	}

	ctx = tracing.WithContextSlug(ctx, slug)
	exec, err := s.kernels.Open(ctx, kernelID, kernelName)
	if err != nil {
		return nil, err
	}

	deps := s.deps
	deps.Executor = exec
	deps.Sink = s.broadcaster.Sink()
	c, err := s.manager.Activate(ctx, slug, deps, info)
	if err != nil {
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("clientId", clientIDFromContext(ctx)).
		Str("kernelId", exec.KernelID()).
		Msg("Context set up through gateway")

	s.broadcaster.BroadcastTyped(EventMessage{
		Event:    "context.ready",
		Stream:   StreamTypeLifecycle,
		Context:  slug,
		KernelID: exec.KernelID(),
		TraceID:  tracing.GetTraceID(ctx),
		Data:     c.Base().Info(),
	})
	return c.Base().Info(), nil
}

// handleContextInfo handles context.info
func (s *Server) handleContextInfo(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	c, err := s.activeContext()
	if err != nil {
		return nil, err
	}
	return c.Base().Info(), nil
}

// handleContextExecute handles context.execute. Kernel exceptions are part of
// the result.
func (s *Server) handleContextExecute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	code, err := stringParam(params, "code", true)
	if err != nil {
		return nil, err
	}
	c, err := s.activeContext()
	if err != nil {
		return nil, err
	}
	return c.Base().Execute(ctx, code)
}

// handleContextQuery handles context.query
func (s *Server) handleContextQuery(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	request, err := stringParam(params, "request", true)
	if err != nil {
		return nil, err
	}
	c, err := s.activeContext()
	if err != nil {
		return nil, err
	}
	ctx = tracing.WithRunID(ctx, tracing.NewRunID())
	return c.Base().Query(ctx, request)
}

// handleContextAction handles context.action
func (s *Server) handleContextAction(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, err := stringParam(params, "name", true)
	if err != nil {
		return nil, err
	}
	content, err := objectParam(params, "content")
	if err != nil {
		return nil, err
	}
	header, err := objectParam(params, "header")
	if err != nil {
		return nil, err
	}
	c, err := s.activeContext()
	if err != nil {
		return nil, err
	}
	result, err := c.Base().Invoke(ctx, name, beaker.Message{Content: content, Header: header})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"result": result}, nil
}

// handleTemplatesList handles templates.list
func (s *Server) handleTemplatesList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if s.deps.Templates == nil {
		return nil, fmt.Errorf("no template registry configured")
	}
	return map[string]interface{}{"templates": s.deps.Templates.List()}, nil
}

// handleTemplatesRender handles templates.render. It renders a procedure
// without running it and returns the code with its code-cell envelope.
func (s *Server) handleTemplatesRender(_ context.Context, params map[string]interface{}) (interface{}, error) {
	if s.deps.Templates == nil {
		return nil, fmt.Errorf("no template registry configured")
	}
	toolset, err := stringParam(params, "toolset", true)
	if err != nil {
		return nil, err
	}
	name, err := stringParam(params, "name", true)
	if err != nil {
		return nil, err
	}
	kernelName, err := stringParam(params, "kernel", false)
	if err != nil {
		return nil, err
	}
	if kernelName == "" {
		kernelName = s.defaultKernel
	}
	vars, err := objectParam(params, "vars")
	if err != nil {
		return nil, err
	}

	code, err := s.deps.Templates.Render(toolset, kernelName, name, vars)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"code":      code,
		"code_cell": codecell.New(kernelName, code),
	}, nil
}

// handleClientsList handles clients.list
func (s *Server) handleClientsList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.GetConnectedClients()}, nil
}

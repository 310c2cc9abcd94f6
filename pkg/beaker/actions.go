package beaker

import (
	"context"
	"fmt"
	"sort"

	"github.com/harun/askem/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Message is a request addressed to an action or intercept.
type Message struct {
	Content map[string]any `json:"content"`
	Header  map[string]any `json:"header,omitempty"`
}

// String returns the content field name as a string, or "".
func (m Message) String(name string) string {
	s, _ := m.Content[name].(string)
	return s
}

// Handler serves one action or intercept.
type Handler func(ctx context.Context, msg Message) (any, error)

// HandlerKind tells actions from intercepts.
type HandlerKind string

const (
	// KindAction handlers get an automatic "<name>_response" reply.
	KindAction HandlerKind = "action"
	// KindIntercept handlers send their own replies.
	KindIntercept HandlerKind = "intercept"
)

// ActionInfo describes a registered handler.
type ActionInfo struct {
	Name           string      `json:"name"`
	Kind           HandlerKind `json:"kind"`
	DefaultPayload string      `json:"default_payload,omitempty"`
}

type handler struct {
	info ActionInfo
	fn   Handler
}

// Action registers an action. defaultPayload documents the expected content
// for clients.
func (b *BaseContext) Action(name, defaultPayload string, fn Handler) {
	b.register(ActionInfo{Name: name, Kind: KindAction, DefaultPayload: defaultPayload}, fn)
}

// Intercept registers a handler for a message type that replies itself.
func (b *BaseContext) Intercept(name string, fn Handler) {
	b.register(ActionInfo{Name: name, Kind: KindIntercept}, fn)
}

func (b *BaseContext) register(info ActionInfo, fn Handler) {
	b.mu.Lock()
	b.handlers[info.Name] = &handler{info: info, fn: fn}
	b.mu.Unlock()
}

// Actions lists the registered handlers by name.
func (b *BaseContext) Actions() []ActionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ActionInfo, 0, len(b.handlers))
	for _, h := range b.handlers {
		out = append(out, h.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs the handler registered under name. Actions reply with a
// "<name>_response" event carrying their result.
func (b *BaseContext) Invoke(ctx context.Context, name string, msg Message) (result any, err error) {
	b.mu.RLock()
	h, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	if msg.Content == nil {
		msg.Content = map[string]any{}
	}

	ctx, span := tracing.StartSpan(b.kernelContext(ctx), "askem/beaker", "context.action",
		attribute.String("context.slug", b.slug),
		attribute.String("action.name", name),
		attribute.String("action.kind", string(h.info.Kind)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, b.logger)
	logger.Info().Str("action", name).Msg("Invoking context action")

	result, err = h.fn(ctx, msg)
	if err != nil {
		logger.Warn().Err(err).Str("action", name).Msg("Context action failed")
		return nil, err
	}

	if h.info.Kind == KindAction {
		b.Send(ctx, name+"_response", result, msg.Header)
	}
	return result, nil
}

package beaker

import (
	"context"
	"strings"

	"github.com/harun/askem/internal/tracing"
	"github.com/harun/askem/pkg/agent"
	"github.com/harun/askem/pkg/codecell"
)

// QueryResult is the outcome of a Query.
type QueryResult struct {
	Response string `json:"response"`
	// CodeCell is set when the answer was a code-cell envelope.
	CodeCell  *codecell.Envelope `json:"code_cell,omitempty"`
	StoppedBy string             `json:"stopped_by,omitempty"`
}

// Query runs the agent on a user request with the agent prompt extended by
// the context's auto context. A code-cell answer is sent as a "code_cell"
// event and remembered as a few-shot example; the answer is always sent as
// "llm_response".
func (b *BaseContext) Query(ctx context.Context, request string) (QueryResult, error) {
	ctx = tracing.WithContextSlug(ctx, b.slug)
	logger := tracing.LoggerFromContext(ctx, b.logger)

	extra, err := b.AutoContext(ctx, request)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to build auto context")
		extra = ""
	}
	prompt := b.runner.Prompt()
	if extra = strings.TrimSpace(extra); extra != "" {
		prompt += "\n\n" + extra
	}

	res, err := b.runner.Run(ctx, agent.RunParams{Query: request, SystemPrompt: prompt})
	if err != nil {
		b.Send(ctx, "llm_response", map[string]any{"name": "response_text", "text": "Error: " + err.Error()}, nil)
		return QueryResult{}, err
	}

	out := QueryResult{Response: res.Response, StoppedBy: res.StoppedBy}
	if env, ok := codecell.Parse(res.Response); ok {
		out.CodeCell = &env
		b.Send(ctx, "code_cell", map[string]any{"language": env.Language, "code": env.Content}, nil)
		if b.examples != nil {
			if err := b.examples.Add(ctx, b.slug, request, env.Content); err != nil {
				logger.Warn().Err(err).Msg("Failed to record few-shot example")
			}
		}
	}

	b.Send(ctx, "llm_response", map[string]any{"name": "response_text", "text": res.Response}, nil)
	return out, nil
}

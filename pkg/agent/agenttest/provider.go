// Package agenttest provides a scripted LLM provider for tests.
package agenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/askem/pkg/agent"
)

// Responder produces the reply to a request.
type Responder func(req agent.LLMRequest) (*agent.LLMResponse, error)

// Provider replays scripted responders in order and records every request.
// Once the script runs out the last responder is reused.
type Provider struct {
	Name string

	mu         sync.Mutex
	responders []Responder
	requests   []agent.LLMRequest
}

// NewProvider returns a provider named "anthropic" following script.
func NewProvider(script ...Responder) *Provider {
	return &Provider{Name: "anthropic", responders: script}
}

// Text answers with plain content.
func Text(content string) Responder {
	return func(agent.LLMRequest) (*agent.LLMResponse, error) {
		return &agent.LLMResponse{Content: content, Usage: &agent.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
	}
}

// Call answers with a single tool call.
func Call(id, tool string, params map[string]interface{}) Responder {
	return func(agent.LLMRequest) (*agent.LLMResponse, error) {
		return &agent.LLMResponse{
			ToolCalls: []agent.ToolCall{{ID: id, Name: tool, Parameters: params}},
			Usage:     &agent.TokenUsage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

// Fail answers with err.
func Fail(err error) Responder {
	return func(agent.LLMRequest) (*agent.LLMResponse, error) { return nil, err }
}

// Provider implements agent.LLMProvider.
func (p *Provider) Provider() string { return p.Name }

// Call implements agent.LLMProvider.
func (p *Provider) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests)
	var r Responder
	switch {
	case len(p.responders) == 0:
		p.mu.Unlock()
		return nil, fmt.Errorf("no scripted response")
	case n <= len(p.responders):
		r = p.responders[n-1]
	default:
		r = p.responders[len(p.responders)-1]
	}
	p.mu.Unlock()
	return r(req)
}

// Requests returns the requests received so far.
func (p *Provider) Requests() []agent.LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agent.LLMRequest(nil), p.requests...)
}

// Factory hands out providers by profile id.
type Factory map[string]agent.LLMProvider

// NewProvider implements agent.ProviderCreator.
func (f Factory) NewProvider(profile agent.AuthProfile) (agent.LLMProvider, error) {
	p, ok := f[profile.ID]
	if !ok {
		return nil, fmt.Errorf("no provider for profile %s", profile.ID)
	}
	return p, nil
}

// Profiles returns one auth profile per id, prioritized in order.
func Profiles(ids ...string) []agent.AuthProfile {
	profiles := make([]agent.AuthProfile, len(ids))
	for i, id := range ids {
		profiles[i] = agent.AuthProfile{ID: id, Provider: "anthropic", APIKey: "test-key", Priority: i + 1}
	}
	return profiles
}

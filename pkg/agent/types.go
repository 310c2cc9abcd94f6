package agent

import (
	"strings"
)

const (
	DefaultMaxErrors = 5
	DefaultMaxTurns  = 10
)

// RunParams contains input parameters for a ReAct run
type RunParams struct {
	Query string `json:"query"`
	// SystemPrompt replaces the agent prompt for this run when set.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// AgentConfig configures agent behavior
type AgentConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	MaxRetries  int     `json:"max_retries,omitempty"`
	MaxErrors   int     `json:"max_errors,omitempty"`
	MaxTurns    int     `json:"max_turns,omitempty"`
	// HistoryTokens bounds the estimated size of the kept conversation.
	HistoryTokens int `json:"history_tokens,omitempty"`
}

// AgentResult contains output from agent execution
type AgentResult struct {
	Response  string      `json:"response"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	// StoppedBy names the tool that ended the loop, if any.
	StoppedBy string `json:"stopped_by,omitempty"`
	Aborted   bool   `json:"aborted,omitempty"`
}

// ToolCall represents a tool invocation
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(other *TokenUsage) *TokenUsage {
	if other == nil {
		return u
	}
	if u == nil {
		c := *other
		return &c
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	return u
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai"
	APIKey        string `json:"api_key"`
	Model         string `json:"model,omitempty"` // overrides AgentConfig.Model
	BaseURL       string `json:"base_url,omitempty"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// AgentMessage represents a message in the conversation
type AgentMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// Info describes an agent for clients.
type Info struct {
	Name        string            `json:"name"`
	Tools       map[string]string `json:"tools"`
	AgentPrompt string            `json:"agent_prompt"`
}

// DefaultConfig returns default agent configuration
func DefaultConfig() AgentConfig {
	return AgentConfig{
		Model:         "claude-sonnet-4-5",
		Temperature:   0,
		MaxTokens:     4096,
		MaxRetries:    3,
		MaxErrors:     DefaultMaxErrors,
		MaxTurns:      DefaultMaxTurns,
		HistoryTokens: 60000,
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "timeout",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(messages []AgentMessage) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}

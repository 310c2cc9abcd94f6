// Package codecell builds and parses the code-cell envelope returned by every
// context tool:
//
//	{"action": "code_cell", "language": "python3", "content": "df.head()"}
//
// The envelope is the only durable contract between an agent tool and the
// notebook front end.
package codecell

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ActionCodeCell is the action name carried by every envelope.
const ActionCodeCell = "code_cell"

// ErrNoCodeBlock is returned when an LLM response has no fenced code block.
var ErrNoCodeBlock = errors.New("response does not contain a fenced code block")

var fence = regexp.MustCompile("```\\w*")

// Envelope is the JSON payload returned to the notebook front end.
type Envelope struct {
	Action   string `json:"action"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

// New creates a code-cell envelope. Content is trimmed.
func New(language, content string) Envelope {
	return Envelope{
		Action:   ActionCodeCell,
		Language: language,
		Content:  strings.TrimSpace(content),
	}
}

// Extract returns the code between the first pair of fences in an LLM response.
// Text before the first fence and after the second is dropped.
func Extract(response string) (string, error) {
	parts := fence.Split(response, -1)
	if len(parts) < 3 {
		return "", ErrNoCodeBlock
	}
	return strings.TrimSpace(parts[1]), nil
}

// FromResponse extracts the fenced code from an LLM response and wraps it.
func FromResponse(language, response string) (Envelope, error) {
	code, err := Extract(response)
	if err != nil {
		return Envelope{}, err
	}
	return New(language, code), nil
}

// Marshal returns the JSON string form of the envelope.
func (e Envelope) Marshal() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal code cell: %w", err)
	}
	return string(data), nil
}

// Parse decodes a tool result. It reports false when the string is not a
// code-cell envelope.
func Parse(s string) (Envelope, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return Envelope{}, false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return Envelope{}, false
	}
	if env.Action != ActionCodeCell {
		return Envelope{}, false
	}
	return env, true
}

package toolexecutor

import (
	"github.com/rs/zerolog/log"
)

// ToolPolicy defines which tools an agent can use
type ToolPolicy struct {
	Allow []string `json:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny"`  // List of denied tools (overrides allow)
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}

// Filter returns the names the policy allows, in order.
func (tp *ToolPolicy) Filter(tools []string) []string {
	if tp == nil {
		return tools
	}

	filtered := []string{}
	for _, tool := range tools {
		if tp.IsToolAllowed(tool) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

// Validate warns about policies that deny everything. It never fails; a
// policy is only data.
func (tp *ToolPolicy) Validate() {
	if tp == nil {
		return
	}

	hasAllowWildcard, hasDenyWildcard := false, false
	for _, allowed := range tp.Allow {
		if allowed == "*" {
			hasAllowWildcard = true
		}
	}
	for _, denied := range tp.Deny {
		if denied == "*" {
			hasDenyWildcard = true
		}
	}

	if hasAllowWildcard && hasDenyWildcard {
		log.Warn().Msg("Policy has both allow and deny wildcards - deny will override allow")
	}
	if len(tp.Allow) == 0 {
		log.Warn().Msg("Policy has empty allow list - all tools will be denied by default")
	}
}

package beaker

import (
	"fmt"
	"regexp"
)

var (
	identifier       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	dottedIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// VariableName checks that name can be spliced into code as a variable.
func VariableName(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid variable name %q", name)
	}
	return nil
}

// DottedName checks a module path such as "mira.modeling".
func DottedName(name string) error {
	if !dottedIdentifier.MatchString(name) {
		return fmt.Errorf("invalid dotted name %q", name)
	}
	return nil
}

// StringOr returns content[key] when it is a non-empty string, else fallback.
func StringOr(content map[string]any, key, fallback string) string {
	if s, ok := content[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

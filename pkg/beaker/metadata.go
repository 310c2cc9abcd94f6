package beaker

import (
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"
)

// LoadMetadata decodes the YAML file name of fsys into out.
func LoadMetadata(fsys fs.FS, name string, out any) error {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// StringMap converts a decoded JSON object of strings, such as
// {"df": "dataset-id"}. Non-string values are rejected.
func StringMap(v any) (map[string]string, error) {
	if v == nil {
		return map[string]string{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", v)
	}
	out := make(map[string]string, len(m))
	for k, raw := range m {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("value of %q must be a string, got %T", k, raw)
		}
		out[k] = s
	}
	return out, nil
}

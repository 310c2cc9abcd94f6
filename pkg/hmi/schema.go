package hmi

import (
	"context"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ModelConfigurationComponent is the OpenAPI component describing a model
// configuration.
const ModelConfigurationComponent = "ModelConfiguration"

// ExtractSchema returns the named component of an OpenAPI document together
// with every component it references, directly or transitively, keyed by
// component name.
func ExtractSchema(apiDocs map[string]any, name string) (map[string]any, error) {
	components, _ := apiDocs["components"].(map[string]any)
	definitions, _ := components["schemas"].(map[string]any)
	root, ok := definitions[name]
	if !ok {
		return nil, fmt.Errorf("schema %q not found in api docs", name)
	}

	related := map[string]any{name: root}
	collectRefs(root, definitions, related)
	return related, nil
}

func collectRefs(node any, definitions, seen map[string]any) {
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			refName := ref[strings.LastIndex(ref, "/")+1:]
			if _, done := seen[refName]; !done {
				if def, ok := definitions[refName]; ok {
					seen[refName] = def
					collectRefs(def, definitions, seen)
				}
			}
		}
		for _, child := range v {
			collectRefs(child, definitions, seen)
		}
	case []any:
		for _, child := range v {
			collectRefs(child, definitions, seen)
		}
	}
}

// ModelConfigurationSchema fetches the api docs and extracts the model
// configuration schema.
func (c *Client) ModelConfigurationSchema(ctx context.Context) (map[string]any, error) {
	docs, err := c.GetAPIDocs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch api docs: %w", err)
	}
	return ExtractSchema(docs, ModelConfigurationComponent)
}

// ValidateModelConfiguration checks config against a schema produced by
// ExtractSchema and returns the violations, if any.
func ValidateModelConfiguration(schema map[string]any, config any) ([]string, error) {
	doc := map[string]any{
		"$ref":       "#/components/schemas/" + ModelConfigurationComponent,
		"components": map[string]any{"schemas": schema},
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(doc),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate model configuration: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	var problems []string
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return problems, nil
}

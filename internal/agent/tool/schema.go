package tool

import (
	"encoding/json"
	"fmt"
)

// decodeInput parses the raw tool input into a map. A null or empty input
// becomes an empty map for tools without parameters.
func decodeInput(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %v", err)
	}
	return input, nil
}

// validateInput checks an input map against the subset of JSON schema the
// tool definitions use: an object with typed properties and a required
// list. Unknown properties pass through untouched.
func validateInput(schema map[string]any, input map[string]any) error {
	required, _ := schema["required"].([]any)
	for _, r := range required {
		name, _ := r.(string)
		if _, ok := input[name]; !ok {
			return fmt.Errorf("missing required field %q", name)
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, value := range input {
		propAny, ok := props[name]
		if !ok {
			continue
		}
		prop, _ := propAny.(map[string]any)
		want, _ := prop["type"].(string)
		if want == "" {
			continue
		}
		if !typeMatches(want, value) {
			return fmt.Errorf("field %q must be a %s", name, want)
		}
	}
	return nil
}

func typeMatches(want string, value any) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number", "integer":
		_, ok := value.(float64)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return true
}

// str fetches a string field that schema validation already vetted.
func str(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// boolean fetches a bool field with a default.
func boolean(input map[string]any, key string, def bool) bool {
	if v, ok := input[key].(bool); ok {
		return v
	}
	return def
}

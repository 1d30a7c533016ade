package tools

import (
	"encoding/json"
	"fmt"
	"math"
)

// argSchema is the parsed form of a tool's parameter schema, built once at
// registration so dispatch never parses schema JSON.
type argSchema struct {
	properties map[string]map[string]any
	required   []string
}

// parseSchema accepts the JSON-schema subset the registry enforces: a
// top-level object with per-property type and numeric bounds, plus a
// required list. A nil return means the tool takes free-form arguments.
func parseSchema(raw json.RawMessage) (*argSchema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parameters are not a JSON object: %w", err)
	}
	rawProps, ok := root["properties"].(map[string]any)
	if !ok {
		return nil, nil
	}

	s := &argSchema{properties: make(map[string]map[string]any, len(rawProps))}
	for name, p := range rawProps {
		prop, ok := p.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("property %s is not an object", name)
		}
		s.properties[name] = prop
	}

	if rawReq, ok := root["required"].([]any); ok {
		for _, r := range rawReq {
			name, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("required entries must be strings")
			}
			if _, ok := s.properties[name]; !ok {
				return nil, fmt.Errorf("required field %s not in properties", name)
			}
			s.required = append(s.required, name)
		}
	}
	return s, nil
}

// check validates raw call arguments before dispatch. Unknown fields are
// rejected so a hallucinated argument surfaces as an error result the model
// can react to instead of being silently dropped by the handler.
func (s *argSchema) check(raw json.RawMessage) error {
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("not a JSON object: %w", err)
		}
	}

	for _, name := range s.required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required field %s", name)
		}
	}
	for name, val := range args {
		prop, ok := s.properties[name]
		if !ok {
			return fmt.Errorf("unknown field %s", name)
		}
		if err := checkValue(name, val, prop); err != nil {
			return err
		}
	}
	return nil
}

// checkValue enforces the declared type and numeric bounds on one field.
// JSON decoding only produces bool, float64, string, []any, map[string]any
// and nil, so a type switch covers every case.
func checkValue(name string, val any, prop map[string]any) error {
	declared, _ := prop["type"].(string)
	if declared == "" || val == nil {
		return nil
	}

	switch declared {
	case "string":
		if _, ok := val.(string); !ok {
			return fmt.Errorf("field %s must be a string", name)
		}
	case "number", "integer":
		n, ok := val.(float64)
		if !ok {
			return fmt.Errorf("field %s must be a number", name)
		}
		if declared == "integer" && n != math.Trunc(n) {
			return fmt.Errorf("field %s must be an integer", name)
		}
		if min, ok := prop["minimum"].(float64); ok && n < min {
			return fmt.Errorf("field %s below minimum %v", name, min)
		}
		if max, ok := prop["maximum"].(float64); ok && n > max {
			return fmt.Errorf("field %s above maximum %v", name, max)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("field %s must be a boolean", name)
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("field %s must be an array", name)
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("field %s must be an object", name)
		}
	}
	return nil
}

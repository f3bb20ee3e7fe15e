package document

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

const toolSchema = `{
  "type": "object",
  "properties": {
    "name":      {"type": "string"},
    "transport": {"enum": ["stdio", "http", "sse"]},
    "command":   {"type": "string"},
    "args":      {"type": "array", "items": {"type": "string"}},
    "url":       {"type": "string"},
    "headers":   {"type": "object", "additionalProperties": {"type": "string"}},
    "env":       {"type": "object", "additionalProperties": {"type": "string"}},
    "oauth": {
      "type": "object",
      "properties": {
        "client_id":     {"type": "string", "minLength": 1},
        "client_secret": {"type": "string"},
        "token_url":     {"type": "string", "minLength": 1},
        "scopes":        {"type": "array", "items": {"type": "string"}}
      },
      "required": ["client_id", "token_url"]
    }
  },
  "anyOf": [
    {"required": ["command"]},
    {"required": ["url"]}
  ]
}`

var compileToolSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.NewCompiler().Compile([]byte(toolSchema))
})

// validateTool checks a decoded tool document against the tool schema and
// the transport-specific requirements the schema cannot express.
func validateTool(raw map[string]any) error {
	schema, err := compileToolSchema()
	if err != nil {
		return fmt.Errorf("tool schema: %w", err)
	}
	result := schema.Validate(raw)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}

	transport, _ := raw["transport"].(string)
	switch transport {
	case "http", "sse":
		if s, _ := raw["url"].(string); s == "" {
			return errors.New("transport " + transport + " requires url")
		}
	case "stdio":
		if s, _ := raw["command"].(string); s == "" {
			return errors.New("transport stdio requires command")
		}
	}
	return nil
}

package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BuildPromptWithSchema augments a prompt with a JSON-schema instruction
// and a generated example. On retries (attempt > 0) the instruction grows
// firmer and enumerates the first three prior violations.
func BuildPromptWithSchema(basePrompt string, schema map[string]interface{}, attempt int, priorErrors []*ValidationError) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nRespond with a single JSON value matching this schema:\n")

	if encoded, err := json.MarshalIndent(schema, "", "  "); err == nil {
		b.Write(encoded)
	}

	if example := exampleFromSchema(schema); example != nil {
		if encoded, err := json.MarshalIndent(example, "", "  "); err == nil {
			b.WriteString("\n\nExample of the expected shape:\n")
			b.Write(encoded)
		}
	}

	if attempt > 0 {
		b.WriteString("\n\nYour previous response did not validate. ")
		b.WriteString("Return ONLY the JSON value, no prose, no code fences.")
		for i, e := range priorErrors {
			if i >= 3 {
				break
			}
			fmt.Fprintf(&b, "\n- %s", e.Error())
		}
	}

	return b.String()
}

// exampleFromSchema generates a minimal example value for a schema.
func exampleFromSchema(schema map[string]interface{}) interface{} {
	schemaType, _ := schema["type"].(string)

	if enum, ok := schema["enum"].([]interface{}); ok && len(enum) > 0 {
		return enum[0]
	}

	switch schemaType {
	case "object":
		example := map[string]interface{}{}
		if props, ok := schema["properties"].(map[string]interface{}); ok {
			for name, raw := range props {
				if propSchema, ok := raw.(map[string]interface{}); ok {
					example[name] = exampleFromSchema(propSchema)
				}
			}
		}
		return example
	case "array":
		if items, ok := schema["items"].(map[string]interface{}); ok {
			return []interface{}{exampleFromSchema(items)}
		}
		return []interface{}{}
	case "string":
		return "..."
	case "number":
		return 0.0
	case "integer":
		return 0
	case "boolean":
		return true
	default:
		return nil
	}
}

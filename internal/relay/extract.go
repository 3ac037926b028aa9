package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles a JSON Schema document for use with ExtractJSON.
func CompileSchema(raw string) (*jsonschema.Schema, error) {
	schema, err := jsonschema.CompileString("schema.json", raw)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// ExtractJSON pulls a JSON document out of accumulated response text and
// validates it against schema. Models wrap structured output in markdown
// fences or conversational framing more often than not, so the extraction
// takes the outermost brace-delimited region rather than requiring the
// whole text to parse. A nil schema skips validation.
func ExtractJSON(text string, schema *jsonschema.Schema) (map[string]any, error) {
	raw := stripFences(text)

	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found in response text")
	}
	raw = raw[start : end+1]

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode response JSON: %w", err)
	}

	if schema != nil {
		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("response JSON failed schema validation: %w", err)
		}
	}
	return doc, nil
}

func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	// Drop an optional language tag on the fence line.
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		first := strings.TrimSpace(t[:i])
		if first == "json" || first == "" {
			t = t[i+1:]
		}
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

package relay

import (
	"strings"
	"testing"
)

const insightSchema = `{
	"type": "object",
	"required": ["title", "score"],
	"properties": {
		"title": {"type": "string"},
		"score": {"type": "number", "minimum": 0, "maximum": 100}
	}
}`

func TestExtractJSONPlainObject(t *testing.T) {
	schema, err := CompileSchema(insightSchema)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := ExtractJSON(`{"title": "Pipeline risk", "score": 72}`, schema)
	if err != nil {
		t.Fatal(err)
	}
	if doc["title"] != "Pipeline risk" {
		t.Fatalf("title = %v", doc["title"])
	}
}

func TestExtractJSONMarkdownFenced(t *testing.T) {
	schema, err := CompileSchema(insightSchema)
	if err != nil {
		t.Fatal(err)
	}
	text := "Here is the analysis you asked for:\n```json\n{\"title\": \"Q3 outlook\", \"score\": 55}\n```\nLet me know if you need more."
	doc, err := ExtractJSON(text, schema)
	if err != nil {
		t.Fatal(err)
	}
	if doc["score"] != float64(55) {
		t.Fatalf("score = %v", doc["score"])
	}
}

func TestExtractJSONConversationalFraming(t *testing.T) {
	doc, err := ExtractJSON(`Sure! {"title": "x", "score": 1} Hope that helps.`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if doc["title"] != "x" {
		t.Fatalf("title = %v", doc["title"])
	}
}

func TestExtractJSONSchemaViolation(t *testing.T) {
	schema, err := CompileSchema(insightSchema)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ExtractJSON(`{"title": "over the top", "score": 250}`, schema)
	if err == nil || !strings.Contains(err.Error(), "schema validation") {
		t.Fatalf("error = %v, want schema validation failure", err)
	}
}

func TestExtractJSONNoObject(t *testing.T) {
	if _, err := ExtractJSON("no structured data here", nil); err == nil {
		t.Fatal("expected an error for text without JSON")
	}
}

func TestExtractJSONMalformed(t *testing.T) {
	if _, err := ExtractJSON(`{"title": "unterminated`, nil); err == nil {
		t.Fatal("expected a decode error")
	}
}

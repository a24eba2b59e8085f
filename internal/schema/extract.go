package schema

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sells-group/mapeval-cli/internal/model"
)

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)

// ExtractJSON pulls the JSON object out of raw model output. It tolerates
// reasoning-model think blocks, markdown code fences, and prose around the
// object, but the object itself must decode cleanly. Failures return a
// *model.ParseError.
func ExtractJSON(raw string) (map[string]any, error) {
	text := strings.TrimSpace(thinkBlockRe.ReplaceAllString(raw, ""))
	if text == "" {
		return nil, &model.ParseError{Reason: "empty output"}
	}

	if fenced, ok := insideFence(text); ok {
		text = fenced
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, &model.ParseError{Reason: "no JSON object found"}
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &doc); err != nil {
		return nil, &model.ParseError{Reason: err.Error()}
	}
	return doc, nil
}

// Parse extracts and validates in one step, preserving the two failure
// classes: *model.ParseError for malformed output, *model.SchemaError for
// well-formed output that violates the target record.
func Parse(raw string, tier model.Tier) (map[string]any, error) {
	doc, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(doc, tier); err != nil {
		return nil, err
	}
	return doc, nil
}

// insideFence returns the body of the first markdown code fence, if any.
func insideFence(text string) (string, bool) {
	open := strings.Index(text, "```")
	if open < 0 {
		return "", false
	}
	rest := text[open+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		rest = rest[nl+1:]
	}
	close := strings.Index(rest, "```")
	if close < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:close]), true
}

// Package softfail detects provider responses that arrived with a healthy
// transport status but carry a refusal or apology where the answer should
// be. Detection runs on the final accumulated text, never a prefix, so a
// mid-stream fragment cannot trigger a false positive.
package softfail

import "strings"

// defaultPatterns are the vendor phrasings seen in practice. Matching is
// case-insensitive substring search.
var defaultPatterns = []string{
	"i'm sorry, i can't",
	"i'm unable to assist",
	"i cannot assist with",
	"as an ai language model, i cannot",
	"an error occurred while processing",
	"content filtered",
	"response was blocked",
}

// Detector scans completed response text for refusal patterns.
type Detector struct {
	patterns []string
}

// New creates a Detector. Extra patterns are added to the built-in set;
// each is lowercased once at construction.
func New(extra ...string) *Detector {
	d := &Detector{patterns: make([]string, 0, len(defaultPatterns)+len(extra))}
	for _, p := range defaultPatterns {
		d.patterns = append(d.patterns, strings.ToLower(p))
	}
	for _, p := range extra {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			d.patterns = append(d.patterns, p)
		}
	}
	return d
}

// Detect reports whether text matches a refusal pattern, and which one.
// Empty text counts as a soft failure: a provider that streamed nothing
// produced no usable answer.
func (d *Detector) Detect(text string) (bool, string) {
	if strings.TrimSpace(text) == "" {
		return true, ""
	}
	lower := strings.ToLower(text)
	for _, p := range d.patterns {
		if strings.Contains(lower, p) {
			return true, p
		}
	}
	return false, ""
}

// Package marker detects embedded integration directives in finalized
// assistant text. An agent that needs an external integration (source
// control, database, deploy target) flags it either with an explicit
// token or with a handful of natural-language phrasings; detection
// turns the plain chat message into a structured action message.
package marker

import (
	"regexp"
	"strings"
)

// Directive is the result of a successful detection.
type Directive struct {
	Integration string
	// Body is the message text with the directive token removed.
	Body string
}

// tokenPattern matches the explicit machine-readable directive, e.g.
// "[[needs-integration: github]]".
var tokenPattern = regexp.MustCompile(`(?i)\[\[\s*needs-integration\s*:\s*([a-z0-9_-]+)\s*\]\]`)

// heuristicPhrases are best-effort natural-language detections. They
// are only trusted for integrations the hint reports as disconnected,
// since an agent may merely be discussing a connected one.
var heuristicPhrases = []string{
	"connect your %s",
	"set up %s",
	"link your %s account",
}

// Detector evaluates finalized text against a hint of which
// integrations are currently connected.
type Detector struct {
	connected map[string]bool
}

// NewDetector builds a detector from the connected-integration hint.
// Names are matched case-insensitively.
func NewDetector(connected map[string]bool) *Detector {
	norm := make(map[string]bool, len(connected))
	for name, ok := range connected {
		norm[strings.ToLower(name)] = ok
	}
	return &Detector{connected: norm}
}

// Detect returns the directive found in text, if any. The explicit
// token is the hard contract and always wins; it is honored only when
// the named integration is not already connected. Heuristic matches
// are attempted per known integration name and gated the same way.
func (d *Detector) Detect(text string) (Directive, bool) {
	if m := tokenPattern.FindStringSubmatch(text); m != nil {
		name := strings.ToLower(m[1])
		if d.connected[name] {
			return Directive{}, false
		}
		return Directive{
			Integration: name,
			Body:        StripToken(text),
		}, true
	}

	lower := strings.ToLower(text)
	for name, ok := range d.connected {
		if ok {
			continue
		}
		for _, phrase := range heuristicPhrases {
			needle := strings.Replace(phrase, "%s", name, 1)
			if strings.Contains(lower, needle) {
				return Directive{Integration: name, Body: strings.TrimSpace(text)}, true
			}
		}
	}

	return Directive{}, false
}

// StripToken removes the explicit directive token from display text.
// Streaming deltas are scanned with this so the token never flashes on
// screen mid-stream.
func StripToken(text string) string {
	return strings.TrimSpace(tokenPattern.ReplaceAllString(text, ""))
}

// ContainsTokenPrefix reports whether text ends in what could be the
// beginning of a directive token, so streaming display can hold back
// the tail until the next delta resolves it.
func ContainsTokenPrefix(text string) bool {
	const token = "[[needs-integration:"
	for i := len(text) - 1; i >= 0 && len(text)-i <= 64; i-- {
		tail := strings.ToLower(text[i:])
		if strings.HasPrefix(token, tail) {
			return true
		}
		// An opened token whose closing "]]" has not streamed yet.
		if strings.HasPrefix(tail, token) && !strings.Contains(tail, "]]") {
			return true
		}
	}
	return false
}

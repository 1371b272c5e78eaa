// Package cloudrouter recognizes cloud-provider-prefixed model IDs
// (openai:, google:, anthropic:, and the misspelling ahtnorpic:) and
// forwards requests to the corresponding remote provider, bypassing
// the endpoint registry entirely.
package cloudrouter

import (
	"strings"

	"github.com/llmlb/llmlb/internal/errs"
)

// Provider is a recognized cloud backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderAnthropic Provider = "anthropic"
)

// rule is one prefix-to-provider mapping. Rules are matched
// longest-prefix-first — the same bubble-sort-by-length idiom used
// elsewhere in this codebase's prefix matching, kept here because the
// rule set is always tiny (four entries) and never mutated after
// construction.
type rule struct {
	prefix   string
	provider Provider
}

// Target describes where a cloud-prefixed request should go, with the
// prefix already stripped from the model name.
type Target struct {
	Provider Provider
	Model    string // model name with the "provider:" prefix removed
}

// Router matches model IDs against the recognized cloud prefixes.
type Router struct {
	rules []rule
}

// New builds the fixed cloud-prefix rule set. The "ahtnorpic:"
// misspelling is kept as a permanent synonym for "anthropic:" since
// some clients already depend on it.
func New() *Router {
	rules := []rule{
		{"openai:", ProviderOpenAI},
		{"google:", ProviderGoogle},
		{"anthropic:", ProviderAnthropic},
		{"ahtnorpic:", ProviderAnthropic},
	}
	// Longest-prefix-first, so a future overlapping rule can't shadow
	// a more specific one added later.
	for i := 0; i < len(rules)-1; i++ {
		for j := 0; j < len(rules)-i-1; j++ {
			if len(rules[j].prefix) < len(rules[j+1].prefix) {
				rules[j], rules[j+1] = rules[j+1], rules[j]
			}
		}
	}
	return &Router{rules: rules}
}

// Match reports whether modelID carries a recognized cloud prefix,
// returning the stripped Target if so. A model ID carrying an
// unrecognized "word:" prefix is not a Match — the caller (Selector)
// must distinguish "no colon at all" (route locally) from "colon
// present but provider unknown" (respond 400) using
// HasUnrecognizedColonPrefix.
func (r *Router) Match(modelID string) (Target, bool) {
	for _, ru := range r.rules {
		if strings.HasPrefix(modelID, ru.prefix) {
			return Target{Provider: ru.provider, Model: strings.TrimPrefix(modelID, ru.prefix)}, true
		}
	}
	return Target{}, false
}

// HasUnrecognizedColonPrefix reports whether modelID looks like a
// cloud-prefixed ID: it contains a colon after a non-empty leading
// segment, e.g. "cohere:command-r". It does not consult any Router's
// rules, so it is also true for recognized prefixes; it identifies an
// unrecognized prefix only when called after Match has failed.
func HasUnrecognizedColonPrefix(modelID string) bool {
	idx := strings.IndexByte(modelID, ':')
	return idx > 0
}

// ErrUnsupportedProvider builds the 400 error for a cloud-shaped model
// ID whose provider prefix isn't recognized.
func ErrUnsupportedProvider() error {
	return errs.New(errs.InvalidInput, "unsupported cloud provider prefix")
}

package cloudrouter

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_PrefixMatchingIsTotalOnRecognizedSet(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	r := New()

	providerFor := map[string]Provider{
		"openai:":    ProviderOpenAI,
		"google:":    ProviderGoogle,
		"anthropic:": ProviderAnthropic,
		"ahtnorpic:": ProviderAnthropic,
	}

	properties.Property("every recognized prefix matches with the suffix preserved", prop.ForAll(
		func(prefix string, suffix string) bool {
			target, ok := r.Match(prefix + suffix)
			if !ok {
				return false
			}
			return target.Provider == providerFor[prefix] && target.Model == suffix
		},
		gen.OneConstOf("openai:", "google:", "anthropic:", "ahtnorpic:"),
		gen.RegexMatch(`[a-zA-Z0-9._-]{1,50}`),
	))

	properties.Property("ahtnorpic: and anthropic: resolve identically", prop.ForAll(
		func(suffix string) bool {
			a, okA := r.Match("anthropic:" + suffix)
			b, okB := r.Match("ahtnorpic:" + suffix)
			return okA && okB && a.Provider == b.Provider && a.Model == b.Model
		},
		gen.RegexMatch(`[a-zA-Z0-9._-]{1,50}`),
	))

	properties.Property("colon-free model IDs never match a cloud prefix", prop.ForAll(
		func(modelID string) bool {
			if strings.ContainsRune(modelID, ':') {
				return true
			}
			_, ok := r.Match(modelID)
			return !ok && !HasUnrecognizedColonPrefix(modelID)
		},
		gen.RegexMatch(`[a-zA-Z0-9._-]{1,50}`),
	))

	properties.Property("unknown provider prefixes report a colon prefix without matching", prop.ForAll(
		func(provider string, suffix string) bool {
			if _, recognized := providerFor[provider+":"]; recognized {
				return true
			}
			modelID := provider + ":" + suffix
			_, ok := r.Match(modelID)
			return !ok && HasUnrecognizedColonPrefix(modelID)
		},
		gen.RegexMatch(`[a-z]{2,12}`),
		gen.RegexMatch(`[a-zA-Z0-9._-]{1,50}`),
	))

	properties.TestingRun(t)
}

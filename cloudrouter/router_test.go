package cloudrouter

import "testing"

func TestNew_OrdersRulesLongestPrefixFirst(t *testing.T) {
	r := New()
	for i := 0; i < len(r.rules)-1; i++ {
		if len(r.rules[i].prefix) < len(r.rules[i+1].prefix) {
			t.Fatalf("rule %d (%q) shorter than rule %d (%q), want longest-first", i, r.rules[i].prefix, i+1, r.rules[i+1].prefix)
		}
	}
}

func TestMatch_RecognizedPrefixes(t *testing.T) {
	r := New()

	cases := []struct {
		modelID  string
		provider Provider
		model    string
	}{
		{"openai:gpt-4o", ProviderOpenAI, "gpt-4o"},
		{"google:gemini-2.0-flash", ProviderGoogle, "gemini-2.0-flash"},
		{"anthropic:claude-3-7-sonnet", ProviderAnthropic, "claude-3-7-sonnet"},
		{"ahtnorpic:claude-3-7-sonnet", ProviderAnthropic, "claude-3-7-sonnet"},
	}
	for _, c := range cases {
		got, ok := r.Match(c.modelID)
		if !ok {
			t.Fatalf("Match(%q) = false, want true", c.modelID)
		}
		if got.Provider != c.provider || got.Model != c.model {
			t.Fatalf("Match(%q) = %+v, want {%s %s}", c.modelID, got, c.provider, c.model)
		}
	}
}

func TestMatch_NoPrefixRoutesLocally(t *testing.T) {
	r := New()
	if _, ok := r.Match("llama3.1-70b"); ok {
		t.Fatal("Match on a plain model ID should not match a cloud prefix")
	}
}

func TestHasUnrecognizedColonPrefix_DistinguishesFromLocalModels(t *testing.T) {
	if !HasUnrecognizedColonPrefix("cohere:command-r") {
		t.Fatal("cohere:command-r should be recognized as a colon-prefixed model ID")
	}
	if HasUnrecognizedColonPrefix("llama3.1-70b") {
		t.Fatal("plain model IDs should not report a colon prefix")
	}
	if HasUnrecognizedColonPrefix(":leading-colon") {
		t.Fatal("a leading colon with no prefix text should not count")
	}
}

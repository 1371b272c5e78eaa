package endpoint

import "strings"

// ParseCapabilities turns the stored comma-joined column back into a set.
func ParseCapabilities(csv string) map[Capability]bool {
	out := make(map[Capability]bool)
	if csv == "" {
		return out
	}
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out[Capability(tok)] = true
		}
	}
	return out
}

// JoinCapabilities serializes a capability set for storage.
func JoinCapabilities(caps []Capability) string {
	toks := make([]string, len(caps))
	for i, c := range caps {
		toks[i] = string(c)
	}
	return strings.Join(toks, ",")
}

// Has reports whether m declares cap.
func (m Model) Has(cap Capability) bool {
	return ParseCapabilities(m.CapabilitiesCSV)[cap]
}

package selector

import (
	"sort"
	"testing"

	"pgregory.net/rapid"

	"github.com/llmlb/llmlb/cloudrouter"
	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/registry"
)

func genEndpointID() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}`)
}

func genStatus() *rapid.Generator[endpoint.Status] {
	return rapid.SampledFrom([]endpoint.Status{
		endpoint.StatusPending,
		endpoint.StatusOnline,
		endpoint.StatusOffline,
		endpoint.StatusError,
	})
}

// Candidate lists come back sorted ascending by latency EMA with the
// endpoint-ID tie-break, contain only online endpoints that host the
// model with the requested capability, and repeated calls yield the
// same order.
func TestSelect_CandidateOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reg := registry.New()

		ids := rapid.SliceOfNDistinct(genEndpointID(), 1, 12, rapid.ID).Draw(rt, "ids")
		online := map[string]bool{}
		hosts := map[string]bool{}
		for _, id := range ids {
			status := genStatus().Draw(rt, "status")
			// Coarse latency buckets force tie-break coverage.
			latency := float64(rapid.IntRange(0, 4).Draw(rt, "latency") * 10)
			hostsModel := rapid.Bool().Draw(rt, "hostsModel")
			capable := rapid.Bool().Draw(rt, "capable")

			reg.Put(&registry.Entry{ID: id, Status: status, LatencyEMA: latency})
			if hostsModel {
				reg.SetModels(id, map[string]map[endpoint.Capability]bool{
					"m1": {endpoint.CapabilityChatCompletions: capable},
				})
			}
			online[id] = status == endpoint.StatusOnline
			hosts[id] = hostsModel && capable
		}

		s := New(cloudrouter.New(), reg)
		res, err := s.Select("m1", endpoint.CapabilityChatCompletions)
		if err != nil {
			// Any of NotFound/NoCapableCandidate/Unavailable is fine
			// here; the ordering property only binds non-empty results.
			return
		}

		sorted := sort.SliceIsSorted(res.Candidates, func(i, j int) bool {
			a, b := res.Candidates[i], res.Candidates[j]
			if a.LatencyEMA != b.LatencyEMA {
				return a.LatencyEMA < b.LatencyEMA
			}
			return a.ID < b.ID
		})
		if !sorted {
			rt.Fatalf("candidates not in (latency, id) order: %+v", res.Candidates)
		}
		for _, c := range res.Candidates {
			if !online[c.ID] || !hosts[c.ID] {
				rt.Fatalf("candidate %s is not an online capable host", c.ID)
			}
		}

		again, err := s.Select("m1", endpoint.CapabilityChatCompletions)
		if err != nil {
			rt.Fatalf("second Select failed: %v", err)
		}
		if len(again.Candidates) != len(res.Candidates) {
			rt.Fatalf("candidate count changed between identical calls")
		}
		for i := range again.Candidates {
			if again.Candidates[i].ID != res.Candidates[i].ID {
				rt.Fatalf("candidate order changed between identical calls")
			}
		}
	})
}

// Cloud-prefixed model IDs never produce local candidates, for any
// suffix after the prefix.
func TestSelect_CloudPrefixProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reg := registry.New()
		reg.Put(&registry.Entry{ID: "local", Status: endpoint.StatusOnline})

		prefix := rapid.SampledFrom([]string{"openai:", "google:", "anthropic:", "ahtnorpic:"}).Draw(rt, "prefix")
		suffix := rapid.StringMatching(`[a-zA-Z0-9._-]{1,40}`).Draw(rt, "suffix")

		// Even an exact local declaration of the prefixed name must not
		// shadow the cloud route.
		reg.SetModels("local", map[string]map[endpoint.Capability]bool{
			prefix + suffix: {endpoint.CapabilityChatCompletions: true},
		})

		s := New(cloudrouter.New(), reg)
		res, err := s.Select(prefix+suffix, endpoint.CapabilityChatCompletions)
		if err != nil {
			rt.Fatalf("Select(%q) failed: %v", prefix+suffix, err)
		}
		if res.Cloud == nil {
			rt.Fatalf("Select(%q) returned local candidates, want cloud target", prefix+suffix)
		}
		if res.Cloud.Model != suffix {
			rt.Fatalf("cloud target model = %q, want stripped %q", res.Cloud.Model, suffix)
		}
	})
}

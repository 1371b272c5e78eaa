package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmlb/llmlb/cloudrouter"
	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/internal/errs"
	"github.com/llmlb/llmlb/registry"
)

func putOnline(r *registry.Registry, id string, latency float64, caps ...endpoint.Capability) {
	capSet := map[endpoint.Capability]bool{}
	for _, c := range caps {
		capSet[c] = true
	}
	r.Put(&registry.Entry{
		ID: id, Status: endpoint.StatusOnline, LatencyEMA: latency,
	})
	r.SetModels(id, map[string]map[endpoint.Capability]bool{"m1": capSet})
}

func TestSelect_CloudPrefixBypassesRegistry(t *testing.T) {
	s := New(cloudrouter.New(), registry.New())
	res, err := s.Select("openai:gpt-4o", endpoint.CapabilityChatCompletions)
	require.NoError(t, err)
	require.NotNil(t, res.Cloud)
	require.Equal(t, cloudrouter.ProviderOpenAI, res.Cloud.Provider)
	require.Equal(t, "gpt-4o", res.Cloud.Model)
}

func TestSelect_UnrecognizedCloudPrefixIsInvalidInput(t *testing.T) {
	s := New(cloudrouter.New(), registry.New())
	_, err := s.Select("cohere:command-r", endpoint.CapabilityChatCompletions)
	require.Error(t, err)
	require.Equal(t, errs.InvalidInput, errs.GetCode(err))
}

func TestSelect_LocalModelReturnsLatencySortedCandidates(t *testing.T) {
	reg := registry.New()
	putOnline(reg, "slow", 50, endpoint.CapabilityChatCompletions)
	putOnline(reg, "fast", 10, endpoint.CapabilityChatCompletions)

	s := New(cloudrouter.New(), reg)
	res, err := s.Select("m1", endpoint.CapabilityChatCompletions)
	require.NoError(t, err)
	require.Nil(t, res.Cloud)
	require.Len(t, res.Candidates, 2)
	require.Equal(t, "fast", res.Candidates[0].ID)
	require.Equal(t, "slow", res.Candidates[1].ID)
}

func TestSelect_UnknownModelIsNotFound(t *testing.T) {
	s := New(cloudrouter.New(), registry.New())
	_, err := s.Select("nope", endpoint.CapabilityChatCompletions)
	require.Error(t, err)
	require.Equal(t, errs.NotFound, errs.GetCode(err))
}

func TestSelect_KnownModelMissingCapabilityIsNoCapableCandidate(t *testing.T) {
	reg := registry.New()
	putOnline(reg, "a", 10, endpoint.CapabilityChatCompletions)

	s := New(cloudrouter.New(), reg)
	_, err := s.Select("m1", endpoint.CapabilityEmbeddings)
	require.Error(t, err)
	require.Equal(t, errs.NoCapableCandidate, errs.GetCode(err))
}

func TestSelect_KnownCapableModelAllOfflineIsUnavailable(t *testing.T) {
	reg := registry.New()
	reg.Put(&registry.Entry{ID: "a", Status: endpoint.StatusOffline})
	reg.SetModels("a", map[string]map[endpoint.Capability]bool{
		"m1": {endpoint.CapabilityChatCompletions: true},
	})

	s := New(cloudrouter.New(), reg)
	_, err := s.Select("m1", endpoint.CapabilityChatCompletions)
	require.Error(t, err)
	require.Equal(t, errs.Unavailable, errs.GetCode(err))
}

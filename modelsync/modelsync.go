// Package modelsync enumerates the model catalog a backend exposes
// and reconciles it into the endpoint store and registry, tolerating
// partial per-model metadata failures without aborting the whole run.
package modelsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/internal/errs"
	"github.com/llmlb/llmlb/internal/tlsutil"
	"github.com/llmlb/llmlb/registry"
)

const (
	perRequestTimeout = 10 * time.Second
	totalBudget       = 30 * time.Second
)

// Discovered is one model as enumerated from a backend, before it is
// persisted as an endpoint.Model.
type Discovered struct {
	ModelID       string
	ContextLength int
	OwnedBy       string
	Capabilities  map[endpoint.Capability]bool
}

// Store is the subset of endpoint.Store the synchronizer writes
// through.
type Store interface {
	UpsertModel(ctx context.Context, m endpoint.Model) error
	DeleteMissingModels(ctx context.Context, endpointID string, keep []string) error
}

// Synchronizer enumerates models for one endpoint by its classified
// type and reconciles the result into Store and Registry.
type Synchronizer struct {
	client *http.Client
	store  Store
	reg    *registry.Registry
	logger *zap.Logger
}

// New builds a Synchronizer.
func New(store Store, reg *registry.Registry, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		client: tlsutil.SecureHTTPClient(perRequestTimeout),
		store:  store,
		reg:    reg,
		logger: logger.With(zap.String("component", "model_synchronizer")),
	}
}

// Sync enumerates baseURL's models for the given backend type, writes
// the resulting set to the store (pruning models no longer reported),
// and refreshes the registry's in-memory capability map. A top-level
// enumeration failure leaves the prior catalog untouched and returns
// errs.SyncFailed; a single model's metadata fetch failing does not
// abort the run — that model keeps whatever capabilities were
// enumerable from the listing response alone.
func (s *Synchronizer) Sync(parent context.Context, endpointID, baseURL string, typ endpoint.Type, supportsResponsesAPI bool) error {
	ctx, cancel := context.WithTimeout(parent, totalBudget)
	defer cancel()

	discovered, err := s.enumerate(ctx, baseURL, typ, supportsResponsesAPI)
	if err != nil {
		return errs.New(errs.SyncFailed, fmt.Sprintf("enumerate models for endpoint %q failed", endpointID)).WithCause(err)
	}

	keep := make([]string, 0, len(discovered))
	models := make(map[string]map[endpoint.Capability]bool, len(discovered))
	for _, d := range discovered {
		keep = append(keep, d.ModelID)
		models[d.ModelID] = d.Capabilities

		m := endpoint.Model{
			EndpointID:      endpointID,
			ModelID:         d.ModelID,
			ContextLength:   d.ContextLength,
			OwnedBy:         d.OwnedBy,
			CapabilitiesCSV: endpoint.JoinCapabilities(capabilityList(d.Capabilities)),
		}
		if err := s.store.UpsertModel(ctx, m); err != nil {
			s.logger.Warn("upsert model failed, continuing sync",
				zap.String("endpoint_id", endpointID), zap.String("model_id", d.ModelID), zap.Error(err))
		}
	}
	if err := s.store.DeleteMissingModels(ctx, endpointID, keep); err != nil {
		s.logger.Warn("prune stale models failed", zap.String("endpoint_id", endpointID), zap.Error(err))
	}

	s.reg.SetModels(endpointID, models)
	return nil
}

// SyncByID looks endpointID up in the registry and runs Sync against
// its current base URL, type, and Responses-API support.
// HealthSyncAdapter exposes it as health.Syncer so HealthMonitor can
// trigger a run without knowing anything about how models are
// enumerated. An endpoint the registry
// no longer knows about (removed between tick scheduling and firing)
// is silently skipped.
func (s *Synchronizer) SyncByID(ctx context.Context, endpointID string) error {
	entry, ok := s.reg.Get(endpointID)
	if !ok {
		return nil
	}
	return s.Sync(ctx, endpointID, entry.BaseURL, entry.Type, entry.SupportsResponsesAPI)
}

// HealthSyncAdapter adapts a Synchronizer to health.Syncer's Sync(ctx,
// endpointID) signature, since SyncByID can't carry that exact method
// name itself (Sync is already taken by the richer variant above).
type HealthSyncAdapter struct {
	*Synchronizer
}

// Sync implements health.Syncer.
func (a HealthSyncAdapter) Sync(ctx context.Context, endpointID string) error {
	return a.SyncByID(ctx, endpointID)
}

func capabilityList(caps map[endpoint.Capability]bool) []endpoint.Capability {
	out := make([]endpoint.Capability, 0, len(caps))
	for c, ok := range caps {
		if ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Synchronizer) enumerate(ctx context.Context, baseURL string, typ endpoint.Type, supportsResponsesAPI bool) ([]Discovered, error) {
	switch typ {
	case endpoint.TypeOllama:
		return s.enumerateOllama(ctx, baseURL)
	case endpoint.TypeXLLM, endpoint.TypeVLLM, endpoint.TypeOpenAICompatible, endpoint.TypeLMStudio:
		return s.enumerateOpenAIListing(ctx, baseURL, typ, supportsResponsesAPI)
	default:
		return nil, fmt.Errorf("cannot enumerate models for unknown endpoint type")
	}
}

type openAIModelList struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

func (s *Synchronizer) enumerateOpenAIListing(ctx context.Context, baseURL string, typ endpoint.Type, supportsResponsesAPI bool) ([]Discovered, error) {
	var list openAIModelList
	if err := s.getJSON(ctx, baseURL+"/v1/models", &list); err != nil {
		return nil, err
	}

	embeddingsSupported := s.probeNon404(ctx, baseURL+"/v1/embeddings")

	out := make([]Discovered, 0, len(list.Data))
	for _, m := range list.Data {
		caps := map[endpoint.Capability]bool{endpoint.CapabilityChatCompletions: true}
		if supportsResponsesAPI {
			caps[endpoint.CapabilityResponses] = true
		}
		if embeddingsSupported {
			caps[endpoint.CapabilityEmbeddings] = true
		}
		d := Discovered{ModelID: m.ID, OwnedBy: m.OwnedBy, Capabilities: caps}

		if typ == endpoint.TypeXLLM {
			if ctxLen, err := s.xllmContextLength(ctx, baseURL, m.ID); err == nil {
				d.ContextLength = ctxLen
			}
		} else if typ == endpoint.TypeLMStudio {
			s.enrichLMStudio(ctx, baseURL, m.ID, &d)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Synchronizer) xllmContextLength(ctx context.Context, baseURL, modelID string) (int, error) {
	var info struct {
		ContextLength int `json:"context_length"`
	}
	if err := s.getJSON(ctx, fmt.Sprintf("%s/v0/models/%s/info", baseURL, modelID), &info); err != nil {
		return 0, err
	}
	return info.ContextLength, nil
}

func (s *Synchronizer) enrichLMStudio(ctx context.Context, baseURL, modelID string, d *Discovered) {
	var meta struct {
		MaxContextLength int  `json:"max_context_length"`
		SupportsVision   bool `json:"supports_vision"`
		SupportsToolUse  bool `json:"supports_tool_use"`
	}
	if err := s.getJSON(ctx, fmt.Sprintf("%s/api/v1/models/%s", baseURL, modelID), &meta); err != nil {
		return
	}
	d.ContextLength = meta.MaxContextLength
	if meta.SupportsVision {
		d.Capabilities[endpoint.CapabilityVision] = true
	}
}

type ollamaTagList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (s *Synchronizer) enumerateOllama(ctx context.Context, baseURL string) ([]Discovered, error) {
	var list ollamaTagList
	if err := s.getJSON(ctx, baseURL+"/api/tags", &list); err != nil {
		return nil, err
	}

	out := make([]Discovered, 0, len(list.Models))
	for _, m := range list.Models {
		d := Discovered{
			ModelID:      m.Name,
			Capabilities: map[endpoint.Capability]bool{endpoint.CapabilityChatCompletions: true},
		}
		if ctxLen, err := s.ollamaNumCtx(ctx, baseURL, m.Name); err == nil {
			d.ContextLength = ctxLen
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Synchronizer) ollamaNumCtx(ctx context.Context, baseURL, modelName string) (int, error) {
	body, err := json.Marshal(map[string]string{"name": modelName})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var show struct {
		Parameters struct {
			NumCtx int `json:"num_ctx"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return 0, err
	}
	return show.Parameters.NumCtx, nil
}

func (s *Synchronizer) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Synchronizer) probeNon404(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode != http.StatusNotFound
}

package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/health"
	"github.com/llmlb/llmlb/prober"
	"github.com/llmlb/llmlb/registry"
)

// EndpointHandler implements the management API: CRUD over the
// endpoint catalog plus the operator-initiated test/sync/reset
// actions.
type EndpointHandler struct {
	store   *endpoint.Store
	reg     *registry.Registry
	prober  *prober.Prober
	monitor *health.Monitor
	logger  *zap.Logger
}

// NewEndpointHandler builds an EndpointHandler over its collaborators.
func NewEndpointHandler(store *endpoint.Store, reg *registry.Registry, pr *prober.Prober, monitor *health.Monitor, logger *zap.Logger) *EndpointHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EndpointHandler{store: store, reg: reg, prober: pr, monitor: monitor, logger: logger.With(zap.String("component", "endpoint_handler"))}
}

// EndpointResponse is the wire shape of the management API
// response body.
type EndpointResponse struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	BaseURL              string    `json:"base_url"`
	Type                 string    `json:"type"`
	Status               string    `json:"status"`
	LatencyMS            float64   `json:"latency_ms"`
	ModelCount           int       `json:"model_count"`
	LastSeen             time.Time `json:"last_seen"`
	LastError            string    `json:"last_error,omitempty"`
	SupportsResponsesAPI bool      `json:"supports_responses_api"`
	ErrorCount           int       `json:"error_count"`
	RegisteredAt         time.Time `json:"registered_at"`
}

// toResponse merges a store row with its registry entry when present.
// The registry is the authoritative source for every volatile field
// (status, latency, error count, last-seen); a brand new endpoint that
// hasn't been seeded into the registry yet falls back to the store's
// initial values.
func toResponse(e *endpoint.Endpoint, entry *registry.Entry) EndpointResponse {
	resp := EndpointResponse{
		ID:                   e.ID,
		Name:                 e.Name,
		BaseURL:              e.BaseURL,
		Type:                 string(e.Type),
		Status:               string(e.Status),
		LatencyMS:            e.LatencyMS,
		LastSeen:             e.LastSeenAt,
		LastError:            e.LastError,
		SupportsResponsesAPI: e.SupportsResponsesAPI,
		ErrorCount:           e.ErrorCount,
		RegisteredAt:         e.RegisteredAt,
	}
	if entry != nil {
		resp.Status = string(entry.Status)
		resp.LatencyMS = entry.LatencyEMA
		resp.ModelCount = entry.ModelCount()
		resp.LastSeen = entry.LastSeenAt
		resp.LastError = entry.LastError
		resp.SupportsResponsesAPI = entry.SupportsResponsesAPI
		resp.ErrorCount = entry.ErrorCount
		resp.Type = string(entry.Type)
	}
	return resp
}

// CreateEndpointRequest is the POST /endpoints request body.
type CreateEndpointRequest struct {
	Name                 string `json:"name"`
	BaseURL              string `json:"base_url"`
	APIKey               string `json:"api_key,omitempty"`
	HealthCheckIntervalS int    `json:"health_check_interval_secs,omitempty"`
	InferenceTimeoutS    int    `json:"inference_timeout_secs,omitempty"`
}

// UpdateEndpointRequest is the PUT /endpoints/{id} request body. Every
// field is optional; absent fields leave the stored value untouched.
type UpdateEndpointRequest struct {
	Name                 *string `json:"name,omitempty"`
	BaseURL              *string `json:"base_url,omitempty"`
	APIKey               *string `json:"api_key,omitempty"`
	HealthCheckIntervalS *int    `json:"health_check_interval_secs,omitempty"`
	InferenceTimeoutS    *int    `json:"inference_timeout_secs,omitempty"`
}

// HandleCreate registers a new endpoint: persists it, runs the type
// prober synchronously so the caller sees a classified type right
// away, and seeds the registry.
func (h *EndpointHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateEndpointRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	e := &endpoint.Endpoint{
		Name:                 req.Name,
		BaseURL:              req.BaseURL,
		APIKey:               req.APIKey,
		HealthCheckIntervalS: req.HealthCheckIntervalS,
		InferenceTimeoutS:    req.InferenceTimeoutS,
	}
	if e.HealthCheckIntervalS == 0 {
		e.HealthCheckIntervalS = 30
	}
	if e.InferenceTimeoutS == 0 {
		e.InferenceTimeoutS = 120
	}

	ctx := r.Context()
	if err := h.store.Insert(ctx, e); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	typ := h.prober.Classify(ctx, e.BaseURL)
	supportsResponses := h.prober.SupportsResponsesAPI(ctx, e.BaseURL, typ)
	if err := h.store.UpdateClassification(ctx, e.ID, typ, supportsResponses); err != nil {
		h.logger.Warn("could not persist endpoint classification", zap.String("endpoint_id", e.ID), zap.Error(err))
	} else {
		e.Type = typ
		e.SupportsResponsesAPI = supportsResponses
	}

	h.reg.Put(&registry.Entry{
		ID:                   e.ID,
		Name:                 e.Name,
		BaseURL:              e.BaseURL,
		APIKey:               e.APIKey,
		Type:                 e.Type,
		Status:               endpoint.StatusPending,
		SupportsResponsesAPI: e.SupportsResponsesAPI,
		HealthCheckIntervalS: e.HealthCheckIntervalS,
		InferenceTimeoutS:    e.InferenceTimeoutS,
		LastSeenAt:           e.LastSeenAt,
	})

	entry, _ := h.reg.Get(e.ID)
	WriteCreated(w, toResponse(e, entry))
}

// HandleList returns every registered endpoint.
func (h *EndpointHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.List(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	out := make([]EndpointResponse, 0, len(rows))
	for i := range rows {
		entry, _ := h.reg.Get(rows[i].ID)
		out = append(out, toResponse(&rows[i], entry))
	}
	WriteSuccess(w, out)
}

// HandleGet returns one endpoint.
func (h *EndpointHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := h.store.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	entry, _ := h.reg.Get(id)
	WriteSuccess(w, toResponse(e, entry))
}

// HandleUpdate patches an endpoint's operator-supplied fields. A
// changed base URL invalidates the previous type classification, so
// it is re-run synchronously, matching HandleCreate's behavior.
func (h *EndpointHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req UpdateEndpointRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	ctx := r.Context()
	patch := endpoint.Patch{
		Name:                 req.Name,
		BaseURL:              req.BaseURL,
		APIKey:               req.APIKey,
		HealthCheckIntervalS: req.HealthCheckIntervalS,
		InferenceTimeoutS:    req.InferenceTimeoutS,
	}
	if err := h.store.Update(ctx, id, patch); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	e, err := h.store.Get(ctx, id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if req.BaseURL != nil {
		typ := h.prober.Classify(ctx, e.BaseURL)
		supportsResponses := h.prober.SupportsResponsesAPI(ctx, e.BaseURL, typ)
		if cerr := h.store.UpdateClassification(ctx, id, typ, supportsResponses); cerr == nil {
			e.Type = typ
			e.SupportsResponsesAPI = supportsResponses
		}
	}

	existing, ok := h.reg.Get(id)
	entry := &registry.Entry{
		ID:                   e.ID,
		Name:                 e.Name,
		BaseURL:              e.BaseURL,
		APIKey:               e.APIKey,
		Type:                 e.Type,
		Status:               endpoint.StatusPending,
		SupportsResponsesAPI: e.SupportsResponsesAPI,
		HealthCheckIntervalS: e.HealthCheckIntervalS,
		InferenceTimeoutS:    e.InferenceTimeoutS,
		LastSeenAt:           e.LastSeenAt,
	}
	if ok {
		entry.Status = existing.Status
		entry.LatencyEMA = existing.LatencyEMA
		entry.ErrorCount = existing.ErrorCount
		entry.LastError = existing.LastError
		entry.OnlineSince = existing.OnlineSince
		entry.LastSeenAt = existing.LastSeenAt
		if req.BaseURL == nil {
			entry.Type = existing.Type
			entry.SupportsResponsesAPI = existing.SupportsResponsesAPI
		}
	}
	h.reg.Put(entry)

	updated, _ := h.reg.Get(id)
	WriteSuccess(w, toResponse(e, updated))
}

// HandleDelete removes an endpoint from both the store and registry.
func (h *EndpointHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.reg.Remove(id)
	WriteSuccess(w, map[string]string{"id": id, "deleted": "true"})
}

// HandleTest re-runs the type prober against an endpoint on demand,
// satisfying the operator-initiated POST /endpoints/{id}/test route.
func (h *EndpointHandler) HandleTest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	e, err := h.store.Get(ctx, id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	typ := h.prober.Classify(ctx, e.BaseURL)
	supportsResponses := h.prober.SupportsResponsesAPI(ctx, e.BaseURL, typ)
	if err := h.store.UpdateClassification(ctx, id, typ, supportsResponses); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if entry, ok := h.reg.Get(id); ok {
		updated := *entry
		updated.Type = typ
		updated.SupportsResponsesAPI = supportsResponses
		h.reg.Put(&updated)
	}

	WriteSuccess(w, map[string]any{
		"id":                     id,
		"type":                   string(typ),
		"supports_responses_api": supportsResponses,
	})
}

// HandleSync triggers an on-demand model enumeration run.
func (h *EndpointHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.Get(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if err := h.monitor.TriggerSync(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"id": id, "synced": "true"})
}

// ModelResponse is one entry in GET /endpoints/{id}/models.
type ModelResponse struct {
	ModelID       string   `json:"model_id"`
	ContextLength int      `json:"context_length,omitempty"`
	Capabilities  []string `json:"capabilities"`
	OwnedBy       string   `json:"owned_by,omitempty"`
}

// HandleModels lists one endpoint's discovered model catalog.
func (h *EndpointHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	if _, err := h.store.Get(ctx, id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	rows, err := h.store.ListModels(ctx, id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	out := make([]ModelResponse, 0, len(rows))
	for _, m := range rows {
		caps := endpoint.ParseCapabilities(m.CapabilitiesCSV)
		names := make([]string, 0, len(caps))
		for c := range caps {
			names = append(names, string(c))
		}
		out = append(out, ModelResponse{
			ModelID:       m.ModelID,
			ContextLength: m.ContextLength,
			Capabilities:  names,
			OwnedBy:       m.OwnedBy,
		})
	}
	WriteSuccess(w, out)
}

// HandleReset zeroes an endpoint's monotonic request counters and
// error state, the supplemented route exposing the data model's
// documented "reset only at operator-initiated reset" escape hatch.
func (h *EndpointHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.ResetCounters(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.reg.ResetErrors(id)
	WriteSuccess(w, map[string]string{"id": id, "reset": "true"})
}

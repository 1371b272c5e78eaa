package handlers

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/llmlb/llmlb/cloudcache"
	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/internal/ctxkeys"
	"github.com/llmlb/llmlb/internal/errs"
	"github.com/llmlb/llmlb/proxycore"
	"github.com/llmlb/llmlb/registry"
)

// Forwarder is the subset of proxycore.Core the inference handler
// depends on.
type Forwarder interface {
	Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, kind proxycore.APIKind) error
}

// InferenceHandler fronts the client-facing /v1/* inference routes,
// translating ProxyCore's errors into HTTP responses and serving the
// aggregated model catalog.
type InferenceHandler struct {
	core     Forwarder
	reg      *registry.Registry
	cloud    *cloudcache.Cache
	draining atomic.Bool
	logger   *zap.Logger
}

// NewInferenceHandler builds an InferenceHandler. cloud may be nil if
// no cloud providers are configured, in which case GET /v1/models
// reports local endpoints only.
func NewInferenceHandler(core Forwarder, reg *registry.Registry, cloud *cloudcache.Cache, logger *zap.Logger) *InferenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InferenceHandler{core: core, reg: reg, cloud: cloud, logger: logger.With(zap.String("component", "inference_handler"))}
}

// Drain flips the handler into draining mode: every new /v1/* arrival
// is rejected with 503 while requests already in flight complete
// normally.
func (h *InferenceHandler) Drain() {
	h.draining.Store(true)
}

// Draining reports whether the handler is currently refusing new
// inference traffic.
func (h *InferenceHandler) Draining() bool {
	return h.draining.Load()
}

func (h *InferenceHandler) forward(kind proxycore.APIKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.draining.Load() {
			WriteErrorMessage(w, errs.Unavailable, "gateway is draining, try again shortly", h.logger)
			return
		}
		if client, ok := ctxkeys.ClientIdentity(r.Context()); ok {
			h.logger.Debug("inference request",
				zap.String("client", client), zap.String("kind", string(kind)))
		}
		if err := h.core.Forward(r.Context(), w, r, kind); err != nil {
			if errs.GetCode(err) == errs.Cancelled {
				return
			}
			WriteError(w, err, h.logger)
		}
	}
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (h *InferenceHandler) HandleChatCompletions() http.HandlerFunc {
	return h.forward(proxycore.KindChatCompletions)
}

// HandleCompletions serves POST /v1/completions.
func (h *InferenceHandler) HandleCompletions() http.HandlerFunc {
	return h.forward(proxycore.KindCompletions)
}

// HandleEmbeddings serves POST /v1/embeddings.
func (h *InferenceHandler) HandleEmbeddings() http.HandlerFunc {
	return h.forward(proxycore.KindEmbeddings)
}

// HandleResponses serves POST /v1/responses.
func (h *InferenceHandler) HandleResponses() http.HandlerFunc {
	return h.forward(proxycore.KindResponses)
}

// modelListResponse is the wire shape GET /v1/models replies with.
type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

type modelEntry struct {
	ID           string          `json:"id"`
	Object       string          `json:"object"`
	Created      int64           `json:"created"`
	OwnedBy      string          `json:"owned_by,omitempty"`
	Capabilities map[string]bool `json:"capabilities"`
}

// HandleListModels aggregates the model catalog across every online
// local endpoint with the cached cloud provider listings. A model
// hosted on more than one endpoint appears once, with the union of
// every endpoint's declared capability set.
func (h *InferenceHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	merged := make(map[string]*modelEntry)
	for _, e := range h.reg.Snapshot() {
		if e.Status != endpoint.StatusOnline {
			continue
		}
		for modelID, caps := range e.Models() {
			entry, ok := merged[modelID]
			if !ok {
				entry = &modelEntry{
					ID:           modelID,
					Object:       "model",
					Created:      e.LastSeenAt.Unix(),
					Capabilities: map[string]bool{},
				}
				merged[modelID] = entry
			}
			for c := range caps {
				entry.Capabilities[string(c)] = true
			}
		}
	}

	out := make([]modelEntry, 0, len(merged)+4)
	for _, entry := range merged {
		out = append(out, *entry)
	}

	if h.cloud != nil {
		now := time.Now().Unix()
		for _, m := range h.cloud.Models(r.Context()) {
			out = append(out, modelEntry{
				ID:      m.ID,
				Object:  "model",
				Created: now,
				OwnedBy: m.OwnedBy,
			})
		}
	}

	WriteJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: out})
}

// HandleGetModel serves GET /v1/models/{id}: per-model metadata
// aggregated the same way as HandleListModels, scoped to one ID.
func (h *InferenceHandler) HandleGetModel(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("id")
	known, caps := h.reg.ModelCapabilities(modelID)
	if !known {
		WriteErrorMessage(w, errs.NotFound, "model not found", h.logger)
		return
	}
	names := make(map[string]bool, len(caps))
	for c := range caps {
		names[string(c)] = true
	}
	WriteSuccess(w, modelEntry{ID: modelID, Object: "model", Created: time.Now().Unix(), Capabilities: names})
}

// Package registry holds the in-memory, authoritative view of
// endpoints: their lifecycle state, latency EMA, and capability set.
// It is populated and kept current by the health monitor and model
// synchronizer, seeded from the endpoint store at startup.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/llmlb/llmlb/endpoint"
)

// Entry is one endpoint's volatile, in-memory state plus the
// read-mostly fields copied in from the store at load/refresh time.
type Entry struct {
	ID                   string
	Name                 string
	BaseURL              string
	APIKey               string
	Type                 endpoint.Type
	Status               endpoint.Status
	LatencyEMA           float64
	ErrorCount           int
	LastError            string
	SupportsResponsesAPI bool
	HealthCheckIntervalS int
	InferenceTimeoutS    int
	LastSeenAt           time.Time
	OnlineSince          *time.Time

	// models maps model ID to its declared capability set. Guarded by
	// the same per-entry lock as the rest of Entry.
	models map[string]map[endpoint.Capability]bool
}

// ModelCount returns how many models this endpoint declares, for the
// management API's summary view.
func (e *Entry) ModelCount() int {
	return len(e.models)
}

// Models returns the capability set this endpoint declares per model
// ID, for the supplemented GET /endpoints/{id}/models route. The
// caller receives the same defensive copy clone() produces elsewhere,
// since every Entry reaching application code already came from Get
// or Snapshot.
func (e *Entry) Models() map[string]map[endpoint.Capability]bool {
	return e.models
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.models = make(map[string]map[endpoint.Capability]bool, len(e.models))
	for id, caps := range e.models {
		capCopy := make(map[endpoint.Capability]bool, len(caps))
		for c, v := range caps {
			capCopy[c] = v
		}
		cp.models[id] = capCopy
	}
	return &cp
}

// Registry is the in-memory mirror of endpoint state used for
// selection. Each entry has its own lock so that one endpoint's
// mutation never blocks a snapshot read of another.
type Registry struct {
	mu      sync.RWMutex // guards the map itself, not entry contents
	entries map[string]*entryHolder
}

type entryHolder struct {
	mu sync.RWMutex
	e  *Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entryHolder)}
}

// Put inserts or replaces an entry — used when (re)loading from the
// store, e.g. at startup or after a management-API edit. The model
// catalog is owned by SetModels: a replaced entry keeps its previous
// catalog, so a config edit never blanks out selection until the next
// sync completes.
func (r *Registry) Put(e *Entry) {
	r.mu.Lock()
	h, ok := r.entries[e.ID]
	if !ok {
		h = &entryHolder{}
		r.entries[e.ID] = h
	}
	r.mu.Unlock()

	h.mu.Lock()
	if e.models == nil {
		if h.e != nil {
			e.models = h.e.models
		} else {
			e.models = make(map[string]map[endpoint.Capability]bool)
		}
	}
	h.e = e
	h.mu.Unlock()
}

// Remove drops an entry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns a defensive copy of one entry.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	h, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.e == nil {
		return nil, false
	}
	return h.e.clone(), true
}

// UpdateStatus performs the only status mutation path — status
// transitions are totally ordered per endpoint because they all pass
// through this one per-entry lock.
func (r *Registry) UpdateStatus(id string, status endpoint.Status, onlineSince *time.Time) {
	r.withEntry(id, func(e *Entry) {
		e.Status = status
		if onlineSince != nil {
			e.OnlineSince = onlineSince
		}
	})
}

// UpdateLatency sets the current EMA after a successful probe.
func (r *Registry) UpdateLatency(id string, ema float64) {
	r.withEntry(id, func(e *Entry) { e.LatencyEMA = ema })
}

// UpdateHealth records a probe outcome: last-seen timestamp always
// advances; error count and message only change on failure.
func (r *Registry) UpdateHealth(id string, lastSeen time.Time, errorCount int, lastErr string) {
	r.withEntry(id, func(e *Entry) {
		e.LastSeenAt = lastSeen
		e.ErrorCount = errorCount
		e.LastError = lastErr
	})
}

// UpdateResponsesAPISupport records the outcome of the type prober's
// Responses-API detection.
func (r *Registry) UpdateResponsesAPISupport(id string, supported bool) {
	r.withEntry(id, func(e *Entry) { e.SupportsResponsesAPI = supported })
}

// SetModels replaces an endpoint's entire model catalog, matching the
// model synchronizer's replace-the-set contract.
func (r *Registry) SetModels(id string, models map[string]map[endpoint.Capability]bool) {
	r.withEntry(id, func(e *Entry) { e.models = models })
}

// ResetErrors zeroes an entry's error count and last-error message,
// mirroring the store's operator-initiated counter reset into the
// in-memory view; only an operator-initiated reset clears them.
func (r *Registry) ResetErrors(id string) {
	r.withEntry(id, func(e *Entry) {
		e.ErrorCount = 0
		e.LastError = ""
	})
}

func (r *Registry) withEntry(id string, fn func(*Entry)) {
	r.mu.RLock()
	h, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.e != nil {
		fn(h.e)
	}
}

// FindByModel returns every online endpoint hosting modelID, ignoring
// capability.
func (r *Registry) FindByModel(modelID string) []*Entry {
	return r.filterByModel(modelID, "")
}

// FindByModelSortedByLatency returns online endpoints hosting modelID
// with the given capability, sorted ascending by latency EMA with
// endpoint-ID tie-break. When cap is CapabilityResponses, an endpoint
// is also required to have SupportsResponsesAPI set, since that flag
// reflects the transport-level Responses API surface rather than a
// per-model declaration. The ordering is fully deterministic: fastest
// endpoint first, ties broken lexicographically by ID so repeated
// calls never reorder candidates that haven't actually changed latency.
func (r *Registry) FindByModelSortedByLatency(modelID string, cap endpoint.Capability) []*Entry {
	candidates := r.filterByModel(modelID, cap)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LatencyEMA != candidates[j].LatencyEMA {
			return candidates[i].LatencyEMA < candidates[j].LatencyEMA
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}

func (r *Registry) filterByModel(modelID string, cap endpoint.Capability) []*Entry {
	r.mu.RLock()
	holders := make([]*entryHolder, 0, len(r.entries))
	for _, h := range r.entries {
		holders = append(holders, h)
	}
	r.mu.RUnlock()

	out := make([]*Entry, 0, len(holders))
	for _, h := range holders {
		h.mu.RLock()
		var e *Entry
		if h.e != nil {
			e = h.e.clone()
		}
		h.mu.RUnlock()
		if e == nil || e.Status != endpoint.StatusOnline {
			continue
		}
		caps, ok := e.models[modelID]
		if !ok {
			continue
		}
		if cap != "" && !caps[cap] {
			continue
		}
		if cap == endpoint.CapabilityResponses && !e.SupportsResponsesAPI {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ModelCapabilities reports whether any endpoint (online or not)
// declares modelID with the given capability — used to distinguish
// "model unknown" (404) from "model known, capability missing" (501).
func (r *Registry) ModelCapabilities(modelID string) (known bool, caps map[endpoint.Capability]bool) {
	r.mu.RLock()
	holders := make([]*entryHolder, 0, len(r.entries))
	for _, h := range r.entries {
		holders = append(holders, h)
	}
	r.mu.RUnlock()

	caps = make(map[endpoint.Capability]bool)
	for _, h := range holders {
		h.mu.RLock()
		if h.e != nil {
			if m, ok := h.e.models[modelID]; ok {
				known = true
				for c, v := range m {
					if v {
						caps[c] = true
					}
				}
			}
		}
		h.mu.RUnlock()
	}
	return known, caps
}

// Snapshot returns a defensive copy of every entry, used by the
// health monitor's probe loop and the /v1/models listing.
func (r *Registry) Snapshot() []*Entry {
	r.mu.RLock()
	holders := make([]*entryHolder, 0, len(r.entries))
	for _, h := range r.entries {
		holders = append(holders, h)
	}
	r.mu.RUnlock()

	out := make([]*Entry, 0, len(holders))
	for _, h := range holders {
		h.mu.RLock()
		if h.e != nil {
			out = append(out, h.e.clone())
		}
		h.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

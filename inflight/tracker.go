// Package inflight counts in-flight requests per endpoint and per
// (endpoint, model) pair using lock-free atomic counters, so graceful
// shutdown and the Prometheus in-flight gauge can read live load
// without contending with request handling.
package inflight

import (
	"sync"
	"sync/atomic"

	"github.com/llmlb/llmlb/internal/metrics"
)

// Guard releases the count it was acquired with. Callers must call
// Release exactly once, typically via defer.
type Guard struct {
	tracker    *Tracker
	endpointID string
	modelID    string
}

// Release decrements the counters incremented by the matching Acquire.
func (g *Guard) Release() {
	g.tracker.decrement(g.endpointID, g.modelID)
}

type counters struct {
	total  atomic.Int64
	models sync.Map // model ID -> *atomic.Int64
}

// Tracker holds one counters set per endpoint.
type Tracker struct {
	endpoints sync.Map // endpoint ID -> *counters
	metrics   *metrics.Collector
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// WithMetrics mirrors each endpoint's in-flight total onto the
// Prometheus gauge on every acquire and release.
func (t *Tracker) WithMetrics(collector *metrics.Collector) *Tracker {
	t.metrics = collector
	return t
}

// Acquire records one in-flight request against endpointID and
// modelID, returning a Guard the caller must Release when the request
// completes (success, failure, or client disconnect).
func (t *Tracker) Acquire(endpointID, modelID string) *Guard {
	c := t.countersFor(endpointID)
	c.total.Add(1)
	t.modelCounter(c, modelID).Add(1)
	t.observe(endpointID, c)
	return &Guard{tracker: t, endpointID: endpointID, modelID: modelID}
}

func (t *Tracker) decrement(endpointID, modelID string) {
	v, ok := t.endpoints.Load(endpointID)
	if !ok {
		return
	}
	c := v.(*counters)
	c.total.Add(-1)
	t.modelCounter(c, modelID).Add(-1)
	t.observe(endpointID, c)
}

func (t *Tracker) observe(endpointID string, c *counters) {
	if t.metrics != nil {
		t.metrics.SetEndpointInflight(endpointID, int(c.total.Load()))
	}
}

// Count returns the current in-flight total for one endpoint.
func (t *Tracker) Count(endpointID string) int64 {
	v, ok := t.endpoints.Load(endpointID)
	if !ok {
		return 0
	}
	return v.(*counters).total.Load()
}

// CountModel returns the current in-flight count for one
// (endpoint, model) pair.
func (t *Tracker) CountModel(endpointID, modelID string) int64 {
	v, ok := t.endpoints.Load(endpointID)
	if !ok {
		return 0
	}
	c := v.(*counters)
	mv, ok := c.models.Load(modelID)
	if !ok {
		return 0
	}
	return mv.(*atomic.Int64).Load()
}

// Drain returns each endpoint's current in-flight total, keyed by
// endpoint ID, for every endpoint the tracker has ever seen; graceful
// shutdown polls it while draining.
func (t *Tracker) Drain() map[string]int64 {
	out := make(map[string]int64)
	t.endpoints.Range(func(key, value any) bool {
		out[key.(string)] = value.(*counters).total.Load()
		return true
	})
	return out
}

func (t *Tracker) countersFor(endpointID string) *counters {
	v, _ := t.endpoints.LoadOrStore(endpointID, &counters{})
	return v.(*counters)
}

func (t *Tracker) modelCounter(c *counters, modelID string) *atomic.Int64 {
	v, _ := c.models.LoadOrStore(modelID, &atomic.Int64{})
	return v.(*atomic.Int64)
}

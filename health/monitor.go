// Package health periodically probes every registered endpoint,
// maintains its latency EMA, and owns the only code path allowed to
// move an endpoint between lifecycle states.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/internal/channel"
	"github.com/llmlb/llmlb/internal/metrics"
	"github.com/llmlb/llmlb/internal/tlsutil"
	"github.com/llmlb/llmlb/registry"
)

const (
	// emaAlpha weights the new sample against the running average.
	emaAlpha = 0.2
	// consecutiveFailuresToOffline is how many transport failures in a
	// row move an online endpoint to offline.
	consecutiveFailuresToOffline = 3
	// staleAfter marks an endpoint offline if it hasn't been
	// successfully probed in this long, even without a probe failure
	// being observed directly (e.g. the monitor itself was paused).
	staleAfter = 90 * time.Second

	defaultInterval   = 15 * time.Second
	defaultTimeout    = 5 * time.Second
	defaultHealthPath = "/health"

	// Per-endpoint probe interval bounds. An operator-supplied value
	// outside this range is clamped rather than rejected here, since
	// the store already validates writes.
	defaultEndpointInterval = 30 * time.Second
	minEndpointInterval     = 5 * time.Second
	maxEndpointInterval     = 3600 * time.Second
)

// StatusError indicates the probe reached the backend and received a
// response, but the response status was non-2xx — an application-layer
// failure rather than a transport-layer one.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("probe returned status %d", e.Status)
}

// Pinger performs one liveness probe against an endpoint's base URL
// and reports the round-trip latency on success. A non-2xx response
// returns latency alongside a *StatusError; any other error is treated
// as a transport-layer failure.
type Pinger interface {
	Ping(ctx context.Context, baseURL string) (time.Duration, error)
}

// HTTPPinger probes an endpoint with a plain GET against a fixed path.
type HTTPPinger struct {
	client *http.Client
	path   string
}

// NewHTTPPinger builds a Pinger with the given per-request timeout.
func NewHTTPPinger(timeout time.Duration, path string) *HTTPPinger {
	if path == "" {
		path = defaultHealthPath
	}
	return &HTTPPinger{client: tlsutil.SecureHTTPClient(timeout), path: path}
}

func (p *HTTPPinger) Ping(ctx context.Context, baseURL string) (time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+p.path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return latency, &StatusError{Status: resp.StatusCode}
	}
	return latency, nil
}

// Syncer lets the monitor trigger a model enumeration run without
// importing the modelsync package directly.
type Syncer interface {
	Sync(ctx context.Context, endpointID string) error
}

// Event is one status transition published to the broadcast channel
// consumed by the dashboard feed.
type Event struct {
	EndpointID string
	From       endpoint.Status
	To         endpoint.Status
	Message    string
	At         time.Time
}

// Monitor drives the periodic probe loop and applies its results to
// the registry. Source lists live endpoints lazily each tick so newly
// registered endpoints are picked up without a restart.
type Monitor struct {
	reg      *registry.Registry
	source   EndpointSource
	pinger   Pinger
	syncer   Syncer
	logger   *zap.Logger
	metrics  *metrics.Collector
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	failures  map[string]int
	lastGood  map[string]time.Time
	lastProbe map[string]time.Time
	synced    map[string]bool

	events *channel.TunableChannel[Event]

	cancel context.CancelFunc
}

// EndpointSource enumerates the endpoints to probe. The registry
// itself satisfies this via Snapshot, but callers may wrap the store
// to pick up freshly inserted endpoints the registry hasn't loaded yet.
type EndpointSource interface {
	Snapshot() []*registry.Entry
}

// Config configures the probe loop's cadence.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// New builds a Monitor. Call Start to begin probing. syncer may be nil,
// in which case first-success model enumeration is skipped.
func New(reg *registry.Registry, source EndpointSource, pinger Pinger, syncer Syncer, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pinger == nil {
		pinger = NewHTTPPinger(cfg.Timeout, defaultHealthPath)
	}
	return &Monitor{
		reg:       reg,
		source:    source,
		pinger:    pinger,
		syncer:    syncer,
		logger:    logger.With(zap.String("component", "health_monitor")),
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		failures:  make(map[string]int),
		lastGood:  make(map[string]time.Time),
		lastProbe: make(map[string]time.Time),
		synced:    make(map[string]bool),
		events:    channel.NewTunableChannel[Event](channel.DefaultTunableConfig()),
	}
}

// WithMetrics reports status transitions and the latency EMA gauge to
// the Prometheus collector alongside the event channel.
func (m *Monitor) WithMetrics(collector *metrics.Collector) *Monitor {
	m.metrics = collector
	return m
}

// Events returns the channel of status-transition events, consumed by
// the dashboard's /ws/events feed. Sends are non-blocking: a slow or
// absent consumer never stalls the probe loop.
func (m *Monitor) Events() <-chan Event {
	return m.events.Chan()
}

// Start launches the background probe loop. It probes once
// immediately so freshly started processes don't wait a full interval
// before the registry reflects reality.
func (m *Monitor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	go func() {
		m.probeDue(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeDue(ctx)
			}
		}
	}()
}

// Stop ends the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// TriggerSync runs an on-demand model enumeration for one endpoint,
// satisfying operator-initiated POST /endpoints/:id/sync.
func (m *Monitor) TriggerSync(ctx context.Context, endpointID string) error {
	if m.syncer == nil {
		return nil
	}
	return m.syncer.Sync(ctx, endpointID)
}

// probeDue probes the endpoints whose own interval has elapsed; the
// ticker driving it is just the scheduler's resolution.
func (m *Monitor) probeDue(parent context.Context) {
	entries := m.source.Snapshot()
	now := time.Now()
	due := entries[:0]
	for _, e := range entries {
		if m.markDue(e, now) {
			due = append(due, e)
		}
	}
	m.probe(parent, due)
}

// probeAll probes every endpoint unconditionally, regardless of
// per-endpoint cadence — used by tests.
func (m *Monitor) probeAll(parent context.Context) {
	m.probe(parent, m.source.Snapshot())
}

func (m *Monitor) probe(parent context.Context, entries []*registry.Entry) {
	g, ctx := errgroup.WithContext(parent)
	g.SetLimit(16)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			m.probeOne(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
}

// markDue reports whether e's own probe interval has elapsed since its
// last probe, recording now as the probe time when it has. Claiming
// the slot up front also serializes ticks per endpoint: a probe still
// in flight from the previous tick can't overlap with a new one.
func (m *Monitor) markDue(e *registry.Entry, now time.Time) bool {
	interval := time.Duration(e.HealthCheckIntervalS) * time.Second
	if interval <= 0 {
		interval = defaultEndpointInterval
	}
	if interval < minEndpointInterval {
		interval = minEndpointInterval
	}
	if interval > maxEndpointInterval {
		interval = maxEndpointInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastProbe[e.ID]
	if ok && now.Sub(last) < interval {
		return false
	}
	m.lastProbe[e.ID] = now
	return true
}

func (m *Monitor) probeOne(parent context.Context, e *registry.Entry) {
	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()

	latency, err := m.pinger.Ping(ctx, e.BaseURL)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		// Application-layer failure: the backend answered but is
		// unhealthy. This transitions immediately, independent of the
		// transport-failure consecutive count.
		prev := e.Status
		m.reg.UpdateHealth(e.ID, e.LastSeenAt, m.failures[e.ID], statusErr.Error())
		m.reg.UpdateStatus(e.ID, endpoint.StatusError, nil)
		m.logger.Warn("endpoint probe returned non-2xx",
			zap.String("endpoint_id", e.ID), zap.Int("status", statusErr.Status))
		m.publish(Event{EndpointID: e.ID, From: prev, To: endpoint.StatusError, Message: statusErr.Error(), At: now})
		return
	}

	if err != nil {
		m.failures[e.ID]++
		m.reg.UpdateHealth(e.ID, e.LastSeenAt, m.failures[e.ID], err.Error())
		m.logger.Warn("endpoint probe failed",
			zap.String("endpoint_id", e.ID), zap.Int("consecutive_failures", m.failures[e.ID]), zap.Error(err))

		if m.shouldGoOffline(e) {
			prev := e.Status
			m.reg.UpdateStatus(e.ID, endpoint.StatusOffline, nil)
			m.publish(Event{EndpointID: e.ID, From: prev, To: endpoint.StatusOffline, Message: err.Error(), At: now})
		}
		return
	}

	m.failures[e.ID] = 0
	m.lastGood[e.ID] = now
	ema := latency.Seconds() * 1000
	if e.LatencyEMA > 0 {
		ema = emaAlpha*ema + (1-emaAlpha)*e.LatencyEMA
	}
	m.reg.UpdateLatency(e.ID, ema)
	m.reg.UpdateHealth(e.ID, now, 0, "")
	if m.metrics != nil {
		m.metrics.SetEndpointLatencyEMA(e.ID, time.Duration(ema*float64(time.Millisecond)))
	}

	if e.Status != endpoint.StatusOnline {
		prev := e.Status
		onlineSince := now
		m.reg.UpdateStatus(e.ID, endpoint.StatusOnline, &onlineSince)
		m.logger.Info("endpoint came online", zap.String("endpoint_id", e.ID), zap.Duration("latency", latency))
		m.publish(Event{EndpointID: e.ID, From: prev, To: endpoint.StatusOnline, At: now})

		if !m.synced[e.ID] {
			m.synced[e.ID] = true
			m.triggerSyncAsync(e.ID)
		}
	}
}

// triggerSyncAsync runs the first-success model enumeration in the
// background so a slow sync doesn't delay the next probe tick.
func (m *Monitor) triggerSyncAsync(endpointID string) {
	if m.syncer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := m.syncer.Sync(ctx, endpointID); err != nil {
			m.logger.Warn("first-success model sync failed", zap.String("endpoint_id", endpointID), zap.Error(err))
		}
	}()
}

func (m *Monitor) publish(ev Event) {
	if m.metrics != nil {
		m.metrics.RecordEndpointStatusTransition(ev.EndpointID, string(ev.From), string(ev.To))
	}
	m.events.TrySend(ev)
}

// shouldGoOffline reports whether enough consecutive transport
// failures (or enough elapsed time since the last success) have
// accumulated to move e to offline. Only online and pending
// endpoints are eligible: error exits exclusively to online via a
// successful probe, and offline never re-transitions to itself.
func (m *Monitor) shouldGoOffline(e *registry.Entry) bool {
	switch e.Status {
	case endpoint.StatusError, endpoint.StatusOffline:
		return false
	case endpoint.StatusOnline:
		if m.failures[e.ID] >= consecutiveFailuresToOffline {
			return true
		}
		last, ok := m.lastGood[e.ID]
		return ok && time.Since(last) > staleAfter
	default: // pending: the first probes never succeeded
		return m.failures[e.ID] >= consecutiveFailuresToOffline
	}
}

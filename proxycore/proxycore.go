// Package proxycore forwards one inference request to the candidate
// chosen by the selector, handling failover, SSE pass-through, and
// inflight/stat bookkeeping.
package proxycore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/llmlb/llmlb/cloudrouter"
	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/inflight"
	"github.com/llmlb/llmlb/internal/errs"
	"github.com/llmlb/llmlb/internal/httpstream"
	"github.com/llmlb/llmlb/internal/metrics"
	"github.com/llmlb/llmlb/internal/tlsutil"
	"github.com/llmlb/llmlb/registry"
	"github.com/llmlb/llmlb/selector"
	"github.com/llmlb/llmlb/statsrecorder"
)

// APIKind names one of the four inference routes ProxyCore fronts.
// It doubles as the path suffix appended to an endpoint's base URL.
type APIKind string

const (
	KindChatCompletions APIKind = "/v1/chat/completions"
	KindCompletions     APIKind = "/v1/completions"
	KindEmbeddings      APIKind = "/v1/embeddings"
	KindResponses       APIKind = "/v1/responses"
)

// capability returns the capability the registry gates this kind on.
// There is no capability distinct from chat_completions for the
// legacy text-completions route, so completions requests are gated on
// the same flag chat is.
func (k APIKind) capability() endpoint.Capability {
	switch k {
	case KindResponses:
		return endpoint.CapabilityResponses
	case KindEmbeddings:
		return endpoint.CapabilityEmbeddings
	default:
		return endpoint.CapabilityChatCompletions
	}
}

const (
	// maxFailoverAttempts bounds how many candidates ProxyCore will try
	// before giving up.
	maxFailoverAttempts     = 3
	defaultInferenceTimeout = 120 * time.Second
)

// Selector is the subset of selector.Selector ProxyCore depends on.
type Selector interface {
	Select(modelID string, cap endpoint.Capability) (selector.Result, error)
}

// CloudForwarder is the subset of cloudrouter.Forwarder ProxyCore
// hands cloud-prefixed requests off to.
type CloudForwarder interface {
	Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, target cloudrouter.Target, body []byte, streamRequested bool) error
}

// Core forwards inference requests to the endpoint(s) selected for
// their model, with failover and SSE pass-through.
type Core struct {
	selector Selector
	tracker  *inflight.Tracker
	cloud    CloudForwarder
	stats    *statsrecorder.Recorder
	client   *http.Client
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// New builds a Core over its collaborators. cloud may be nil if no
// cloud providers are configured; a cloud-prefixed request then fails
// the same way an unconfigured provider would (AuthMissing).
func New(sel Selector, tracker *inflight.Tracker, cloud CloudForwarder, stats *statsrecorder.Recorder, logger *zap.Logger) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Core{
		selector: sel,
		tracker:  tracker,
		cloud:    cloud,
		stats:    stats,
		client:   tlsutil.SecureHTTPClient(defaultInferenceTimeout),
		logger:   logger.With(zap.String("component", "proxy_core")),
	}
}

// WithMetrics reports per-request inference counters and failover
// attempts to the Prometheus collector.
func (c *Core) WithMetrics(collector *metrics.Collector) *Core {
	c.metrics = collector
	return c
}

// Forward reads r's body, resolves its model to a cloud target or an
// ordered list of local candidates, and relays the chosen backend's
// response to w byte-exact. It writes the full HTTP response itself;
// the only errors it returns are ones the caller must translate into
// an HTTP status because no bytes have reached the client yet
// (errs.Cancelled is the one exception: the client is already gone).
func (c *Core) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, kind APIKind) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errs.New(errs.InvalidInput, "could not read request body").WithCause(err)
	}

	modelID := gjson.GetBytes(body, "model").String()
	if modelID == "" {
		return errs.New(errs.InvalidInput, "request body must carry a non-empty \"model\" field")
	}
	streamRequested := gjson.GetBytes(body, "stream").Bool()

	result, err := c.selector.Select(modelID, kind.capability())
	if err != nil {
		return err
	}

	if result.Cloud != nil {
		if c.cloud == nil {
			return errs.New(errs.AuthMissing, "no cloud provider is configured")
		}
		return c.cloud.Forward(ctx, w, r, *result.Cloud, body, streamRequested)
	}

	return c.forwardLocal(ctx, w, r, kind, modelID, body, streamRequested, result.Candidates)
}

func (c *Core) forwardLocal(ctx context.Context, w http.ResponseWriter, r *http.Request, kind APIKind, modelID string, body []byte, streamRequested bool, candidates []*registry.Entry) error {
	attempts := len(candidates)
	if attempts > maxFailoverAttempts {
		attempts = maxFailoverAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		candidate := candidates[i]
		handled, err := c.tryCandidate(ctx, w, r, kind, modelID, body, streamRequested, candidate)
		if handled {
			return err
		}
		lastErr = err
		if c.metrics != nil && i+1 < attempts {
			c.metrics.RecordFailoverAttempt("upstream_unreachable")
		}
		c.logger.Warn("upstream unreachable before response, trying next candidate",
			zap.String("endpoint_id", candidate.ID), zap.String("model_id", modelID), zap.Error(err))
	}

	if lastErr == nil {
		lastErr = errors.New("no candidates available")
	}
	return errs.New(errs.UpstreamTransport, "every candidate endpoint was unreachable").WithCause(lastErr)
}

// tryCandidate attempts one candidate. The first return value reports
// whether the attempt reached the "committed" point (a response
// status line was received, or the client disconnected) — once true,
// the caller must stop failing over regardless of the error returned.
func (c *Core) tryCandidate(parent context.Context, w http.ResponseWriter, r *http.Request, kind APIKind, modelID string, body []byte, streamRequested bool, candidate *registry.Entry) (bool, error) {
	parent, span := otel.Tracer("llmlb/proxycore").Start(parent, "candidate.attempt")
	span.SetAttributes(
		attribute.String("endpoint.id", candidate.ID),
		attribute.String("model.id", modelID),
	)
	defer span.End()

	guard := c.tracker.Acquire(candidate.ID, modelID)
	released := false
	release := func() {
		if !released {
			guard.Release()
			released = true
		}
	}
	defer release()

	timeout := time.Duration(candidate.InferenceTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = defaultInferenceTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	upstreamURL := candidate.BaseURL + string(kind)
	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		release()
		c.recordFailure(candidate.ID, modelID)
		return false, err
	}
	httpstream.CopyHeaders(req.Header, r.Header)
	req.ContentLength = int64(len(body))
	if candidate.APIKey != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+candidate.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		release()
		c.recordFailure(candidate.ID, modelID)
		if ctx.Err() == context.DeadlineExceeded {
			return true, errs.New(errs.UpstreamTimeout,
				fmt.Sprintf("endpoint %q did not respond within %s", candidate.ID, timeout)).WithCause(err)
		}
		if parent.Err() != nil {
			return true, errs.New(errs.Cancelled, "client disconnected before a response arrived")
		}
		return false, err
	}
	defer resp.Body.Close()

	// Committed: a status line was received, no further failover.
	streaming := streamRequested || httpstream.IsEventStream(resp.Header.Get("Content-Type"))
	outputTokens, relayErr := c.relay(w, resp, streaming, modelID)
	wall := time.Since(start)
	release()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	c.stats.Record(statsrecorder.Outcome{
		EndpointID:   candidate.ID,
		ModelID:      modelID,
		Success:      success && relayErr == nil,
		OutputTokens: outputTokens,
		WallTime:     wall,
	})
	if c.metrics != nil {
		status := "success"
		if !success || relayErr != nil {
			status = "failure"
		}
		c.metrics.RecordLLMRequest(candidate.ID, modelID, status, wall, 0, outputTokens, 0)
	}
	if relayErr != nil {
		c.logger.Warn("response relay interrupted",
			zap.String("endpoint_id", candidate.ID), zap.String("model_id", modelID), zap.Error(relayErr))
	}
	return true, nil
}

func (c *Core) recordFailure(endpointID, modelID string) {
	c.stats.Record(statsrecorder.Outcome{EndpointID: endpointID, ModelID: modelID, Success: false})
}

// relay forwards resp to w byte-exact (streaming or buffered) and
// returns the output token count, preferring an upstream "usage"
// field when present and falling back to the byte-heuristic
// estimator over the produced text (priority 2).
func (c *Core) relay(w http.ResponseWriter, resp *http.Response, streaming bool, modelID string) (int, error) {
	if !streaming {
		raw, err := io.ReadAll(resp.Body)
		httpstream.CopyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if _, werr := w.Write(raw); werr != nil && err == nil {
			err = werr
		}
		return tokensFromJSON(raw, modelID), err
	}
	return relaySSE(w, resp, modelID)
}

// usagePaths are the gjson paths checked, in order, for a token-usage
// field across the chat/completions/responses response shapes.
var usagePaths = []string{"usage.completion_tokens", "usage.output_tokens", "usage.total_tokens"}

// outputTextPaths are gjson paths checked for produced text when no
// usage field is present, so the byte heuristic has something to
// measure instead of estimating off the entire JSON envelope.
var outputTextPaths = []string{
	"choices.0.message.content",
	"choices.0.text",
	"output.0.content.0.text",
	"response",
}

func tokensFromJSON(body []byte, modelID string) int {
	for _, p := range usagePaths {
		if v := gjson.GetBytes(body, p); v.Exists() {
			return int(v.Int())
		}
	}
	for _, p := range outputTextPaths {
		if v := gjson.GetBytes(body, p); v.Exists() {
			return statsrecorder.EstimateTokens(modelID, v.String())
		}
	}
	return 0
}

// relaySSE forwards an SSE stream chunk-by-chunk without reassembling
// events, keeping the relayed stream byte-exact, while
// also scanning completed "data: ..." frames on the side for a usage
// field in the terminal chunk. The scan never alters what reaches w.
func relaySSE(w http.ResponseWriter, resp *http.Response, modelID string) (int, error) {
	httpstream.CopyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	var pending bytes.Buffer
	var lastUsageTokens int
	var sawUsage bool
	var producedBytes int

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := w.Write(chunk); werr != nil {
				return finalTokens(sawUsage, lastUsageTokens, producedBytes), werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			pending.Write(chunk)
			tokens, used, remaining := scanFrames(pending.Bytes())
			pending.Reset()
			pending.Write(remaining)
			if used {
				sawUsage = true
				lastUsageTokens = tokens
			} else {
				producedBytes += len(chunk)
			}
		}
		if readErr == io.EOF {
			return finalTokens(sawUsage, lastUsageTokens, producedBytes), nil
		}
		if readErr != nil {
			return finalTokens(sawUsage, lastUsageTokens, producedBytes), readErr
		}
	}
}

func finalTokens(sawUsage bool, usageTokens, producedBytes int) int {
	if sawUsage {
		return usageTokens
	}
	n := producedBytes / 4
	if n == 0 && producedBytes > 0 {
		n = 1
	}
	return n
}

// scanFrames splits data on SSE frame boundaries ("\n\n"), looking at
// each completed frame for a usage field. It returns the most recent
// usage-token count found, whether any frame carried one, and the
// trailing partial frame to carry over to the next read.
func scanFrames(data []byte) (tokens int, found bool, remaining []byte) {
	for {
		idx := bytes.Index(data, []byte("\n\n"))
		if idx < 0 {
			return tokens, found, data
		}
		frame := data[:idx]
		data = data[idx+2:]

		line := bytes.TrimPrefix(frame, []byte("data: "))
		line = bytes.TrimSpace(line)
		if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
			continue
		}
		for _, p := range usagePaths {
			if v := gjson.GetBytes(line, p); v.Exists() {
				tokens = int(v.Int())
				found = true
				break
			}
		}
	}
}

// Package prober classifies a newly registered endpoint's backend
// kind by probing a priority-ordered list of vendor-specific signature
// routes, falling back to a generic OpenAI-compatible check.
package prober

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/internal/tlsutil"
)

const (
	perStepTimeout = 10 * time.Second
	totalBudget    = 30 * time.Second
	// probeBodyLimit caps how much of a signature route's response is
	// read; every field the confirmations look at sits well within it.
	probeBodyLimit = 1 << 20
)

// step is one classification attempt: GET path, and a function
// deciding whether the response (status + headers + body) confirms
// this type.
type step struct {
	typ     endpoint.Type
	path    string
	confirm func(status int, header http.Header, body []byte) bool
}

// Prober runs the ordered probe list against one endpoint's base URL.
type Prober struct {
	client *http.Client
	logger *zap.Logger
	steps  []step
}

// New builds a Prober with the fixed classification priority:
// xLLM, Ollama, LM Studio, vLLM, then generic OpenAI-compatible.
func New(logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		client: tlsutil.SecureHTTPClient(perStepTimeout),
		logger: logger.With(zap.String("component", "type_prober")),
		steps: []step{
			{typ: endpoint.TypeXLLM, path: "/v0/system", confirm: confirmXLLM},
			{typ: endpoint.TypeOllama, path: "/api/tags", confirm: confirmOllama},
			{typ: endpoint.TypeLMStudio, path: "/api/v1/models", confirm: confirmLMStudio},
			{typ: endpoint.TypeLMStudio, path: "/v1/models", confirm: confirmLMStudioOwnedBy},
			{typ: endpoint.TypeVLLM, path: "/v1/models", confirm: confirmVLLM},
			{typ: endpoint.TypeOpenAICompatible, path: "/v1/models", confirm: confirmOpenAICompatible},
		},
	}
}

// Classify returns the first confirmed type for baseURL, spending at
// most perStepTimeout on each step and totalBudget overall. If nothing
// confirms before the budget runs out, it returns TypeUnknown.
func (p *Prober) Classify(ctx context.Context, baseURL string) endpoint.Type {
	ctx, cancel := context.WithTimeout(ctx, totalBudget)
	defer cancel()

	for _, st := range p.steps {
		select {
		case <-ctx.Done():
			return endpoint.TypeUnknown
		default:
		}

		stepCtx, stepCancel := context.WithTimeout(ctx, perStepTimeout)
		status, header, body, err := p.get(stepCtx, baseURL+st.path)
		stepCancel()
		if err != nil {
			continue
		}
		if st.confirm(status, header, body) {
			return st.typ
		}
	}
	return endpoint.TypeUnknown
}

// SupportsResponsesAPI reports whether baseURL's backend exposes
// `/v1/responses`: an explicit `supports_responses_api` field from an
// xLLM `/health` probe takes priority; otherwise an
// OPTIONS probe against `/v1/responses` returning anything but 404
// counts as support. Unknown-typed endpoints are assumed unsupported.
func (p *Prober) SupportsResponsesAPI(ctx context.Context, baseURL string, typ endpoint.Type) bool {
	if typ == endpoint.TypeUnknown {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, perStepTimeout)
	defer cancel()

	if typ == endpoint.TypeXLLM {
		if status, _, body, err := p.get(ctx, baseURL+"/health"); err == nil && statusOK(status) {
			var parsed struct {
				SupportsResponsesAPI *bool `json:"supports_responses_api"`
			}
			if json.Unmarshal(body, &parsed) == nil && parsed.SupportsResponsesAPI != nil {
				return *parsed.SupportsResponsesAPI
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, baseURL+"/v1/responses", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode != http.StatusNotFound
}

func (p *Prober) get(ctx context.Context, url string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

func statusOK(status int) bool {
	return status >= 200 && status < 300
}

// confirmXLLM checks for a 200 response whose body carries a
// top-level "xllm_version" field.
func confirmXLLM(status int, _ http.Header, body []byte) bool {
	if !statusOK(status) {
		return false
	}
	var parsed map[string]json.RawMessage
	if json.Unmarshal(body, &parsed) != nil {
		return false
	}
	_, ok := parsed["xllm_version"]
	return ok
}

// confirmOllama checks for a 200 response with a "models" array.
func confirmOllama(status int, _ http.Header, body []byte) bool {
	if !statusOK(status) {
		return false
	}
	var parsed struct {
		Models []json.RawMessage `json:"models"`
	}
	return json.Unmarshal(body, &parsed) == nil && parsed.Models != nil
}

// confirmLMStudio checks for a 200 response from /api/v1/models where
// an entry carries "publisher" or "arch" (LM Studio-specific
// extensions), or the Server header advertises lm-studio.
func confirmLMStudio(status int, header http.Header, body []byte) bool {
	if !statusOK(status) {
		return false
	}
	if serverHeaderIsLMStudio(header) {
		return true
	}
	var parsed struct {
		Data []struct {
			Publisher json.RawMessage `json:"publisher"`
			Arch      json.RawMessage `json:"arch"`
		} `json:"data"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return false
	}
	for _, d := range parsed.Data {
		if d.Publisher != nil || d.Arch != nil {
			return true
		}
	}
	return false
}

// confirmLMStudioOwnedBy checks the generic /v1/models listing for an
// entry whose "owned_by" mentions lm-studio — the fallback signal for
// LM Studio builds that don't expose /api/v1/models. The Server
// header is checked here too, since this request may be the first one
// the backend actually answers.
func confirmLMStudioOwnedBy(status int, header http.Header, body []byte) bool {
	if !statusOK(status) {
		return false
	}
	if serverHeaderIsLMStudio(header) {
		return true
	}
	var parsed struct {
		Data []struct {
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return false
	}
	for _, d := range parsed.Data {
		if strings.Contains(strings.ToLower(d.OwnedBy), "lm-studio") {
			return true
		}
	}
	return false
}

func serverHeaderIsLMStudio(header http.Header) bool {
	return strings.Contains(strings.ToLower(header.Get("Server")), "lm-studio")
}

// confirmVLLM checks for a 200 response from /v1/models whose Server
// header advertises vllm.
func confirmVLLM(status int, header http.Header, _ []byte) bool {
	return statusOK(status) && strings.Contains(strings.ToLower(header.Get("Server")), "vllm")
}

// confirmOpenAICompatible checks for a 200 response from /v1/models
// with a "data" array — the generic fallback signature.
func confirmOpenAICompatible(status int, _ http.Header, body []byte) bool {
	if !statusOK(status) {
		return false
	}
	var parsed struct {
		Data []json.RawMessage `json:"data"`
	}
	return json.Unmarshal(body, &parsed) == nil && parsed.Data != nil
}

package cloudrouter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/llmlb/llmlb/config"
	"github.com/llmlb/llmlb/internal/errs"
	"github.com/llmlb/llmlb/internal/httpstream"
	"github.com/llmlb/llmlb/internal/tlsutil"
)

const (
	anthropicVersion = "2023-06-01"
	forwardTimeout   = 120 * time.Second
	// maxRetryElapsed bounds the retry window on a cloud 429 or a
	// transport failure; cloud providers already apply their own
	// backoff guidance via Retry-After, so this stays short.
	maxRetryElapsed = 2 * time.Second
)

// Forwarder sends a request to one of the three configured cloud
// providers and relays the response back byte-exact, including SSE
// streaming.
type Forwarder struct {
	providers config.CloudProvidersConfig
	client    *http.Client
	logger    *zap.Logger
}

// NewForwarder builds a Forwarder against the given provider
// credentials/base URLs.
func NewForwarder(providers config.CloudProvidersConfig, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		providers: providers,
		client:    tlsutil.SecureHTTPClient(forwardTimeout),
		logger:    logger.With(zap.String("component", "cloud_router")),
	}
}

// Forward rewrites the model field of body to target.Model, sends it
// to target.Provider and streams the response into w.
// body is the original request body, already minimally parsed by the
// caller; streamRequested reports whether the caller detected
// `"stream":true` in it.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, target Target, body []byte, streamRequested bool) error {
	providerCfg, err := f.resolve(target.Provider)
	if err != nil {
		return err
	}

	outBody, err := sjson.SetBytes(body, "model", target.Model)
	if err != nil {
		outBody = body
	}

	upstreamURL, err := f.buildURL(providerCfg, target.Provider, r.URL)
	if err != nil {
		if _, ok := errs.As(err); ok {
			return err
		}
		return errs.New(errs.InvalidInput, "could not build upstream URL").WithCause(err)
	}

	op := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, io.NopCloser(bytes.NewReader(outBody)))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		httpstream.CopyHeaders(req.Header, r.Header)
		req.ContentLength = int64(len(outBody))
		if err := f.applyAuth(req, target.Provider, providerCfg); err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, fmt.Errorf("cloud provider %s rate-limited the request", target.Provider)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithMaxElapsedTime(maxRetryElapsed),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		if _, ok := errs.As(err); ok {
			return err
		}
		return errs.New(errs.UpstreamTransport, "cloud provider unreachable").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	streaming := streamRequested || httpstream.IsEventStream(resp.Header.Get("Content-Type"))
	if _, err := httpstream.Relay(w, resp, streaming); err != nil {
		f.logger.Warn("cloud response relay interrupted", zap.String("provider", string(target.Provider)), zap.Error(err))
	}
	return nil
}

func (f *Forwarder) resolve(provider Provider) (config.CloudProviderConfig, error) {
	switch provider {
	case ProviderOpenAI:
		return f.providers.OpenAI, nil
	case ProviderGoogle:
		return f.providers.Google, nil
	case ProviderAnthropic:
		return f.providers.Anthropic, nil
	default:
		return config.CloudProviderConfig{}, ErrUnsupportedProvider()
	}
}

// buildURL joins the provider's configured base URL with the inbound
// request's path and query string; the caller already stripped the
// "provider:" prefix from the model, the path itself is untouched.
func (f *Forwarder) buildURL(cfg config.CloudProviderConfig, provider Provider, inbound *url.URL) (string, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL for provider %s: %w", provider, err)
	}
	target := *base
	target.Path = joinPath(base.Path, inbound.Path)
	q := inbound.Query()
	if provider == ProviderGoogle {
		if cfg.APIKey == "" {
			return "", errs.New(errs.AuthMissing, "GOOGLE_API_KEY is not configured")
		}
		q.Set("key", cfg.APIKey)
	}
	target.RawQuery = q.Encode()
	return target.String(), nil
}

func joinPath(base, suffix string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(suffix) == 0 || suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return base + suffix
}

// applyAuth injects the provider-specific credential, failing with
// AuthMissing if the required key is unset.
func (f *Forwarder) applyAuth(req *http.Request, provider Provider, cfg config.CloudProviderConfig) error {
	switch provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return errs.New(errs.AuthMissing, "OPENAI_API_KEY is not configured")
		}
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	case ProviderGoogle:
		// Key is applied as a query parameter in buildURL; Google also
		// accepts it there exclusively, no header needed.
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return errs.New(errs.AuthMissing, "ANTHROPIC_API_KEY is not configured")
		}
		req.Header.Set("x-api-key", cfg.APIKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	default:
		return ErrUnsupportedProvider()
	}
	return nil
}

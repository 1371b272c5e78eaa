package cloudcache

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	openaiopt "github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"

	"github.com/llmlb/llmlb/cloudrouter"
	"github.com/llmlb/llmlb/config"
)

// openAILister lists models via the official OpenAI SDK's /v1/models
// endpoint. ProxyCore's hot path never touches this client — it
// exists solely to populate the catalog aggregator's cloud half.
type openAILister struct{}

func (openAILister) ListModels(ctx context.Context, cfg config.CloudProviderConfig) ([]Model, error) {
	opts := []openaiopt.RequestOption{openaiopt.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai models.list: %w", err)
	}
	var out []Model
	for _, m := range page.Data {
		out = append(out, Model{
			ID:       "openai:" + m.ID,
			Provider: cloudrouter.ProviderOpenAI,
			OwnedBy:  m.OwnedBy,
		})
	}
	return out, nil
}

// anthropicLister lists models via the Anthropic SDK.
type anthropicLister struct{}

func (anthropicLister) ListModels(ctx context.Context, cfg config.CloudProviderConfig) ([]Model, error) {
	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	page, err := client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("anthropic models.list: %w", err)
	}
	var out []Model
	for _, m := range page.Data {
		out = append(out, Model{
			ID:       "anthropic:" + m.ID,
			Provider: cloudrouter.ProviderAnthropic,
			OwnedBy:  "anthropic",
		})
	}
	return out, nil
}

// googleLister lists models via the Gemini SDK's generative-AI backend.
type googleLister struct{}

func (googleLister) ListModels(ctx context.Context, cfg config.CloudProviderConfig) ([]Model, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}

	var out []Model
	for m, err := range client.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("google models.list: %w", err)
		}
		out = append(out, Model{
			ID:       "google:" + strings.TrimPrefix(m.Name, "models/"),
			Provider: cloudrouter.ProviderGoogle,
			OwnedBy:  "google",
		})
	}
	return out, nil
}

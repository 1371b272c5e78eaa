// Package cloudcache maintains the cloud half of the model catalog
// aggregator: a 24h-TTL, stale-on-failure cache of each
// configured cloud provider's model list, refreshed through
// singleflight so a cache-miss burst issues one outbound call per
// provider instead of one per concurrent GET /v1/models.
package cloudcache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/llmlb/llmlb/cloudrouter"
	"github.com/llmlb/llmlb/config"
	"github.com/llmlb/llmlb/internal/cache"
	"github.com/llmlb/llmlb/internal/metrics"
)

// ttl is how long a provider's model list is served without a refresh
// attempt.
const ttl = 24 * time.Hour

// refreshTimeout bounds one provider's listing call.
const refreshTimeout = 15 * time.Second

// cloudModelsCacheType labels this cache's hit/miss counters.
const cloudModelsCacheType = "cloud_models"

// Model is one cloud-hosted model entry, already carrying its
// provider prefix so it slots directly into the aggregated
// GET /v1/models response alongside local endpoints' models.
type Model struct {
	ID       string // provider-prefixed, e.g. "openai:gpt-4o"
	Provider cloudrouter.Provider
	OwnedBy  string
}

// lister fetches the current model list for one provider.
type lister interface {
	ListModels(ctx context.Context, cfg config.CloudProviderConfig) ([]Model, error)
}

type entry struct {
	Models    []Model   `json:"models"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (e entry) fresh() bool {
	return !e.FetchedAt.IsZero() && time.Since(e.FetchedAt) < ttl
}

// Cache serves GET /v1/models' cloud-model contribution.
type Cache struct {
	providers config.CloudProvidersConfig
	listers   map[cloudrouter.Provider]lister
	logger    *zap.Logger

	redis   *cache.Manager // nil => in-process map only
	metrics *metrics.Collector

	sf  singleflight.Group
	mu  sync.RWMutex
	mem map[cloudrouter.Provider]entry
}

// New builds a Cache. redisMgr may be nil, in which case the cache is
// purely in-process and does not survive a restart or fan out across
// replicas, but a
// configured LLMLB_REDIS_ADDR lets multiple gateway processes share
// one fetch.
func New(providers config.CloudProvidersConfig, redisMgr *cache.Manager, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		providers: providers,
		logger:    logger.With(zap.String("component", "cloud_model_cache")),
		redis:     redisMgr,
		mem:       make(map[cloudrouter.Provider]entry),
		listers: map[cloudrouter.Provider]lister{
			cloudrouter.ProviderOpenAI:    openAILister{},
			cloudrouter.ProviderGoogle:    googleLister{},
			cloudrouter.ProviderAnthropic: anthropicLister{},
		},
	}
}

// WithMetrics records a cache hit or miss per provider lookup on the
// Prometheus collector.
func (c *Cache) WithMetrics(collector *metrics.Collector) *Cache {
	c.metrics = collector
	return c
}

// Models returns the aggregated model list across every provider with
// a configured API key, refreshing any provider whose entry is absent
// or stale. A provider whose refresh fails and has no prior data is
// silently omitted; one with prior data keeps serving it stale.
func (c *Cache) Models(ctx context.Context) []Model {
	var all []Model
	for _, p := range []cloudrouter.Provider{cloudrouter.ProviderOpenAI, cloudrouter.ProviderGoogle, cloudrouter.ProviderAnthropic} {
		cfg := c.providerConfig(p)
		if cfg.APIKey == "" {
			continue
		}
		all = append(all, c.forProvider(ctx, p, cfg)...)
	}
	return all
}

func (c *Cache) providerConfig(p cloudrouter.Provider) config.CloudProviderConfig {
	switch p {
	case cloudrouter.ProviderOpenAI:
		return c.providers.OpenAI
	case cloudrouter.ProviderGoogle:
		return c.providers.Google
	case cloudrouter.ProviderAnthropic:
		return c.providers.Anthropic
	default:
		return config.CloudProviderConfig{}
	}
}

func (c *Cache) forProvider(ctx context.Context, p cloudrouter.Provider, cfg config.CloudProviderConfig) []Model {
	cached, ok := c.load(ctx, p)
	if ok && cached.fresh() {
		if c.metrics != nil {
			c.metrics.RecordCacheHit(cloudModelsCacheType)
		}
		return cached.Models
	}
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(cloudModelsCacheType)
	}

	v, err, _ := c.sf.Do(string(p), func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		models, fetchErr := c.listers[p].ListModels(refreshCtx, cfg)
		if fetchErr != nil {
			return nil, fetchErr
		}
		fresh := entry{Models: models, FetchedAt: time.Now()}
		c.store(refreshCtx, p, fresh)
		return fresh, nil
	})
	if err != nil {
		c.logger.Warn("cloud model list refresh failed, serving stale data if any",
			zap.String("provider", string(p)), zap.Error(err))
		return cached.Models
	}
	return v.(entry).Models
}

func (c *Cache) load(ctx context.Context, p cloudrouter.Provider) (entry, bool) {
	if c.redis != nil {
		var e entry
		if err := c.redis.GetJSON(ctx, redisKey(p), &e); err == nil {
			return e, true
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.mem[p]
	return e, ok
}

func (c *Cache) store(ctx context.Context, p cloudrouter.Provider, e entry) {
	c.mu.Lock()
	c.mem[p] = e
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	if err := c.redis.SetJSON(ctx, redisKey(p), e, ttl); err != nil {
		c.logger.Warn("could not persist cloud model list to redis",
			zap.String("provider", string(p)), zap.Error(err))
	}
}

func redisKey(p cloudrouter.Provider) string {
	return "llmlb:cloud_models:" + string(p)
}

package cloudcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmlb/llmlb/cloudrouter"
	"github.com/llmlb/llmlb/config"
	"github.com/llmlb/llmlb/internal/cache"
)

type fakeLister struct {
	calls atomic.Int32
	mu    sync.Mutex
	fail  bool
	delay time.Duration
	out   []Model
}

func (f *fakeLister) ListModels(ctx context.Context, cfg config.CloudProviderConfig) ([]Model, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("upstream listing failed")
	}
	return f.out, nil
}

func newTestCache(openai lister) *Cache {
	c := &Cache{
		providers: config.CloudProvidersConfig{
			OpenAI: config.CloudProviderConfig{APIKey: "sk-test"},
		},
		logger:  zap.NewNop(),
		mem:     make(map[cloudrouter.Provider]entry),
		listers: map[cloudrouter.Provider]lister{cloudrouter.ProviderOpenAI: openai},
	}
	return c
}

func TestCache_FetchesOnMiss(t *testing.T) {
	f := &fakeLister{out: []Model{{ID: "openai:gpt-4o", Provider: cloudrouter.ProviderOpenAI}}}
	c := newTestCache(f)

	models := c.Models(context.Background())
	require.Len(t, models, 1)
	assert.Equal(t, "openai:gpt-4o", models[0].ID)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestCache_ServesFreshEntryWithoutRefetch(t *testing.T) {
	f := &fakeLister{out: []Model{{ID: "openai:gpt-4o"}}}
	c := newTestCache(f)

	c.Models(context.Background())
	c.Models(context.Background())
	c.Models(context.Background())

	assert.Equal(t, int32(1), f.calls.Load(), "a fresh entry must not trigger another fetch")
}

func TestCache_SkipsProvidersWithNoAPIKey(t *testing.T) {
	c := newTestCache(&fakeLister{})
	c.providers = config.CloudProvidersConfig{} // no keys configured anywhere

	models := c.Models(context.Background())
	assert.Empty(t, models)
}

func TestCache_RefreshCoalescesConcurrentCalls(t *testing.T) {
	f := &fakeLister{out: []Model{{ID: "openai:gpt-4o"}}, delay: 50 * time.Millisecond}
	c := newTestCache(f)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Models(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load(), "concurrent misses must coalesce into one upstream fetch")
}

func TestCache_ServesStaleDataWhenRefreshFails(t *testing.T) {
	f := &fakeLister{out: []Model{{ID: "openai:gpt-4o"}}}
	c := newTestCache(f)

	models := c.Models(context.Background())
	require.Len(t, models, 1)

	f.mu.Lock()
	f.fail = true
	f.mu.Unlock()
	c.mu.Lock()
	e := c.mem[cloudrouter.ProviderOpenAI]
	e.FetchedAt = time.Now().Add(-25 * time.Hour) // force staleness
	c.mem[cloudrouter.ProviderOpenAI] = e
	c.mu.Unlock()

	models = c.Models(context.Background())
	require.Len(t, models, 1, "a failed refresh must keep serving the last good entry")
	assert.Equal(t, "openai:gpt-4o", models[0].ID)
}

func TestCache_RedisBackedRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisMgr, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: ttl}, zap.NewNop())
	require.NoError(t, err)
	defer redisMgr.Close()

	f := &fakeLister{out: []Model{{ID: "openai:gpt-4o"}}}
	c := New(config.CloudProvidersConfig{OpenAI: config.CloudProviderConfig{APIKey: "sk-test"}}, redisMgr, zap.NewNop())
	c.listers[cloudrouter.ProviderOpenAI] = f

	first := c.Models(context.Background())
	require.Len(t, first, 1)

	// A second Cache instance sharing the same redis backing should see
	// the cached entry without calling the lister again.
	c2 := New(config.CloudProvidersConfig{OpenAI: config.CloudProviderConfig{APIKey: "sk-test"}}, redisMgr, zap.NewNop())
	c2.listers[cloudrouter.ProviderOpenAI] = f

	second := c2.Models(context.Background())
	require.Len(t, second, 1)
	assert.Equal(t, int32(1), f.calls.Load(), "the second cache instance must reuse the redis-backed entry")
}

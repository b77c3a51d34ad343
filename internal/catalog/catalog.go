// Package catalog is the Anastasis provider catalog (spec §4.C): a
// process-wide cache of /config answers that coalesces concurrent
// probes of the same URL. Coalescing is delegated to
// golang.org/x/sync/singleflight, the ecosystem's standard answer to
// "join the in-flight request rather than issuing a second one" — the
// same shape as the teacher's wrapping/attestation jobs, but for a
// read instead of a write.
package catalog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/anastasis-go/anastasis/internal/model"
	"github.com/anastasis-go/anastasis/internal/provider"
)

// implementationProtocolCurrent is this implementation's CURRENT
// version number in the provider's libtool-style current:revision:age
// announcement (spec §4.C). A provider is compatible when this value
// falls within [current-age, current].
const implementationProtocolCurrent = 0
const defaultProbeTimeout = 60 * time.Second

// Cache is the pluggable storage backing a Catalog: an in-process map
// by default, or a shared Redis instance for a multi-process daemon
// deployment (see catalog/rediscache.go).
type Cache interface {
	Get(ctx context.Context, url string) (model.ProviderConfig, bool)
	Set(ctx context.Context, url string, cfg model.ProviderConfig)
}

type memoryCache struct {
	mu sync.RWMutex
	m  map[string]model.ProviderConfig
}

func NewMemoryCache() Cache {
	return &memoryCache{m: map[string]model.ProviderConfig{}}
}

func (c *memoryCache) Get(_ context.Context, url string) (model.ProviderConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.m[url]
	return cfg, ok
}

func (c *memoryCache) Set(_ context.Context, url string, cfg model.ProviderConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[url] = cfg
}

// Catalog implements spec §4.C.
type Catalog struct {
	client       *provider.Client
	cache        Cache
	group        singleflight.Group
	probeTimeout time.Duration
	log          *zap.Logger
}

func New(client *provider.Client, cache Cache, probeTimeout time.Duration, logger *zap.Logger) *Catalog {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Catalog{client: client, cache: cache, probeTimeout: probeTimeout, log: logger}
}

// Probe returns the cached entry for url if present, otherwise joins
// (or starts) the single outstanding /config request for url. Every
// caller joined to the same in-flight probe receives the same result.
func (c *Catalog) Probe(ctx context.Context, url string) (model.ProviderConfig, error) {
	if cfg, ok := c.cache.Get(ctx, url); ok {
		return cfg, nil
	}

	v, err, _ := c.group.Do(url, func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.Background(), c.probeTimeout)
		defer cancel()

		res := c.client.GetConfig(probeCtx, url)
		switch res.Kind {
		case provider.ConfigOK:
			cfg := validate(res.Config)
			c.cache.Set(context.Background(), url, cfg)
			return cfg, nil
		case provider.ConfigTimeout:
			cfg := model.ProviderConfig{URL: url, Offline: true, InvalidConfigReason: "config probe timed out"}
			c.cache.Set(context.Background(), url, cfg)
			return cfg, nil
		default:
			cfg := model.ProviderConfig{URL: url, Offline: true, InvalidConfigReason: res.ErrDetail}
			c.cache.Set(context.Background(), url, cfg)
			return cfg, nil
		}
	})
	if err != nil {
		if c.log != nil {
			c.log.Warn("provider config probe failed", zap.String("url", url), zap.Error(err))
		}
		return model.ProviderConfig{}, err
	}
	return v.(model.ProviderConfig), nil
}

// validate applies the storage-limit and protocol-compatibility rules
// of spec §4.C on top of whatever the provider package already
// flagged while parsing the wire response (including fee-currency
// mismatches, which only the provider package checks).
func validate(cfg model.ProviderConfig) model.ProviderConfig {
	if cfg.StorageLimitMB == 0 {
		cfg.InvalidConfig = true
		if cfg.InvalidConfigReason == "" {
			cfg.InvalidConfigReason = "storage_limit_in_megabytes is zero"
		}
	}
	if !protocolCompatible(cfg) {
		cfg.InvalidConfig = true
		if cfg.InvalidConfigReason == "" {
			cfg.InvalidConfigReason = "provider protocol version is not compatible with this implementation"
		}
	}
	return cfg
}

// protocolCompatible implements spec §4.C's version rule: the
// provider's announced current:revision:age is compatible when this
// implementation's CURRENT falls within [current-age, current].
func protocolCompatible(cfg model.ProviderConfig) bool {
	lower := int64(cfg.ProtocolCurrent) - int64(cfg.ProtocolAge)
	current := int64(implementationProtocolCurrent)
	return current >= lower && current <= int64(cfg.ProtocolCurrent)
}

// ProbeAll probes every URL concurrently and returns once all have
// resolved (used by the add_provider reducer action, spec §4.I).
func (c *Catalog) ProbeAll(ctx context.Context, urls []string) map[string]model.ProviderConfig {
	out := make(map[string]model.ProviderConfig, len(urls))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, u := range urls {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg, err := c.Probe(ctx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out[u] = model.ProviderConfig{URL: u, Offline: true, InvalidConfigReason: err.Error()}
				return
			}
			out[u] = cfg
		}()
	}
	wg.Wait()
	return out
}

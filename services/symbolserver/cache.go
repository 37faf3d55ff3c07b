package symbolserver

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize     = 4096
	defaultCacheTTL      = time.Hour
	defaultMissCacheSize = 2048
	defaultMissCacheTTL  = 3 * time.Hour
)

// CacheConfig bounds the lookup cache.
type CacheConfig struct {
	Size     int
	TTL      time.Duration
	MissSize int
	MissTTL  time.Duration
}

// ComputeFunc resolves a key the cache does not hold. found=false with a nil
// error is a definitive miss and is cached; an error is not.
type ComputeFunc func(ctx context.Context) (rec Record, found bool, err error)

type cachedRecord struct {
	rec Record
	gen uint64
}

// SymbolsCache caches metadata lookups by key. Positive entries are indexed by
// the build that owns them so a build can be invalidated as a whole.
type SymbolsCache struct {
	hits   *expirable.LRU[string, cachedRecord]
	misses *expirable.LRU[string, struct{}]
	group  singleflight.Group

	// epoch changes on every invalidation; computations that straddle one are not cached.
	// writeMu orders cache writes against invalidations. Lookups do not take it.
	writeMu sync.RWMutex
	epoch   uint64
	gen     atomic.Uint64

	// mu guards byBuild only. It is never held while calling into the LRUs,
	// whose eviction callbacks acquire it.
	mu      sync.Mutex
	byBuild map[int64]map[string]uint64

	metrics *Metrics
	log     zerolog.Logger
}

// NewSymbolsCache builds a cache; zero config values fall back to defaults.
func NewSymbolsCache(cfg CacheConfig, metrics *Metrics, log zerolog.Logger) *SymbolsCache {
	if cfg.Size <= 0 {
		cfg.Size = defaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.MissSize <= 0 {
		cfg.MissSize = defaultMissCacheSize
	}
	if cfg.MissTTL <= 0 {
		cfg.MissTTL = defaultMissCacheTTL
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	c := &SymbolsCache{
		byBuild: make(map[int64]map[string]uint64),
		metrics: metrics,
		log:     log,
	}
	c.hits = expirable.NewLRU[string, cachedRecord](cfg.Size, c.onEvict, cfg.TTL)
	c.misses = expirable.NewLRU[string, struct{}](cfg.MissSize, nil, cfg.MissTTL)
	return c
}

func cacheKey(key string) string {
	return strings.ToLower(key)
}

// Get returns the record cached under key, computing it at most once across
// concurrent callers when absent.
func (c *SymbolsCache) Get(ctx context.Context, key string, compute ComputeFunc) (Record, bool, error) {
	key = cacheKey(key)
	if cached, ok := c.hits.Get(key); ok {
		c.metrics.CacheHits.Inc()
		return cached.rec, true, nil
	}
	if c.misses.Contains(key) {
		c.metrics.CacheNegative.Inc()
		c.log.Debug().Str("key", key).Msg("symbol is known to be missing")
		return Record{}, false, nil
	}

	c.metrics.CacheMisses.Inc()
	v, err, _ := c.group.Do(key, func() (any, error) {
		epoch := c.currentEpoch()
		rec, found, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if !c.store(key, rec, found, epoch) {
			c.log.Debug().Str("key", key).Msg("cache invalidated during lookup, result not cached")
		}
		return lookupResult{rec: rec, found: found}, nil
	})
	if err != nil {
		return Record{}, false, err
	}
	res := v.(lookupResult)
	return res.rec, res.found, nil
}

type lookupResult struct {
	rec   Record
	found bool
}

func (c *SymbolsCache) currentEpoch() uint64 {
	c.writeMu.RLock()
	defer c.writeMu.RUnlock()
	return c.epoch
}

// store caches a lookup result unless an invalidation happened since epoch.
func (c *SymbolsCache) store(key string, rec Record, found bool, epoch uint64) bool {
	c.writeMu.RLock()
	defer c.writeMu.RUnlock()
	if c.epoch != epoch {
		return false
	}
	if found {
		c.add(key, rec)
	} else {
		c.misses.Add(key, struct{}{})
	}
	return true
}

func (c *SymbolsCache) add(key string, rec Record) {
	if prev, ok := c.hits.Peek(key); ok && prev.rec.BuildID != rec.BuildID {
		c.unindex(prev.rec.BuildID, key, prev.gen)
	}

	gen := c.gen.Add(1)
	c.mu.Lock()
	keys := c.byBuild[rec.BuildID]
	if keys == nil {
		keys = make(map[string]uint64)
		c.byBuild[rec.BuildID] = keys
	}
	keys[key] = gen
	c.mu.Unlock()

	c.hits.Add(key, cachedRecord{rec: rec, gen: gen})
	c.misses.Remove(key)
}

func (c *SymbolsCache) onEvict(key string, value cachedRecord) {
	c.metrics.CacheEvictions.Inc()
	c.unindex(value.rec.BuildID, key, value.gen)
}

// unindex drops key from the build index unless a newer entry replaced it.
func (c *SymbolsCache) unindex(buildID int64, key string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.byBuild[buildID]
	if keys == nil || keys[key] != gen {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.byBuild, buildID)
	}
}

// Remove drops any positive or negative entry for key.
func (c *SymbolsCache) Remove(key string) {
	key = cacheKey(key)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.epoch++
	c.hits.Remove(key)
	c.misses.Remove(key)
}

// InvalidateBuild drops every positive entry owned by buildID.
func (c *SymbolsCache) InvalidateBuild(buildID int64) int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.epoch++

	c.mu.Lock()
	keys := c.byBuild[buildID]
	delete(c.byBuild, buildID)
	c.mu.Unlock()

	for key := range keys {
		c.hits.Remove(key)
	}
	if len(keys) > 0 {
		c.log.Debug().Int64("build_id", buildID).Int("keys", len(keys)).Msg("symbols cache invalidated for build")
	}
	return len(keys)
}

// Len returns the number of positive entries.
func (c *SymbolsCache) Len() int {
	return c.hits.Len()
}

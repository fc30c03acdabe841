package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Turn is one (role, content) pair of a request's message sequence.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fingerprint derives a deterministic cache key from a request's semantic
// content: the system prompt plus the ordered message turns. Two logically
// identical requests hash identically; reordering turns changes the hash.
func Fingerprint(system string, turns []Turn) string {
	h := sha256.New()
	h.Write([]byte(system))
	h.Write([]byte{0})
	for _, t := range turns {
		h.Write([]byte(t.Role))
		h.Write([]byte{0})
		h.Write([]byte(t.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TokenCounts is the token usage attached to a cached response.
type TokenCounts struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheWrite int `json:"cacheWrite"`
	CacheRead  int `json:"cacheRead"`
}

// Entry is a cached response payload. Entries are immutable once stored.
type Entry struct {
	Value     []byte      `json:"value"`
	Model     string      `json:"model,omitempty"`
	Usage     TokenCounts `json:"usage"`
	Cost      float64     `json:"cost"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Store is an optional durable backing tier for the response cache. A nil
// Store means the cache is purely in-process. Implementations provide their
// own atomicity; the cache only relies on them for cross-instance reuse,
// never for correctness.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// CacheConfig holds response cache configuration.
type CacheConfig struct {
	// TTL is how long an entry is served before it behaves as absent.
	TTL time.Duration
	// MaxEntries caps the in-memory tier; oldest entries are evicted
	// first once exceeded. Zero means 1000.
	MaxEntries int
}

// Validate reports configuration errors at construction time.
func (c CacheConfig) Validate() error {
	if c.TTL <= 0 {
		return NewError(KindValidation, "cache TTL must be positive", nil)
	}
	if c.MaxEntries < 0 {
		return NewError(KindValidation, "cache max entries must be non-negative", nil)
	}
	return nil
}

const cacheShardCount = 16

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*Entry
}

// ResponseCache keys responses by request fingerprint. The fast in-process
// tier is always consulted first; on miss the optional durable Store is
// consulted and, on hit, repopulates the in-process tier. Durable tier
// failures never surface to the caller; they degrade to a miss.
//
// It is safe for concurrent use.
type ResponseCache struct {
	cfg     CacheConfig
	shards  [cacheShardCount]*cacheShard
	backend Store
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// CacheOption configures a ResponseCache.
type CacheOption func(*ResponseCache)

// WithStore attaches a durable backing tier.
func WithStore(s Store) CacheOption {
	return func(c *ResponseCache) { c.backend = s }
}

// WithCacheLogger sets the logger used for degraded-tier warnings.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *ResponseCache) { c.logger = l }
}

// WithCacheMetrics attaches a metrics collector.
func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *ResponseCache) { c.metrics = m }
}

func withCacheClock(now func() time.Time) CacheOption {
	return func(c *ResponseCache) { c.now = now }
}

// NewResponseCache creates a response cache with the given config.
func NewResponseCache(cfg CacheConfig, opts ...CacheOption) (*ResponseCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 1000
	}
	c := &ResponseCache{cfg: cfg, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &cacheShard{store: make(map[string]*Entry)}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

func (c *ResponseCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShardCount]
}

func (c *ResponseCache) expired(e *Entry) bool {
	return c.now().Sub(e.CreatedAt) > c.cfg.TTL
}

// Get returns the entry for the fingerprint, or false on miss. Expired
// entries behave as absent and are lazily dropped.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) (*Entry, bool) {
	shard := c.shard(fingerprint)
	shard.mu.RLock()
	entry, ok := shard.store[fingerprint]
	shard.mu.RUnlock()

	if ok {
		if !c.expired(entry) {
			if c.metrics != nil {
				c.metrics.RecordCacheHit("memory")
			}
			return entry, true
		}
		shard.mu.Lock()
		delete(shard.store, fingerprint)
		shard.mu.Unlock()
	}

	if c.backend != nil {
		raw, found, err := c.backend.Get(ctx, fingerprint)
		if err != nil {
			c.logger.Warn("cache backend get failed, degrading to miss",
				"key", fingerprint, "error", err)
		} else if found {
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				c.logger.Warn("cache backend entry corrupt, degrading to miss",
					"key", fingerprint, "error", err)
			} else if !c.expired(&e) {
				shard.mu.Lock()
				shard.store[fingerprint] = &e
				shard.mu.Unlock()
				if c.metrics != nil {
					c.metrics.RecordCacheHit("backend")
				}
				return &e, true
			}
		}
	}

	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
	return nil, false
}

// Put stores an entry under the fingerprint in both tiers. A zero
// CreatedAt is stamped with the current time.
func (c *ResponseCache) Put(ctx context.Context, fingerprint string, entry *Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}

	shard := c.shard(fingerprint)
	shard.mu.Lock()
	shard.store[fingerprint] = entry
	shard.mu.Unlock()

	c.evictOverflow()

	if c.backend != nil {
		raw, err := json.Marshal(entry)
		if err == nil {
			err = c.backend.Set(ctx, fingerprint, raw, c.cfg.TTL)
		}
		if err != nil {
			c.logger.Warn("cache backend set failed", "key", fingerprint, "error", err)
		}
	}

	if c.metrics != nil {
		c.metrics.RecordCacheSize(c.Len())
	}
}

// Invalidate removes the entry for the fingerprint from both tiers.
func (c *ResponseCache) Invalidate(ctx context.Context, fingerprint string) {
	shard := c.shard(fingerprint)
	shard.mu.Lock()
	delete(shard.store, fingerprint)
	shard.mu.Unlock()

	if c.backend != nil {
		if err := c.backend.Delete(ctx, fingerprint); err != nil {
			c.logger.Warn("cache backend delete failed", "key", fingerprint, "error", err)
		}
	}
}

// InvalidatePrefix removes every entry whose key starts with prefix.
// Used for targeted invalidation of grouped keys instead of a full flush.
func (c *ResponseCache) InvalidatePrefix(ctx context.Context, prefix string) {
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key := range shard.store {
			if strings.HasPrefix(key, prefix) {
				delete(shard.store, key)
			}
		}
		shard.mu.Unlock()
	}

	if c.backend != nil {
		if err := c.backend.DeletePrefix(ctx, prefix); err != nil {
			c.logger.Warn("cache backend prefix delete failed", "prefix", prefix, "error", err)
		}
	}
}

// Len returns the number of entries in the in-memory tier, including any
// not yet lazily expired.
func (c *ResponseCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}

// evictOverflow removes oldest entries until the in-memory tier is back
// under the cap. Expired entries go first.
func (c *ResponseCache) evictOverflow() {
	over := c.Len() - c.cfg.MaxEntries
	if over <= 0 {
		return
	}

	type aged struct {
		key       string
		shard     *cacheShard
		createdAt time.Time
	}
	var all []aged
	for _, shard := range c.shards {
		shard.mu.RLock()
		for key, e := range shard.store {
			all = append(all, aged{key: key, shard: shard, createdAt: e.CreatedAt})
		}
		shard.mu.RUnlock()
	}

	for i := 0; i < over; i++ {
		oldestIdx := -1
		for j, a := range all {
			if a.key == "" {
				continue
			}
			if oldestIdx == -1 || a.createdAt.Before(all[oldestIdx].createdAt) {
				oldestIdx = j
			}
		}
		if oldestIdx == -1 {
			return
		}
		victim := all[oldestIdx]
		all[oldestIdx].key = ""
		victim.shard.mu.Lock()
		delete(victim.shard.store, victim.key)
		victim.shard.mu.Unlock()
	}
}

// Clear drops every entry from the in-memory tier.
func (c *ResponseCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*Entry)
		shard.mu.Unlock()
	}
}

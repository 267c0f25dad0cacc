// Package dedup decides whether scraped items were already seen, across runs.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/keylock"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

// Config tunes matching, expiry and the in-memory layers.
type Config struct {
	// MatchThreshold is how many facts must match for a duplicate. 1 means any.
	MatchThreshold     int
	TTL                time.Duration
	ContentPrefixChars int
	BloomCapacity      uint
	BloomFalsePositive float64
	// HotCacheMB sizes the bigcache hot set. Zero disables it.
	HotCacheMB int
}

// Scope identifies who is admitting facts. Facts written under the same
// Origin by a different Attempt are leftovers of an interrupted attempt and
// never count as matches.
type Scope struct {
	Origin  string
	Attempt string
}

// Decision is the outcome of a duplicate check.
type Decision struct {
	Duplicate    bool
	Matched      []crawler.FactKind
	Fingerprints Fingerprints
}

// Stats summarizes cache contents.
type Stats struct {
	Facts          map[crawler.FactKind]int64 `json:"facts"`
	BloomEstimate  uint32                     `json:"bloom_estimate"`
	HotEntries     int                        `json:"hot_entries"`
	MatchThreshold int                        `json:"match_threshold"`
	TTLHours       float64                    `json:"ttl_hours"`
}

// Cache fronts a store.CacheStore with a bloom prefilter and a hot set.
type Cache struct {
	cfg    Config
	store  store.CacheStore
	fp     *Fingerprinter
	locks  keylock.Set
	now    func() time.Time
	logger *zap.Logger

	bloomMu sync.Mutex
	bloom   *bloom.BloomFilter
	hot     *bigcache.BigCache
}

// New builds a Cache and warms the bloom filter from the store.
func New(ctx context.Context, cfg Config, st store.CacheStore, hasher crawler.Hasher, now func() time.Time, logger *zap.Logger) (*Cache, error) {
	if st == nil {
		return nil, errors.New("dedup: cache store is required")
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = 1
	}
	if cfg.MatchThreshold > len(crawler.FactKinds()) {
		return nil, fmt.Errorf("dedup: match threshold %d exceeds fact count", cfg.MatchThreshold)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.BloomCapacity == 0 {
		cfg.BloomCapacity = 1_000_000
	}
	if cfg.BloomFalsePositive <= 0 || cfg.BloomFalsePositive >= 1 {
		cfg.BloomFalsePositive = 0.0001
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		cfg:    cfg,
		store:  st,
		fp:     NewFingerprinter(hasher, cfg.ContentPrefixChars),
		now:    now,
		logger: logger,
		bloom:  bloom.NewWithEstimates(cfg.BloomCapacity, cfg.BloomFalsePositive),
	}
	if cfg.HotCacheMB > 0 {
		hcfg := bigcache.DefaultConfig(cfg.TTL)
		hcfg.CleanWindow = 5 * time.Minute
		hcfg.HardMaxCacheSize = cfg.HotCacheMB
		hcfg.Verbose = false
		hot, err := bigcache.New(ctx, hcfg)
		if err != nil {
			return nil, fmt.Errorf("dedup: create hot cache: %w", err)
		}
		c.hot = hot
	}
	if err := c.warm(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) warm(ctx context.Context) error {
	now := c.now()
	n := 0
	for _, kind := range crawler.FactKinds() {
		err := c.store.ScanKeys(ctx, kind, now, func(key string) error {
			c.bloomAdd(kind, key)
			n++
			return nil
		})
		if err != nil {
			return fmt.Errorf("dedup: warm bloom filter: %w", err)
		}
	}
	c.logger.Debug("dedup bloom filter warmed", zap.Int("facts", n))
	return nil
}

// Close releases the hot set.
func (c *Cache) Close() error {
	if c.hot == nil {
		return nil
	}
	return c.hot.Close()
}

// Fingerprint exposes the facts derived from item.
func (c *Cache) Fingerprint(item crawler.ScrapedItem) (Fingerprints, error) {
	return c.fp.Compute(item)
}

// Check reports whether item is a duplicate without recording anything.
func (c *Cache) Check(ctx context.Context, item crawler.ScrapedItem, scope Scope) (Decision, error) {
	fp, err := c.fp.Compute(item)
	if err != nil {
		return Decision{}, err
	}
	d, _, err := c.check(ctx, fp, scope)
	return d, err
}

// Admit records every fact of item as first seen now.
func (c *Cache) Admit(ctx context.Context, item crawler.ScrapedItem, scope Scope) error {
	fp, err := c.fp.Compute(item)
	if err != nil {
		return err
	}
	unlock := c.locks.Lock(lockKeys(fp)...)
	defer unlock()
	_, live, err := c.check(ctx, fp, scope)
	if err != nil {
		return err
	}
	return c.admit(ctx, item, fp, scope, live)
}

// CheckAndAdmit checks item and, when it is not a duplicate, admits it.
// Matches refresh LastSeen. The facts of item stay locked for the duration.
func (c *Cache) CheckAndAdmit(ctx context.Context, item crawler.ScrapedItem, scope Scope) (Decision, error) {
	fp, err := c.fp.Compute(item)
	if err != nil {
		return Decision{}, err
	}
	unlock := c.locks.Lock(lockKeys(fp)...)
	defer unlock()

	d, live, err := c.check(ctx, fp, scope)
	if err != nil {
		return Decision{}, err
	}
	if d.Duplicate {
		now := c.now()
		for _, kind := range d.Matched {
			if err := c.store.TouchFact(ctx, kind, fp.Keys()[kind], now); err != nil {
				return Decision{}, fmt.Errorf("dedup: touch %s fact: %w", kind, err)
			}
			metrics.ObserveDedupMatch(string(kind))
		}
		return d, nil
	}
	if err := c.admit(ctx, item, fp, scope, live); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// check returns the decision and the live entries that counted as matches.
func (c *Cache) check(ctx context.Context, fp Fingerprints, scope Scope) (Decision, map[crawler.FactKind]bool, error) {
	d := Decision{Fingerprints: fp}
	live := make(map[crawler.FactKind]bool, 3)
	now := c.now()
	for _, kind := range crawler.FactKinds() {
		key, ok := fp.Keys()[kind]
		if !ok || !c.bloomTest(kind, key) {
			continue
		}
		entry, found, err := c.lookup(ctx, kind, key)
		if err != nil {
			return Decision{}, nil, err
		}
		if !found || entry.Expired(now) {
			continue
		}
		if scope.Origin != "" && entry.Origin == scope.Origin && entry.Attempt != scope.Attempt {
			continue
		}
		live[kind] = true
		d.Matched = append(d.Matched, kind)
	}
	d.Duplicate = len(d.Matched) >= c.cfg.MatchThreshold
	return d, live, nil
}

func (c *Cache) admit(ctx context.Context, item crawler.ScrapedItem, fp Fingerprints, scope Scope, live map[crawler.FactKind]bool) error {
	now := c.now()
	for kind, key := range fp.Keys() {
		if live[kind] {
			if err := c.store.TouchFact(ctx, kind, key, now); err != nil {
				return fmt.Errorf("dedup: touch %s fact: %w", kind, err)
			}
			continue
		}
		entry := crawler.CacheEntry{
			Kind:       kind,
			Key:        key,
			SourceName: item.SourceName,
			Title:      item.Title,
			Origin:     scope.Origin,
			Attempt:    scope.Attempt,
			FirstSeen:  now,
			LastSeen:   now,
			ExpiresAt:  now.Add(c.cfg.TTL),
		}
		if err := c.store.PutFact(ctx, entry); err != nil {
			return fmt.Errorf("dedup: put %s fact: %w", kind, err)
		}
		c.bloomAdd(kind, key)
		c.hotSet(entry)
	}
	return nil
}

func (c *Cache) lookup(ctx context.Context, kind crawler.FactKind, key string) (crawler.CacheEntry, bool, error) {
	if entry, ok := c.hotGet(kind, key); ok {
		return entry, true, nil
	}
	entry, err := c.store.GetFact(ctx, kind, key)
	if errors.Is(err, store.ErrNotFound) {
		return crawler.CacheEntry{}, false, nil
	}
	if err != nil {
		return crawler.CacheEntry{}, false, fmt.Errorf("dedup: get %s fact: %w", kind, err)
	}
	c.hotSet(entry)
	return entry, true, nil
}

func (c *Cache) hotGet(kind crawler.FactKind, key string) (crawler.CacheEntry, bool) {
	if c.hot == nil {
		return crawler.CacheEntry{}, false
	}
	raw, err := c.hot.Get(factKey(kind, key))
	if err != nil {
		return crawler.CacheEntry{}, false
	}
	var entry crawler.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return crawler.CacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) hotSet(entry crawler.CacheEntry) {
	if c.hot == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.hot.Set(factKey(entry.Kind, entry.Key), raw); err != nil {
		c.logger.Debug("hot cache set failed", zap.Error(err))
	}
}

func (c *Cache) bloomAdd(kind crawler.FactKind, key string) {
	c.bloomMu.Lock()
	c.bloom.AddString(factKey(kind, key))
	c.bloomMu.Unlock()
}

func (c *Cache) bloomTest(kind crawler.FactKind, key string) bool {
	c.bloomMu.Lock()
	defer c.bloomMu.Unlock()
	return c.bloom.TestString(factKey(kind, key))
}

// Sweep deletes expired facts from the store.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("dedup: sweep: %w", err)
	}
	if n > 0 && c.hot != nil {
		if err := c.hot.Reset(); err != nil {
			c.logger.Warn("hot cache reset failed", zap.Error(err))
		}
	}
	return n, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Error("dedup sweep failed", zap.Error(err))
				continue
			}
			c.logger.Info("dedup sweep finished", zap.Int64("deleted", n))
		}
	}
}

// Stats reports live fact counts and layer sizes.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	facts, err := c.store.CountFacts(ctx, c.now())
	if err != nil {
		return Stats{}, fmt.Errorf("dedup: count facts: %w", err)
	}
	s := Stats{
		Facts:          facts,
		MatchThreshold: c.cfg.MatchThreshold,
		TTLHours:       c.cfg.TTL.Hours(),
	}
	c.bloomMu.Lock()
	s.BloomEstimate = c.bloom.ApproximatedSize()
	c.bloomMu.Unlock()
	if c.hot != nil {
		s.HotEntries = c.hot.Len()
	}
	return s, nil
}

func factKey(kind crawler.FactKind, key string) string {
	return string(kind) + ":" + key
}

func lockKeys(fp Fingerprints) []string {
	keys := make([]string, 0, 3)
	for kind, key := range fp.Keys() {
		keys = append(keys, factKey(kind, key))
	}
	sort.Strings(keys)
	return keys
}

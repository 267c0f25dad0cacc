package dedup

import "github.com/JakeFAU/ingest-crawler/internal/crawler"

// Batch is an in-memory fact set scoped to one batch of items. It applies the
// same match threshold as the cache it came from and never touches the store.
type Batch struct {
	threshold int
	seen      map[crawler.FactKind]map[string]struct{}
}

// NewBatch returns an empty Batch using the cache's match threshold.
func (c *Cache) NewBatch() *Batch {
	return newBatch(c.cfg.MatchThreshold)
}

func newBatch(threshold int) *Batch {
	if threshold <= 0 {
		threshold = 1
	}
	seen := make(map[crawler.FactKind]map[string]struct{}, 3)
	for _, kind := range crawler.FactKinds() {
		seen[kind] = make(map[string]struct{})
	}
	return &Batch{threshold: threshold, seen: seen}
}

// Observe reports whether fp matches enough facts already in the batch, then
// records its facts.
func (b *Batch) Observe(fp Fingerprints) bool {
	matched := 0
	keys := fp.Keys()
	for kind, key := range keys {
		if _, ok := b.seen[kind][key]; ok {
			matched++
		}
	}
	for kind, key := range keys {
		b.seen[kind][key] = struct{}{}
	}
	return matched >= b.threshold
}

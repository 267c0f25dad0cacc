package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/keylock"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

// CacheStore keeps dedup facts in memory.
type CacheStore struct {
	locks keylock.Set
	facts sync.Map // kind:key -> crawler.CacheEntry
}

// NewCacheStore constructs an empty CacheStore.
func NewCacheStore() *CacheStore {
	return &CacheStore{}
}

func factID(kind crawler.FactKind, key string) string {
	return string(kind) + ":" + key
}

// GetFact returns one fact.
func (s *CacheStore) GetFact(_ context.Context, kind crawler.FactKind, key string) (crawler.CacheEntry, error) {
	v, ok := s.facts.Load(factID(kind, key))
	if !ok {
		return crawler.CacheEntry{}, fmt.Errorf("%s fact: %w", kind, store.ErrNotFound)
	}
	return v.(crawler.CacheEntry), nil
}

// PutFact inserts or replaces a fact.
func (s *CacheStore) PutFact(_ context.Context, entry crawler.CacheEntry) error {
	id := factID(entry.Kind, entry.Key)
	unlock := s.locks.Lock(id)
	defer unlock()
	s.facts.Store(id, entry)
	return nil
}

// TouchFact refreshes LastSeen of an existing fact.
func (s *CacheStore) TouchFact(_ context.Context, kind crawler.FactKind, key string, at time.Time) error {
	id := factID(kind, key)
	unlock := s.locks.Lock(id)
	defer unlock()
	v, ok := s.facts.Load(id)
	if !ok {
		return fmt.Errorf("%s fact: %w", kind, store.ErrNotFound)
	}
	entry := v.(crawler.CacheEntry)
	if at.After(entry.LastSeen) {
		entry.LastSeen = at
	}
	s.facts.Store(id, entry)
	return nil
}

// DeleteExpired removes facts past their TTL.
func (s *CacheStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	s.facts.Range(func(k, v any) bool {
		if v.(crawler.CacheEntry).Expired(now) {
			id := k.(string)
			unlock := s.locks.Lock(id)
			if cur, ok := s.facts.Load(id); ok && cur.(crawler.CacheEntry).Expired(now) {
				s.facts.Delete(id)
				n++
			}
			unlock()
		}
		return true
	})
	return n, nil
}

// CountFacts counts live facts per kind.
func (s *CacheStore) CountFacts(_ context.Context, now time.Time) (map[crawler.FactKind]int64, error) {
	out := make(map[crawler.FactKind]int64, 3)
	for _, kind := range crawler.FactKinds() {
		out[kind] = 0
	}
	s.facts.Range(func(_, v any) bool {
		if e := v.(crawler.CacheEntry); !e.Expired(now) {
			out[e.Kind]++
		}
		return true
	})
	return out, nil
}

// ScanKeys calls fn for every live key of kind.
func (s *CacheStore) ScanKeys(_ context.Context, kind crawler.FactKind, now time.Time, fn func(string) error) error {
	var err error
	s.facts.Range(func(_, v any) bool {
		e := v.(crawler.CacheEntry)
		if e.Kind != kind || e.Expired(now) {
			return true
		}
		err = fn(e.Key)
		return err == nil
	})
	return err
}

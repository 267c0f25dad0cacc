package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/hash/sha256"
	"github.com/JakeFAU/ingest-crawler/internal/storage/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newCache(t *testing.T, cfg Config) (*Cache, *memory.CacheStore, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	st := memory.NewCacheStore()
	c, err := New(context.Background(), cfg, st, sha256.New(), clk.Now, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, st, clk
}

func mkItem(t *testing.T, title, url, body string) crawler.ScrapedItem {
	t.Helper()
	it, err := crawler.NewScrapedItem(crawler.ItemInput{
		Title:        title,
		Body:         body,
		URL:          url,
		Source:       crawler.Source{Name: "ministry", Category: "policy", Tier: crawler.TierOfficial},
		DiscoveredAt: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return it
}

func TestCheckAndAdmitURLDuplicate(t *testing.T) {
	t.Parallel()

	c, _, _ := newCache(t, Config{HotCacheMB: 1})
	ctx := context.Background()
	scope := Scope{Origin: "r1|policy", Attempt: "a1"}

	first := mkItem(t, "Budget approved by council", "https://www.example.gov/news/1/", "First body text.")
	d, err := c.CheckAndAdmit(ctx, first, scope)
	require.NoError(t, err)
	require.False(t, d.Duplicate)

	again := mkItem(t, "Completely different headline", "https://EXAMPLE.gov/news/1?utm=x", "Different body.")
	d, err = c.CheckAndAdmit(ctx, again, Scope{Origin: "r2|policy", Attempt: "a9"})
	require.NoError(t, err)
	require.True(t, d.Duplicate)
	require.Equal(t, []crawler.FactKind{crawler.FactURL}, d.Matched)
}

func TestTitleFingerprintIsOrderInsensitive(t *testing.T) {
	t.Parallel()

	require.Equal(t, TitleKey("The Council approves the Budget!"), TitleKey("budget: council APPROVES"))
	require.NotEqual(t, TitleKey("Council approves budget"), TitleKey("Council rejects budget"))

	c, _, _ := newCache(t, Config{})
	ctx := context.Background()
	_, err := c.CheckAndAdmit(ctx, mkItem(t, "Council approves the budget", "https://a.gov/1", "alpha"), Scope{})
	require.NoError(t, err)
	d, err := c.CheckAndAdmit(ctx, mkItem(t, "Budget, council approves", "https://b.gov/2", "beta"), Scope{})
	require.NoError(t, err)
	require.True(t, d.Duplicate)
	require.Equal(t, []crawler.FactKind{crawler.FactTitle}, d.Matched)
}

func TestContentFingerprintUsesPrefix(t *testing.T) {
	t.Parallel()

	prefix := strings.Repeat("shared words ", 50)
	require.Equal(t, ContentKey(prefix+"tail one", 100), ContentKey("  "+strings.ToUpper(prefix)+"tail two", 100))

	c, _, _ := newCache(t, Config{ContentPrefixChars: 100})
	ctx := context.Background()
	_, err := c.CheckAndAdmit(ctx, mkItem(t, "First distinct headline", "https://a.gov/1", prefix+"one"), Scope{})
	require.NoError(t, err)
	d, err := c.CheckAndAdmit(ctx, mkItem(t, "Second unrelated story", "https://b.gov/2", prefix+"two"), Scope{})
	require.NoError(t, err)
	require.True(t, d.Duplicate)
	require.Equal(t, []crawler.FactKind{crawler.FactContent}, d.Matched)
}

func TestThresholdTwoOfThree(t *testing.T) {
	t.Parallel()

	c, _, _ := newCache(t, Config{MatchThreshold: 2})
	ctx := context.Background()
	_, err := c.CheckAndAdmit(ctx, mkItem(t, "Council approves budget", "https://a.gov/1", "alpha body"), Scope{})
	require.NoError(t, err)

	d, err := c.CheckAndAdmit(ctx, mkItem(t, "Another title entirely", "https://a.gov/1", "other body"), Scope{})
	require.NoError(t, err)
	require.False(t, d.Duplicate, "one matching fact is below the threshold")

	d, err = c.CheckAndAdmit(ctx, mkItem(t, "Council approves budget", "https://a.gov/1", "third body"), Scope{})
	require.NoError(t, err)
	require.True(t, d.Duplicate)
	require.Len(t, d.Matched, 2)

	_, err = New(ctx, Config{MatchThreshold: 4}, memory.NewCacheStore(), sha256.New(), nil, nil)
	require.Error(t, err)
}

func TestCheckDoesNotAdmit(t *testing.T) {
	t.Parallel()

	c, st, _ := newCache(t, Config{})
	ctx := context.Background()
	it := mkItem(t, "Council approves budget", "https://a.gov/1", "body")

	d, err := c.Check(ctx, it, Scope{})
	require.NoError(t, err)
	require.False(t, d.Duplicate)
	counts, err := st.CountFacts(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, counts[crawler.FactURL])

	require.NoError(t, c.Admit(ctx, it, Scope{}))
	d, err = c.Check(ctx, it, Scope{})
	require.NoError(t, err)
	require.True(t, d.Duplicate)
	require.Len(t, d.Matched, 3)
}

func TestExpiryIsMeasuredFromFirstSeen(t *testing.T) {
	t.Parallel()

	c, st, clk := newCache(t, Config{TTL: 48 * time.Hour})
	ctx := context.Background()
	it := mkItem(t, "Council approves budget", "https://a.gov/1", "body")
	_, err := c.CheckAndAdmit(ctx, it, Scope{})
	require.NoError(t, err)

	clk.Advance(36 * time.Hour)
	d, err := c.CheckAndAdmit(ctx, it, Scope{})
	require.NoError(t, err)
	require.True(t, d.Duplicate)
	entry, err := st.GetFact(ctx, crawler.FactURL, d.Fingerprints.URL)
	require.NoError(t, err)
	require.True(t, entry.LastSeen.Equal(clk.Now()), "matches refresh LastSeen")

	clk.Advance(13 * time.Hour)
	d, err = c.CheckAndAdmit(ctx, it, Scope{})
	require.NoError(t, err)
	require.False(t, d.Duplicate, "touching does not extend the TTL")

	clk.Advance(72 * time.Hour)
	n, err := c.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestInterruptedAttemptFactsDoNotMatch(t *testing.T) {
	t.Parallel()

	c, _, _ := newCache(t, Config{})
	ctx := context.Background()
	it := mkItem(t, "Council approves budget", "https://a.gov/1", "body")

	_, err := c.CheckAndAdmit(ctx, it, Scope{Origin: "r1|policy", Attempt: "first"})
	require.NoError(t, err)

	d, err := c.CheckAndAdmit(ctx, it, Scope{Origin: "r1|policy", Attempt: "second"})
	require.NoError(t, err)
	require.False(t, d.Duplicate, "leftovers of an interrupted attempt are ignored")

	d, err = c.CheckAndAdmit(ctx, it, Scope{Origin: "r1|policy", Attempt: "second"})
	require.NoError(t, err)
	require.True(t, d.Duplicate, "repeats within the same attempt still match")

	d, err = c.CheckAndAdmit(ctx, it, Scope{Origin: "r2|policy", Attempt: "x"})
	require.NoError(t, err)
	require.True(t, d.Duplicate)
}

func TestConcurrentAdmissionAdmitsOnce(t *testing.T) {
	t.Parallel()

	c, _, _ := newCache(t, Config{HotCacheMB: 1})
	ctx := context.Background()
	it := mkItem(t, "Council approves budget", "https://a.gov/1", "body")

	var fresh int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.CheckAndAdmit(ctx, it, Scope{})
			if err != nil {
				t.Error(err)
				return
			}
			if !d.Duplicate {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), fresh)
}

func TestBloomWarmedFromStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.NewCacheStore()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	first, err := New(ctx, Config{}, st, sha256.New(), func() time.Time { return now }, nil)
	require.NoError(t, err)
	it := mkItem(t, "Council approves budget", "https://a.gov/1", "body")
	_, err = first.CheckAndAdmit(ctx, it, Scope{})
	require.NoError(t, err)

	second, err := New(ctx, Config{}, st, sha256.New(), func() time.Time { return now }, nil)
	require.NoError(t, err)
	d, err := second.Check(ctx, it, Scope{})
	require.NoError(t, err)
	require.True(t, d.Duplicate)

	stats, err := second.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Facts[crawler.FactURL])
	require.Equal(t, 1, stats.MatchThreshold)
	require.Equal(t, 720.0, stats.TTLHours)
}

type failingStore struct{ *memory.CacheStore }

func (failingStore) PutFact(context.Context, crawler.CacheEntry) error {
	return errors.New("disk full")
}

func TestAdmitSurfacesPersistenceErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := New(ctx, Config{}, failingStore{memory.NewCacheStore()}, sha256.New(), nil, nil)
	require.NoError(t, err)
	_, err = c.CheckAndAdmit(ctx, mkItem(t, "Council approves budget", "https://a.gov/1", "body"), Scope{})
	require.ErrorContains(t, err, "disk full")
}

package artifacts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/storage/memory"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

var at = time.Date(2024, 5, 10, 8, 30, 15, 0, time.UTC)

func TestPaths(t *testing.T) {
	t.Parallel()

	s := New(memory.NewBlobStore(), "/runs/")
	require.Equal(t, "runs/r1/policy/raw-20240510T083015Z.json", s.BatchPath("r1", "policy", KindRaw, at))
	require.Equal(t, "runs/r1/summary.json", s.SummaryPath("r1"))

	bare := New(memory.NewBlobStore(), "")
	require.Equal(t, "r1/policy/enriched-20240510T083015Z.json", bare.BatchPath("r1", "policy", KindEnriched, at))
}

func TestKindFor(t *testing.T) {
	t.Parallel()

	for stage, want := range map[crawler.Stage]Kind{
		crawler.StageScrape: KindRaw,
		crawler.StageFilter: KindFiltered,
		crawler.StageEnrich: KindEnriched,
	} {
		got, ok := KindFor(stage)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok := KindFor(crawler.StageStore)
	require.False(t, ok)
}

func TestBatchRoundTrip(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	s := New(blobs, "runs")
	ctx := context.Background()

	item, err := crawler.NewScrapedItem(crawler.ItemInput{
		Title:        "Council approves budget",
		Body:         "Body text",
		URL:          "https://example.gov/news/1",
		Source:       crawler.Source{Name: "ministry", Category: "policy", Tier: crawler.TierOfficial},
		DiscoveredAt: at,
	})
	require.NoError(t, err)

	p, err := s.WriteBatch(ctx, Batch{RunID: "r1", Category: "policy", Kind: KindRaw, CreatedAt: at, Items: []crawler.ScrapedItem{item}})
	require.NoError(t, err)
	require.Equal(t, []string{p}, blobs.Keys("runs/r1/"))

	got, err := s.ReadBatch(ctx, p)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	require.Equal(t, item.ID, got.Items[0].ID)
	require.Equal(t, KindRaw, got.Kind)

	empty, err := s.WriteBatch(ctx, Batch{RunID: "r1", Category: "health", Kind: KindFiltered, CreatedAt: at})
	require.NoError(t, err)
	got, err = s.ReadBatch(ctx, empty)
	require.NoError(t, err)
	require.NotNil(t, got.Items)
	require.Empty(t, got.Items)

	_, err = s.ReadBatch(ctx, "runs/r1/none.json")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSummaryRoundTrip(t *testing.T) {
	t.Parallel()

	s := New(memory.NewBlobStore(), "")
	ctx := context.Background()
	_, err := s.WriteSummary(ctx, "r1", map[string]any{"filter_rate": 0.4})
	require.NoError(t, err)

	var out map[string]float64
	require.NoError(t, s.ReadSummary(ctx, "r1", &out))
	require.InDelta(t, 0.4, out["filter_rate"], 1e-9)
}

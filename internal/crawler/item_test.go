package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewScrapedItemDerivesFields(t *testing.T) {
	t.Parallel()

	src := Source{Name: "ministry", Category: "policy", Tier: TierOfficial}
	now := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

	item, err := NewScrapedItem(ItemInput{
		Title:        "  New   visa rules announced ",
		Body:         "one two three\nfour  five",
		URL:          "https://www.example.gov/news/1/",
		Source:       src,
		DiscoveredAt: now,
	})
	require.NoError(t, err)
	require.Equal(t, "New visa rules announced", item.Title)
	require.Equal(t, 5, item.WordCount())
	require.Equal(t, TierOfficial, item.Tier)
	require.Equal(t, "policy", item.Category)
	require.Equal(t, StageScrape, item.Stage)
	require.Len(t, item.ID, 32)
	require.Equal(t, now, item.EffectiveDate())

	again, err := NewScrapedItem(ItemInput{
		Title:        "New visa rules announced",
		URL:          "https://example.gov/news/1?utm_source=x",
		Source:       src,
		DiscoveredAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, item.ID, again.ID, "id must depend on normalized url and title only")
}

func TestNewScrapedItemRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := map[string]ItemInput{
		"missing title":    {URL: "https://example.com/a", DiscoveredAt: now},
		"relative url":     {Title: "A long enough title", URL: "/a", DiscoveredAt: now},
		"missing discover": {Title: "A long enough title", URL: "https://example.com/a"},
	}
	for name, in := range cases {
		_, err := NewScrapedItem(in)
		require.True(t, errors.Is(err, ErrInvalidItem), name)
	}
}

func TestScrapedItemAnnotationsCopy(t *testing.T) {
	t.Parallel()

	item, err := NewScrapedItem(ItemInput{
		Title:        "Annotated item title",
		URL:          "https://example.com/a",
		DiscoveredAt: time.Now(),
	})
	require.NoError(t, err)

	scored := item.WithScore(0.7).WithStage(StageFilter)
	require.Zero(t, item.QualityScore)
	require.Equal(t, StageScrape, item.Stage)
	require.InDelta(t, 0.7, scored.QualityScore, 1e-9)
	require.Equal(t, StageFilter, scored.Stage)

	enriched := scored.WithEnrichment(Enrichment{Summary: "s"})
	require.Nil(t, scored.Enrichment)
	require.Equal(t, "s", enriched.Enrichment.Summary)
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	tier, err := ParseTier("Official")
	require.NoError(t, err)
	require.Equal(t, TierOfficial, tier)
	_, err = ParseTier("gossip")
	require.Error(t, err)

	p, err := ParsePriority("")
	require.NoError(t, err)
	require.Equal(t, PriorityMedium, p)
	require.Less(t, PriorityCritical.Rank(), PriorityLow.Rank())

	stage, err := ParseStage("Enrich")
	require.NoError(t, err)
	require.Equal(t, 2, stage.Index())
	_, err = ParseStage("publish")
	require.Error(t, err)
}

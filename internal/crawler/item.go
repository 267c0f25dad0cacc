package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/hash/sha256"
)

// ItemMetadata holds optional structured fields found next to an item.
type ItemMetadata struct {
	Author      string   `json:"author,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Enrichment is the annotation returned by the downstream enrichment service.
type Enrichment struct {
	Summary        string    `json:"summary,omitempty"`
	Classification string    `json:"classification,omitempty"`
	Embedding      []float32 `json:"embedding,omitempty"`
}

// ScrapedItem is one candidate article or post.
type ScrapedItem struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Body         string       `json:"body"`
	URL          string       `json:"url"`
	SourceName   string       `json:"source"`
	Tier         Tier         `json:"tier"`
	Category     string       `json:"category"`
	DiscoveredAt time.Time    `json:"discovered_at"`
	PublishedAt  *time.Time   `json:"published_at,omitempty"`
	DateReliable bool         `json:"date_reliable"`
	DateMethod   string       `json:"date_method,omitempty"`
	QualityScore float64      `json:"quality_score"`
	Metadata     ItemMetadata `json:"metadata"`
	Stage        Stage        `json:"stage"`
	Enrichment   *Enrichment  `json:"enrichment,omitempty"`
}

// ItemInput is the raw material the extractor hands to NewScrapedItem.
type ItemInput struct {
	Title        string
	Body         string
	URL          string
	Source       Source
	DiscoveredAt time.Time
	PublishedAt  *time.Time
	DateReliable bool
	DateMethod   string
	Metadata     ItemMetadata
}

// ErrInvalidItem is returned when an item fails construction checks.
var ErrInvalidItem = errors.New("invalid scraped item")

// NewScrapedItem validates input and derives the stable identifier.
func NewScrapedItem(in ItemInput) (ScrapedItem, error) {
	title := collapseSpace(in.Title)
	if title == "" {
		return ScrapedItem{}, fmt.Errorf("%w: title is required", ErrInvalidItem)
	}
	u, err := url.Parse(strings.TrimSpace(in.URL))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ScrapedItem{}, fmt.Errorf("%w: url %q is not absolute", ErrInvalidItem, in.URL)
	}
	if in.DiscoveredAt.IsZero() {
		return ScrapedItem{}, fmt.Errorf("%w: discovery time is required", ErrInvalidItem)
	}
	normalized, err := NormalizeURL(u.String())
	if err != nil {
		return ScrapedItem{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	item := ScrapedItem{
		ID:           sha256.Short(16, normalized, strings.ToLower(title)),
		Title:        title,
		Body:         strings.TrimSpace(in.Body),
		URL:          u.String(),
		SourceName:   in.Source.Name,
		Tier:         in.Source.Tier,
		Category:     in.Source.Category,
		DiscoveredAt: in.DiscoveredAt.UTC(),
		DateReliable: in.DateReliable,
		DateMethod:   in.DateMethod,
		Metadata:     in.Metadata,
		Stage:        StageScrape,
	}
	if in.PublishedAt != nil {
		published := in.PublishedAt.UTC()
		item.PublishedAt = &published
	}
	return item, nil
}

// WordCount is always derived from the body text.
func (i ScrapedItem) WordCount() int {
	return len(strings.Fields(i.Body))
}

// EffectiveDate returns the published time, or the discovery time when unknown.
func (i ScrapedItem) EffectiveDate() time.Time {
	if i.PublishedAt != nil {
		return *i.PublishedAt
	}
	return i.DiscoveredAt
}

// WithStage returns a copy annotated with the stage marker.
func (i ScrapedItem) WithStage(stage Stage) ScrapedItem {
	i.Stage = stage
	return i
}

// WithScore returns a copy annotated with a quality score.
func (i ScrapedItem) WithScore(score float64) ScrapedItem {
	i.QualityScore = score
	return i
}

// WithEnrichment returns a copy carrying the enrichment annotation.
func (i ScrapedItem) WithEnrichment(e Enrichment) ScrapedItem {
	cp := e
	i.Enrichment = &cp
	return i
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

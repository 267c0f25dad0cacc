// Package index hands stored items to the vector-store indexing service.
package index

import (
	"context"
	"strings"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Document is the indexing payload for one item.
type Document struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Embedding []float32         `json:"embedding,omitempty"`
	Metadata  map[string]string `json:"metadata"`
}

// Indexer accepts documents and reports how many were indexed.
type Indexer interface {
	Index(ctx context.Context, docs []Document) (int, error)
}

// FromItem builds the document for an enriched item. Text prefers the
// summary when the service produced one.
func FromItem(item crawler.ScrapedItem) Document {
	text := strings.TrimSpace(item.Title + "\n\n" + item.Body)
	meta := map[string]string{
		"title":         item.Title,
		"url":           item.URL,
		"source":        item.SourceName,
		"category":      item.Category,
		"tier":          string(item.Tier),
		"discovered_at": item.DiscoveredAt.Format(time.RFC3339),
	}
	if item.PublishedAt != nil {
		meta["published_at"] = item.PublishedAt.Format(time.RFC3339)
	}
	doc := Document{ID: item.ID, Text: text, Metadata: meta}
	if e := item.Enrichment; e != nil {
		if e.Summary != "" {
			meta["summary"] = e.Summary
		}
		if e.Classification != "" {
			meta["classification"] = e.Classification
		}
		doc.Embedding = e.Embedding
	}
	return doc
}

// Router sends documents with embeddings to Vector and everything else to
// Fallback. Either may be nil, in which case those documents are skipped.
type Router struct {
	Vector   Indexer
	Fallback Indexer
}

// Index splits docs by embedding presence.
func (r Router) Index(ctx context.Context, docs []Document) (int, error) {
	var vec, raw []Document
	for _, d := range docs {
		if len(d.Embedding) > 0 && r.Vector != nil {
			vec = append(vec, d)
			continue
		}
		raw = append(raw, d)
	}
	total := 0
	if len(vec) > 0 {
		n, err := r.Vector.Index(ctx, vec)
		total += n
		if err != nil {
			return total, err
		}
	}
	if len(raw) > 0 && r.Fallback != nil {
		n, err := r.Fallback.Index(ctx, raw)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

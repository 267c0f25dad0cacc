package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Publishing sends documents to the indexing service through a message topic.
type Publishing struct {
	pub   crawler.Publisher
	topic string
}

// NewPublishing builds a publish-based indexer.
func NewPublishing(pub crawler.Publisher, topic string) (*Publishing, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	return &Publishing{pub: pub, topic: topic}, nil
}

type indexRequest struct {
	Kind      string     `json:"kind"`
	Documents []Document `json:"documents"`
}

// Index publishes all docs as one message.
func (p *Publishing) Index(ctx context.Context, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	if _, err := p.pub.Publish(ctx, p.topic, indexRequest{Kind: "index", Documents: docs}); err != nil {
		return 0, fmt.Errorf("publish %d documents: %w", len(docs), err)
	}
	return len(docs), nil
}

package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Unavailable stands in for the browser engine when no Chrome binary exists.
// The selector skips it because CanFetch is always false.
type Unavailable struct{}

// NewUnavailable creates a new Unavailable fetcher.
func NewUnavailable() *Unavailable {
	return &Unavailable{}
}

// Name implements crawler.Fetcher.
func (Unavailable) Name() string { return Name }

// CanFetch always reports false.
func (Unavailable) CanFetch(string) bool { return false }

// Fetch always fails with crawler.ErrEngineUnavailable.
func (Unavailable) Fetch(_ context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, fmt.Errorf("headless %s: %w", request.URL, crawler.ErrEngineUnavailable)
}

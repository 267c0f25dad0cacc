// Package enrich calls the downstream summarization and classification
// service.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultBatchSize = 50
	maxErrorBody     = 2048
)

// ErrService wraps non-success answers from the enrichment service.
var ErrService = errors.New("enrichment service error")

// Config controls the HTTP client.
type Config struct {
	Endpoint  string
	Timeout   time.Duration
	BatchSize int
}

type request struct {
	Items []crawler.ScrapedItem `json:"items"`
}

type annotation struct {
	ID             string    `json:"id"`
	Summary        string    `json:"summary"`
	Classification string    `json:"classification"`
	Embedding      []float32 `json:"embedding"`
}

type response struct {
	Items []annotation `json:"items"`
}

// Client posts item batches to the enrichment endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client. A nil httpClient gets an otelhttp transport.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("enrich endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}, nil
}

// Enrich annotates items in batches. Items the service does not answer for
// are returned unannotated.
func (c *Client) Enrich(ctx context.Context, items []crawler.ScrapedItem) ([]crawler.ScrapedItem, error) {
	out := make([]crawler.ScrapedItem, 0, len(items))
	for start := 0; start < len(items); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(items))
		batch := items[start:end]
		annotations, err := c.post(ctx, batch)
		if err != nil {
			return nil, err
		}
		missing := 0
		for _, item := range batch {
			a, ok := annotations[item.ID]
			if !ok {
				missing++
				out = append(out, item)
				continue
			}
			out = append(out, item.WithEnrichment(crawler.Enrichment{
				Summary:        a.Summary,
				Classification: a.Classification,
				Embedding:      a.Embedding,
			}))
		}
		if missing > 0 {
			c.logger.Warn("enrichment skipped items", zap.Int("missing", missing), zap.Int("batch", len(batch)))
		}
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, batch []crawler.ScrapedItem) (map[string]annotation, error) {
	body, err := json.Marshal(request{Items: batch})
	if err != nil {
		return nil, fmt.Errorf("marshal enrich request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build enrich request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrich request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrService, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode enrich response: %w", err)
	}
	out := make(map[string]annotation, len(decoded.Items))
	for _, a := range decoded.Items {
		if a.ID != "" {
			out[a.ID] = a
		}
	}
	return out, nil
}

// Passthrough is used when no enrichment service is configured.
type Passthrough struct{}

// Enrich returns a copy of items unchanged.
func (Passthrough) Enrich(_ context.Context, items []crawler.ScrapedItem) ([]crawler.ScrapedItem, error) {
	return append([]crawler.ScrapedItem(nil), items...), nil
}

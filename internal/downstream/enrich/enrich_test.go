package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

func items(t *testing.T, n int) []crawler.ScrapedItem {
	t.Helper()
	out := make([]crawler.ScrapedItem, n)
	for i := range out {
		it, err := crawler.NewScrapedItem(crawler.ItemInput{
			Title:        fmt.Sprintf("Story %d", i),
			URL:          fmt.Sprintf("https://news.example.org/%d", i),
			Body:         "Body text.",
			Source:       crawler.Source{Name: "news", Category: "policy"},
			DiscoveredAt: time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		out[i] = it
	}
	return out
}

func TestEnrichBatchesAndAnnotates(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req request
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.LessOrEqual(t, len(req.Items), 2)
		var resp response
		for _, it := range req.Items {
			if it.Title == "Story 2" {
				continue
			}
			resp.Items = append(resp.Items, annotation{
				ID: it.ID, Summary: "sum " + it.Title, Classification: "policy", Embedding: []float32{0.1, 0.2},
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{Endpoint: srv.URL, BatchSize: 2}, srv.Client(), nil)
	require.NoError(t, err)

	in := items(t, 5)
	out, err := c.Enrich(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 5)
	require.EqualValues(t, 3, calls.Load())
	require.NotNil(t, out[0].Enrichment)
	require.Equal(t, "sum Story 0", out[0].Enrichment.Summary)
	require.Equal(t, []float32{0.1, 0.2}, out[4].Enrichment.Embedding)
	require.Nil(t, out[2].Enrichment, "unanswered items pass through")
	require.Nil(t, in[0].Enrichment, "input is not mutated")
}

func TestEnrichServiceError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{Endpoint: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)
	_, err = c.Enrich(context.Background(), items(t, 1))
	require.ErrorIs(t, err, ErrService)
	require.ErrorContains(t, err, "overloaded")
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

func TestPassthrough(t *testing.T) {
	t.Parallel()

	in := items(t, 2)
	out, err := Passthrough{}.Enrich(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

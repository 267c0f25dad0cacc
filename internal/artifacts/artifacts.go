// Package artifacts reads and writes stage batches and run summaries on a
// blob store. Each stage of a run hands its output to the next one through a
// batch file, so a resumed run can continue from any stage.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

const (
	contentType = "application/json"
	stampLayout = "20060102T150405Z"
)

// Kind names the stage output stored in a batch.
type Kind string

// Batch kinds, one per stage that produces items.
const (
	KindRaw      Kind = "raw"
	KindFiltered Kind = "filtered"
	KindEnriched Kind = "enriched"
)

// KindFor maps a stage to the batch kind it writes. Store writes no batch.
func KindFor(stage crawler.Stage) (Kind, bool) {
	switch stage {
	case crawler.StageScrape:
		return KindRaw, true
	case crawler.StageFilter:
		return KindFiltered, true
	case crawler.StageEnrich:
		return KindEnriched, true
	default:
		return "", false
	}
}

// Batch is the on-disk form of one stage output for one category.
type Batch struct {
	RunID     string                `json:"run_id"`
	Category  string                `json:"category"`
	Kind      Kind                  `json:"kind"`
	CreatedAt time.Time             `json:"created_at"`
	Items     []crawler.ScrapedItem `json:"items"`
}

// Store lays batches out as <prefix>/<run>/<category>/<kind>-<stamp>.json.
type Store struct {
	blobs  crawler.BlobStore
	prefix string
}

// New wraps a blob store. prefix may be empty.
func New(blobs crawler.BlobStore, prefix string) *Store {
	return &Store{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

// BatchPath returns where a batch written at the given time lives.
func (s *Store) BatchPath(runID, category string, kind Kind, at time.Time) string {
	name := fmt.Sprintf("%s-%s.json", kind, at.UTC().Format(stampLayout))
	return s.join(runID, category, name)
}

// SummaryPath returns where the run summary lives.
func (s *Store) SummaryPath(runID string) string {
	return s.join(runID, "summary.json")
}

func (s *Store) join(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

// WriteBatch persists b and returns its path.
func (s *Store) WriteBatch(ctx context.Context, b Batch) (string, error) {
	if b.Items == nil {
		b.Items = []crawler.ScrapedItem{}
	}
	p := s.BatchPath(b.RunID, b.Category, b.Kind, b.CreatedAt)
	if err := s.put(ctx, p, b); err != nil {
		return "", err
	}
	return p, nil
}

// ReadBatch loads a batch written by WriteBatch.
func (s *Store) ReadBatch(ctx context.Context, p string) (Batch, error) {
	var b Batch
	if err := s.get(ctx, p, &b); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// WriteSummary persists a run report and returns its path.
func (s *Store) WriteSummary(ctx context.Context, runID string, summary any) (string, error) {
	p := s.SummaryPath(runID)
	if err := s.put(ctx, p, summary); err != nil {
		return "", err
	}
	return p, nil
}

// ReadSummary decodes the run report into dst.
func (s *Store) ReadSummary(ctx context.Context, runID string, dst any) error {
	return s.get(ctx, s.SummaryPath(runID), dst)
}

func (s *Store) put(ctx context.Context, p string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", p, err)
	}
	if _, err := s.blobs.PutObject(ctx, p, contentType, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write artifact %s: %w", p, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, p string, dst any) error {
	rc, err := s.blobs.GetObject(ctx, p)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", p, err)
	}
	defer func() { _ = rc.Close() }()
	if err := json.NewDecoder(rc).Decode(dst); err != nil {
		return fmt.Errorf("decode artifact %s: %w", p, err)
	}
	return nil
}

package pipeline

import (
	"math"
	"sort"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// CategorySummary counts what happened to one category's items.
type CategorySummary struct {
	Scraped         int     `json:"scraped"`
	SourcesFailed   int     `json:"sources_failed"`
	SourcesSkipped  int     `json:"sources_skipped"`
	FilterInput     int     `json:"filter_input"`
	DateRejected    int     `json:"date_rejected"`
	QualityRejected int     `json:"quality_rejected"`
	Duplicates      int     `json:"duplicates"`
	Filtered        int     `json:"filtered"`
	FilterRate      float64 `json:"filter_rate"`
	Enriched        int     `json:"enriched"`
	Stored          int     `json:"stored"`
}

func (c *CategorySummary) add(o CategorySummary) {
	c.Scraped += o.Scraped
	c.SourcesFailed += o.SourcesFailed
	c.SourcesSkipped += o.SourcesSkipped
	c.FilterInput += o.FilterInput
	c.DateRejected += o.DateRejected
	c.QualityRejected += o.QualityRejected
	c.Duplicates += o.Duplicates
	c.Filtered += o.Filtered
	c.Enriched += o.Enriched
	c.Stored += o.Stored
}

// StageTiming is one (stage, category) execution.
type StageTiming struct {
	Stage    crawler.Stage  `json:"stage"`
	Category string         `json:"category"`
	Status   crawler.Status `json:"status"`
	Items    int            `json:"items"`
	Duration time.Duration  `json:"duration_ns"`
}

// Summary is the run report written next to the batches.
type Summary struct {
	RunID      string                      `json:"run_id"`
	Status     crawler.Status              `json:"status"`
	Mode       crawler.RunMode             `json:"mode"`
	DryRun     bool                        `json:"dry_run,omitempty"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt *time.Time                  `json:"finished_at,omitempty"`
	Scraped    int                         `json:"scraped"`
	Filtered   int                         `json:"filtered"`
	Stored     int                         `json:"stored"`
	FilterRate float64                     `json:"filter_rate"`
	Categories map[string]*CategorySummary `json:"categories"`
	Stages     []StageTiming               `json:"stages"`
	Errors     []crawler.RunError          `json:"errors"`
}

func newSummary(run crawler.PipelineRun) *Summary {
	return &Summary{
		RunID:      run.ID,
		Status:     run.Status,
		Mode:       run.Metadata.Mode,
		DryRun:     run.Metadata.DryRun,
		StartedAt:  run.StartedAt,
		Categories: make(map[string]*CategorySummary),
		Stages:     []StageTiming{},
		Errors:     []crawler.RunError{},
	}
}

func (s *Summary) category(name string) *CategorySummary {
	c, ok := s.Categories[name]
	if !ok {
		c = &CategorySummary{}
		s.Categories[name] = c
	}
	return c
}

// finalize recomputes totals and rates from the category entries.
func (s *Summary) finalize() {
	s.Scraped, s.Filtered, s.Stored = 0, 0, 0
	input := 0
	for _, c := range s.Categories {
		c.FilterRate = rate(c.Filtered, c.FilterInput)
		s.Scraped += c.Scraped
		s.Filtered += c.Filtered
		s.Stored += c.Stored
		input += c.FilterInput
	}
	s.FilterRate = rate(s.Filtered, input)
	sort.SliceStable(s.Stages, func(i, j int) bool {
		if s.Stages[i].Category != s.Stages[j].Category {
			return s.Stages[i].Category < s.Stages[j].Category
		}
		return s.Stages[i].Stage.Index() < s.Stages[j].Stage.Index()
	})
}

func rate(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(d)*1000) / 1000
}

package pipeline

import (
	"fmt"
	"slices"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

const (
	defaultIncrementalThreshold = 12 * time.Hour
	defaultNotifyTopic          = "ingest.batches"
)

// Config tunes the orchestrator.
type Config struct {
	// IncrementalThreshold skips sources fetched successfully more recently
	// than this in incremental mode.
	IncrementalThreshold time.Duration
	// NotifyTopic receives one batch-ready message per stored category.
	NotifyTopic string
}

func (c Config) withDefaults() Config {
	if c.IncrementalThreshold <= 0 {
		c.IncrementalThreshold = defaultIncrementalThreshold
	}
	if c.NotifyTopic == "" {
		c.NotifyTopic = defaultNotifyTopic
	}
	return c
}

// Options select what a run does. The zero value is a full run.
type Options struct {
	// Categories limits the run to these categories. Empty means all.
	Categories []string
	// Stages limits the run to these stages. Empty means all.
	Stages      []crawler.Stage
	Incremental bool
	DryRun      bool
}

// Mode reports how the options are recorded on the run.
func (o Options) Mode() crawler.RunMode {
	switch {
	case o.DryRun:
		return crawler.ModeDryRun
	case len(o.Categories) > 0 || len(o.Stages) > 0:
		return crawler.ModeTargeted
	case o.Incremental:
		return crawler.ModeIncremental
	default:
		return crawler.ModeFull
	}
}

// stages returns the selected stages in execution order.
func (o Options) stages() ([]crawler.Stage, error) {
	if len(o.Stages) == 0 {
		return crawler.Stages(), nil
	}
	out := make([]crawler.Stage, 0, len(o.Stages))
	for _, s := range o.Stages {
		if s.Index() < 0 {
			return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidOptions, s)
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b crawler.Stage) int { return a.Index() - b.Index() })
	return out, nil
}

// Package dispatcher fans a run's sources out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/queue/memory"
	"github.com/JakeFAU/ingest-crawler/internal/worker"
)

// Dispatcher runs sources through a fixed set of workers.
type Dispatcher struct {
	workers []*worker.Worker
	depth   int
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, logger: logger}
}

// WithQueueDepth sets the task buffer between the feeder and the workers.
// The default is one slot per worker.
func (d *Dispatcher) WithQueueDepth(n int) *Dispatcher {
	d.depth = n
	return d
}

// Scrape runs every source and returns one outcome per source in input
// order. When ctx ends, sources that were never started get ctx.Err() as
// their outcome error and that error is returned; sources already in flight
// still finish.
func (d *Dispatcher) Scrape(ctx context.Context, runID string, sources []crawler.Source) ([]worker.Outcome, error) {
	if len(d.workers) == 0 {
		return nil, errors.New("dispatcher has no workers")
	}
	outcomes := make([]worker.Outcome, len(sources))
	started := make([]bool, len(sources))
	if len(sources) == 0 {
		return outcomes, nil
	}

	depth := d.depth
	if depth <= 0 {
		depth = len(d.workers)
	}
	q := memory.NewQueue(depth)
	var g errgroup.Group
	g.Go(func() error {
		defer q.Close()
		for i, src := range sources {
			// On cancellation the remaining sources are reported as unstarted.
			if q.Enqueue(ctx, crawler.SourceTask{Index: i, Source: src}) != nil {
				break
			}
		}
		return nil
	})
	for _, w := range d.workers {
		g.Go(func() error {
			w.Run(ctx, runID, q, func(out worker.Outcome) {
				outcomes[out.Task.Index] = out
				started[out.Task.Index] = true
			})
			return nil
		})
	}
	_ = g.Wait()

	skipped := 0
	for i, ok := range started {
		if ok {
			continue
		}
		err := ctx.Err()
		if err == nil {
			err = fmt.Errorf("source %s was not scraped", sources[i].Name)
		}
		outcomes[i] = worker.Outcome{Task: crawler.SourceTask{Index: i, Source: sources[i]}, Err: err}
		skipped++
	}
	if skipped > 0 {
		d.logger.Warn("scrape interrupted",
			zap.String("run_id", runID),
			zap.Int("not_started", skipped),
			zap.Int("sources", len(sources)),
		)
	}
	if err := ctx.Err(); err != nil {
		return outcomes, fmt.Errorf("scrape interrupted: %w", err)
	}
	return outcomes, nil
}

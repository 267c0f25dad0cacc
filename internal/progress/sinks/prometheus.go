package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/ingest-crawler/internal/progress"
)

// PrometheusSink exports run and source progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	stageItems *prometheus.CounterVec

	sourceFetches  *prometheus.CounterVec
	sourceBytes    *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_runs_started_total",
			Help: "Pipeline runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_runs_completed_total",
			Help: "Pipeline runs finished, partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_runs_running",
			Help: "Pipeline runs currently running in this process.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_run_runtime_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{10, 30, 60, 300, 600, 1200, 1800, 3600, 7200},
		}, []string{"result"}),
		stageItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_stage_output_items_total",
			Help: "Items written by completed stages.",
		}, []string{"stage", "category"}),
		sourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_source_fetches_total",
			Help: "Source scrapes partitioned by source and status class.",
		}, []string{"source", "status_class"}),
		sourceBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_source_bytes_total",
			Help: "Bytes downloaded per source.",
		}, []string{"source"}),
		sourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_source_duration_seconds",
			Help:    "Scrape duration per winning engine.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"engine"}),
		tracker: newRunTracker(),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsRunning, s.runRuntime,
		s.stageItems, s.sourceFetches, s.sourceBytes, s.sourceDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindRunStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.KindRunDone:
			s.finishRun(evt, "success")
		case progress.KindRunError:
			s.finishRun(evt, "error")
		case progress.KindStageDone:
			s.stageItems.WithLabelValues(string(evt.Stage), orUnknown(evt.Category)).Add(float64(evt.Items))
		case progress.KindSourceDone:
			s.sourceFetches.WithLabelValues(evt.Source, string(evt.StatusClass)).Inc()
			if evt.Bytes > 0 {
				s.sourceBytes.WithLabelValues(evt.Source).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.sourceDuration.WithLabelValues(orUnknown(evt.Engine)).Observe(evt.Dur.Seconds())
			}
		case progress.KindSourceError:
			s.sourceFetches.WithLabelValues(evt.Source, "error").Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

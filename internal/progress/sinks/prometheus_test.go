package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/progress"
)

func runEvents(now time.Time) []progress.Event {
	return []progress.Event{
		{RunID: "r1", TS: now, Kind: progress.KindRunStart},
		{RunID: "r1", TS: now, Kind: progress.KindRunStart},
		{
			RunID: "r1", TS: now, Kind: progress.KindSourceDone, Source: "ministry", Engine: "http",
			Bytes: 2048, Items: 5, StatusClass: progress.Status2xx, Dur: 300 * time.Millisecond,
		},
		{RunID: "r1", TS: now, Kind: progress.KindSourceError, Source: "council", Note: "all fetch attempts failed"},
		{RunID: "r1", TS: now, Kind: progress.KindStageDone, Stage: crawler.StageScrape, Category: "policy", Items: 5},
		{RunID: "r1", TS: now, Kind: progress.KindRunDone, Dur: time.Minute},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), runEvents(time.Now())))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning), "duplicate starts are tracked once")
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sourceFetches.WithLabelValues("ministry", "2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sourceFetches.WithLabelValues("council", "error")))
	require.Equal(t, 2048.0, testutil.ToFloat64(sink.sourceBytes.WithLabelValues("ministry")))
	require.Equal(t, 5.0, testutil.ToFloat64(sink.stageItems.WithLabelValues("scrape", "policy")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.sourceDuration, "ingest_source_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), runEvents(time.Now())))

	require.Equal(t, 4, logs.FilterMessage("progress event").Len(), "run starts, run done and the source error")
	warn := logs.FilterField(zap.String("kind", string(progress.KindSourceError))).All()
	require.Len(t, warn, 1)
	require.Equal(t, zap.WarnLevel, warn[0].Level)
}

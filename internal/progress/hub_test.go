package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sampleEvent(KindRunStart))
	hub.Emit(sampleEvent(KindStageStart))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sampleEvent(KindSourceDone))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	for i := 0; i < 10; i++ {
		hub.Emit(sampleEvent(KindRunStart))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(9), hub.dropped.Load(), "the first drop is logged and reset")
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Kind: KindRunStart})
	hub.Emit(Event{RunID: "r1", TS: time.Now(), Kind: KindSourceDone})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(sampleEvent(KindRunDone))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)

	hub.Emit(sampleEvent(KindRunDone))
	require.Len(t, sink.Batches(), 1, "emits after close are ignored")
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{"run start", Event{RunID: "r", TS: now, Kind: KindRunStart}, true},
		{"missing run", Event{TS: now, Kind: KindRunStart}, false},
		{"missing ts", Event{RunID: "r", Kind: KindRunStart}, false},
		{"stage without stage", Event{RunID: "r", TS: now, Kind: KindStageDone}, false},
		{"stage", Event{RunID: "r", TS: now, Kind: KindStageDone, Stage: crawler.StageFilter}, true},
		{"source error", Event{RunID: "r", TS: now, Kind: KindSourceError, Source: "s"}, true},
		{"negative duration", Event{RunID: "r", TS: now, Kind: KindRunDone, Dur: -1}, false},
		{"unknown", Event{RunID: "r", TS: now, Kind: "NOPE"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if tc.ok {
				require.NoError(t, tc.evt.Validate())
			} else {
				require.Error(t, tc.evt.Validate())
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(204))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func sampleEvent(kind Kind) Event {
	evt := Event{RunID: "run-1", TS: time.Now(), Kind: kind, Stage: crawler.StageScrape, Source: "ministry"}
	if kind == KindSourceDone {
		evt.StatusClass = Status2xx
	}
	return evt
}

package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func startServer(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestPublishDeliversJSONWithTraceHeaders(t *testing.T) {
	ns := startServer(t)

	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "notify")
	defer span.End()

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("ingest.batches", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	id, err := pub.Publish(ctx, "ingest.batches", map[string]any{"run_id": "r1", "items": 4})
	require.NoError(t, err)
	require.Len(t, id, 24)

	select {
	case msg := <-msgs:
		var body map[string]any
		require.NoError(t, json.Unmarshal(msg.Data, &body))
		require.Equal(t, "r1", body["run_id"])
		require.Equal(t, id, msg.Header.Get(nats.MsgIdHdr))
		require.NotEmpty(t, msg.Header.Get("traceparent"))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()

	_, err := Connect("")
	require.Error(t, err)

	_, err = (&Publisher{}).Publish(context.Background(), "x", 1)
	require.Error(t, err)
	require.NoError(t, New(nil).Close())
}

func TestHeaderCarrier(t *testing.T) {
	t.Parallel()

	msg := &nats.Msg{}
	c := (*headerCarrier)(msg)
	require.Empty(t, c.Get("traceparent"))
	require.Empty(t, c.Keys())
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}

func TestPublishWithoutDeadlineFlushes(t *testing.T) {
	ns := startServer(t)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	msgs := make(chan *nats.Msg, 2)
	_, err = nc.ChanSubscribe("ingest.batches", msgs)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	// Run contexts come from signal.NotifyContext: cancellable, no deadline.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, hasDeadline := ctx.Deadline()
	require.False(t, hasDeadline)

	pub := New(nc).WithFlushTimeout(time.Second)
	_, err = pub.Publish(ctx, "ingest.batches", map[string]any{"run_id": "r2"})
	require.NoError(t, err)

	deadlineCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	_, err = pub.Publish(deadlineCtx, "ingest.batches", map[string]any{"run_id": "r3"})
	require.NoError(t, err)

	for _, want := range []string{"r2", "r3"} {
		select {
		case msg := <-msgs:
			var body map[string]any
			require.NoError(t, json.Unmarshal(msg.Data, &body))
			require.Equal(t, want, body["run_id"])
		case <-time.After(2 * time.Second):
			t.Fatalf("message %s not delivered", want)
		}
	}
}

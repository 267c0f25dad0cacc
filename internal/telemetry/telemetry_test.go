package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitWithoutProjectKeepsSpansLocal(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{ServiceName: "ingest-test", Version: "dev", Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Shutdown(context.Background())) })

	ctx, span := otel.Tracer("test").Start(ctx, "op")
	defer span.End()
	require.True(t, span.SpanContext().IsSampled())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
}

func TestShutdownNilProviders(t *testing.T) {
	t.Parallel()

	var p *Providers
	require.NoError(t, p.Shutdown(context.Background()))
}

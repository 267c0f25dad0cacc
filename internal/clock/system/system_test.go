package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsUTCAtMicrosecondPrecision(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	after := time.Now().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.Zero(t, got.Nanosecond()%1000)
	require.True(t, got.After(before) && got.Before(after), "got %v", got)
}

func TestNowRoundTripsThroughText(t *testing.T) {
	t.Parallel()

	got := New().Now()
	parsed, err := time.Parse(time.RFC3339Nano, got.Format(time.RFC3339Nano))
	require.NoError(t, err)
	require.True(t, got.Equal(parsed))
	require.False(t, New().Now().Before(got))
}

package uuid

import (
	"sort"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsUniqueVersion7(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	parsed, err := goUUID.Parse(first)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestNewIDSortsByCreation(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	ids := make([]string, 20)
	for i := range ids {
		id, err := gen.NewID()
		require.NoError(t, err)
		ids[i] = id
	}
	require.True(t, sort.StringsAreSorted(ids), "run ids: %v", ids)
}

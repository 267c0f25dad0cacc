package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIsStableAndFull(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("council approves budget"))
	require.NoError(t, err)
	require.Len(t, got, 64)

	again, err := h.Hash([]byte("council approves budget"))
	require.NoError(t, err)
	require.Equal(t, got, again)

	other, err := h.Hash([]byte("council rejects budget"))
	require.NoError(t, err)
	require.NotEqual(t, got, other)
}

func TestHashRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	_, err := New().Hash(nil)
	require.ErrorIs(t, err, ErrEmptyInput)
}

func TestShort(t *testing.T) {
	t.Parallel()

	require.Len(t, Short(16, "https://example.gov/a", "title"), 32)
	require.Len(t, Short(0, "x"), 64)
	require.Len(t, Short(99, "x"), 64)

	full, err := New().Hash([]byte("a\nb"))
	require.NoError(t, err)
	require.Equal(t, full[:24], Short(12, "a", "b"), "parts are newline joined")
	require.NotEqual(t, Short(12, "a", "b"), Short(12, "ab"))
}

package visibility_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picnode/internal/apierr"
	"picnode/internal/visibility"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := visibility.NewMemory()

	ok, err := visibility.Contains(ctx, s, "/pics")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetPublic(ctx, "/pics", true))
	// Enabling twice is a no-op, not an error.
	require.NoError(t, s.SetPublic(ctx, "/pics", true))
	require.NoError(t, s.SetPublic(ctx, "/other", true))

	ok, err = visibility.Contains(ctx, s, "/pics")
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/pics", "/other"}, list)

	require.NoError(t, s.SetPublic(ctx, "/pics", false))
	require.NoError(t, s.SetPublic(ctx, "/pics", false))

	ok, err = visibility.Contains(ctx, s, "/pics")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Close(ctx))
}

func TestCheckPathLength(t *testing.T) {
	t.Parallel()

	assert.NoError(t, visibility.CheckPath("/"+strings.Repeat("a", visibility.MaxPathBytes-1)))
	err := visibility.CheckPath("/" + strings.Repeat("a", visibility.MaxPathBytes))
	assert.ErrorIs(t, err, apierr.ErrBadRequest)

	s := visibility.NewMemory()
	err = s.SetPublic(context.Background(), "/"+strings.Repeat("b", visibility.MaxPathBytes), true)
	assert.ErrorIs(t, err, apierr.ErrBadRequest)
}

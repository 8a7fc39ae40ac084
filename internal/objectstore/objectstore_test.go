package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	key := BundleKey("user-1", "abc123")
	require.NoError(t, store.PutFile(ctx, key, strings.NewReader("zip-bytes")))

	exists, err := store.ObjectExists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	size, err := store.HeadObjectSize(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, len("zip-bytes"), size)

	dest := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, store.GetFile(ctx, key, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "zip-bytes", string(data))
}

func TestMemoryStoreMissingObject(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.HeadObjectSize(ctx, "missing")
	require.Error(t, err)

	exists, err := store.ObjectExists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestKeyLayout(t *testing.T) {
	require.Equal(t, "bundles/u1/hash123.zip", BundleKey("u1", "hash123"))
	require.Equal(t, "results/u1/job1/out.mp4", ResultKey("u1", "job1", "out.mp4"))
}

func TestPresignedURLsAreNonEmpty(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	putURL, err := store.PresignPut(ctx, "bundles/u1/h.zip")
	require.NoError(t, err)
	require.NotEmpty(t, putURL)

	getURL, err := store.PresignGet(ctx, "results/u1/j1/out.mp4")
	require.NoError(t, err)
	require.NotEmpty(t, getURL)
}

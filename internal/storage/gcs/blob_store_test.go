package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "client is required")

	_, err = New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestObjectNameAppliesPrefix(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "b", Prefix: "/assets/"})
	require.NoError(t, err)

	name, err := store.objectName("series/s1/cover.jpg")
	require.NoError(t, err)
	require.Equal(t, "assets/series/s1/cover.jpg", name)

	_, err = store.objectName("series/../../etc")
	require.ErrorContains(t, err, "traversal")

	_, err = store.objectName("  ")
	require.Error(t, err)
}

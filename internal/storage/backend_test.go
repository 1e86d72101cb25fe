package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/mdouchement/logger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logger.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logger.WrapLogrus(log)
}

func collect(t *testing.T, b Backend, prefix string) []string {
	t.Helper()

	keys := []string{}
	for key, err := range b.List(context.Background(), prefix) {
		require.NoError(t, err)
		keys = append(keys, key)
	}
	return keys
}

func read(t *testing.T, b Backend, key string) string {
	t.Helper()

	rc, err := b.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()

	payload, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(payload)
}

func put(t *testing.T, b Backend, key, content string) {
	t.Helper()

	err := b.Put(context.Background(), key, bytes.NewReader([]byte(content)), int64(len(content)))
	require.NoError(t, err)
}

// testBackend checks the behaviour shared by all the backends.
func testBackend(t *testing.T, b Backend) {
	ctx := context.Background()
	const blob = "blobs/sha256/b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

	ok, err := b.Exists(ctx, blob)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Get(ctx, blob)
	assert.True(t, IsNotFound(err), "got %v", err)

	//

	put(t, b, blob, "hello world")

	ok, err = b.Exists(ctx, blob)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello world", read(t, b, blob))

	put(t, b, blob, "hello world")
	assert.Equal(t, "hello world", read(t, b, blob), "identical overwrite is harmless")

	//

	const (
		test1   = "snapshots/test-1/.manifest"
		feature = "snapshots/feature/.manifest"
		nested  = "snapshots/feature/x/.manifest"
	)

	put(t, b, test1, "v1")
	put(t, b, feature, "v1")
	put(t, b, nested, "v1")
	put(t, b, "snapshotsx", "outside")

	assert.ElementsMatch(t, []string{feature, nested, test1}, collect(t, b, "snapshots/"))
	assert.ElementsMatch(t, []string{test1}, collect(t, b, "snapshots/t"))
	assert.ElementsMatch(t, []string{feature, nested}, collect(t, b, "snapshots/feature/"))
	assert.Empty(t, collect(t, b, "nothing/"))
	assert.Equal(t, "v1", read(t, b, nested))

	put(t, b, test1, "v2")
	assert.Equal(t, "v2", read(t, b, test1), "manifests are replaced")

	n := 0
	for _, err := range b.List(ctx, "snapshots/") {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)

	//

	put(t, b, "snapshots/release.tmp/.manifest", "v1")
	assert.Contains(t, collect(t, b, "snapshots/"), "snapshots/release.tmp/.manifest")
	require.NoError(t, b.Delete(ctx, "snapshots/release.tmp/.manifest"))

	//

	require.NoError(t, b.Delete(ctx, feature))
	require.NoError(t, b.Delete(ctx, feature), "deleting a missing key is not an error")

	ok, err = b.Exists(ctx, feature)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{nested, test1}, collect(t, b, "snapshots/"))
	assert.Equal(t, "v1", read(t, b, nested), "nested names survive the deletion of their parent")

	require.NoError(t, b.Delete(ctx, nested))
	assert.Equal(t, []string{test1}, collect(t, b, "snapshots/"))

	ok, err = b.Exists(ctx, blob)
	require.NoError(t, err)
	assert.True(t, ok)
}

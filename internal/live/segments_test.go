package live

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *SegmentStore {
	return NewSegmentStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeSegment(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAddSegmentRecordsDigest(t *testing.T) {
	store := newTestStore()
	dir := t.TempDir()
	path := writeSegment(t, dir, "0.ts", "segment-zero")

	require.NoError(t, store.AddSegment("session-a", path))

	sum := sha256.Sum256([]byte("segment-zero"))
	manifest := store.Manifest("session-a")
	require.NotNil(t, manifest)
	assert.Equal(t, hex.EncodeToString(sum[:]), manifest["0.ts"])
}

func TestAddSegmentOverwritesOnRewrite(t *testing.T) {
	store := newTestStore()
	dir := t.TempDir()
	path := writeSegment(t, dir, "0.ts", "first-write")
	require.NoError(t, store.AddSegment("session-a", path))
	before := store.Manifest("session-a")["0.ts"]

	// The encoder rewrites the segment in place, the digest follows.
	path = writeSegment(t, dir, "0.ts", "second-write")
	require.NoError(t, store.AddSegment("session-a", path))
	after := store.Manifest("session-a")["0.ts"]

	assert.NotEqual(t, before, after)
	assert.Len(t, store.Manifest("session-a"), 1)
}

func TestAddSegmentFailsOnMissingFile(t *testing.T) {
	store := newTestStore()
	err := store.AddSegment("session-a", filepath.Join(t.TempDir(), "gone.ts"))
	assert.Error(t, err)
	assert.Nil(t, store.Manifest("session-a"))
}

func TestRemoveSegmentIsIdempotent(t *testing.T) {
	store := newTestStore()
	dir := t.TempDir()
	path := writeSegment(t, dir, "0.ts", "segment-zero")
	require.NoError(t, store.AddSegment("session-a", path))

	store.RemoveSegment("session-a", path)
	assert.Empty(t, store.Manifest("session-a"))

	// A second removal, and removal for an unknown session, are both
	// benign no-ops.
	store.RemoveSegment("session-a", path)
	store.RemoveSegment("session-unknown", path)
}

func TestSessionsAreIndependent(t *testing.T) {
	store := newTestStore()
	dir := t.TempDir()
	pathA := writeSegment(t, dir, "a.ts", "content-a")
	pathB := writeSegment(t, dir, "b.ts", "content-b")

	require.NoError(t, store.AddSegment("session-a", pathA))
	require.NoError(t, store.AddSegment("session-b", pathB))

	assert.Len(t, store.Manifest("session-a"), 1)
	assert.Len(t, store.Manifest("session-b"), 1)

	store.Cleanup("session-a")
	assert.Nil(t, store.Manifest("session-a"))
	assert.Len(t, store.Manifest("session-b"), 1)
}

func TestManifestIsASnapshot(t *testing.T) {
	store := newTestStore()
	dir := t.TempDir()
	path := writeSegment(t, dir, "0.ts", "segment-zero")
	require.NoError(t, store.AddSegment("session-a", path))

	manifest := store.Manifest("session-a")
	store.RemoveSegment("session-a", path)

	// The returned map is a copy, mutations after the snapshot do not
	// show through.
	assert.Len(t, manifest, 1)
	assert.Empty(t, store.Manifest("session-a"))
}

func TestConcurrentSegmentChurn(t *testing.T) {
	store := newTestStore()
	dir := t.TempDir()

	const workers = 8
	paths := make([]string, workers)
	for i := range paths {
		paths[i] = writeSegment(t, dir, fmt.Sprintf("seg-%d.ts", i), fmt.Sprintf("content-%d", i))
	}

	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = store.AddSegment("session-a", path)
				_ = store.Manifest("session-a")
				store.RemoveSegment("session-a", path)
			}
		}(path)
	}
	wg.Wait()

	assert.Empty(t, store.Manifest("session-a"))
}

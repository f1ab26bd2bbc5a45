package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/you-humble/boothscan/internal/domain"
	"github.com/you-humble/boothscan/internal/infra/store/blob/replicator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, s Store, name string) []byte {
	t.Helper()

	rc, _, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte("floor plan bytes")
	sum := sha256.Sum256(payload)

	n, hash, err := s.Save(ctx, bytes.NewReader(payload), "scans/a.png", int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)

	assert.Equal(t, payload, readAll(t, s, "scans/a.png"))

	require.NoError(t, s.Delete(ctx, "scans/a.png"))
	_, _, err = s.Open(ctx, "scans/a.png")
	assert.ErrorIs(t, err, domain.ErrBlobNotFound)

	assert.NoError(t, s.Delete(ctx, "scans/a.png"))
}

func TestLocalStoreRejectsEscapingNames(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.Save(context.Background(), bytes.NewReader([]byte("x")), "../outside.png", 1)
	assert.Error(t, err)
	_, _, err = s.Save(context.Background(), bytes.NewReader([]byte("x")), "  ", 1)
	assert.Error(t, err)
}

func TestLocalStoreCleanupOlderThan(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)

	_, _, err = s.Save(ctx, bytes.NewReader([]byte("old")), "old.png", 3)
	require.NoError(t, err)
	_, _, err = s.Save(ctx, bytes.NewReader([]byte("new")), "new.png", 3)
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.png"), past, past))

	require.NoError(t, s.CleanupOlderThan(ctx, 24*time.Hour))

	_, _, err = s.Open(ctx, "old.png")
	assert.ErrorIs(t, err, domain.ErrBlobNotFound)
	assert.Equal(t, []byte("new"), readAll(t, s, "new.png"))
}

func TestAsyncStoreReplicatesAndFallsBack(t *testing.T) {
	ctx := context.Background()

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	remote, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	s := NewAsyncStore(ctx, "scans", local, remote, replicator.Config{
		QueueSize:  4,
		Workers:    2,
		MaxRetries: 1,
		RetryDelay: 10 * time.Millisecond,
	})

	payload := []byte("replicate me")
	_, _, err = s.Save(ctx, bytes.NewReader(payload), "scan.png", int64(len(payload)))
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(stopCtx))

	assert.Equal(t, payload, readAll(t, remote, "scan.png"))

	require.NoError(t, local.Delete(ctx, "scan.png"))
	assert.Equal(t, payload, readAll(t, s, "scan.png"))

	require.NoError(t, s.Delete(ctx, "scan.png"))
	_, _, err = s.Open(ctx, "scan.png")
	assert.ErrorIs(t, err, domain.ErrBlobNotFound)
}

func TestAsyncStoreKeepsEmptyUploadsLocal(t *testing.T) {
	ctx := context.Background()

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	remote, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	s := NewAsyncStore(ctx, "scans", local, remote, replicator.Config{QueueSize: 1, Workers: 1})

	n, _, err := s.Save(ctx, bytes.NewReader(nil), "scans/empty.png", 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(stopCtx))

	_, _, err = remote.Open(ctx, "scans/empty.png")
	assert.ErrorIs(t, err, domain.ErrBlobNotFound)
}

func TestReplicatorDropsDeletedSources(t *testing.T) {
	ctx := context.Background()

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	remote, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	// A retry would sleep for an hour and blow the stop deadline.
	r := replicator.New(local, remote, replicator.Config{
		QueueSize:  1,
		Workers:    1,
		MaxRetries: 3,
		RetryDelay: time.Hour,
	})
	r.Start(ctx)
	require.True(t, r.Enqueue(replicator.Job{Filename: "scans/dup.png", Size: 3}))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))

	_, _, err = remote.Open(ctx, "scans/dup.png")
	assert.ErrorIs(t, err, domain.ErrBlobNotFound)
}

func TestMinIOObjectNames(t *testing.T) {
	scans := NewMinIOStore(nil, "boothscan", "scans/")
	overlays := NewMinIOStore(nil, "boothscan", "overlays")

	tests := []struct {
		name  string
		store *minioStore
		in    string
		want  string
	}{
		{name: "upload ref keeps its prefix", store: scans, in: "scans/3f2a.png", want: "scans/3f2a.png"},
		{name: "bare name gets the prefix", store: scans, in: "3f2a.png", want: "scans/3f2a.png"},
		{name: "leading slash", store: scans, in: "/scans/3f2a.png", want: "scans/3f2a.png"},
		{name: "overlay", store: overlays, in: "task-1.png", want: "overlays/task-1.png"},
		{name: "scan ref in overlay store", store: overlays, in: "scans/a.png", want: "overlays/scans/a.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.store.objectName(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "  ", "/", "../results/t-1.json", "scans/../../x"} {
		_, err := scans.objectName(bad)
		assert.Error(t, err, bad)
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", contentType("overlays/task-1.png"))
	assert.Equal(t, "image/jpeg", contentType("scans/a.JPG"))
	assert.Equal(t, "image/jpeg", contentType("scans/a.jpeg"))
	assert.Equal(t, "image/tiff", contentType("scans/a.tif"))
	assert.Equal(t, "image/webp", contentType("scans/a.webp"))
	assert.Equal(t, "application/octet-stream", contentType("scans/a.dwg"))
}

func TestMinIOCleanupNeedsAPrefix(t *testing.T) {
	s := NewMinIOStore(nil, "boothscan", "")
	assert.Error(t, s.CleanupOlderThan(context.Background(), time.Hour))
}

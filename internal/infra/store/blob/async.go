package blobstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/you-humble/boothscan/internal/domain"
	"github.com/you-humble/boothscan/internal/infra/store/blob/replicator"

	"golang.org/x/sync/errgroup"
)

type Store interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, filename string) error
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

// asyncStore writes scans (or overlays, per kind) to local disk so the
// workers read them without a round trip, and copies them to the remote
// store in the background. Reads fall back to the remote store once the
// local copy has been cleaned up.
type asyncStore struct {
	kind       string
	local      Store
	remote     Store
	replicator *replicator.Replicator
}

func NewAsyncStore(ctx context.Context, kind string, local, remote Store, cfg replicator.Config) *asyncStore {
	repl := replicator.New(local, remote, cfg)
	repl.Start(ctx)

	return &asyncStore{
		kind:       kind,
		local:      local,
		remote:     remote,
		replicator: repl,
	}
}

func (s *asyncStore) Close(ctx context.Context) error {
	return s.replicator.Stop(ctx)
}

// Save keeps empty uploads local: they are rejected and deleted right away,
// so there is nothing worth replicating.
func (s *asyncStore) Save(
	ctx context.Context,
	reader io.Reader,
	filename string,
	size int64,
) (int64, string, error) {
	written, hash, err := s.local.Save(ctx, reader, filename, size)
	if err != nil {
		return 0, "", err
	}
	if written == 0 {
		return written, hash, nil
	}

	ok := s.replicator.Enqueue(replicator.Job{
		Filename: filename,
		Size:     written,
		Hash:     hash,
	})
	if !ok {
		slog.Error("asyncStore: replication queue full, file saved only locally",
			slog.String("kind", s.kind),
			slog.String("filename", filename),
			slog.Int64("size", written),
		)
	}

	return written, hash, nil
}

func (s *asyncStore) Open(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	rc, size, err := s.local.Open(ctx, filename)
	if err == nil {
		return rc, size, nil
	}
	if !errors.Is(err, domain.ErrBlobNotFound) {
		return nil, 0, err
	}

	slog.Debug("asyncStore: local miss, reading remote",
		slog.String("kind", s.kind),
		slog.String("filename", filename),
	)
	return s.remote.Open(ctx, filename)
}

func (s *asyncStore) Delete(ctx context.Context, filename string) error {
	var firstErr error

	if err := s.local.Delete(ctx, filename); err != nil {
		firstErr = err
		slog.Warn("asyncStore: delete local failed",
			slog.String("kind", s.kind),
			slog.String("filename", filename),
			slog.String("error", err.Error()),
		)
	}

	if err := s.remote.Delete(ctx, filename); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		slog.Warn("asyncStore: delete remote failed",
			slog.String("kind", s.kind),
			slog.String("filename", filename),
			slog.String("error", err.Error()),
		)
	}

	return firstErr
}

func (s *asyncStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	eg, eCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return s.local.CleanupOlderThan(eCtx, maxAge)
	})
	eg.Go(func() error {
		return s.remote.CleanupOlderThan(eCtx, maxAge)
	})

	return eg.Wait()
}

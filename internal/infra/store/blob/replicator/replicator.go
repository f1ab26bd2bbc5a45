package replicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/you-humble/boothscan/internal/domain"
)

type Source interface {
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
}

type Target interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
}

// Job copies one file from the source to the target.
type Job struct {
	Filename string
	Size     int64
	Hash     string
	Attempt  int
}

type Config struct {
	QueueSize  int           `yaml:"queue_size"`
	Workers    int           `yaml:"workers"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Replicator copies freshly written scans to remote storage in the
// background. Failed jobs are retried after RetryDelay·attempt.
type Replicator struct {
	src Source
	dst Target
	cfg Config

	queue chan Job
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

func New(src Source, dst Target, cfg Config) *Replicator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	return &Replicator{
		src:    src,
		dst:    dst,
		cfg:    cfg,
		queue:  make(chan Job, cfg.QueueSize),
		cancel: func() {},
	}
}

func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(r.cfg.Workers)
	for range r.cfg.Workers {
		go r.worker(ctx)
	}
}

// Stop waits for queued jobs to finish or ctx to expire, whichever is first.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.pending.Wait()
		close(r.queue)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	case <-done:
	}

	r.cancel()
	slog.Info("replicator: stopped")
	return nil
}

// Enqueue returns false when the replicator is closed or the queue is full.
func (r *Replicator) Enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	r.pending.Add(1)
	select {
	case r.queue <- job:
		return true
	default:
		r.pending.Done()
		return false
	}
}

func (r *Replicator) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-r.queue:
			if !ok {
				return
			}
			r.handle(ctx, job)
			r.pending.Done()
		}
	}
}

func (r *Replicator) handle(ctx context.Context, job Job) {
	for {
		err := r.replicate(ctx, job)
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrBlobNotFound) {
			// duplicate uploads are deleted before they get replicated
			slog.Debug("replicator: source gone, skipping",
				slog.String("filename", job.Filename),
			)
			return
		}

		l := slog.With(
			slog.String("filename", job.Filename),
			slog.Int("attempt", job.Attempt),
			slog.String("error", err.Error()),
		)
		if job.Attempt >= r.cfg.MaxRetries || ctx.Err() != nil {
			l.Error("replicator: giving up")
			return
		}

		job.Attempt++
		l.Warn("replicator: retry scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.RetryDelay * time.Duration(job.Attempt)):
		}
	}
}

func (r *Replicator) replicate(ctx context.Context, job Job) error {
	rc, size, err := r.src.Open(ctx, job.Filename)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer rc.Close()

	if job.Size > 0 {
		size = job.Size
	}

	written, hash, err := r.dst.Save(ctx, rc, job.Filename, size)
	if err != nil {
		return fmt.Errorf("save to target: %w", err)
	}
	if written <= 0 {
		return fmt.Errorf("target wrote zero bytes")
	}
	if job.Hash != "" && hash != "" && job.Hash != hash {
		return fmt.Errorf("hash mismatch: source=%s target=%s", job.Hash, hash)
	}

	slog.Debug("replicator: file replicated",
		slog.String("filename", job.Filename),
		slog.Int64("size", written),
	)
	return nil
}

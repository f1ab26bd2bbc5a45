package resultstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/you-humble/boothscan/internal/domain"
)

// Cache is the fast tier. A miss is (zero, false, nil).
type Cache interface {
	Get(ctx context.Context, id string) (domain.ProcessingResult, bool, error)
	Set(ctx context.Context, r domain.ProcessingResult) error
}

// Durable keeps results for good. Save fails with ErrResultImmutable when a
// result for the id already exists.
type Durable interface {
	Load(ctx context.Context, id string) (domain.ProcessingResult, error)
	Save(ctx context.Context, r domain.ProcessingResult) error
}

type store struct {
	cache   Cache
	durable Durable
}

func New(cache Cache, durable Durable) *store {
	return &store{cache: cache, durable: durable}
}

// Put writes the durable tier first and then the cache. Once the durable
// write lands the result exists, so a failing cache only costs a warning.
func (s *store) Put(ctx context.Context, r domain.ProcessingResult) error {
	if r.TaskID == "" {
		return fmt.Errorf("result without task id")
	}
	if !r.Status.Terminal() {
		return fmt.Errorf("result for task %s is %s, not terminal", r.TaskID, r.Status)
	}

	if err := s.durable.Save(ctx, r); err != nil {
		if errors.Is(err, domain.ErrResultImmutable) {
			return err
		}
		return fmt.Errorf("durable save: %w", err)
	}

	if err := s.cache.Set(ctx, r); err != nil {
		slog.Warn("resultstore: cache write failed",
			slog.String("task_id", r.TaskID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Get reads the cache, then the durable tier, and repopulates the cache on a
// durable hit. A failing cache only costs the durable read.
func (s *store) Get(ctx context.Context, id string) (domain.ProcessingResult, error) {
	r, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		slog.Warn("resultstore: cache read failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}
	if ok {
		return r, nil
	}

	r, err = s.durable.Load(ctx, id)
	if err != nil {
		return domain.ProcessingResult{}, err
	}

	if err := s.cache.Set(ctx, r); err != nil {
		slog.Warn("resultstore: cache refill failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}

	return r, nil
}

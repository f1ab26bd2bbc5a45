package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// StartCleanup deletes finished tasks past their retention together with
// their scans. Stored results are kept.
func (o *orchestrator) StartCleanup(ctx context.Context) {
	if o.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.cfg.CleanupInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				o.cleanup(ctx, now)
			}
		}
	}()
}

func (o *orchestrator) cleanup(ctx context.Context, now time.Time) {
	expired, err := o.tasks.ExpiredTasks(ctx, now)
	if err != nil {
		slog.Warn("cleanup: list expired", slog.String("error", err.Error()))
		return
	}
	if len(expired) > 0 {
		slog.Info("cleanup", slog.Int("count_of_expired_tasks", len(expired)))
	}

	for _, id := range expired {
		task, err := o.tasks.Task(ctx, id)
		if err != nil {
			continue
		}
		if task.ImageRef == "" {
			continue
		}
		if err := o.blobs.Delete(ctx, task.ImageRef); err != nil {
			slog.Warn("cleanup scan", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}

	n, err := o.tasks.DeleteExpired(ctx, now)
	if err != nil {
		slog.Warn("cleanup tasks", slog.String("error", err.Error()))
	} else if n > 0 {
		slog.Info("cleanup tasks", slog.Int("deleted_tasks", n))
	}

	if o.cfg.TaskTTL > 0 {
		err := o.blobs.CleanupOlderThan(ctx, 2*o.cfg.TaskTTL)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("cleanup old scans", slog.String("error", err.Error()))
		}
	}
}

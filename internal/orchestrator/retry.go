package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/wb-go/wbf/retry"
)

// retry parks the task in Retrying and re-enqueues it once delay passes.
// The current delivery is acknowledged by the caller.
func (o *orchestrator) retry(ctx context.Context, task domain.Task, se *domain.StageError, delay time.Duration) error {
	if _, err := o.tasks.Transition(ctx, task.ID, domain.StatusRunning, domain.StatusRetrying, se.Error()); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}

	o.schedule(task, delay)
	return nil
}

func (o *orchestrator) schedule(task domain.Task, delay time.Duration) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.requeue(context.Background(), task)
		return
	}

	o.retries.Add(1)
	p := &pendingRetry{task: task}
	p.timer = time.AfterFunc(delay, func() {
		defer o.retries.Done()

		o.mu.Lock()
		delete(o.pending, task.ID)
		o.mu.Unlock()

		o.requeue(context.Background(), task)
	})
	o.pending[task.ID] = p
	o.mu.Unlock()
}

func (o *orchestrator) isPending(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, ok := o.pending[taskID]
	return ok
}

// requeue moves a Retrying task back to Queued and publishes it again. A
// cancel request that arrived during the backoff fails the task instead.
func (o *orchestrator) requeue(ctx context.Context, task domain.Task) {
	l := slog.With(slog.String("task_id", task.ID))

	cur, err := o.tasks.Task(ctx, task.ID)
	if err != nil {
		l.Error("requeue: load task", slog.String("error", err.Error()))
		return
	}
	if cur.Status != domain.StatusRetrying {
		return
	}
	cur.Settings = cur.Settings.Normalize(o.cfg.Defaults)

	if cur.CancelRequested {
		se := domain.NewCancelledError(domain.StageQueue)
		se.Attempt = cur.Attempts
		res := o.newResult(cur, domain.StatusFailed, nil, []domain.ErrorDetail{se.Detail()}, 0)
		if err := o.finish(ctx, cur, domain.StatusRetrying, res); err != nil {
			l.Error("requeue: finish cancelled task", slog.String("error", err.Error()))
		}
		return
	}

	if _, err := o.tasks.Transition(ctx, task.ID, domain.StatusRetrying, domain.StatusQueued, ""); err != nil {
		l.Error("requeue: transition", slog.String("error", err.Error()))
		return
	}

	err = retry.Do(func() error {
		return o.queue.Enqueue(ctx, cur.ID, cur.Priority)
	}, o.cfg.EnqueueRetry)
	if err != nil {
		l.Error("requeue: enqueue failed, task left queued", slog.String("error", err.Error()))
		return
	}

	l.Info("task requeued", slog.Int("attempts", cur.Attempts))
}

// recoverStale decides whether a delivery for a not-yet-claimable task
// should proceed. A Running task whose worker went silent past its timeout,
// or a Retrying task whose backoff timer died with its process, is put back
// to Queued so the caller can claim it.
func (o *orchestrator) recoverStale(ctx context.Context, task domain.Task) (bool, error) {
	settings := task.Settings.Normalize(o.cfg.Defaults)
	task.Settings = settings
	l := slog.With(slog.String("task_id", task.ID), slog.String("status", string(task.Status)))

	switch task.Status {
	case domain.StatusQueued:
		return true, nil

	case domain.StatusRunning:
		if time.Since(task.UpdatedAt) < settings.Timeout+o.cfg.StaleGrace {
			return false, nil
		}
		l.Warn("reclaiming abandoned task")

		se := domain.NewTimeoutError(domain.StageQueue, errors.New("worker lost"))
		se.Attempt = task.Attempts
		if task.Attempts >= settings.MaxRetries {
			detail := se.Detail()
			detail.Message = fmt.Sprintf("%s; retry budget exhausted after %d attempts", detail.Message, task.Attempts)
			res := o.newResult(task, domain.StatusFailed, nil, []domain.ErrorDetail{detail}, 0)
			return false, o.finish(ctx, task, domain.StatusRunning, res)
		}
		if _, err := o.tasks.Transition(ctx, task.ID, domain.StatusRunning, domain.StatusRetrying, se.Error()); err != nil {
			return false, ignoreLost(err)
		}

	case domain.StatusRetrying:
		if o.isPending(task.ID) || time.Since(task.UpdatedAt) < o.cfg.RetryMaxDelay+o.cfg.StaleGrace {
			return false, nil
		}
		l.Warn("reviving retry with lost timer")

	default:
		return false, nil
	}

	if _, err := o.tasks.Transition(ctx, task.ID, domain.StatusRetrying, domain.StatusQueued, ""); err != nil {
		return false, ignoreLost(err)
	}
	return true, nil
}

// ignoreLost treats losing a transition race as "someone else has it".
func ignoreLost(err error) error {
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	return err
}

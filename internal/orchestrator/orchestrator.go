package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/you-humble/boothscan/internal/domain"
	"github.com/you-humble/boothscan/internal/infra/queue"
	"github.com/you-humble/boothscan/internal/pipeline"

	"github.com/wb-go/wbf/retry"
)

type TaskStore interface {
	Task(ctx context.Context, id string) (domain.Task, error)
	Claim(ctx context.Context, id string) (domain.Task, error)
	Transition(ctx context.Context, id string, from, to domain.TaskStatus, errMsg string) (domain.Task, error)
	ExpiredTasks(ctx context.Context, now time.Time) ([]string, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type Queue interface {
	Enqueue(ctx context.Context, taskID string, priority int) error
	Fetch(ctx context.Context) (queue.Delivery, error)
}

type ResultStore interface {
	Put(ctx context.Context, r domain.ProcessingResult) error
	Get(ctx context.Context, id string) (domain.ProcessingResult, error)
}

// Blobs holds the uploaded scans.
type Blobs interface {
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, filename string) error
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

type Pipeline interface {
	Run(ctx context.Context, raw []byte, settings domain.Settings, check pipeline.Checkpoint) (pipeline.Output, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev domain.ResultEvent) error
}

// OverlayWriter stores a review image for a finished task and returns its ref.
type OverlayWriter interface {
	WriteOverlay(ctx context.Context, taskID string, img image.Image, regions []domain.Region, res domain.AnalysisResult) (string, error)
}

type Config struct {
	Workers         int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	TaskTTL         time.Duration
	CleanupInterval time.Duration
	// StaleGrace is added to a task's timeout before a Running task with no
	// progress is considered abandoned by a dead worker.
	StaleGrace time.Duration
	Defaults   domain.Settings
	// EnqueueRetry bounds re-enqueueing a task after its backoff.
	EnqueueRetry retry.Strategy
}

type pendingRetry struct {
	task  domain.Task
	timer *time.Timer
}

type orchestrator struct {
	cfg Config

	tasks   TaskStore
	queue   Queue
	results ResultStore
	blobs   Blobs
	pipe    Pipeline
	events  Publisher
	overlay OverlayWriter

	workers sync.WaitGroup
	retries sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	pending map[string]*pendingRetry
}

func New(
	cfg Config,
	tasks TaskStore,
	q Queue,
	results ResultStore,
	blobs Blobs,
	pipe Pipeline,
	events Publisher,
	overlay OverlayWriter,
) *orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.StaleGrace <= 0 {
		cfg.StaleGrace = time.Minute
	}
	if cfg.EnqueueRetry.Attempts <= 0 {
		cfg.EnqueueRetry = retry.Strategy{Attempts: 3, Delay: 100 * time.Millisecond, Backoff: 2}
	}
	if cfg.Defaults == (domain.Settings{}) {
		cfg.Defaults = domain.DefaultSettings()
	}

	return &orchestrator{
		cfg:     cfg,
		tasks:   tasks,
		queue:   q,
		results: results,
		blobs:   blobs,
		pipe:    pipe,
		events:  events,
		overlay: overlay,
		pending: make(map[string]*pendingRetry),
	}
}

// Run starts the worker pool and returns. Workers stop when ctx is done.
func (o *orchestrator) Run(ctx context.Context) {
	o.workers.Add(o.cfg.Workers)
	for range o.cfg.Workers {
		go func() {
			defer o.workers.Done()
			o.runWorker(ctx)
		}()
	}

	slog.Info("orchestrator is running", slog.Int("workers", o.cfg.Workers))
}

// Stop waits for the workers, then hands every retry still waiting on its
// backoff straight back to the queue so nothing is left in Retrying.
func (o *orchestrator) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.workers.Wait()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("orchestrator stop: %w", ctx.Err())
	case <-done:
	}

	o.mu.Lock()
	o.stopped = true
	pending := o.pending
	o.pending = make(map[string]*pendingRetry)
	o.mu.Unlock()

	for _, p := range pending {
		if p.timer.Stop() {
			o.requeue(ctx, p.task)
			o.retries.Done()
		}
	}
	o.retries.Wait()

	slog.Info("orchestrator stopped", slog.Int("flushed_retries", len(pending)))
	return nil
}

func (o *orchestrator) runWorker(ctx context.Context) {
	for {
		d, err := o.queue.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				slog.Info("worker stopping")
				return
			}
			slog.Warn("queue fetch", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		o.handle(ctx, d)
	}
}

func (o *orchestrator) handle(ctx context.Context, d queue.Delivery) {
	l := slog.With(slog.String("task_id", d.TaskID))

	err := o.process(ctx, d.TaskID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTaskNotFound):
		l.Warn("dropping delivery for unknown task")
	default:
		l.Error("process", slog.String("error", err.Error()))
		if nakErr := d.Nak(); nakErr != nil {
			l.Warn("queue nak", slog.String("error", nakErr.Error()))
		}
		return
	}

	if err := d.Ack(); err != nil {
		l.Warn("queue ack", slog.String("error", err.Error()))
	}
}

// process drives one delivery. A nil error means the delivery is settled:
// the task finished, was scheduled for retry, or needed no work.
func (o *orchestrator) process(ctx context.Context, taskID string) error {
	task, err := o.tasks.Task(ctx, taskID)
	if err != nil {
		return err
	}

	if task.Status.Terminal() {
		slog.Debug("duplicate delivery of finished task", slog.String("task_id", taskID))
		return nil
	}

	if ok, err := o.recoverStale(ctx, task); err != nil || !ok {
		return err
	}

	claimed, err := o.tasks.Claim(ctx, taskID)
	if errors.Is(err, domain.ErrTaskNotClaimable) {
		slog.Debug("task claimed elsewhere", slog.String("task_id", taskID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}

	claimed.Settings = claimed.Settings.Normalize(o.cfg.Defaults)
	l := slog.With(
		slog.String("task_id", taskID),
		slog.Int("attempt", claimed.Attempts),
		slog.Int("max_retries", claimed.Settings.MaxRetries),
	)
	l.Info("process start")

	start := time.Now()
	out, runErr := o.run(ctx, claimed)
	elapsed := time.Since(start)

	// everything from here must land even if shutdown started meanwhile
	wctx := context.WithoutCancel(ctx)

	if runErr == nil {
		analysis := out.Analysis
		res := o.newResult(claimed, domain.StatusSucceeded, &analysis, analysis.Errors, elapsed)
		if o.overlay != nil && out.Prepared != nil {
			ref, err := o.overlay.WriteOverlay(wctx, taskID, out.Prepared, out.Regions, analysis)
			if err != nil {
				l.Warn("review overlay", slog.String("error", err.Error()))
			}
			res.OverlayRef = ref
		}
		l.Info("process done",
			slog.Int("companies", len(analysis.Companies)),
			slog.Int("booth_sizes", len(analysis.BoothSizes)),
			slog.Int("review", analysis.ReviewCount),
			slog.Int("region_errors", len(analysis.Errors)),
			slog.Duration("took", elapsed),
		)
		return o.finish(wctx, claimed, domain.StatusRunning, res)
	}

	se := domain.AsStageError(domain.StageFetch, runErr)
	if ctx.Err() != nil && se.Class() != domain.ClassTransient {
		// interrupted by shutdown rather than failed by the input
		se = domain.NewTimeoutError(se.Stage, fmt.Errorf("worker shutdown: %w", ctx.Err()))
	}
	se.Attempt = claimed.Attempts

	l = l.With(slog.String("error", se.Error()), slog.String("class", se.Class().String()))

	if se.Class() == domain.ClassTransient && claimed.Attempts < claimed.Settings.MaxRetries {
		delay := o.backoff(claimed.Attempts)
		l.Warn("process failed, retry scheduled", slog.Duration("delay", delay))
		return o.retry(wctx, claimed, se, delay)
	}

	detail := se.Detail()
	if se.Class() == domain.ClassTransient {
		detail.Message = fmt.Sprintf("%s; retry budget exhausted after %d attempts", detail.Message, claimed.Attempts)
	}
	l.Error("process failed", slog.Int("stage_errors", len(out.Errors)))

	errs := append([]domain.ErrorDetail{detail}, out.Errors...)
	res := o.newResult(claimed, domain.StatusFailed, nil, errs, elapsed)
	return o.finish(wctx, claimed, domain.StatusRunning, res)
}

func (o *orchestrator) run(ctx context.Context, task domain.Task) (pipeline.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, task.Settings.Timeout)
	defer cancel()

	check := o.checkpoint(task.ID)
	if err := check(ctx, domain.StageFetch); err != nil {
		return pipeline.Output{}, domain.AsStageError(domain.StageFetch, err)
	}

	raw, err := o.fetchImage(ctx, task.ImageRef)
	if err != nil {
		return pipeline.Output{}, err
	}

	return o.pipe.Run(ctx, raw, task.Settings, check)
}

// checkpoint re-reads the task between stages so a cancel request stops it
// at the next stage boundary.
func (o *orchestrator) checkpoint(taskID string) pipeline.Checkpoint {
	return func(ctx context.Context, next domain.Stage) error {
		t, err := o.tasks.Task(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return domain.NewStorageError(next, err)
		}
		if t.CancelRequested {
			slog.Info("task cancelled", slog.String("task_id", taskID), slog.String("before", string(next)))
			return domain.NewCancelledError(next)
		}
		return nil
	}
}

// finish stores the terminal result, then moves the task to its final
// status and publishes the event. The stored result decides the status: if
// an earlier attempt already stored one, the task follows that result.
func (o *orchestrator) finish(ctx context.Context, task domain.Task, from domain.TaskStatus, res domain.ProcessingResult) error {
	err := o.results.Put(ctx, res)
	if errors.Is(err, domain.ErrResultImmutable) {
		stored, gerr := o.results.Get(ctx, task.ID)
		if gerr != nil {
			return fmt.Errorf("load stored result: %w", gerr)
		}
		slog.Warn("result already stored, keeping it",
			slog.String("task_id", task.ID),
			slog.String("stored_status", string(stored.Status)),
			slog.String("attempt_status", string(res.Status)),
		)
		res = stored
		err = nil
	}
	if err != nil {
		se := domain.NewStorageError(domain.StageStore, err)
		se.Attempt = task.Attempts
		if from == domain.StatusRunning && task.Attempts < task.Settings.MaxRetries {
			slog.Warn("result store failed, retry scheduled",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
			return o.retry(ctx, task, se, o.backoff(task.Attempts))
		}

		if _, terr := o.tasks.Transition(ctx, task.ID, from, domain.StatusFailed, se.Error()); terr != nil {
			return errors.Join(err, terr)
		}
		return fmt.Errorf("store result: %w", err)
	}

	errMsg := ""
	if res.Status == domain.StatusFailed && len(res.Errors) > 0 {
		errMsg = res.Errors[0].Message
	}
	if _, err := o.tasks.Transition(ctx, task.ID, from, res.Status, errMsg); err != nil {
		return fmt.Errorf("finish task: %w", err)
	}

	o.publish(ctx, res)
	return nil
}

func (o *orchestrator) publish(ctx context.Context, res domain.ProcessingResult) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, domain.NewResultEvent(res)); err != nil {
		slog.Warn("publish result event",
			slog.String("task_id", res.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *orchestrator) newResult(
	task domain.Task,
	status domain.TaskStatus,
	analysis *domain.AnalysisResult,
	errs []domain.ErrorDetail,
	elapsed time.Duration,
) domain.ProcessingResult {
	if errs == nil {
		errs = []domain.ErrorDetail{}
	}
	return domain.ProcessingResult{
		TaskID:      task.ID,
		Fingerprint: task.Fingerprint,
		Status:      status,
		Analysis:    analysis,
		Errors:      errs,
		Attempts:    task.Attempts,
		Duration:    elapsed,
		CreatedAt:   task.CreatedAt,
		CompletedAt: time.Now().UTC(),
	}
}

// backoff is base·2^(attempt-1), capped at the configured maximum.
func (o *orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.cfg.RetryMaxDelay {
			return o.cfg.RetryMaxDelay
		}
	}
	return min(d, o.cfg.RetryMaxDelay)
}

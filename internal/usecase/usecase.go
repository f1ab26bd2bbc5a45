package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/google/uuid"
)

type FileStore interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Delete(ctx context.Context, filename string) error
}

type TaskStore interface {
	Create(ctx context.Context, p domain.CreateTaskParams) (domain.Task, bool, error)
	Task(ctx context.Context, id string) (domain.Task, error)
	ReleaseFingerprint(ctx context.Context, fingerprint, id string) error
	Claim(ctx context.Context, id string) (domain.Task, error)
	Transition(ctx context.Context, id string, from, to domain.TaskStatus, errMsg string) (domain.Task, error)
	RequestCancel(ctx context.Context, id string) (domain.Task, error)
}

type TaskQueue interface {
	Enqueue(ctx context.Context, taskID string, priority int) error
}

type ResultStore interface {
	Get(ctx context.Context, id string) (domain.ProcessingResult, error)
}

var supportedExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".tif": true, ".tiff": true, ".bmp": true, ".webp": true,
}

var ErrUnsupportedFormat = errors.New("unsupported image format")

// maxCreateAttempts bounds the release-and-recreate loop when a terminal
// task without a result keeps the fingerprint.
const maxCreateAttempts = 3

type usecase struct {
	taskTTL   time.Duration
	defaults  domain.Settings
	taskStore TaskStore
	fileStore FileStore
	queue     TaskQueue
	results   ResultStore
}

func New(
	taskTTL time.Duration,
	defaults domain.Settings,
	taskStore TaskStore,
	fileStore FileStore,
	queue TaskQueue,
	results ResultStore,
) *usecase {
	if defaults == (domain.Settings{}) {
		defaults = domain.DefaultSettings()
	}
	return &usecase{
		taskTTL:   taskTTL,
		defaults:  defaults,
		taskStore: taskStore,
		fileStore: fileStore,
		queue:     queue,
		results:   results,
	}
}

func (uc *usecase) Defaults() domain.Settings { return uc.defaults }

// Upload stores the scan under a fresh name and submits it. The upload is
// removed again when the fingerprint already belongs to a task.
func (uc *usecase) Upload(
	ctx context.Context,
	file io.Reader,
	filename string,
	size int64,
	priority int,
	settings domain.Settings,
) (domain.SubmitResponse, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !supportedExt[ext] {
		return domain.SubmitResponse{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	imageRef := "scans/" + uuid.NewString() + ext
	written, hash, err := uc.fileStore.Save(ctx, file, imageRef, size)
	if err != nil {
		return domain.SubmitResponse{}, fmt.Errorf("save file: %w", err)
	}
	if written == 0 {
		uc.deleteUpload(ctx, imageRef)
		return domain.SubmitResponse{}, fmt.Errorf("%w: empty file", ErrUnsupportedFormat)
	}

	resp, err := uc.Submit(ctx, domain.SubmitRequest{
		Fingerprint: hash,
		ImageRef:    imageRef,
		Priority:    priority,
		Settings:    settings,
	})
	if err != nil || resp.Duplicate {
		uc.deleteUpload(ctx, imageRef)
	}
	return resp, err
}

func (uc *usecase) deleteUpload(ctx context.Context, name string) {
	if err := uc.fileStore.Delete(context.WithoutCancel(ctx), name); err != nil {
		slog.Warn("delete duplicated upload",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
	}
}

// Submit creates a task for the fingerprint or returns the one that already
// owns it. Only newly created tasks are enqueued.
func (uc *usecase) Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResponse, error) {
	if req.Fingerprint == "" {
		return domain.SubmitResponse{}, domain.ErrEmptyFingerprint
	}

	params := domain.CreateTaskParams{
		Fingerprint: req.Fingerprint,
		ImageRef:    req.ImageRef,
		Priority:    req.Priority,
		Settings:    req.Settings.Normalize(uc.defaults),
		TTL:         uc.taskTTL,
	}

	for range maxCreateAttempts {
		task, created, err := uc.taskStore.Create(ctx, params)
		if err != nil {
			return domain.SubmitResponse{}, fmt.Errorf("create task: %w", err)
		}
		if created {
			return uc.enqueue(ctx, task)
		}

		if !task.Status.Terminal() {
			return domain.SubmitResponse{TaskID: task.ID, Status: task.Status, Duplicate: true}, nil
		}

		res, err := uc.results.Get(ctx, task.ID)
		switch {
		case err == nil:
			return domain.SubmitResponse{
				TaskID:    task.ID,
				Status:    task.Status,
				Duplicate: true,
				Result:    &res,
			}, nil
		case !errors.Is(err, domain.ErrResultNotFound):
			return domain.SubmitResponse{}, fmt.Errorf("load result: %w", err)
		}

		slog.Info("terminal task has no result, resubmitting",
			slog.String("task_id", task.ID),
			slog.String("fingerprint", task.Fingerprint),
		)
		if err := uc.taskStore.ReleaseFingerprint(ctx, task.Fingerprint, task.ID); err != nil {
			return domain.SubmitResponse{}, fmt.Errorf("release fingerprint: %w", err)
		}
	}

	return domain.SubmitResponse{}, fmt.Errorf("create task: fingerprint %s is contended", req.Fingerprint)
}

func (uc *usecase) enqueue(ctx context.Context, task domain.Task) (domain.SubmitResponse, error) {
	slog.Debug("Enqueue task", slog.String("task_id", task.ID))

	err := uc.queue.Enqueue(ctx, task.ID, task.Priority)
	if err == nil {
		return domain.SubmitResponse{TaskID: task.ID, Status: task.Status}, nil
	}

	qe := domain.NewQueueError(err)
	slog.Error("Enqueue failed",
		slog.String("task_id", task.ID),
		slog.String("error", err.Error()),
	)

	// A queued task can only fail after it was claimed.
	ctx = context.WithoutCancel(ctx)
	if _, cerr := uc.taskStore.Claim(ctx, task.ID); cerr != nil {
		slog.Error("mark task failed: claim", slog.String("task_id", task.ID), slog.String("error", cerr.Error()))
	} else if _, terr := uc.taskStore.Transition(ctx, task.ID, domain.StatusRunning, domain.StatusFailed,
		qe.Detail().Code+": "+qe.Error()); terr != nil {
		slog.Error("mark task failed: transition", slog.String("task_id", task.ID), slog.String("error", terr.Error()))
	}

	return domain.SubmitResponse{}, fmt.Errorf("enqueue: %w", qe)
}

func (uc *usecase) Status(ctx context.Context, taskID string) (domain.StatusResponse, error) {
	task, err := uc.taskStore.Task(ctx, taskID)
	if err != nil {
		return domain.StatusResponse{}, err
	}

	resp := domain.StatusResponse{
		ID:       task.ID,
		Status:   task.Status,
		Attempts: task.Attempts,
		Error:    task.Error,
	}
	if task.Status.Terminal() {
		resp.ResultURL = fmt.Sprintf("/scans/%s/result", task.ID)
	}

	return resp, nil
}

// Result returns the stored result. Results outlive their tasks, so the
// result store is asked first.
func (uc *usecase) Result(ctx context.Context, taskID string) (domain.ProcessingResult, error) {
	res, err := uc.results.Get(ctx, taskID)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, domain.ErrResultNotFound) {
		return domain.ProcessingResult{}, fmt.Errorf("load result: %w", err)
	}

	task, err := uc.taskStore.Task(ctx, taskID)
	if err != nil {
		return domain.ProcessingResult{}, err
	}
	if !task.Status.Terminal() {
		return domain.ProcessingResult{}, domain.ErrResultNotReady
	}

	return domain.ProcessingResult{}, domain.ErrResultNotFound
}

// Cancel flags the task; workers observe the flag between stages.
func (uc *usecase) Cancel(ctx context.Context, taskID string) (domain.StatusResponse, error) {
	task, err := uc.taskStore.RequestCancel(ctx, taskID)
	if err != nil {
		return domain.StatusResponse{}, err
	}

	return domain.StatusResponse{
		ID:       task.ID,
		Status:   task.Status,
		Attempts: task.Attempts,
	}, nil
}

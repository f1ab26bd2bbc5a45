package usecase

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/you-humble/boothscan/internal/domain"
	blobstore "github.com/you-humble/boothscan/internal/infra/store/blob"
	resultstore "github.com/you-humble/boothscan/internal/infra/store/result"
	taskstore "github.com/you-humble/boothscan/internal/infra/store/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *countingQueue) Enqueue(_ context.Context, taskID string, _ int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, taskID)
	return nil
}

func (q *countingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

type fixture struct {
	uc      *usecase
	tasks   interface {
		TaskStore
		ByFingerprint(ctx context.Context, fp string) (domain.Task, error)
	}
	results interface {
		ResultStore
		Put(ctx context.Context, r domain.ProcessingResult) error
	}
	queue *countingQueue
	blobs FileStore
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	blobs, err := blobstore.NewLocalStore(dir)
	require.NoError(t, err)

	f := &fixture{
		tasks:   taskstore.NewMemoryTaskStore(time.Hour),
		results: resultstore.New(resultstore.NewLRUCache(16, time.Hour), resultstore.NewMemoryDurable()),
		queue:   &countingQueue{},
		blobs:   blobs,
		dir:     dir,
	}
	f.uc = New(time.Hour, domain.DefaultSettings(), f.tasks, f.blobs, f.queue, f.results)
	return f
}

func (f *fixture) finish(t *testing.T, id string, status domain.TaskStatus) {
	t.Helper()
	ctx := context.Background()
	_, err := f.tasks.Claim(ctx, id)
	require.NoError(t, err)
	_, err = f.tasks.Transition(ctx, id, domain.StatusRunning, status, "")
	require.NoError(t, err)
}

func TestSubmit_NewTaskIsEnqueued(t *testing.T) {
	f := newFixture(t)

	resp, err := f.uc.Submit(context.Background(), domain.SubmitRequest{
		Fingerprint: "fp-1",
		ImageRef:    "scans/a.png",
		Priority:    5,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, domain.StatusQueued, resp.Status)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, []string{resp.TaskID}, f.queue.ids)

	task, err := f.tasks.Task(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 5, task.Priority)
	assert.Equal(t, domain.DefaultSettings().MinConfidence, task.Settings.MinConfidence)
	assert.Equal(t, domain.DefaultMaxRetries, task.Settings.MaxRetries)
}

func TestSubmit_ZeroMinConfidenceIsKept(t *testing.T) {
	f := newFixture(t)

	settings := domain.DefaultSettings()
	settings.MinConfidence = 0
	resp, err := f.uc.Submit(context.Background(), domain.SubmitRequest{
		Fingerprint: "fp-1",
		ImageRef:    "scans/a.png",
		Settings:    settings,
	})
	require.NoError(t, err)

	task, err := f.tasks.Task(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Zero(t, task.Settings.MinConfidence)
	assert.True(t, task.Settings.DetectRegions)
}

func TestSubmit_DuplicateWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := domain.SubmitRequest{Fingerprint: "fp-1", ImageRef: "scans/a.png"}

	first, err := f.uc.Submit(ctx, req)
	require.NoError(t, err)
	_, err = f.tasks.Claim(ctx, first.TaskID)
	require.NoError(t, err)

	second, err := f.uc.Submit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.TaskID, second.TaskID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, domain.StatusRunning, second.Status)
	assert.Equal(t, 1, f.queue.count())
}

func TestSubmit_ConcurrentSameFingerprint(t *testing.T) {
	f := newFixture(t)
	req := domain.SubmitRequest{Fingerprint: "fp-1", ImageRef: "scans/a.png"}

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.uc.Submit(context.Background(), req)
			if !assert.NoError(t, err) {
				return
			}
			ids[i] = resp.TaskID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.queue.count())
}

func TestSubmit_TerminalWithResultReturnsCachedResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := domain.SubmitRequest{Fingerprint: "fp-1", ImageRef: "scans/a.png"}

	first, err := f.uc.Submit(ctx, req)
	require.NoError(t, err)
	f.finish(t, first.TaskID, domain.StatusSucceeded)
	require.NoError(t, f.results.Put(ctx, domain.ProcessingResult{
		TaskID:      first.TaskID,
		Fingerprint: "fp-1",
		Status:      domain.StatusSucceeded,
		Analysis:    &domain.AnalysisResult{Companies: []domain.Company{{Name: "Acme Corp"}}},
	}))

	second, err := f.uc.Submit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.TaskID, second.TaskID)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.Result)
	assert.Equal(t, "Acme Corp", second.Result.Analysis.Companies[0].Name)
	assert.Equal(t, 1, f.queue.count())
}

func TestSubmit_TerminalWithoutResultCreatesNewTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := domain.SubmitRequest{Fingerprint: "fp-1", ImageRef: "scans/a.png"}

	first, err := f.uc.Submit(ctx, req)
	require.NoError(t, err)
	f.finish(t, first.TaskID, domain.StatusFailed)

	second, err := f.uc.Submit(ctx, req)
	require.NoError(t, err)

	assert.NotEqual(t, first.TaskID, second.TaskID)
	assert.False(t, second.Duplicate)
	assert.Equal(t, 2, f.queue.count())

	owner, err := f.tasks.ByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, second.TaskID, owner.ID)
}

func TestSubmit_EnqueueFailureMarksTaskFailed(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("nats: no responders")

	_, err := f.uc.Submit(context.Background(), domain.SubmitRequest{Fingerprint: "fp-1", ImageRef: "scans/a.png"})
	require.Error(t, err)

	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.KindQueue, se.Kind)

	task, err := f.tasks.ByFingerprint(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "QUEUE_ERROR")
}

func TestSubmit_EmptyFingerprint(t *testing.T) {
	f := newFixture(t)

	_, err := f.uc.Submit(context.Background(), domain.SubmitRequest{ImageRef: "scans/a.png"})
	assert.ErrorIs(t, err, domain.ErrEmptyFingerprint)
}

func TestUpload_DuplicateRemovesSecondCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("not really a png, but bytes are bytes")

	first, err := f.uc.Upload(ctx, bytes.NewReader(data), "hall-a.PNG", int64(len(data)), 0, domain.Settings{})
	require.NoError(t, err)
	second, err := f.uc.Upload(ctx, bytes.NewReader(data), "hall-a-copy.png", int64(len(data)), 0, domain.Settings{})
	require.NoError(t, err)

	assert.Equal(t, first.TaskID, second.TaskID)
	assert.True(t, second.Duplicate)

	task, err := f.tasks.Task(ctx, first.TaskID)
	require.NoError(t, err)
	assert.Regexp(t, `^scans/.+\.png$`, task.ImageRef)
	assert.Len(t, task.Fingerprint, 64)

	files, err := filepath.Glob(filepath.Join(f.dir, "scans", "*.png"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestUpload_RejectsUnknownExtension(t *testing.T) {
	f := newFixture(t)

	_, err := f.uc.Upload(context.Background(), bytes.NewReader([]byte("x")), "plan.dwg", 1, 0, domain.Settings{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Zero(t, f.queue.count())
}

func TestStatusAndResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.uc.Status(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	_, err = f.uc.Result(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	sub, err := f.uc.Submit(ctx, domain.SubmitRequest{Fingerprint: "fp-1", ImageRef: "scans/a.png"})
	require.NoError(t, err)

	st, err := f.uc.Status(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, st.Status)
	assert.Empty(t, st.ResultURL)

	_, err = f.uc.Result(ctx, sub.TaskID)
	assert.ErrorIs(t, err, domain.ErrResultNotReady)

	f.finish(t, sub.TaskID, domain.StatusSucceeded)
	require.NoError(t, f.results.Put(ctx, domain.ProcessingResult{TaskID: sub.TaskID, Status: domain.StatusSucceeded}))

	st, err = f.uc.Status(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "/scans/"+sub.TaskID+"/result", st.ResultURL)
	assert.Equal(t, 1, st.Attempts)

	res, err := f.uc.Result(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, res.Status)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.uc.Submit(ctx, domain.SubmitRequest{Fingerprint: "fp-1", ImageRef: "scans/a.png"})
	require.NoError(t, err)

	_, err = f.uc.Cancel(ctx, sub.TaskID)
	require.NoError(t, err)
	task, err := f.tasks.Task(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.True(t, task.CancelRequested)

	f.finish(t, sub.TaskID, domain.StatusFailed)
	_, err = f.uc.Cancel(ctx, sub.TaskID)
	assert.ErrorIs(t, err, domain.ErrTaskTerminal)
}

package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 16

type redisTaskStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisTaskStore keeps every task in a hash. ttl is how long a finished
// task stays around before the cleanup loop may delete it.
func NewRedisTaskStore(rdb redis.UniversalClient, ttl time.Duration) *redisTaskStore {
	return &redisTaskStore{rdb: rdb, ttl: ttl}
}

// Create registers a task for p.Fingerprint unless one is already indexed.
// The task hash is written first and the fingerprint index is then claimed
// with SET NX, so the index never points to a task that does not exist yet
// and two concurrent calls for the same image cannot both create a task.
// created reports which happened.
func (s *redisTaskStore) Create(ctx context.Context, p domain.CreateTaskParams) (domain.Task, bool, error) {
	if p.Fingerprint == "" {
		return domain.Task{}, false, domain.ErrEmptyFingerprint
	}

	t := newTask(uuid.NewString(), p, s.ttl, time.Now())
	fields, err := taskFields(t)
	if err != nil {
		return domain.Task{}, false, err
	}
	if err := s.rdb.HSet(ctx, taskKey(t.ID), fields).Err(); err != nil {
		return domain.Task{}, false, fmt.Errorf("redis HSet: %w", err)
	}

	for range maxTxRetries {
		ok, err := s.rdb.SetNX(ctx, hashKey(p.Fingerprint), t.ID, 0).Result()
		if err != nil {
			s.discard(ctx, t.ID)
			return domain.Task{}, false, fmt.Errorf("redis setnx fingerprint: %w", err)
		}

		if ok {
			err := s.rdb.ZAdd(ctx, tasksByExpiryKey(), redis.Z{
				Score:  float64(t.ExpiresAt.Unix()),
				Member: t.ID,
			}).Err()
			if err != nil {
				slog.Warn("redis Create: index expiry", slog.String("task_id", t.ID), slog.String("error", err.Error()))
			}
			return t, true, nil
		}

		existingID, err := s.rdb.Get(ctx, hashKey(p.Fingerprint)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			s.discard(ctx, t.ID)
			return domain.Task{}, false, fmt.Errorf("redis get fingerprint: %w", err)
		}

		existing, err := s.Task(ctx, existingID)
		if err == nil {
			s.discard(ctx, t.ID)
			return existing, false, nil
		}
		if !errors.Is(err, domain.ErrTaskNotFound) {
			s.discard(ctx, t.ID)
			return domain.Task{}, false, err
		}
		// stale index left behind by a deleted task
		if err := s.ReleaseFingerprint(ctx, p.Fingerprint, existingID); err != nil {
			s.discard(ctx, t.ID)
			return domain.Task{}, false, err
		}
	}

	s.discard(ctx, t.ID)
	return domain.Task{}, false, fmt.Errorf("redis Create: fingerprint index kept changing")
}

func (s *redisTaskStore) discard(ctx context.Context, id string) {
	if err := s.rdb.Del(ctx, taskKey(id)).Err(); err != nil {
		slog.Warn("redis Create: discard", slog.String("task_id", id), slog.String("error", err.Error()))
	}
}

func (s *redisTaskStore) Task(ctx context.Context, id string) (domain.Task, error) {
	res, err := s.rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return domain.Task{}, fmt.Errorf("redis HGetAll: %w", err)
	}
	if len(res) == 0 {
		return domain.Task{}, domain.ErrTaskNotFound
	}

	return parseTask(id, res), nil
}

func (s *redisTaskStore) ByFingerprint(ctx context.Context, fingerprint string) (domain.Task, error) {
	if fingerprint == "" {
		return domain.Task{}, domain.ErrEmptyFingerprint
	}

	id, err := s.rdb.Get(ctx, hashKey(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("redis get fingerprint: %w", err)
	}

	return s.Task(ctx, id)
}

// ReleaseFingerprint drops the fingerprint index if it still points to id.
func (s *redisTaskStore) ReleaseFingerprint(ctx context.Context, fingerprint, id string) error {
	key := hashKey(fingerprint)

	return s.watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) || (err == nil && cur != id) {
			return nil
		}
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
}

// Claim moves a queued task to running and counts the attempt.
func (s *redisTaskStore) Claim(ctx context.Context, id string) (domain.Task, error) {
	return s.update(ctx, id, func(t *domain.Task) error {
		if t.Status != domain.StatusQueued {
			return domain.ErrTaskNotClaimable
		}
		t.Status = domain.StatusRunning
		t.Attempts++
		t.Error = ""
		return nil
	})
}

// Transition moves the task from one status to another. It fails with
// ErrInvalidTransition when the stored status is not from or the state
// machine forbids the move.
func (s *redisTaskStore) Transition(
	ctx context.Context,
	id string,
	from, to domain.TaskStatus,
	errMsg string,
) (domain.Task, error) {
	return s.update(ctx, id, func(t *domain.Task) error {
		if t.Status != from || !from.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s (stored %s)", domain.ErrInvalidTransition, from, to, t.Status)
		}
		t.Status = to
		t.Error = errMsg
		if to.Terminal() {
			t.ExpiresAt = time.Now().Add(s.ttl)
		}
		return nil
	})
}

func (s *redisTaskStore) RequestCancel(ctx context.Context, id string) (domain.Task, error) {
	return s.update(ctx, id, func(t *domain.Task) error {
		if t.Status.Terminal() {
			return domain.ErrTaskTerminal
		}
		t.CancelRequested = true
		return nil
	})
}

// update runs fn over the stored task inside WATCH/MULTI and retries when
// another writer touched the hash in between.
func (s *redisTaskStore) update(ctx context.Context, id string, fn func(t *domain.Task) error) (domain.Task, error) {
	hk := taskKey(id)
	var out domain.Task

	err := s.watch(ctx, func(tx *redis.Tx) error {
		res, err := tx.HGetAll(ctx, hk).Result()
		if err != nil {
			return err
		}
		if len(res) == 0 {
			return domain.ErrTaskNotFound
		}

		t := parseTask(id, res)
		if err := fn(&t); err != nil {
			return err
		}
		t.UpdatedAt = time.Now()

		fields, err := taskFields(t)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hk, fields)
			pipe.ZAdd(ctx, tasksByExpiryKey(), redis.Z{
				Score:  float64(t.ExpiresAt.Unix()),
				Member: t.ID,
			})
			return nil
		})
		if err == nil {
			out = t
		}
		return err
	}, hk)

	return out, err
}

func (s *redisTaskStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis watch %v: too many conflicts", keys)
}

// ExpiredTasks lists finished tasks whose retention ran out before now.
// Unfinished tasks are never listed.
func (s *redisTaskStore) ExpiredTasks(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, tasksByExpiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprint(now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRangeByScore: %w", err)
	}

	var expired []string
	for _, id := range ids {
		t, err := s.Task(ctx, id)
		if errors.Is(err, domain.ErrTaskNotFound) {
			_ = s.rdb.ZRem(ctx, tasksByExpiryKey(), id).Err()
			continue
		}
		if err != nil {
			return expired, err
		}
		if t.Status.Terminal() && now.After(t.ExpiresAt) {
			expired = append(expired, id)
		}
	}

	return expired, nil
}

func (s *redisTaskStore) Delete(ctx context.Context, id string) error {
	t, err := s.Task(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, taskKey(id))
	pipe.ZRem(ctx, tasksByExpiryKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline Delete: %w", err)
	}

	if t.Fingerprint != "" {
		if err := s.ReleaseFingerprint(ctx, t.Fingerprint, id); err != nil {
			slog.Warn("redis Delete: release fingerprint",
				slog.String("task_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

func (s *redisTaskStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.ExpiredTasks(ctx, now)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		if err := s.Delete(ctx, id); err == nil {
			deleted++
		}
	}

	return deleted, nil
}

func taskFields(t domain.Task) (map[string]any, error) {
	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}

	cancel := "0"
	if t.CancelRequested {
		cancel = "1"
	}

	return map[string]any{
		"id":               t.ID,
		"status":           string(t.Status),
		"fingerprint":      t.Fingerprint,
		"image_ref":        t.ImageRef,
		"priority":         t.Priority,
		"settings":         string(settings),
		"attempts":         t.Attempts,
		"cancel_requested": cancel,
		"error":            t.Error,
		"created_at":       t.CreatedAt.UnixNano(),
		"updated_at":       t.UpdatedAt.UnixNano(),
		"expires_at":       t.ExpiresAt.UnixNano(),
	}, nil
}

func parseTask(id string, res map[string]string) domain.Task {
	t := domain.Task{
		ID:              id,
		Status:          domain.TaskStatus(res["status"]),
		Fingerprint:     res["fingerprint"],
		ImageRef:        res["image_ref"],
		CancelRequested: res["cancel_requested"] == "1",
		Error:           res["error"],
	}

	if v := res["priority"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			t.Priority = n
		}
	}
	if v := res["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			t.Attempts = n
		}
	}
	if v := res["settings"]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.Settings); err != nil {
			slog.Warn("redis task: bad settings", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}

	t.CreatedAt = parseNano(res["created_at"])
	t.UpdatedAt = parseNano(res["updated_at"])
	t.ExpiresAt = parseNano(res["expires_at"])

	return t
}

func parseNano(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func newTask(id string, p domain.CreateTaskParams, ttl time.Duration, now time.Time) domain.Task {
	if p.TTL > 0 {
		ttl = p.TTL
	}
	return domain.Task{
		ID:          id,
		Status:      domain.StatusQueued,
		Fingerprint: p.Fingerprint,
		ImageRef:    p.ImageRef,
		Priority:    p.Priority,
		Settings:    p.Settings,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func taskKey(id string) string {
	return "task:" + id
}

func hashKey(h string) string {
	return "task:hash:" + h
}

func tasksByExpiryKey() string {
	return "tasks:by_expiry"
}

package taskstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/google/uuid"
)

type memoryTaskStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tasks  map[string]domain.Task
	byHash map[string]string
}

func NewMemoryTaskStore(ttl time.Duration) *memoryTaskStore {
	return &memoryTaskStore{
		ttl:    ttl,
		tasks:  make(map[string]domain.Task),
		byHash: make(map[string]string),
	}
}

func (s *memoryTaskStore) Create(_ context.Context, p domain.CreateTaskParams) (domain.Task, bool, error) {
	if p.Fingerprint == "" {
		return domain.Task{}, false, domain.ErrEmptyFingerprint
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[p.Fingerprint]; ok {
		if t, ok := s.tasks[id]; ok {
			return t, false, nil
		}
		delete(s.byHash, p.Fingerprint)
	}

	t := newTask(uuid.NewString(), p, s.ttl, time.Now())
	s.tasks[t.ID] = t
	s.byHash[p.Fingerprint] = t.ID

	return t, true, nil
}

func (s *memoryTaskStore) Task(_ context.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return t, nil
}

func (s *memoryTaskStore) ByFingerprint(_ context.Context, fingerprint string) (domain.Task, error) {
	if fingerprint == "" {
		return domain.Task{}, domain.ErrEmptyFingerprint
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[s.byHash[fingerprint]]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return t, nil
}

func (s *memoryTaskStore) ReleaseFingerprint(_ context.Context, fingerprint, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byHash[fingerprint] == id {
		delete(s.byHash, fingerprint)
	}
	return nil
}

func (s *memoryTaskStore) Claim(_ context.Context, id string) (domain.Task, error) {
	return s.update(id, func(t *domain.Task) error {
		if t.Status != domain.StatusQueued {
			return domain.ErrTaskNotClaimable
		}
		t.Status = domain.StatusRunning
		t.Attempts++
		t.Error = ""
		return nil
	})
}

func (s *memoryTaskStore) Transition(
	_ context.Context,
	id string,
	from, to domain.TaskStatus,
	errMsg string,
) (domain.Task, error) {
	return s.update(id, func(t *domain.Task) error {
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

func (s *memoryTaskStore) RequestCancel(_ context.Context, id string) (domain.Task, error) {
	return s.update(id, func(t *domain.Task) error {
		if t.Status.Terminal() {
			return domain.ErrTaskTerminal
		}
		t.CancelRequested = true
		return nil
	})
}

func (s *memoryTaskStore) update(id string, fn func(t *domain.Task) error) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if err := fn(&t); err != nil {
		return domain.Task{}, err
	}
	t.UpdatedAt = time.Now()
	s.tasks[id] = t

	return t, nil
}

func (s *memoryTaskStore) ExpiredTasks(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, t := range s.tasks {
		if t.Status.Terminal() && now.After(t.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (s *memoryTaskStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	delete(s.tasks, id)
	if s.byHash[t.Fingerprint] == id {
		delete(s.byHash, t.Fingerprint)
	}
	return nil
}

func (s *memoryTaskStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
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

package resultstore

import (
	"context"
	"sync"

	"github.com/you-humble/boothscan/internal/domain"
)

type memoryDurable struct {
	mu      sync.RWMutex
	results map[string]domain.ProcessingResult
}

func NewMemoryDurable() *memoryDurable {
	return &memoryDurable{results: make(map[string]domain.ProcessingResult)}
}

func (d *memoryDurable) Load(_ context.Context, id string) (domain.ProcessingResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.results[id]
	if !ok {
		return domain.ProcessingResult{}, domain.ErrResultNotFound
	}
	return r, nil
}

func (d *memoryDurable) Save(_ context.Context, r domain.ProcessingResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.results[r.TaskID]; ok {
		return domain.ErrResultImmutable
	}
	d.results[r.TaskID] = r
	return nil
}

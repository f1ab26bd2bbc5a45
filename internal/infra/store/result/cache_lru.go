package resultstore

import (
	"context"
	"time"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type lruCache struct {
	lru *expirable.LRU[string, domain.ProcessingResult]
}

// NewLRUCache keeps at most size results, each for ttl.
func NewLRUCache(size int, ttl time.Duration) *lruCache {
	if size <= 0 {
		size = 1024
	}
	return &lruCache{lru: expirable.NewLRU[string, domain.ProcessingResult](size, nil, ttl)}
}

func (c *lruCache) Get(_ context.Context, id string) (domain.ProcessingResult, bool, error) {
	r, ok := c.lru.Get(id)
	return r, ok, nil
}

func (c *lruCache) Set(_ context.Context, r domain.ProcessingResult) error {
	c.lru.Add(r.TaskID, r)
	return nil
}

func (c *lruCache) Len() int { return c.lru.Len() }

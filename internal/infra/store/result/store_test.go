package resultstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(id string) domain.ProcessingResult {
	return domain.ProcessingResult{
		TaskID:      id,
		Fingerprint: "fp-" + id,
		Status:      domain.StatusSucceeded,
		Analysis: &domain.AnalysisResult{
			Companies: []domain.Company{{Name: "Acme Corp", Key: "acme corp", Confidence: 0.9}},
			BoothSizes: []domain.BoothSize{{
				Width: 10, Height: 20, Unit: "ft", Company: "Acme Corp", Confidence: 0.9,
			}},
			Confidence: 0.9,
		},
		Attempts:    1,
		CompletedAt: time.Unix(1700000000, 0).UTC(),
	}
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (domain.ProcessingResult, bool, error) {
	return domain.ProcessingResult{}, false, errors.New("cache down")
}

func (brokenCache) Set(context.Context, domain.ProcessingResult) error {
	return errors.New("cache down")
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := New(NewLRUCache(8, time.Minute), NewMemoryDurable())

	require.NoError(t, s.Put(ctx, result("t1")))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, result("t1"), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrResultNotFound)
}

func TestPutIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := New(NewLRUCache(8, time.Minute), NewMemoryDurable())

	require.NoError(t, s.Put(ctx, result("t1")))

	changed := result("t1")
	changed.Status = domain.StatusFailed
	assert.ErrorIs(t, s.Put(ctx, changed), domain.ErrResultImmutable)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, got.Status)
}

func TestPutRejectsUnfinished(t *testing.T) {
	r := result("t1")
	r.Status = domain.StatusRunning

	s := New(NewLRUCache(8, time.Minute), NewMemoryDurable())
	assert.Error(t, s.Put(context.Background(), r))
}

func TestEvictedEntriesComeBackFromDurable(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(2, time.Minute)
	s := New(cache, NewMemoryDurable())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, result(id)))
	}
	assert.Equal(t, 2, cache.Len())

	_, ok, _ := cache.Get(ctx, "a")
	assert.False(t, ok)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.TaskID)

	_, ok, _ = cache.Get(ctx, "a")
	assert.True(t, ok)
}

func TestExpiredEntriesComeBackFromDurable(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(8, 20*time.Millisecond)
	s := New(cache, NewMemoryDurable())

	require.NoError(t, s.Put(ctx, result("a")))
	time.Sleep(60 * time.Millisecond)

	_, ok, _ := cache.Get(ctx, "a")
	assert.False(t, ok)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.TaskID)
}

func TestBrokenCacheDegradesReadsAndWrites(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryDurable()
	require.NoError(t, durable.Save(ctx, result("a")))

	s := New(brokenCache{}, durable)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.TaskID)

	// The durable write is what makes a result exist.
	require.NoError(t, s.Put(ctx, result("b")))
	stored, err := durable.Load(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, result("b"), stored)

	assert.ErrorIs(t, s.Put(ctx, result("b")), domain.ErrResultImmutable)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := NewRedisCache(rdb, time.Minute)
	s := New(cache, NewMemoryDurable())

	require.NoError(t, s.Put(ctx, result("a")))

	got, ok, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, result("a"), got)

	mr.FastForward(2 * time.Minute)

	_, ok, err = cache.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.TaskID)
	assert.True(t, mr.Exists(resultKey("a")))
}

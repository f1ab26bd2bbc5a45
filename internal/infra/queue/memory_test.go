package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueOrdersByPriorityThenArrival(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(0)

	require.NoError(t, q.Enqueue(ctx, "low", -1))
	require.NoError(t, q.Enqueue(ctx, "normal-1", 0))
	require.NoError(t, q.Enqueue(ctx, "high", 5))
	require.NoError(t, q.Enqueue(ctx, "normal-2", 0))

	var got []string
	for range 4 {
		d, err := q.Fetch(ctx)
		require.NoError(t, err)
		require.NoError(t, d.Ack())
		got = append(got, d.TaskID)
	}

	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, got)
}

func TestMemoryQueueNakRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(0)
	require.NoError(t, q.Enqueue(ctx, "t1", 0))

	d, err := q.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nak())
	require.NoError(t, d.Nak())
	assert.Equal(t, 1, q.Len())

	again, err := q.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", again.TaskID)
	require.NoError(t, again.Ack())
	require.NoError(t, again.Nak())
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueueFetchBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory(0)

	got := make(chan string, 1)
	go func() {
		d, err := q.Fetch(context.Background())
		if err == nil {
			got <- d.TaskID
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "late", 0))

	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not return")
	}
}

func TestMemoryQueueFetchHonoursContext(t *testing.T) {
	q := NewMemory(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Fetch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueueCapacityAndClose(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(1)

	require.NoError(t, q.Enqueue(ctx, "a", 0))
	assert.Error(t, q.Enqueue(ctx, "b", 0))
	assert.Error(t, q.Enqueue(ctx, "", 0))

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Fetch(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Enqueue(ctx, "c", 0), ErrClosed)
}

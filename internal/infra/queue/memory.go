package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
)

type item struct {
	taskID   string
	priority int
	seq      uint64
}

// items orders by priority, highest first, then by arrival.
type items []item

func (h items) Len() int { return len(h) }
func (h items) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h items) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *items) Push(x any)   { *h = append(*h, x.(item)) }
func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type memoryQueue struct {
	mu       sync.Mutex
	items    items
	seq      uint64
	capacity int
	closed   bool
	ready    chan struct{}
}

// NewMemory returns an in-process priority queue. capacity <= 0 means
// unbounded.
func NewMemory(capacity int) *memoryQueue {
	return &memoryQueue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

func (q *memoryQueue) Enqueue(_ context.Context, taskID string, priority int) error {
	if taskID == "" {
		return fmt.Errorf("empty taskID")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.capacity > 0 && q.items.Len() >= q.capacity {
		return fmt.Errorf("enqueue task %s: queue full (%d)", taskID, q.capacity)
	}

	q.push(taskID, priority)
	return nil
}

func (q *memoryQueue) push(taskID string, priority int) {
	q.seq++
	heap.Push(&q.items, item{taskID: taskID, priority: priority, seq: q.seq})
	q.signal()
}

func (q *memoryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) Fetch(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, ErrClosed
		}
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(item)
			if q.items.Len() > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return q.delivery(it), nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *memoryQueue) delivery(it item) Delivery {
	var once sync.Once
	return Delivery{
		TaskID:   it.taskID,
		Priority: it.priority,
		ack: func() error {
			once.Do(func() {})
			return nil
		},
		nak: func() error {
			var err error
			once.Do(func() {
				q.mu.Lock()
				defer q.mu.Unlock()
				if q.closed {
					err = ErrClosed
					return
				}
				q.push(it.taskID, it.priority)
			})
			return err
		},
	}
}

func (q *memoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ready)
	return nil
}

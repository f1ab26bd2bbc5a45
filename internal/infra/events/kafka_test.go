package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	msgs     []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.calls++
	if w.calls <= w.failures {
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func event() domain.ResultEvent {
	return domain.ResultEvent{
		TaskID:     "task-1",
		Status:     domain.StatusSucceeded,
		Companies:  []domain.Company{{Name: "Acme Corp"}},
		Confidence: 0.9,
	}
}

func TestPublishRetriesUntilDelivered(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := NewKafkaPublisher(w, retry.Strategy{Attempts: 3, Delay: time.Millisecond, Backoff: 1})

	require.NoError(t, p.Publish(context.Background(), event()))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("task-1"), w.msgs[0].Key)

	var got domain.ResultEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "Acme Corp", got.Companies[0].Name)
}

func TestPublishGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := NewKafkaPublisher(w, retry.Strategy{Attempts: 2, Delay: time.Millisecond, Backoff: 1})

	assert.Error(t, p.Publish(context.Background(), event()))
	assert.Empty(t, w.msgs)
}

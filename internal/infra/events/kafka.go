package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/retry"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaPublisher struct {
	w        messageWriter
	strategy retry.Strategy
}

func NewKafkaPublisher(w messageWriter, strategy retry.Strategy) *kafkaPublisher {
	return &kafkaPublisher{w: w, strategy: strategy}
}

// Publish sends the event keyed by task id, retrying per the strategy.
func (p *kafkaPublisher) Publish(ctx context.Context, ev domain.ResultEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal result event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.TaskID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(ev.Status)},
		},
	}

	err = retry.Do(func() error {
		return p.w.WriteMessages(ctx, msg)
	}, p.strategy)
	if err != nil {
		return fmt.Errorf("publish result event %s: %w", ev.TaskID, err)
	}

	slog.Debug("result event published", slog.String("task_id", ev.TaskID), slog.String("status", string(ev.Status)))
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.w.Close()
}

type nopPublisher struct{}

// NewNop is used when no broker is configured.
func NewNop() nopPublisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, domain.ResultEvent) error { return nil }
func (nopPublisher) Close() error                                     { return nil }

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

const priorityHeader = "Boothscan-Priority"

type NATSConfig struct {
	Stream        string        `yaml:"stream"`
	Subject       string        `yaml:"subject"`
	ConsumerName  string        `yaml:"consumer_name"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxAckPending int           `yaml:"max_ack_pending"`
	PollWait      time.Duration `yaml:"poll_wait"`
}

// band splits priorities onto separate subjects, polled highest first.
type band struct {
	name string
	sub  *nats.Subscription
}

type natsQueue struct {
	js    nats.JetStreamContext
	cfg   NATSConfig
	bands []*band
}

func bandName(priority int) string {
	switch {
	case priority > 0:
		return "high"
	case priority < 0:
		return "low"
	}
	return "normal"
}

// NewNATS creates one durable pull consumer per priority band on a stream
// that must already cover cfg.Subject + ".>".
func NewNATS(js nats.JetStreamContext, cfg NATSConfig) (*natsQueue, error) {
	if cfg.AckWait <= 0 {
		cfg.AckWait = 10 * time.Minute
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 64
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 250 * time.Millisecond
	}

	q := &natsQueue{js: js, cfg: cfg}

	for _, name := range []string{"high", "normal", "low"} {
		subject := q.subject(name)
		durable := cfg.ConsumerName + "-" + name

		_, err := js.AddConsumer(cfg.Stream, &nats.ConsumerConfig{
			Durable:       durable,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       cfg.AckWait,
			FilterSubject: subject,
			MaxAckPending: cfg.MaxAckPending,
		})
		if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
			return nil, fmt.Errorf("JetStream AddConsumer %s: %w", durable, err)
		}

		sub, err := js.PullSubscribe(subject, durable, nats.Bind(cfg.Stream, durable))
		if err != nil {
			return nil, fmt.Errorf("JetStream PullSubscribe %s: %w", durable, err)
		}
		q.bands = append(q.bands, &band{name: name, sub: sub})
	}

	return q, nil
}

func (q *natsQueue) subject(band string) string {
	return q.cfg.Subject + "." + band
}

func (q *natsQueue) Enqueue(ctx context.Context, taskID string, priority int) error {
	if taskID == "" {
		return fmt.Errorf("empty taskID")
	}

	msg := &nats.Msg{
		Subject: q.subject(bandName(priority)),
		Data:    []byte(taskID),
		Header:  nats.Header{},
	}
	msg.Header.Set(priorityHeader, strconv.Itoa(priority))

	ack, err := q.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("enqueue task %s: publish failed: %w", taskID, err)
	}

	slog.Debug("task enqueued",
		slog.String("task_id", taskID),
		slog.String("subject", msg.Subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)

	return nil
}

// Fetch blocks until a task is available or ctx is done. Bands are polled
// in priority order, each for at most PollWait.
func (q *natsQueue) Fetch(ctx context.Context) (Delivery, error) {
	for {
		for _, b := range q.bands {
			if err := ctx.Err(); err != nil {
				return Delivery{}, err
			}

			msg, err := q.fetchOne(ctx, b)
			if err != nil {
				return Delivery{}, err
			}
			if msg == nil {
				continue
			}

			priority, _ := strconv.Atoi(msg.Header.Get(priorityHeader))
			return Delivery{
				TaskID:   string(msg.Data),
				Priority: priority,
				ack:      func() error { return msg.Ack() },
				nak:      func() error { return msg.Nak() },
			}, nil
		}
	}
}

func (q *natsQueue) fetchOne(ctx context.Context, b *band) (*nats.Msg, error) {
	pollCtx, cancel := context.WithTimeout(ctx, q.cfg.PollWait)
	defer cancel()

	msgs, err := b.sub.Fetch(1, nats.Context(pollCtx))
	switch {
	case err == nil && len(msgs) > 0:
		return msgs[0], nil
	case err == nil:
		return nil, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return nil, nil
	}

	slog.Warn("NATS Fetch", slog.String("band", b.name), slog.String("error", err.Error()))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return nil, nil
}

func (q *natsQueue) Close() error {
	var firstErr error
	for _, b := range q.bands {
		if err := b.sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageReader is the part of kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
}

// Consumer moves samples from the history topic into a sink. An offset is
// committed once its message was handled, so a crash replays rather than
// loses samples. A message the sink still refuses after Attempts is logged
// and skipped.
type Consumer struct {
	Reader     MessageReader
	Sink       HistorySink
	Log        *slog.Logger
	Attempts   int
	RetryDelay time.Duration
}

func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Log.Warn("kafka fetch error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		c.handle(ctx, m)
		if err := c.Reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.Log.Warn("kafka commit failed", "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var s models.LocationSample
	if err := json.Unmarshal(m.Value, &s); err != nil || s.DriverID == "" || !s.Coord().Valid() {
		observability.HistoryMessages.WithLabelValues("invalid").Inc()
		c.Log.Warn("invalid history message", "offset", m.Offset, "error", err)
		return
	}
	if err := writeWithRetry(ctx, c.Sink, s, c.Attempts, c.RetryDelay); err != nil {
		observability.HistoryMessages.WithLabelValues("failed").Inc()
		c.Log.Error("history write failed", "driver_id", s.DriverID, "error", err)
		return
	}
	observability.HistoryMessages.WithLabelValues("stored").Inc()
}

// writeWithRetry retries the sink with doubling delay.
func writeWithRetry(ctx context.Context, sink HistorySink, s models.LocationSample, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = sink.Write(ctx, s); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

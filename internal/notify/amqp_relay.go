package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Envelope is the message body published for the external push layer.
type Envelope struct {
	Identity string    `json:"identity"`
	Event    string    `json:"event"`
	Payload  any       `json:"payload"`
	SentAt   time.Time `json:"sentAt"`
}

// AMQPRelay publishes notifications to a topic exchange, routed by
// "notify.<identity>". The external messaging layer owns device delivery.
type AMQPRelay struct {
	url      string
	exchange string
	timeout  time.Duration
	log      *slog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQPRelay connects with retry, growing the delay by half each attempt
// up to 30s.
func DialAMQPRelay(ctx context.Context, url, exchange string, attempts int, log *slog.Logger) (*AMQPRelay, error) {
	r := &AMQPRelay{url: url, exchange: exchange, timeout: 5 * time.Second, log: log}
	delay := time.Second
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = r.connect(); err == nil {
			log.Info("amqp relay connected", "exchange", exchange, "attempt", attempt)
			return r, nil
		}
		log.Warn("amqp relay connect failed", "attempt", attempt, "max_attempts", attempts, "error", err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * 1.5)
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return nil, fmt.Errorf("amqp relay: giving up after %d attempts: %w", attempts, err)
}

func (r *AMQPRelay) connect() error {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(r.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", r.exchange, err)
	}
	r.mu.Lock()
	r.conn, r.ch = conn, ch
	r.mu.Unlock()
	return nil
}

func (r *AMQPRelay) Notify(ctx context.Context, identity, event string, payload any) error {
	body, err := json.Marshal(Envelope{Identity: identity, Event: event, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	r.mu.RLock()
	ch := r.ch
	r.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		// one reconnect attempt; the caller's own retry covers the rest
		if err := r.connect(); err != nil {
			return err
		}
		r.mu.RLock()
		ch = r.ch
		r.mu.RUnlock()
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return ch.PublishWithContext(ctx, r.exchange, "notify."+identity, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         event,
	})
}

func (r *AMQPRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

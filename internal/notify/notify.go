// Package notify delivers push events to clients and drivers. Delivery is
// best effort and at-least-once: callers never depend on ordering.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/observability"
)

var ErrNoRecipient = errors.New("no route to recipient")

// Notifier sends one event to one identity.
type Notifier interface {
	Notify(ctx context.Context, identity, event string, payload any) error
}

// LocalDelivery reaches identities holding an open channel on this instance.
// It returns how many sessions received the event.
type LocalDelivery interface {
	SendTo(identity, event string, payload any) (int, error)
}

// Chain tries live sessions on this instance first and falls back to the
// relay (another instance or the external push layer).
type Chain struct {
	Local LocalDelivery
	Relay Notifier
}

func (c *Chain) Notify(ctx context.Context, identity, event string, payload any) error {
	if c.Local != nil {
		n, err := c.Local.SendTo(identity, event, payload)
		if err == nil && n > 0 {
			observability.Notifications.WithLabelValues(event, "local").Inc()
			return nil
		}
	}
	if c.Relay == nil {
		observability.Notifications.WithLabelValues(event, "dropped").Inc()
		return ErrNoRecipient
	}
	if err := c.Relay.Notify(ctx, identity, event, payload); err != nil {
		observability.Notifications.WithLabelValues(event, "failed").Inc()
		return err
	}
	observability.Notifications.WithLabelValues(event, "relay").Inc()
	return nil
}

// Log records events nobody else could deliver. Used when no relay is
// configured.
type Log struct {
	Logger *slog.Logger
}

func (l *Log) Notify(ctx context.Context, identity, event string, payload any) error {
	l.Logger.DebugContext(ctx, "notification not delivered", "identity", identity, "event", event, "payload", payload)
	return nil
}

// Package sweeper expires rides nobody accepted in time and drops drivers
// that stopped reporting.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Config struct {
	Interval  time.Duration
	BatchSize int
	// StaleAfter is the registry horizon; zero disables pruning.
	StaleAfter time.Duration
}

type Sweeper struct {
	store    storage.RideStore
	registry geo.Registry
	ledger   geo.OfferLedger
	notifier notify.Notifier
	log      *slog.Logger
	cfg      Config
	Now      func() time.Time
}

func New(store storage.RideStore, registry geo.Registry, ledger geo.OfferLedger, notifier notify.Notifier, log *slog.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Sweeper{store: store, registry: registry, ledger: ledger, notifier: notifier, log: log, cfg: cfg, Now: time.Now}
}

// Stats summarises one sweep.
type Stats struct {
	Expired   int
	Conflicts int
	Pruned    int
}

// SweepOnce expires one batch of overdue SEARCHING rides. Rides accepted
// between the listing and the CAS are left alone and counted as conflicts.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var st Stats
	now := s.Now()
	rides, err := s.store.ListExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return st, err
	}
	for _, r := range rides {
		t := models.Transition{RideID: r.ID, From: models.StatusSearching, To: models.StatusExpired, At: now}
		expired, err := s.store.Transition(ctx, t)
		switch {
		case errors.Is(err, models.ErrConflict):
			st.Conflicts++
			observability.RideTransitions.WithLabelValues(string(t.From), string(t.To), "conflict").Inc()
			continue
		case err != nil:
			observability.RideTransitions.WithLabelValues(string(t.From), string(t.To), "error").Inc()
			s.log.WarnContext(ctx, "expire ride failed", "ride_id", r.ID, "error", err)
			continue
		}
		st.Expired++
		observability.RideTransitions.WithLabelValues(string(t.From), string(t.To), "ok").Inc()
		observability.RidesExpired.Inc()
		s.announce(ctx, expired)
	}

	if s.cfg.StaleAfter > 0 && s.registry != nil {
		n, err := s.registry.PruneStale(ctx, now.Add(-s.cfg.StaleAfter))
		if err != nil {
			s.log.WarnContext(ctx, "prune stale drivers failed", "error", err)
		}
		st.Pruned = n
		observability.DriversPruned.Add(float64(n))
	}
	return st, nil
}

func (s *Sweeper) announce(ctx context.Context, r *models.Ride) {
	ev := models.RideEvent{RideID: r.ID, Status: r.Status}
	recipients := []string{r.ClientID}
	if s.ledger != nil {
		drivers, err := s.ledger.Members(ctx, r.ID)
		if err != nil {
			s.log.WarnContext(ctx, "offer ledger read failed", "ride_id", r.ID, "error", err)
		}
		recipients = append(recipients, drivers...)
		if err := s.ledger.Release(ctx, r.ID); err != nil {
			s.log.WarnContext(ctx, "offer ledger release failed", "ride_id", r.ID, "error", err)
		}
	}
	for _, id := range recipients {
		if err := s.notifier.Notify(ctx, id, models.EventRideExpired, ev); err != nil {
			s.log.DebugContext(ctx, "expiry notification failed", "ride_id", r.ID, "identity", id, "error", err)
		}
	}
	s.log.InfoContext(ctx, "ride expired", "ride_id", r.ID, "notified", len(recipients))
}

// Run sweeps every Interval until ctx is done. A failed sweep is retried on
// the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Config struct {
	RideTTL time.Duration
	// DistanceTolerance bounds straight-line distance relative to the
	// client's route estimate (1.2 = 20% over).
	DistanceTolerance float64
	// SearchRadiiKm is tried in order within one attempt until a radius
	// yields candidates.
	SearchRadiiKm []float64
	RetryDelay    time.Duration
	MaxAttempts   int
	Workers       int
	QueueSize     int
}

func DefaultConfig() Config {
	return Config{
		RideTTL:           2 * time.Minute,
		DistanceTolerance: 1.2,
		SearchRadiiKm:     []float64{5, 10, 20},
		RetryDelay:        5 * time.Second,
		Workers:           4,
		QueueSize:         1024,
	}
}

type Deps struct {
	Store    storage.RideStore
	Registry geo.Registry
	Ledger   geo.OfferLedger
	Matcher  *matcher.Service
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Service owns the ride state machine on the request path: it creates rides,
// offers them to nearby drivers and settles the race between acceptors.
type Service struct {
	store    storage.RideStore
	registry geo.Registry
	ledger   geo.OfferLedger
	matcher  *matcher.Service
	notifier notify.Notifier
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	cfg      Config
	queue    *SearchQueue
}

func NewService(d Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.RideTTL <= 0 {
		cfg.RideTTL = def.RideTTL
	}
	if cfg.DistanceTolerance <= 0 {
		cfg.DistanceTolerance = def.DistanceTolerance
	}
	if len(cfg.SearchRadiiKm) == 0 {
		cfg.SearchRadiiKm = def.SearchRadiiKm
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	s := &Service{
		store:    d.Store,
		registry: d.Registry,
		ledger:   d.Ledger,
		matcher:  d.Matcher,
		notifier: d.Notifier,
		log:      d.Logger,
		now:      d.Now,
		newID:    d.NewID,
		cfg:      cfg,
	}
	if s.ledger == nil {
		s.ledger = geo.NewMemoryLedger()
	}
	if s.matcher == nil {
		s.matcher = &matcher.Service{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	s.queue = NewSearchQueue(cfg.QueueSize, cfg.RetryDelay, cfg.MaxAttempts, s.FindCandidates, s.log)
	return s
}

// Run processes queued candidate searches until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.queue.Run(ctx, s.cfg.Workers)
}

// RequestRide validates and persists a SEARCHING ride, then hands the
// candidate search to the queue. The ride is returned before any driver is
// contacted.
func (s *Service) RequestRide(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	straight, err := validateRequest(req, s.cfg.DistanceTolerance)
	if err != nil {
		reason := "invalid"
		if straight > 0 {
			reason = "distance_mismatch"
		}
		observability.RidesRejected.WithLabelValues(reason).Inc()
		return nil, err
	}
	now := s.now()
	ride := &models.Ride{
		ID:                     s.newID(),
		ClientID:               req.ClientID,
		Pickup:                 *req.Pickup,
		Destination:            *req.Destination,
		Fare:                   req.Fare,
		RouteDistanceMeters:    req.RouteDistanceMeters,
		StraightDistanceMeters: straight,
		Status:                 models.StatusSearching,
		CreatedAt:              now,
		UpdatedAt:              now,
		ExpiresAt:              now.Add(s.cfg.RideTTL),
	}
	if err := s.store.Create(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesRequested.Inc()
	s.log.InfoContext(ctx, "ride requested", "ride_id", ride.ID, "client_id", ride.ClientID, "fare", ride.Fare)
	s.queue.Enqueue(ride.ID)
	return ride, nil
}

// FindCandidates offers a SEARCHING ride to nearby fresh drivers. Calling it
// again for the same ride may repeat offers but changes no ride state.
func (s *Service) FindCandidates(ctx context.Context, rideID string) (SearchResult, error) {
	ride, err := s.store.Get(ctx, rideID)
	if errors.Is(err, models.ErrRideNotFound) {
		return SearchResult{Done: true}, nil
	}
	if err != nil {
		return SearchResult{}, err
	}
	if ride.Status != models.StatusSearching || !ride.ExpiresAt.After(s.now()) {
		return SearchResult{Done: true}, nil
	}

	var ranked []matcher.Ranked
	var radius float64
	for _, radius = range s.cfg.SearchRadiiKm {
		cands, err := s.registry.QueryRadius(ctx, ride.Pickup, radius)
		if err != nil {
			// registry trouble counts as "nobody found"; the queue retries
			observability.CandidatesFound.Observe(0)
			return SearchResult{}, fmt.Errorf("query radius %.1fkm: %w", radius, err)
		}
		if ranked = s.matcher.Rank(ctx, ride.Pickup, cands); len(ranked) > 0 {
			break
		}
	}
	observability.CandidatesFound.Observe(float64(len(ranked)))
	if len(ranked) == 0 {
		s.log.DebugContext(ctx, "no candidates", "ride_id", rideID, "max_radius_km", radius)
		return SearchResult{}, nil
	}

	ids := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.DriverID
	}
	if err := s.ledger.Record(ctx, rideID, ids...); err != nil {
		s.log.WarnContext(ctx, "offer ledger record failed", "ride_id", rideID, "error", err)
	}
	// the ride may have been taken or expired while we searched; its offers
	// were already settled, so drop the set we just recorded
	if !s.stillSearching(ctx, rideID) {
		if err := s.ledger.Release(ctx, rideID); err != nil {
			s.log.WarnContext(ctx, "offer ledger release failed", "ride_id", rideID, "error", err)
		}
		return SearchResult{Done: true}, nil
	}
	for _, c := range ranked {
		offer := models.RideOffer{
			RideID:         ride.ID,
			Pickup:         ride.Pickup,
			Destination:    ride.Destination,
			Fare:           ride.Fare,
			DistanceMeters: c.DistanceMeters,
			ETASeconds:     c.ETASeconds,
		}
		if err := s.notifier.Notify(ctx, c.DriverID, models.EventRideOffer, offer); err != nil {
			s.log.WarnContext(ctx, "ride offer not delivered", "ride_id", rideID, "driver_id", c.DriverID, "error", err)
		}
	}
	s.log.InfoContext(ctx, "ride offered", "ride_id", rideID, "candidates", len(ranked), "radius_km", radius)
	return SearchResult{Offered: len(ranked)}, nil
}

// AcceptRide assigns the ride to driverID if it is still SEARCHING and not
// past its expiry. Losing the race returns ErrRideUnavailable (wrapping
// ErrConflict) and tells the driver the offer is gone.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, models.NewValidationError("rideId", "rideId and driverId are required")
	}
	t := models.Transition{
		RideID:           rideID,
		From:             models.StatusSearching,
		To:               models.StatusAssigned,
		DriverID:         driverID,
		At:               s.now(),
		RequireUnexpired: true,
	}
	ride, err := s.transition(ctx, t)
	if errors.Is(err, models.ErrConflict) {
		s.notify(ctx, driverID, models.EventRideUnavailable, models.RideEvent{RideID: rideID, Reason: models.ErrRideUnavailable.Error()})
		return nil, fmt.Errorf("%w: %w", models.ErrRideUnavailable, err)
	}
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "ride assigned", "ride_id", rideID, "driver_id", driverID)
	s.notify(ctx, ride.ClientID, models.EventRideAssigned, models.RideEvent{RideID: rideID, Status: ride.Status, DriverID: driverID})
	s.settleOffers(ctx, rideID, driverID, models.EventRideTaken, models.RideEvent{RideID: rideID, Status: ride.Status})
	return ride, nil
}

// CompleteRide finishes an ASSIGNED ride. Only the assigned driver may do so.
func (s *Service) CompleteRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.AssignedDriverID != driverID {
		return nil, models.ErrForbidden
	}
	done, err := s.transition(ctx, models.Transition{RideID: rideID, From: models.StatusAssigned, To: models.StatusCompleted, At: s.now()})
	if errors.Is(err, models.ErrConflict) {
		return nil, fmt.Errorf("%w: %w", models.ErrRideUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	s.notify(ctx, done.ClientID, models.EventRideCompleted, models.RideEvent{RideID: rideID, Status: done.Status, DriverID: driverID})
	return done, nil
}

// CancelRide cancels a SEARCHING or ASSIGNED ride on behalf of its client or
// its assigned driver.
func (s *Service) CancelRide(ctx context.Context, rideID, actorID, reason string) (*models.Ride, error) {
	ride, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actorID != ride.ClientID && (actorID == "" || actorID != ride.AssignedDriverID) {
		return nil, models.ErrForbidden
	}
	if !models.CanTransition(ride.Status, models.StatusCancelled) {
		return nil, models.ErrRideUnavailable
	}
	from := ride.Status
	done, err := s.transition(ctx, models.Transition{RideID: rideID, From: from, To: models.StatusCancelled, Reason: reason, At: s.now()})
	if errors.Is(err, models.ErrConflict) {
		return nil, fmt.Errorf("%w: %w", models.ErrRideUnavailable, err)
	}
	if err != nil {
		return nil, err
	}

	ev := models.RideEvent{RideID: rideID, Status: done.Status, Reason: reason}
	if from == models.StatusSearching {
		s.settleOffers(ctx, rideID, "", models.EventRideCancelled, ev)
	} else if actorID == done.ClientID {
		s.notify(ctx, done.AssignedDriverID, models.EventRideCancelled, ev)
	} else {
		s.notify(ctx, done.ClientID, models.EventRideCancelled, ev)
	}
	s.log.InfoContext(ctx, "ride cancelled", "ride_id", rideID, "actor_id", actorID, "from", from)
	return done, nil
}

// GetRide returns the ride if actorID is its client or assigned driver.
func (s *Service) GetRide(ctx context.Context, rideID, actorID string) (*models.Ride, error) {
	ride, err := s.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actorID != ride.ClientID && actorID != ride.AssignedDriverID {
		return nil, models.ErrForbidden
	}
	return ride, nil
}

func (s *Service) ListRides(ctx context.Context, actorID string, asDriver bool, limit int) ([]*models.Ride, error) {
	if asDriver {
		return s.store.ListByDriver(ctx, actorID, limit)
	}
	return s.store.ListByClient(ctx, actorID, limit)
}

// stillSearching re-reads the ride. A failed read keeps the search going.
func (s *Service) stillSearching(ctx context.Context, rideID string) bool {
	ride, err := s.store.Get(ctx, rideID)
	if errors.Is(err, models.ErrRideNotFound) {
		return false
	}
	if err != nil {
		s.log.DebugContext(ctx, "ride re-read failed", "ride_id", rideID, "error", err)
		return true
	}
	return ride.Status == models.StatusSearching && ride.ExpiresAt.After(s.now())
}

func (s *Service) transition(ctx context.Context, t models.Transition) (*models.Ride, error) {
	ride, err := s.store.Transition(ctx, t)
	outcome := "ok"
	switch {
	case errors.Is(err, models.ErrConflict):
		outcome = "conflict"
	case err != nil:
		outcome = "error"
	}
	observability.RideTransitions.WithLabelValues(string(t.From), string(t.To), outcome).Inc()
	return ride, err
}

// settleOffers tells every offered driver except skip about the ride's new
// state and forgets the offers.
func (s *Service) settleOffers(ctx context.Context, rideID, skip, event string, ev models.RideEvent) {
	drivers, err := s.ledger.Members(ctx, rideID)
	if err != nil {
		s.log.WarnContext(ctx, "offer ledger read failed", "ride_id", rideID, "error", err)
		return
	}
	for _, d := range drivers {
		if d != skip {
			s.notify(ctx, d, event, ev)
		}
	}
	if err := s.ledger.Release(ctx, rideID); err != nil {
		s.log.WarnContext(ctx, "offer ledger release failed", "ride_id", rideID, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, identity, event string, payload any) {
	if identity == "" {
		return
	}
	if err := s.notifier.Notify(ctx, identity, event, payload); err != nil {
		s.log.DebugContext(ctx, "notification failed", "identity", identity, "event", event, "error", err)
	}
}

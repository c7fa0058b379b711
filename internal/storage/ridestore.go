package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrDuplicateRide = errors.New("ride already exists")

// RideStore persists rides. Status changes only go through Transition, which
// is a compare-and-swap on the current status: it returns models.ErrConflict
// when the ride is no longer in t.From.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	Transition(ctx context.Context, t models.Transition) (*models.Ride, error)
	// ListExpired returns up to limit SEARCHING rides with expiresAt <= now,
	// oldest expiry first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Ride, error)
	ListByClient(ctx context.Context, clientID string, limit int) ([]*models.Ride, error)
	ListByDriver(ctx context.Context, driverID string, limit int) ([]*models.Ride, error)
}

// checkTransition rejects edges outside the state machine before any store
// round trip.
func checkTransition(t models.Transition) error {
	if t.RideID == "" {
		return models.NewValidationError("rideId", "required")
	}
	if !models.CanTransition(t.From, t.To) {
		return models.NewValidationError("status", "transition %s -> %s not allowed", t.From, t.To)
	}
	if t.To == models.StatusAssigned && t.DriverID == "" {
		return models.NewValidationError("driverId", "required for assignment")
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicateRide
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, t models.Transition) (*models.Ride, error) {
	if err := checkTransition(t); err != nil {
		return nil, err
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[t.RideID]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	if r.Status != t.From || (t.RequireUnexpired && !r.ExpiresAt.After(t.At)) {
		return nil, models.ErrConflict
	}
	t.Apply(r)
	return r.Clone(), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.Ride, error) {
	return m.list(limit, func(r *models.Ride) bool {
		return r.Status == models.StatusSearching && !r.ExpiresAt.After(now)
	}, func(a, b *models.Ride) bool { return a.ExpiresAt.Before(b.ExpiresAt) }), nil
}

func (m *MemoryStore) ListByClient(_ context.Context, clientID string, limit int) ([]*models.Ride, error) {
	return m.list(limit, func(r *models.Ride) bool { return r.ClientID == clientID }, newestFirst), nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string, limit int) ([]*models.Ride, error) {
	return m.list(limit, func(r *models.Ride) bool { return r.AssignedDriverID == driverID }, newestFirst), nil
}

func newestFirst(a, b *models.Ride) bool { return a.CreatedAt.After(b.CreatedAt) }

func (m *MemoryStore) list(limit int, match func(*models.Ride) bool, less func(a, b *models.Ride) bool) []*models.Ride {
	m.mu.RLock()
	var out []*models.Ride
	for _, r := range m.rides {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

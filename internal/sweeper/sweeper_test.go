package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureNotifier) Notify(_ context.Context, identity, event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, identity+":"+event)
	return nil
}

// racingStore assigns the ride right after it is listed, like an accept
// landing between the sweeper's read and its CAS.
type racingStore struct {
	*storage.MemoryStore
}

func (r racingStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Ride, error) {
	rides, err := r.MemoryStore.ListExpired(ctx, now, limit)
	for _, ride := range rides {
		_, _ = r.MemoryStore.Transition(ctx, models.Transition{RideID: ride.ID, From: models.StatusSearching, To: models.StatusAssigned, DriverID: "fast", At: now})
	}
	return rides, err
}

type brokenStore struct{ storage.RideStore }

func (brokenStore) ListExpired(context.Context, time.Time, int) ([]*models.Ride, error) {
	return nil, models.Transient("list expired", errors.New("timeout"))
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seed(t *testing.T, s storage.RideStore, id string, created time.Time, ttl time.Duration) {
	t.Helper()
	r := &models.Ride{
		ID:          id,
		ClientID:    "client-" + id,
		Pickup:      models.Coord{Lat: 31, Lon: 30},
		Destination: models.Coord{Lat: 31.05, Lon: 30.05},
		Fare:        50,
		Status:      models.StatusSearching,
		CreatedAt:   created,
		UpdatedAt:   created,
		ExpiresAt:   created.Add(ttl),
	}
	if err := s.Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}
}

func TestSweepOnceExpiresOverdueRides(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ledger := geo.NewMemoryLedger()
	notes := &captureNotifier{}
	now := time.Now()

	seed(t, store, "old", now.Add(-3*time.Minute), 2*time.Minute)
	seed(t, store, "fresh", now, 2*time.Minute)
	_ = ledger.Record(ctx, "old", "d1", "d2")

	sw := New(store, nil, ledger, notes, quietLogger(), Config{})
	sw.Now = func() time.Time { return now }
	st, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Expired != 1 || st.Conflicts != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}

	old, _ := store.Get(ctx, "old")
	if old.Status != models.StatusExpired || old.ExpiredAt == nil {
		t.Fatalf("old ride not expired: %+v", old)
	}
	fresh, _ := store.Get(ctx, "fresh")
	if fresh.Status != models.StatusSearching {
		t.Fatalf("fresh ride touched: %s", fresh.Status)
	}

	sort.Strings(notes.sent)
	if got := strings.Join(notes.sent, ","); got != "client-old:rideExpired,d1:rideExpired,d2:rideExpired" {
		t.Fatalf("notifications: %s", got)
	}
	if members, _ := ledger.Members(ctx, "old"); len(members) != 0 {
		t.Fatalf("ledger not released: %v", members)
	}

	_, err = store.Transition(ctx, models.Transition{RideID: "old", From: models.StatusSearching, To: models.StatusAssigned, DriverID: "d1", At: now})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expired ride must not be assignable, got %v", err)
	}
}

func TestSweepOnceBatchesAndDrains(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		seed(t, store, id, now.Add(-5*time.Minute), time.Minute)
	}
	sw := New(store, nil, nil, &captureNotifier{}, quietLogger(), Config{BatchSize: 2})
	sw.Now = func() time.Time { return now }

	var total int
	for i := 0; i < 3; i++ {
		st, err := sw.SweepOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Expired > 2 {
			t.Fatalf("batch exceeded: %d", st.Expired)
		}
		total += st.Expired
	}
	if total != 5 {
		t.Fatalf("expected 5 expired, got %d", total)
	}
}

func TestSweepOnceLeavesRaceWinnerAlone(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	notes := &captureNotifier{}
	now := time.Now()
	seed(t, mem, "r1", now.Add(-3*time.Minute), 2*time.Minute)

	sw := New(racingStore{mem}, nil, nil, notes, quietLogger(), Config{})
	sw.Now = func() time.Time { return now }
	st, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Expired != 0 || st.Conflicts != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	r, _ := mem.Get(ctx, "r1")
	if r.Status != models.StatusAssigned || r.AssignedDriverID != "fast" {
		t.Fatalf("winner overwritten: %+v", r)
	}
	if len(notes.sent) != 0 {
		t.Fatalf("no expiry notifications expected, got %v", notes.sent)
	}
}

func TestSweepOnceReportsStoreFailure(t *testing.T) {
	sw := New(brokenStore{}, nil, nil, &captureNotifier{}, quietLogger(), Config{})
	if _, err := sw.SweepOnce(context.Background()); !models.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestSweepOncePrunesStaleDrivers(t *testing.T) {
	ctx := context.Background()
	reg := geo.NewIndex()
	now := time.Now()
	_ = reg.Upsert(ctx, "gone", models.Coord{Lat: 31, Lon: 30}, now.Add(-time.Hour))
	_ = reg.Upsert(ctx, "here", models.Coord{Lat: 31, Lon: 30}, now)

	sw := New(storage.NewMemoryStore(), reg, nil, &captureNotifier{}, quietLogger(), Config{StaleAfter: 30 * time.Second})
	sw.Now = func() time.Time { return now }
	st, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", st.Pruned)
	}
	if _, ok, _ := reg.Position(ctx, "gone"); ok {
		t.Fatal("stale driver still registered")
	}
	if _, ok, _ := reg.Position(ctx, "here"); !ok {
		t.Fatal("fresh driver pruned")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sw := New(storage.NewMemoryStore(), nil, nil, &captureNotifier{}, quietLogger(), Config{Interval: time.Millisecond})
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

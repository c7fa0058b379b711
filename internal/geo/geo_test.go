package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude on the R=6371km sphere
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-metersPerDegree) > 1 {
		t.Fatalf("expected %f, got %f", metersPerDegree, d)
	}
}

// offsetNorth returns the point exactly meters north of c.
func offsetNorth(c models.Coord, meters float64) models.Coord {
	return models.Coord{Lat: c.Lat + meters/metersPerDegree, Lon: c.Lon}
}

func TestQueryRadiusBoundary(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	center := models.Coord{Lat: 31, Lon: 30}
	now := time.Now()
	_ = g.Upsert(ctx, "inside", offsetNorth(center, 4999), now)
	_ = g.Upsert(ctx, "edge", offsetNorth(center, 5000-0.5), now)
	_ = g.Upsert(ctx, "outside", offsetNorth(center, 5000+2), now)

	got, err := g.QueryRadius(ctx, center, 5)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, c := range got {
		ids[c.DriverID] = true
	}
	if !ids["inside"] || !ids["edge"] {
		t.Fatalf("expected inside and edge drivers, got %+v", got)
	}
	if ids["outside"] {
		t.Fatalf("driver at r+epsilon must be excluded, got %+v", got)
	}
}

func TestQueryRadiusMatchesBruteForce(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	rng := rand.New(rand.NewSource(42))
	center := models.Coord{Lat: 31.0, Lon: 30.0}
	positions := map[string]models.Coord{}
	for i := 0; i < 2000; i++ {
		p := models.Coord{Lat: center.Lat + (rng.Float64()-0.5)*0.4, Lon: center.Lon + (rng.Float64()-0.5)*0.4}
		id := fmt.Sprintf("d%d", i)
		positions[id] = p
		if err := g.Upsert(ctx, id, p, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	for _, r := range []float64{0.5, 2, 5, 12} {
		got, err := g.QueryRadius(ctx, center, r)
		if err != nil {
			t.Fatal(err)
		}
		want := 0
		for _, p := range positions {
			if Distance(center, p) <= r*1000 {
				want++
			}
		}
		if len(got) != want {
			t.Fatalf("radius %.1fkm: got %d drivers want %d", r, len(got), want)
		}
		for i, c := range got {
			if math.Abs(c.DistanceMeters-Distance(center, positions[c.DriverID])) > 1 {
				t.Fatalf("distance mismatch for %s", c.DriverID)
			}
			if i > 0 && got[i-1].DistanceMeters > c.DistanceMeters {
				t.Fatalf("results not nearest-first at %d", i)
			}
		}
	}
}

func TestQueryRadiusAcrossAntimeridian(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	_ = g.Upsert(ctx, "east", models.Coord{Lat: 0, Lon: 179.99}, time.Now())
	_ = g.Upsert(ctx, "west", models.Coord{Lat: 0, Lon: -179.99}, time.Now())
	got, err := g.QueryRadius(ctx, models.Coord{Lat: 0, Lon: 180}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both sides of the antimeridian, got %+v", got)
	}
}

func TestUpsertMovesAndRemoves(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	t0 := time.Now()
	_ = g.Upsert(ctx, "d1", models.Coord{Lat: 31, Lon: 30}, t0)
	_ = g.Upsert(ctx, "d1", models.Coord{Lat: 40, Lon: 10}, t0.Add(time.Second))

	if got, _ := g.QueryRadius(ctx, models.Coord{Lat: 31, Lon: 30}, 5); len(got) != 0 {
		t.Fatalf("old position still indexed: %+v", got)
	}
	if got, _ := g.QueryRadius(ctx, models.Coord{Lat: 40, Lon: 10}, 1); len(got) != 1 {
		t.Fatalf("new position missing: %+v", got)
	}
	if err := g.Remove(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := g.Position(ctx, "d1"); ok {
		t.Fatal("expected driver removed")
	}
	if g.Count() != 0 || len(g.cells) != 0 {
		t.Fatalf("index not empty: drivers=%d cells=%d", g.Count(), len(g.cells))
	}
}

func TestUpsertIgnoresOlderSample(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	t0 := time.Now()
	newer := models.Coord{Lat: 31.01, Lon: 30.01}
	_ = g.Upsert(ctx, "d1", newer, t0)
	if err := g.Upsert(ctx, "d1", models.Coord{Lat: 31, Lon: 30}, t0.Add(-time.Minute)); !errors.Is(err, ErrStaleSample) {
		t.Fatalf("expected ErrStaleSample, got %v", err)
	}
	c, ok, _ := g.Position(ctx, "d1")
	if !ok || c.Loc != newer {
		t.Fatalf("older replayed sample moved the driver: %+v", c)
	}
}

func TestHeartbeatDoesNotBlockReplay(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	now := time.Now()
	_ = g.Upsert(ctx, "d1", models.Coord{Lat: 31, Lon: 30}, now.Add(-20*time.Second))
	_ = g.Touch(ctx, "d1", now)

	replayed := models.Coord{Lat: 31.02, Lon: 30}
	if err := g.Upsert(ctx, "d1", replayed, now.Add(-5*time.Second)); err != nil {
		t.Fatalf("replay after heartbeat: %v", err)
	}
	c, _, _ := g.Position(ctx, "d1")
	if c.Loc != replayed {
		t.Fatalf("replayed sample did not move the driver: %+v", c)
	}
	if !c.LastSeen.Equal(now) {
		t.Fatalf("last seen went backwards: %v want %v", c.LastSeen, now)
	}
}

func TestUpsertRejectsInvalidCoordinates(t *testing.T) {
	g := NewIndex()
	err := g.Upsert(context.Background(), "d1", models.Coord{Lat: 95, Lon: 0}, time.Now())
	if !models.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTouchAndPruneStale(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	t0 := time.Now().Add(-time.Minute)
	_ = g.Upsert(ctx, "stale", models.Coord{Lat: 31, Lon: 30}, t0)
	_ = g.Upsert(ctx, "fresh", models.Coord{Lat: 31, Lon: 30.001}, t0)
	_ = g.Touch(ctx, "fresh", time.Now())
	_ = g.Touch(ctx, "unknown", time.Now())

	n, err := g.PruneStale(ctx, time.Now().Add(-30*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("expected one pruned driver, got %d (%v)", n, err)
	}
	if _, ok, _ := g.Position(ctx, "fresh"); !ok {
		t.Fatal("touched driver was pruned")
	}
	if _, ok, _ := g.Position(ctx, "unknown"); ok {
		t.Fatal("touch must not create drivers")
	}
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	_ = l.Record(ctx, "r1", "b", "a")
	_ = l.Record(ctx, "r1", "a")
	got, _ := l.Members(ctx, "r1")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected members %v", got)
	}
	_ = l.Release(ctx, "r1")
	if got, _ := l.Members(ctx, "r1"); len(got) != 0 {
		t.Fatalf("expected released ledger, got %v", got)
	}
}

func TestMemoryLedgerExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := NewMemoryLedgerWithTTL(time.Minute)
	l.Now = func() time.Time { return now }
	_ = l.Record(ctx, "r1", "a")

	now = now.Add(2 * time.Minute)
	if got, _ := l.Members(ctx, "r1"); len(got) != 0 {
		t.Fatalf("expired offers still listed: %v", got)
	}
	_ = l.Record(ctx, "r2", "b")
	if l.Len() != 1 {
		t.Fatalf("expected only r2 left, got %d", l.Len())
	}
	l.mu.Lock()
	_, kept := l.offers["r1"]
	l.mu.Unlock()
	if kept {
		t.Fatal("expired set not purged")
	}
}

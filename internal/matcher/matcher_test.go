package matcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeETA struct {
	secs  map[string]float64
	calls int
	err   error
}

func (f *fakeETA) EstimateSeconds(_ context.Context, from, _ models.Coord) (float64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.secs[coordKey(from)], nil
}

func coordKey(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func TestRankPrefersLowerETAOverDistance(t *testing.T) {
	now := time.Now()
	near := models.Candidate{DriverID: "near", Loc: models.Coord{Lat: 31.001, Lon: 30}, DistanceMeters: 100, LastSeen: now}
	far := models.Candidate{DriverID: "far", Loc: models.Coord{Lat: 31.002, Lon: 30}, DistanceMeters: 200, LastSeen: now}
	client := &fakeETA{secs: map[string]float64{coordKey(near.Loc): 600, coordKey(far.Loc): 60}}
	s := &Service{TopN: 5, ETAClient: client, ETACache: eta.NewCache(time.Minute)}

	got := s.Rank(context.Background(), models.Coord{Lat: 31, Lon: 30}, []models.Candidate{near, far})
	if len(got) != 2 || got[0].DriverID != "far" {
		t.Fatalf("expected far driver first by ETA, got %+v", got)
	}
	s.Rank(context.Background(), models.Coord{Lat: 31, Lon: 30}, []models.Candidate{near, far})
	if client.calls != 2 {
		t.Fatalf("expected cached ETAs on second rank, got %d calls", client.calls)
	}
}

func TestRankFallsBackToNaiveETA(t *testing.T) {
	now := time.Now()
	s := &Service{TopN: 1, DefaultSpeedMps: 10, ETAClient: &fakeETA{err: errors.New("osrm down")}}
	cands := []models.Candidate{
		{DriverID: "b", Loc: models.Coord{Lat: 31.01, Lon: 30}, DistanceMeters: 1112, LastSeen: now},
		{DriverID: "a", Loc: models.Coord{Lat: 31.001, Lon: 30}, DistanceMeters: 111, LastSeen: now},
	}
	got := s.Rank(context.Background(), models.Coord{Lat: 31, Lon: 30}, cands)
	if len(got) != 1 || got[0].DriverID != "a" {
		t.Fatalf("expected nearest driver capped to one, got %+v", got)
	}
	if got[0].ETASeconds <= 0 {
		t.Fatal("expected naive ETA")
	}
}

func TestFreshDropsStaleCandidates(t *testing.T) {
	now := time.Now()
	s := &Service{StaleAfter: 30 * time.Second, Now: func() time.Time { return now }}
	got := s.Fresh([]models.Candidate{
		{DriverID: "fresh", LastSeen: now.Add(-5 * time.Second)},
		{DriverID: "stale", LastSeen: now.Add(-time.Minute)},
		{DriverID: "unknown"},
	})
	if len(got) != 1 || got[0].DriverID != "fresh" {
		t.Fatalf("expected only fresh driver, got %+v", got)
	}
}

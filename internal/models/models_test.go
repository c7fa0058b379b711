package models

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to RideStatus
		want     bool
	}{
		{StatusSearching, StatusAssigned, true},
		{StatusSearching, StatusExpired, true},
		{StatusSearching, StatusCancelled, true},
		{StatusAssigned, StatusCompleted, true},
		{StatusAssigned, StatusCancelled, true},
		{StatusSearching, StatusCompleted, false},
		{StatusAssigned, StatusExpired, false},
		{StatusAssigned, StatusSearching, false},
		{StatusExpired, StatusAssigned, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusSearching, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("%s -> %s: got %v want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []RideStatus{StatusCompleted, StatusExpired, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RideStatus{StatusSearching, StatusAssigned} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if RideStatus("BOGUS").Valid() {
		t.Fatal("unknown status reported valid")
	}
}

func TestTransitionApply(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := &Ride{ID: "r1", Status: StatusSearching}
	Transition{RideID: "r1", From: StatusSearching, To: StatusAssigned, DriverID: "d1", At: now}.Apply(r)
	if r.Status != StatusAssigned || r.AssignedDriverID != "d1" || r.AssignedAt == nil || !r.AssignedAt.Equal(now) {
		t.Fatalf("unexpected ride after assign: %+v", r)
	}
	c := r.Clone()
	*c.AssignedAt = now.Add(time.Hour)
	if !r.AssignedAt.Equal(now) {
		t.Fatal("clone shares timestamp pointer")
	}
}

func TestCoordValid(t *testing.T) {
	if !(Coord{Lat: 31, Lon: 30}).Valid() {
		t.Fatal("expected valid")
	}
	if (Coord{Lat: 91, Lon: 0}).Valid() || (Coord{Lat: 0, Lon: -181}).Valid() {
		t.Fatal("expected out of range")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	err := Transient("geo.query", errors.New("dial tcp: refused"))
	if !IsTransient(err) || IsValidation(err) {
		t.Fatalf("transient misclassified: %v", err)
	}
	if Transient("again", err) != err {
		t.Fatal("transient should not double wrap")
	}
	ve := NewValidationError("fare", "must be positive")
	if !IsValidation(ve) || ve.Error() != "validation failed: fare: must be positive" {
		t.Fatalf("unexpected validation error %q", ve.Error())
	}
}

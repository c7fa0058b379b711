package models

import (
	"math"
	"time"
)

// Coord is a WGS84 point. Rides and driver positions are stored as (lon, lat)
// but the JSON field names keep the order explicit.
type Coord struct {
	Lat float64 `json:"lat" bson:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" bson:"lon" validate:"gte=-180,lte=180"`
}

// Valid reports whether c is a finite coordinate inside the WGS84 range.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// RideRequest is the validated input of a ride request. RouteDistanceMeters is
// the client's routing estimate and is cross-checked against the straight-line
// distance before anything is persisted.
type RideRequest struct {
	ClientID            string  `json:"clientId" validate:"required"`
	Pickup              *Coord  `json:"pickup" validate:"required"`
	Destination         *Coord  `json:"destination" validate:"required"`
	Fare                float64 `json:"fare" validate:"gt=0"`
	RouteDistanceMeters float64 `json:"routeDistance" validate:"gt=0"`
}

type Ride struct {
	ID                     string     `json:"id" bson:"_id"`
	ClientID               string     `json:"clientId" bson:"clientId"`
	Pickup                 Coord      `json:"pickup" bson:"pickup"`
	Destination            Coord      `json:"destination" bson:"destination"`
	Fare                   float64    `json:"fare" bson:"fare"`
	RouteDistanceMeters    float64    `json:"routeDistance" bson:"routeDistance"`
	StraightDistanceMeters float64    `json:"straightDistance" bson:"straightDistance"`
	Status                 RideStatus `json:"status" bson:"status"`
	AssignedDriverID       string     `json:"assignedDriverId,omitempty" bson:"assignedDriver,omitempty"`
	CancelReason           string     `json:"cancelReason,omitempty" bson:"cancelReason,omitempty"`
	CreatedAt              time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt" bson:"updatedAt"`
	ExpiresAt              time.Time  `json:"expiresAt" bson:"expiresAt"`
	AssignedAt             *time.Time `json:"assignedAt,omitempty" bson:"assignedAt,omitempty"`
	ExpiredAt              *time.Time `json:"expiredAt,omitempty" bson:"expiredAt,omitempty"`
	CompletedAt            *time.Time `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	CancelledAt            *time.Time `json:"cancelledAt,omitempty" bson:"cancelledAt,omitempty"`
}

// Clone returns a deep copy so callers can't mutate a stored ride.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.AssignedAt = cloneTime(r.AssignedAt)
	c.ExpiredAt = cloneTime(r.ExpiredAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Transition describes a conditional status change: the ride moves to To only
// if its current status is From. DriverID is recorded on assignment. With
// RequireUnexpired set the ride must also have expiresAt after At.
type Transition struct {
	RideID           string
	From             RideStatus
	To               RideStatus
	DriverID         string
	Reason           string
	At               time.Time
	RequireUnexpired bool
}

// Apply mutates r as the store would after a winning transition.
func (t Transition) Apply(r *Ride) {
	at := t.At
	r.Status = t.To
	r.UpdatedAt = at
	switch t.To {
	case StatusAssigned:
		r.AssignedDriverID = t.DriverID
		r.AssignedAt = &at
	case StatusExpired:
		r.ExpiredAt = &at
	case StatusCompleted:
		r.CompletedAt = &at
	case StatusCancelled:
		r.CancelledAt = &at
		r.CancelReason = t.Reason
	}
}

// LocationSample is one position report from a driver device.
type LocationSample struct {
	DriverID  string    `json:"driverId,omitempty"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"ts"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

// Candidate is a driver returned by a radius query.
type Candidate struct {
	DriverID       string    `json:"driverId"`
	Loc            Coord     `json:"loc"`
	DistanceMeters float64   `json:"distanceMeters"`
	LastSeen       time.Time `json:"lastSeen"`
}

// RideOffer is pushed to every candidate driver.
type RideOffer struct {
	RideID         string  `json:"rideId"`
	Pickup         Coord   `json:"pickup"`
	Destination    Coord   `json:"destination"`
	Fare           float64 `json:"fare"`
	DistanceMeters float64 `json:"distanceMeters"`
	ETASeconds     float64 `json:"etaSeconds"`
}

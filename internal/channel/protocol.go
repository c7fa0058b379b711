// Package channel is the server side of the persistent device connection:
// drivers stream positions in, ride events are pushed out.
package channel

import (
	"encoding/json"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Frame is the envelope of every message in both directions. Seq is set by
// the device on frames that expect an ack or nack.
type Frame struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type LocationPayload struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	TS  time.Time `json:"ts"`
}

func (p LocationPayload) Sample(driverID string) models.LocationSample {
	return models.LocationSample{DriverID: driverID, Lat: p.Lat, Lon: p.Lon, Timestamp: p.TS}
}

func PayloadOf(s models.LocationSample) LocationPayload {
	return LocationPayload{Lat: s.Lat, Lon: s.Lon, TS: s.Timestamp}
}

type BatchPayload struct {
	Samples []LocationPayload `json:"samples"`
}

type StatusPayload struct {
	Available bool `json:"available"`
}

type AckPayload struct {
	Accepted int `json:"accepted,omitempty"`
	Skipped  int `json:"skipped,omitempty"`
}

type NackPayload struct {
	Reason string `json:"reason"`
}

// Nack reasons.
const (
	ReasonInvalid     = "invalid"
	ReasonForbidden   = "forbidden"
	ReasonUnavailable = "unavailable"
	ReasonUnknownType = "unknown_type"
)

// Encode builds an outbound frame; payload may be nil.
func Encode(event string, seq uint64, payload any) ([]byte, error) {
	f := Frame{Type: event, Seq: seq}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Data = b
	}
	return json.Marshal(f)
}

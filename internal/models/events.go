package models

// Push events exchanged with client and driver devices.
const (
	EventRideOffer       = "rideOffer"
	EventRideTaken       = "rideTaken"
	EventRideExpired     = "rideExpired"
	EventRideAssigned    = "rideAssigned"
	EventRideUnavailable = "rideUnavailable"
	EventRideCancelled   = "rideCancelled"
	EventRideCompleted   = "rideCompleted"

	EventDriverLocation  = "driverLocation"
	EventDriverHeartbeat = "driverHeartbeat"
	EventLocationBatch   = "locationBatch"
	EventDriverStatus    = "driverStatus"
	EventAck             = "ack"
	EventNack            = "nack"
)

// RideEvent is the payload of rideTaken, rideExpired and friends.
type RideEvent struct {
	RideID   string     `json:"rideId"`
	Status   RideStatus `json:"status,omitempty"`
	DriverID string     `json:"driverId,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

package models

import (
	"gorm.io/gorm"
)

// RideStatus constants
const (
	RideStatusRequested         = "requested"
	RideStatusWaitingCommission = "waiting_commission"
	RideStatusAccepted          = "accepted"
	RideStatusOnTheWay          = "on_the_way"
	RideStatusArrived           = "arrived"
	RideStatusStarted           = "started"
	RideStatusCompleted         = "completed"
	RideStatusCanceled          = "canceled"
)

// OpenRideStatuses lists every non-terminal status. A requester may hold at
// most one ride in any of these states.
var OpenRideStatuses = []string{
	RideStatusRequested,
	RideStatusWaitingCommission,
	RideStatusAccepted,
	RideStatusOnTheWay,
	RideStatusArrived,
	RideStatusStarted,
}

// BusyRideStatuses are the statuses during which the assigned driver counts
// as occupied and cannot claim another ride.
var BusyRideStatuses = []string{
	RideStatusAccepted,
	RideStatusOnTheWay,
	RideStatusArrived,
	RideStatusStarted,
}

// rideTransitions is the full status transition graph. Any edge not listed
// here is rejected.
var rideTransitions = map[string][]string{
	RideStatusRequested:         {RideStatusCanceled},
	RideStatusWaitingCommission: {RideStatusAccepted, RideStatusCanceled},
	RideStatusAccepted:          {RideStatusOnTheWay, RideStatusCanceled},
	RideStatusOnTheWay:          {RideStatusArrived, RideStatusCanceled},
	RideStatusArrived:           {RideStatusStarted, RideStatusCanceled},
	RideStatusStarted:           {RideStatusCompleted, RideStatusCanceled},
}

// CanTransition reports whether from -> to is a legal status change
func CanTransition(from, to string) bool {
	for _, allowed := range rideTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Ride represents a ride request and its lifecycle
type Ride struct {
	gorm.Model
	ClientID        uint           `json:"clientId" gorm:"not null;index"`
	DriverProfileID *uint          `json:"driverId,omitempty" gorm:"null;index"`
	RideClass       string         `json:"rideClass" gorm:"not null;default:'economy'"`
	PickupLat       float64        `json:"pickupLat" gorm:"not null"`
	PickupLng       float64        `json:"pickupLng" gorm:"not null"`
	PickupAddr      string         `json:"pickupAddress"`
	DestLat         float64        `json:"destLat" gorm:"not null"`
	DestLng         float64        `json:"destLng" gorm:"not null"`
	DestAddr        string         `json:"destAddress"`
	Status          string         `json:"status" gorm:"not null;default:'requested'"`
	Distance        float64        `json:"distance"`   // in kilometers
	Fare            float64        `json:"fare"`       // snapshot at creation time
	Commission      float64        `json:"commission"` // snapshot at creation time
	Client          *User          `json:"client,omitempty" gorm:"foreignKey:ClientID"`
	Driver          *DriverProfile `json:"driver,omitempty" gorm:"foreignKey:DriverProfileID"`
}

// TableName specifies the table name
func (Ride) TableName() string {
	return "rides"
}

// RideStatusEvent is one append-only history row per successful status change
type RideStatusEvent struct {
	gorm.Model
	RideID     uint   `json:"rideId" gorm:"not null;index"`
	FromStatus string `json:"fromStatus"` // empty on creation
	ToStatus   string `json:"toStatus" gorm:"not null"`
	ActorID    uint   `json:"actorId" gorm:"not null"`
}

// TableName specifies the table name
func (RideStatusEvent) TableName() string {
	return "ride_status_events"
}

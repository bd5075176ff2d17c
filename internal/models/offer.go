package models

import (
	"gorm.io/gorm"
)

// RideOffer status constants
const (
	OfferStatusRequested = "requested"
	OfferStatusAccepted  = "accepted"
	OfferStatusRejected  = "rejected"
	OfferStatusCanceled  = "canceled"
)

// RideOffer is a per-driver proposal for a specific ride. A driver holds at
// most one offer in requested status at a time.
type RideOffer struct {
	gorm.Model
	RideID          uint           `json:"rideId" gorm:"not null;index"`
	DriverProfileID uint           `json:"driverId" gorm:"not null;index"`
	Status          string         `json:"status" gorm:"not null;default:'requested'"`
	EtaMinutes      int            `json:"etaMinutes"`
	Ride            *Ride          `json:"ride,omitempty" gorm:"foreignKey:RideID"`
	Driver          *DriverProfile `json:"driver,omitempty" gorm:"foreignKey:DriverProfileID"`
}

// TableName specifies the table name
func (RideOffer) TableName() string {
	return "ride_offers"
}

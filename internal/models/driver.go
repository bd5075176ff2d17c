package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// DriverStatus constants
const (
	DriverStatusOffline     = "offline"
	DriverStatusOnline      = "online"
	DriverStatusBusy        = "busy"
	DriverStatusWaitingRide = "waiting_ride"
)

// DriverProfile represents a driver's persisted profile
type DriverProfile struct {
	gorm.Model
	UserID         uint   `json:"userId" gorm:"not null;uniqueIndex"`
	ClassesAllowed string `json:"classesAllowed" gorm:"not null;default:'economy'"` // comma-separated ride classes
	RidesAssigned  int    `json:"ridesAssigned" gorm:"not null;default:0"`
	CarMake        string `json:"carMake" gorm:"default:''"`
	CarColor       string `json:"carColor" gorm:"default:''"`
	CarPlate       string `json:"carPlate" gorm:"default:''"`
	User           *User  `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

// TableName specifies the table name
func (DriverProfile) TableName() string {
	return "driver_profiles"
}

// ClassList splits the stored class string into a normalized slice
func (p *DriverProfile) ClassList() []string {
	parts := strings.Split(p.ClassesAllowed, ",")
	classes := make([]string, 0, len(parts))
	for _, part := range parts {
		class := strings.ToLower(strings.TrimSpace(part))
		if class != "" {
			classes = append(classes, class)
		}
	}
	return classes
}

// DriverLocation is the durable copy of a driver's last known location and status.
// The in-memory registry is seeded from this row on registration. HasLocation
// distinguishes a real coordinate report from a status-only row; (0,0) alone
// is a valid position, not a marker for "unknown".
type DriverLocation struct {
	gorm.Model
	DriverProfileID uint      `json:"driverId" gorm:"not null;uniqueIndex"`
	Latitude        float64   `json:"lat" gorm:"not null;default:0"`
	Longitude       float64   `json:"lng" gorm:"not null;default:0"`
	HasLocation     bool      `json:"hasLocation" gorm:"not null;default:false"`
	Status          string    `json:"status" gorm:"not null;default:'offline'"`
	LastSeen        time.Time `json:"lastSeen" gorm:"not null"`
}

// TableName specifies the table name
func (DriverLocation) TableName() string {
	return "driver_locations"
}

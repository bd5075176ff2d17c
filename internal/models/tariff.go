package models

import (
	"gorm.io/gorm"
)

// Tariff holds the per-class pricing parameters used to snapshot a fare when
// a ride is created. Only one tariff per class should be active at a time.
type Tariff struct {
	gorm.Model
	RideClass  string  `json:"rideClass" gorm:"not null;index"`
	BaseFare   float64 `json:"baseFare" gorm:"not null"`
	PerKmRate  float64 `json:"perKmRate" gorm:"not null"`
	Multiplier float64 `json:"multiplier" gorm:"not null;default:1"`
	IsActive   bool    `json:"isActive" gorm:"not null;default:true"`
}

// TableName specifies the table name
func (Tariff) TableName() string {
	return "tariffs"
}

// Fare computes the fare snapshot for a given trip distance
func (t *Tariff) Fare(distanceKm float64) float64 {
	return t.BaseFare + distanceKm*t.PerKmRate*t.Multiplier
}

// CommissionPlan holds the platform commission parameters active at ride
// creation time.
type CommissionPlan struct {
	gorm.Model
	FixedFee   float64 `json:"fixedFee" gorm:"not null;default:0"`
	Percentage float64 `json:"percentage" gorm:"not null;default:0"`
	IsActive   bool    `json:"isActive" gorm:"not null;default:true"`
}

// TableName specifies the table name
func (CommissionPlan) TableName() string {
	return "commission_plans"
}

// Commission computes the platform cut for a given fare
func (p *CommissionPlan) Commission(fare float64) float64 {
	return p.FixedFee + fare*p.Percentage/100
}

// Package geomatch is the pure candidate filtering and ranking library.
// It has no side effects and never touches the database or the registry.
package geomatch

import (
	"math"
	"sort"

	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
)

// DefaultRadiusKm is the maximum pickup distance offered to a driver
const DefaultRadiusKm = 5.0

// Candidate is a pending ride with the distance to the driver attached
type Candidate struct {
	Ride       models.Ride `json:"ride"`
	DistanceKm float64     `json:"distanceKm"`
}

// DistanceKm calculates the distance between two points on Earth
// using the Haversine formula. Returns distance in kilometers.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadius = 6371 // Earth's radius in kilometers

	// Convert degrees to radians
	lat1Rad := lat1 * math.Pi / 180
	lng1Rad := lng1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	lng2Rad := lng2 * math.Pi / 180

	dlat := lat2Rad - lat1Rad
	dlng := lng2Rad - lng1Rad

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dlng/2)*math.Sin(dlng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}

// EstimateArrivalMinutes estimates time to cover a distance at city speed
func EstimateArrivalMinutes(distanceKm, averageSpeedKmh float64) int {
	if averageSpeedKmh <= 0 {
		averageSpeedKmh = 30 // Default average speed in city traffic
	}

	minutes := int(distanceKm / averageSpeedKmh * 60)
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// Rank filters and orders pending rides for one driver. A non-matchable
// driver gets an empty list. Rides outside the driver's permitted classes or
// farther than radiusKm from the driver are always excluded; survivors are
// sorted ascending by pickup distance (stable, so creation order breaks ties)
// and truncated to limit.
func Rank(driver registry.DriverState, rides []models.Ride, radiusKm float64, limit int) []Candidate {
	if !driver.Matchable() {
		return []Candidate{}
	}
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}

	candidates := make([]Candidate, 0, len(rides))
	for _, ride := range rides {
		if !driver.PermitsClass(ride.RideClass) {
			continue
		}
		distance := DistanceKm(driver.Latitude, driver.Longitude, ride.PickupLat, ride.PickupLng)
		if distance > radiusKm {
			continue
		}
		candidates = append(candidates, Candidate{Ride: ride, DistanceKm: distance})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DistanceKm < candidates[j].DistanceKm
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

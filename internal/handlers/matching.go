package handlers

import (
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/swiftcab/swiftcab-backend/internal/geomatch"
	"github.com/swiftcab/swiftcab-backend/internal/observability"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
)

// FindDrivers ranks matchable drivers around a pickup point, nearest first
func FindDrivers(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Pointers so a legitimate 0 coordinate is not mistaken for a
		// missing field by the required binding
		var input struct {
			RideID   uint     `json:"rideId"`
			Class    string   `json:"class"`
			Lat      *float64 `json:"lat" binding:"required"`
			Lng      *float64 `json:"lng" binding:"required"`
			RadiusKm float64  `json:"radiusKm"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		lat, lng := *input.Lat, *input.Lng

		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			c.JSON(400, gin.H{"error": "Invalid coordinates"})
			return
		}

		radius := input.RadiusKm
		if radius <= 0 {
			radius = geomatch.DefaultRadiusKm
		}

		type rankedDriver struct {
			state    registry.DriverState
			distance float64
		}
		var ranked []rankedDriver
		for _, state := range reg.Matchable(input.Class) {
			distance := geomatch.DistanceKm(state.Latitude, state.Longitude, lat, lng)
			if distance > radius {
				continue
			}
			ranked = append(ranked, rankedDriver{state: state, distance: distance})
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].distance < ranked[j].distance
		})

		drivers := make([]gin.H, 0, len(ranked))
		for _, r := range ranked {
			drivers = append(drivers, gin.H{
				"driverId":      r.state.DriverID,
				"lat":           r.state.Latitude,
				"lng":           r.state.Longitude,
				"distanceKm":    r.distance,
				"estimatedTime": geomatch.EstimateArrivalMinutes(r.distance, 30),
				"classes":       r.state.Classes,
			})
		}

		c.JSON(200, gin.H{
			"found":   len(drivers) > 0,
			"rideId":  input.RideID,
			"drivers": drivers,
		})
	}
}

// MatchingStats reports live registry counts
func MatchingStats(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := reg.Snapshot()
		observability.DriversOnline.Set(float64(stats.Online))

		c.JSON(200, gin.H{
			"registered": stats.Registered,
			"online":     stats.Online,
			"busy":       stats.Busy,
		})
	}
}

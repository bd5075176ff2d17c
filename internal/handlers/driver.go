package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/swiftcab/swiftcab-backend/internal/feed"
	"github.com/swiftcab/swiftcab-backend/internal/geomatch"
	"github.com/swiftcab/swiftcab-backend/internal/hub"
	"github.com/swiftcab/swiftcab-backend/internal/ledger"
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
	"github.com/swiftcab/swiftcab-backend/internal/services"
	"gorm.io/gorm"
)

// loadDriverState resolves the authenticated user to live driver state,
// registering from the persisted profile and location row when the
// process-local cache is cold.
func loadDriverState(db *gorm.DB, reg *registry.Registry, userID uint) (registry.DriverState, error) {
	state, err := reg.GetByUser(userID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, registry.ErrNotRegistered) {
		return registry.DriverState{}, err
	}

	var profile models.DriverProfile
	if err := db.Where("user_id = ?", userID).First(&profile).Error; err != nil {
		return registry.DriverState{}, registry.ErrNotRegistered
	}

	var location models.DriverLocation
	if err := db.Where("driver_profile_id = ?", profile.ID).First(&location).Error; err != nil {
		// No durable row yet; another instance may still hold a hot copy
		if lat, lng, err := services.GetDriverLocation(context.Background(), profile.ID); err == nil {
			hot := models.DriverLocation{
				DriverProfileID: profile.ID,
				Latitude:        lat,
				Longitude:       lng,
				HasLocation:     true,
				Status:          models.DriverStatusOffline,
			}
			if status, err := services.GetDriverStatus(context.Background(), profile.ID); err == nil {
				hot.Status = status
			}
			return reg.Register(&profile, &hot), nil
		}
		return reg.Register(&profile, nil), nil
	}
	return reg.Register(&profile, &location), nil
}

// RegisterDriver creates or refreshes the driver's profile and seeds the
// in-memory registry from the persisted state. Idempotent on reconnect.
func RegisterDriver(db *gorm.DB, reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		if userType != string(models.UserTypeDriver) {
			c.JSON(403, gin.H{"error": "Only drivers can register"})
			return
		}

		var input struct {
			ClassesAllowed string `json:"classesAllowed"`
			CarMake        string `json:"carMake"`
			CarColor       string `json:"carColor"`
			CarPlate       string `json:"carPlate"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		var profile models.DriverProfile
		result := db.Where("user_id = ?", userID).First(&profile)
		if result.Error == gorm.ErrRecordNotFound {
			profile = models.DriverProfile{
				UserID:         userID,
				ClassesAllowed: "economy",
				CarMake:        input.CarMake,
				CarColor:       input.CarColor,
				CarPlate:       input.CarPlate,
			}
			if input.ClassesAllowed != "" {
				profile.ClassesAllowed = strings.ToLower(input.ClassesAllowed)
			}
			if err := db.Create(&profile).Error; err != nil {
				c.JSON(500, gin.H{"error": "Failed to create driver profile"})
				return
			}
		} else if result.Error != nil {
			c.JSON(500, gin.H{"error": "Failed to fetch driver profile"})
			return
		} else if input.ClassesAllowed != "" {
			profile.ClassesAllowed = strings.ToLower(input.ClassesAllowed)
			if err := db.Save(&profile).Error; err != nil {
				c.JSON(500, gin.H{"error": "Failed to update driver profile"})
				return
			}
		}

		var location models.DriverLocation
		var locationPtr *models.DriverLocation
		if err := db.Where("driver_profile_id = ?", profile.ID).First(&location).Error; err == nil {
			locationPtr = &location
		}

		state := reg.Register(&profile, locationPtr)

		c.JSON(200, gin.H{
			"driverId":       state.DriverID,
			"classesAllowed": state.Classes,
			"status":         state.Status,
		})
	}
}

// UpdateDriverLocation handles driver location updates
func UpdateDriverLocation(db *gorm.DB, reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		if userType != string(models.UserTypeDriver) {
			c.JSON(403, gin.H{"error": "Only drivers can update location"})
			return
		}

		// Pointers so a legitimate 0 coordinate is not mistaken for a
		// missing field by the required binding
		var input struct {
			Lat *float64 `json:"lat" binding:"required"`
			Lng *float64 `json:"lng" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		lat, lng := *input.Lat, *input.Lng

		if lat < -90 || lat > 90 {
			c.JSON(400, gin.H{"error": "Invalid latitude"})
			return
		}
		if lng < -180 || lng > 180 {
			c.JSON(400, gin.H{"error": "Invalid longitude"})
			return
		}

		state, err := loadDriverState(db, reg, userID)
		if err != nil {
			c.JSON(404, gin.H{"error": "Driver profile not found"})
			return
		}

		state, err = reg.UpdateLocation(state.DriverID, lat, lng)
		if err != nil {
			c.JSON(404, gin.H{"error": "Driver not registered"})
			return
		}

		if err := persistDriverState(db, state); err != nil {
			c.JSON(500, gin.H{"error": "Failed to update location record"})
			return
		}
		services.SetDriverLocation(context.Background(), state.DriverID, lat, lng)

		c.JSON(200, gin.H{
			"message": "Location updated successfully",
			"location": gin.H{
				"lat": lat,
				"lng": lng,
			},
		})
	}
}

// UpdateDriverStatus flips a driver between online and offline. Going online
// with a known location starts the ride feed loop; going offline stops it.
func UpdateDriverStatus(db *gorm.DB, reg *registry.Registry, sched *feed.Scheduler, h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		if userType != string(models.UserTypeDriver) {
			c.JSON(403, gin.H{"error": "Only drivers can update status"})
			return
		}

		var input struct {
			Status string `json:"status" binding:"required,oneof=online offline"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		state, err := loadDriverState(db, reg, userID)
		if err != nil {
			c.JSON(404, gin.H{"error": "Driver profile not found"})
			return
		}

		state, err = reg.SetStatus(state.DriverID, input.Status)
		if err != nil {
			c.JSON(404, gin.H{"error": "Driver not registered"})
			return
		}

		if err := persistDriverState(db, state); err != nil {
			c.JSON(500, gin.H{"error": "Failed to update status"})
			return
		}
		services.SetDriverStatus(context.Background(), state.DriverID, state.Status)

		if state.Matchable() {
			sched.Start(userID, state.DriverID)
		} else {
			sched.Stop(userID)
		}

		h.SendEvent(userID, "status_changed", map[string]interface{}{"status": state.Status})

		c.JSON(200, gin.H{
			"message": "Status updated successfully",
			"status":  state.Status,
		})
	}
}

// GetDriverFeed returns the driver's current ranked candidate list, the same
// ranking the scheduler pushes over the socket.
func GetDriverFeed(db *gorm.DB, reg *registry.Registry, l *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		if userType != string(models.UserTypeDriver) {
			c.JSON(403, gin.H{"error": "Only drivers can fetch the ride feed"})
			return
		}

		limit := feed.DefaultLimit
		if v := c.Query("limit"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				c.JSON(400, gin.H{"error": "Invalid limit"})
				return
			}
			limit = parsed
		}

		state, err := loadDriverState(db, reg, userID)
		if err != nil {
			c.JSON(404, gin.H{"error": "Driver profile not found"})
			return
		}
		if !state.HasLocation {
			c.JSON(400, gin.H{"error": "Driver has no location yet"})
			return
		}

		pending, err := l.PendingRides(c.Request.Context())
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to fetch pending rides"})
			return
		}

		candidates := geomatch.Rank(state, pending, geomatch.DefaultRadiusKm, limit)
		rides := make([]gin.H, 0, len(candidates))
		for _, cand := range candidates {
			rides = append(rides, gin.H{
				"id":            cand.Ride.ID,
				"rideClass":     cand.Ride.RideClass,
				"pickupLat":     cand.Ride.PickupLat,
				"pickupLng":     cand.Ride.PickupLng,
				"pickupAddress": cand.Ride.PickupAddr,
				"distanceKm":    cand.DistanceKm,
				"fare":          cand.Ride.Fare,
			})
		}

		c.JSON(200, gin.H{
			"driverId": state.DriverID,
			"status":   state.Status,
			"count":    len(rides),
			"rides":    rides,
		})
	}
}

// persistDriverState writes the durable copy of the driver's location/status.
// A status-only change for a driver who never reported coordinates keeps
// HasLocation false so the row never fabricates a position at (0,0).
func persistDriverState(db *gorm.DB, state registry.DriverState) error {
	var location models.DriverLocation
	result := db.Where("driver_profile_id = ?", state.DriverID).First(&location)

	if result.Error == gorm.ErrRecordNotFound {
		location = models.DriverLocation{
			DriverProfileID: state.DriverID,
			Latitude:        state.Latitude,
			Longitude:       state.Longitude,
			HasLocation:     state.HasLocation,
			Status:          state.Status,
			LastSeen:        time.Now(),
		}
		return db.Create(&location).Error
	} else if result.Error != nil {
		return result.Error
	}

	location.Latitude = state.Latitude
	location.Longitude = state.Longitude
	location.HasLocation = state.HasLocation
	location.Status = state.Status
	location.LastSeen = time.Now()
	return db.Save(&location).Error
}

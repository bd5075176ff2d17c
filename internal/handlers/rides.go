package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/swiftcab/swiftcab-backend/internal/feed"
	"github.com/swiftcab/swiftcab-backend/internal/geomatch"
	"github.com/swiftcab/swiftcab-backend/internal/hub"
	"github.com/swiftcab/swiftcab-backend/internal/ledger"
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/internal/observability"
	"github.com/swiftcab/swiftcab-backend/internal/offers"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
	"github.com/swiftcab/swiftcab-backend/internal/services"
	"gorm.io/gorm"
)

// notifyDriverUser pushes an event to the user owning a driver profile
func notifyDriverUser(db *gorm.DB, reg *registry.Registry, h *hub.Hub, driverID uint, event string, data gin.H) {
	if state, err := reg.Get(driverID); err == nil {
		h.SendEvent(state.UserID, event, data)
		return
	}
	var profile models.DriverProfile
	if err := db.First(&profile, driverID).Error; err == nil {
		h.SendEvent(profile.UserID, event, data)
	}
}

// CreateRide opens a new ride request. Any other open ride of the same
// requester is canceled first, so a client always has at most one active
// ride.
func CreateRide(db *gorm.DB, l *ledger.Ledger, reg *registry.Registry, sched *feed.Scheduler, h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetUint("userId")
		userType := c.GetString("userType")

		if userType != string(models.UserTypeClient) {
			c.JSON(403, gin.H{"error": "Only clients can request rides"})
			return
		}

		// Pointers so a legitimate 0 coordinate is not mistaken for a
		// missing field by the required binding
		var input struct {
			RideClass string `json:"rideClass"`
			Pickup    struct {
				Lat     *float64 `json:"lat" binding:"required"`
				Lng     *float64 `json:"lng" binding:"required"`
				Address string   `json:"address"`
			} `json:"pickup" binding:"required"`
			Destination struct {
				Lat     *float64 `json:"lat" binding:"required"`
				Lng     *float64 `json:"lng" binding:"required"`
				Address string   `json:"address"`
			} `json:"destination" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		pickupLat, pickupLng := *input.Pickup.Lat, *input.Pickup.Lng
		destLat, destLng := *input.Destination.Lat, *input.Destination.Lng

		if pickupLat < -90 || pickupLat > 90 || destLat < -90 || destLat > 90 {
			c.JSON(400, gin.H{"error": "Invalid latitude"})
			return
		}
		if pickupLng < -180 || pickupLng > 180 || destLng < -180 || destLng > 180 {
			c.JSON(400, gin.H{"error": "Invalid longitude"})
			return
		}

		rideClass := input.RideClass
		if rideClass == "" {
			rideClass = "economy"
		}

		ride, canceled, err := l.Create(c.Request.Context(), ledger.CreateRequest{
			ClientID:   clientID,
			RideClass:  rideClass,
			PickupLat:  pickupLat,
			PickupLng:  pickupLng,
			PickupAddr: input.Pickup.Address,
			DestLat:    destLat,
			DestLng:    destLng,
			DestAddr:   input.Destination.Address,
		})
		if err != nil {
			if errors.Is(err, ledger.ErrNoTariff) {
				c.JSON(400, gin.H{"error": "No active tariff for ride class"})
				return
			}
			c.JSON(500, gin.H{"error": "Failed to create ride request"})
			return
		}

		// Release drivers tied to the rides we just closed
		for _, cancellation := range canceled {
			if cancellation.DriverID != 0 {
				if state, err := reg.Release(cancellation.DriverID); err == nil {
					services.SetDriverStatus(context.Background(), state.DriverID, state.Status)
					if state.Matchable() && h.IsOnline(state.UserID) {
						sched.Start(state.UserID, state.DriverID)
					}
				}
				notifyDriverUser(db, reg, h, cancellation.DriverID, "ride_canceled", gin.H{
					"rideId": cancellation.RideID,
					"reason": "Client requested a new ride",
				})
			}
			for _, offerDriverID := range cancellation.OfferDriverIDs {
				reg.SetStatus(offerDriverID, models.DriverStatusOnline)
				notifyDriverUser(db, reg, h, offerDriverID, "offer_canceled", gin.H{
					"rideId": cancellation.RideID,
					"reason": "Ride was canceled",
				})
			}
			h.SendEvent(clientID, "ride_canceled", gin.H{"rideId": cancellation.RideID})
		}

		observability.RidesCreated.Inc()
		services.PublishRideUpdate(context.Background(), ride.ID, ride.Status, nil)
		h.JoinRoom(ride.ID, clientID)

		c.JSON(201, gin.H{
			"rideId":     ride.ID,
			"status":     ride.Status,
			"fare":       ride.Fare,
			"commission": ride.Commission,
			"distance":   ride.Distance,
		})
	}
}

// ClaimRide lets a driver claim a pending ride. The ledger resolves the race
// atomically; losing is a normal outcome, not a fault.
func ClaimRide(db *gorm.DB, l *ledger.Ledger, reg *registry.Registry, sched *feed.Scheduler, coord *offers.Coordinator, h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		if userType != string(models.UserTypeDriver) {
			c.JSON(403, gin.H{"error": "Only drivers can claim rides"})
			return
		}

		rideID, err := strconv.ParseUint(c.Param("rideId"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid ride ID"})
			return
		}

		state, err := loadDriverState(db, reg, userID)
		if err != nil {
			c.JSON(404, gin.H{"error": "Driver profile not found"})
			return
		}

		ride, err := l.Claim(c.Request.Context(), uint(rideID), state.DriverID, userID)
		switch {
		case err == nil:
		case errors.Is(err, ledger.ErrAlreadyYours):
			observability.ClaimsTotal.WithLabelValues("already_yours").Inc()
			c.JSON(200, gin.H{"status": "already_yours", "rideId": rideID})
			return
		case errors.Is(err, ledger.ErrAlreadyTaken):
			observability.ClaimsTotal.WithLabelValues("already_taken").Inc()
			c.JSON(409, gin.H{"status": "already_taken"})
			return
		case errors.Is(err, ledger.ErrDriverBusy):
			observability.ClaimsTotal.WithLabelValues("driver_busy").Inc()
			c.JSON(409, gin.H{"status": "driver_busy"})
			return
		case errors.Is(err, ledger.ErrInvalidStatus):
			observability.ClaimsTotal.WithLabelValues("invalid_status").Inc()
			c.JSON(400, gin.H{"status": "invalid_status"})
			return
		case errors.Is(err, ledger.ErrNotFound):
			observability.ClaimsTotal.WithLabelValues("not_found").Inc()
			c.JSON(404, gin.H{"error": "Ride not found"})
			return
		default:
			c.JSON(500, gin.H{"error": "Failed to claim ride"})
			return
		}

		observability.ClaimsTotal.WithLabelValues("accepted").Inc()

		reg.Assign(state.DriverID, ride.ID)
		services.SetDriverStatus(context.Background(), state.DriverID, models.DriverStatusBusy)
		sched.Stop(userID)

		// Competing offers for this ride lose along with their drivers
		coord.CloseOutstanding(c.Request.Context(), ride.ID, 0, models.OfferStatusRejected)

		eta := 0
		if state.HasLocation {
			distance := geomatch.DistanceKm(state.Latitude, state.Longitude, ride.PickupLat, ride.PickupLng)
			eta = geomatch.EstimateArrivalMinutes(distance, 30)
		}

		h.JoinRoom(ride.ID, userID)
		h.SendEvent(ride.ClientID, "ride_accepted", gin.H{
			"rideId":        ride.ID,
			"driverId":      state.DriverID,
			"estimatedTime": eta,
		})
		services.PublishRideUpdate(context.Background(), ride.ID, ride.Status, nil)

		c.JSON(200, gin.H{
			"status": "accepted",
			"rideId": ride.ID,
			"eta":    eta,
		})
	}
}

// UpdateRideStatus moves a ride along its lifecycle
func UpdateRideStatus(db *gorm.DB, l *ledger.Ledger, reg *registry.Registry, sched *feed.Scheduler, h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		rideID, err := strconv.ParseUint(c.Param("rideId"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid ride ID"})
			return
		}

		var input struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		ride, err := l.Get(c.Request.Context(), uint(rideID))
		if err != nil {
			c.JSON(404, gin.H{"error": "Ride not found"})
			return
		}

		if !authorizedForRide(db, reg, ride, userID, userType) {
			c.JSON(403, gin.H{"error": "Unauthorized to update this ride"})
			return
		}

		ride, err = l.Transition(c.Request.Context(), uint(rideID), input.Status, userID)
		if err != nil {
			if errors.Is(err, ledger.ErrInvalidTransition) {
				c.JSON(400, gin.H{"status": "invalid_status"})
				return
			}
			if errors.Is(err, ledger.ErrNotFound) {
				c.JSON(404, gin.H{"error": "Ride not found"})
				return
			}
			c.JSON(500, gin.H{"error": "Failed to update ride status"})
			return
		}

		finishRideIfTerminal(db, reg, sched, h, ride)
		notifyRideParties(db, reg, h, ride, "ride_status_update")
		services.PublishRideUpdate(context.Background(), ride.ID, ride.Status, nil)

		c.JSON(200, gin.H{
			"message": "Ride status updated successfully",
			"rideId":  ride.ID,
			"status":  ride.Status,
		})
	}
}

// CancelRide cancels one ride and releases its driver and outstanding offers
func CancelRide(db *gorm.DB, l *ledger.Ledger, reg *registry.Registry, sched *feed.Scheduler, coord *offers.Coordinator, h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		rideID, err := strconv.ParseUint(c.Param("rideId"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid ride ID"})
			return
		}

		ride, err := l.Get(c.Request.Context(), uint(rideID))
		if err != nil {
			c.JSON(404, gin.H{"error": "Ride not found"})
			return
		}

		if !authorizedForRide(db, reg, ride, userID, userType) {
			c.JSON(403, gin.H{"error": "Unauthorized to cancel this ride"})
			return
		}

		ride, err = l.Transition(c.Request.Context(), uint(rideID), models.RideStatusCanceled, userID)
		if err != nil {
			if errors.Is(err, ledger.ErrInvalidTransition) {
				c.JSON(400, gin.H{"error": "Ride cannot be cancelled"})
				return
			}
			c.JSON(500, gin.H{"error": "Failed to cancel ride"})
			return
		}

		coord.CloseOutstanding(c.Request.Context(), ride.ID, 0, models.OfferStatusCanceled)
		finishRideIfTerminal(db, reg, sched, h, ride)
		notifyRideParties(db, reg, h, ride, "ride_canceled")
		services.PublishRideUpdate(context.Background(), ride.ID, ride.Status, nil)

		c.JSON(200, gin.H{
			"message": "Ride cancelled successfully",
			"rideId":  ride.ID,
			"status":  ride.Status,
		})
	}
}

// GetRideHistory returns the append-only status log for a ride
func GetRideHistory(db *gorm.DB, l *ledger.Ledger, reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		rideID, err := strconv.ParseUint(c.Param("rideId"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid ride ID"})
			return
		}

		ride, err := l.Get(c.Request.Context(), uint(rideID))
		if err != nil {
			c.JSON(404, gin.H{"error": "Ride not found"})
			return
		}

		if !authorizedForRide(db, reg, ride, userID, userType) {
			c.JSON(403, gin.H{"error": "Unauthorized to view this ride"})
			return
		}

		events, err := l.History(c.Request.Context(), ride.ID)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to fetch ride history"})
			return
		}

		history := make([]gin.H, 0, len(events))
		for _, event := range events {
			history = append(history, gin.H{
				"fromStatus": event.FromStatus,
				"toStatus":   event.ToStatus,
				"actorId":    event.ActorID,
				"timestamp":  event.CreatedAt,
			})
		}

		c.JSON(200, gin.H{
			"rideId":  ride.ID,
			"status":  ride.Status,
			"history": history,
		})
	}
}

// authorizedForRide checks the actor is the requester or the assigned driver
func authorizedForRide(db *gorm.DB, reg *registry.Registry, ride *models.Ride, userID uint, userType string) bool {
	if userType == string(models.UserTypeClient) {
		return ride.ClientID == userID
	}
	if ride.DriverProfileID == nil {
		return false
	}
	if state, err := reg.Get(*ride.DriverProfileID); err == nil {
		return state.UserID == userID
	}
	var profile models.DriverProfile
	if err := db.First(&profile, *ride.DriverProfileID).Error; err != nil {
		return false
	}
	return profile.UserID == userID
}

// finishRideIfTerminal releases the assigned driver once a ride closes and
// restarts their feed loop if they are still connected and matchable.
func finishRideIfTerminal(db *gorm.DB, reg *registry.Registry, sched *feed.Scheduler, h *hub.Hub, ride *models.Ride) {
	if ride.Status != models.RideStatusCompleted && ride.Status != models.RideStatusCanceled {
		return
	}
	if ride.DriverProfileID == nil {
		return
	}

	state, err := reg.Release(*ride.DriverProfileID)
	if err != nil {
		return
	}
	services.SetDriverStatus(context.Background(), state.DriverID, state.Status)
	persistDriverState(db, state)

	if state.Matchable() && h.IsOnline(state.UserID) {
		sched.Start(state.UserID, state.DriverID)
	}
	h.LeaveRoom(ride.ID, state.UserID)
}

// notifyRideParties pushes a status event to the requester, the assigned
// driver and the ride room, best-effort.
func notifyRideParties(db *gorm.DB, reg *registry.Registry, h *hub.Hub, ride *models.Ride, event string) {
	data := gin.H{"rideId": ride.ID, "status": ride.Status}
	h.SendEvent(ride.ClientID, event, data)
	if ride.DriverProfileID != nil {
		notifyDriverUser(db, reg, h, *ride.DriverProfileID, event, data)
	}
	h.BroadcastRoom(ride.ID, event, data, 0)
}

package handlers

import (
	"context"
	"encoding/json"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/swiftcab/swiftcab-backend/internal/feed"
	"github.com/swiftcab/swiftcab-backend/internal/hub"
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/internal/observability"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
	"github.com/swiftcab/swiftcab-backend/internal/services"
	"gorm.io/gorm"
)

// WebSocketHandler upgrades the authenticated request to a live session. A
// connecting driver is warmed into the registry and, if already online with a
// location, gets their feed loop started right away.
func WebSocketHandler(db *gorm.DB, h *hub.Hub, reg *registry.Registry, sched *feed.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		hub.ServeWS(h, c.Writer, c.Request, userID, userType)
		observability.ConnectedUsers.Set(float64(h.ConnectedUsers()))

		if userType == string(models.UserTypeDriver) {
			if state, err := loadDriverState(db, reg, userID); err == nil && state.Matchable() {
				sched.Start(userID, state.DriverID)
			}
		}
	}
}

// WireRealtime installs the hub's inbound message dispatcher and offline hook
func WireRealtime(db *gorm.DB, h *hub.Hub, reg *registry.Registry, sched *feed.Scheduler) {
	h.OnUserOffline = func(userID uint) {
		sched.Stop(userID)
		observability.ConnectedUsers.Set(float64(h.ConnectedUsers()))
	}

	h.OnMessage = func(c *hub.Client, msg hub.Inbound) {
		switch msg.Type {
		case "ping":
			h.SendEvent(c.UserID, "pong", nil)
		case "location_update":
			handleLocationUpdate(db, h, reg, c, msg.Data)
		case "go_online":
			handleStatusChange(db, h, reg, sched, c, models.DriverStatusOnline)
		case "go_offline":
			handleStatusChange(db, h, reg, sched, c, models.DriverStatusOffline)
		case "join_room":
			if rideID, ok := parseRideID(msg.Data); ok {
				h.JoinRoom(rideID, c.UserID)
			}
		case "leave_room":
			if rideID, ok := parseRideID(msg.Data); ok {
				h.LeaveRoom(rideID, c.UserID)
			}
		case "room_message":
			handleRoomMessage(h, c, msg.Data)
		default:
			log.Printf("Unknown message type from user %d: %s", c.UserID, msg.Type)
		}
	}
}

func parseRideID(raw json.RawMessage) (uint, bool) {
	var payload struct {
		RideID uint `json:"rideId"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.RideID == 0 {
		return 0, false
	}
	return payload.RideID, true
}

func handleLocationUpdate(db *gorm.DB, h *hub.Hub, reg *registry.Registry, c *hub.Client, raw json.RawMessage) {
	if c.UserType != string(models.UserTypeDriver) {
		return
	}

	var payload struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.SendEvent(c.UserID, "error", map[string]interface{}{"message": "Invalid location payload"})
		return
	}
	if payload.Lat < -90 || payload.Lat > 90 || payload.Lng < -180 || payload.Lng > 180 {
		h.SendEvent(c.UserID, "error", map[string]interface{}{"message": "Invalid coordinates"})
		return
	}

	state, err := loadDriverState(db, reg, c.UserID)
	if err != nil {
		h.SendEvent(c.UserID, "error", map[string]interface{}{"message": "Driver profile not found"})
		return
	}

	state, err = reg.UpdateLocation(state.DriverID, payload.Lat, payload.Lng)
	if err != nil {
		return
	}
	if err := persistDriverState(db, state); err != nil {
		log.Printf("Failed to persist location for driver %d: %v", state.DriverID, err)
	}
	services.SetDriverLocation(context.Background(), state.DriverID, payload.Lat, payload.Lng)

	h.SendEvent(c.UserID, "location_ack", map[string]interface{}{
		"lat": payload.Lat,
		"lng": payload.Lng,
	})
}

func handleStatusChange(db *gorm.DB, h *hub.Hub, reg *registry.Registry, sched *feed.Scheduler, c *hub.Client, status string) {
	if c.UserType != string(models.UserTypeDriver) {
		return
	}

	state, err := loadDriverState(db, reg, c.UserID)
	if err != nil {
		h.SendEvent(c.UserID, "error", map[string]interface{}{"message": "Driver profile not found"})
		return
	}

	state, err = reg.SetStatus(state.DriverID, status)
	if err != nil {
		return
	}
	if err := persistDriverState(db, state); err != nil {
		log.Printf("Failed to persist status for driver %d: %v", state.DriverID, err)
	}
	services.SetDriverStatus(context.Background(), state.DriverID, status)

	if state.Matchable() {
		sched.Start(c.UserID, state.DriverID)
	} else {
		sched.Stop(c.UserID)
	}

	h.SendEvent(c.UserID, "status_changed", map[string]interface{}{"status": state.Status})
}

func handleRoomMessage(h *hub.Hub, c *hub.Client, raw json.RawMessage) {
	var payload struct {
		RideID  uint   `json:"rideId"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.RideID == 0 {
		return
	}

	h.BroadcastRoom(payload.RideID, "room_message", map[string]interface{}{
		"rideId":  payload.RideID,
		"from":    c.UserID,
		"message": payload.Message,
	}, c.UserID)
}

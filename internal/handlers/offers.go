package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/swiftcab/swiftcab-backend/internal/feed"
	"github.com/swiftcab/swiftcab-backend/internal/ledger"
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/internal/offers"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
	"github.com/swiftcab/swiftcab-backend/internal/services"
	"gorm.io/gorm"
)

// CreateOffer opens an offer from the authenticated driver on a pending ride
func CreateOffer(db *gorm.DB, reg *registry.Registry, coord *offers.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		if userType != string(models.UserTypeDriver) {
			c.JSON(403, gin.H{"error": "Only drivers can make offers"})
			return
		}

		var input struct {
			RideID uint `json:"rideId" binding:"required"`
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

		offer, err := coord.CreateOffer(c.Request.Context(), input.RideID, state.DriverID)
		if err != nil {
			if errors.Is(err, offers.ErrOfferOutstanding) {
				c.JSON(409, gin.H{"error": "Driver already has a pending offer"})
				return
			}
			if errors.Is(err, ledger.ErrNotFound) {
				c.JSON(404, gin.H{"error": "Ride not found"})
				return
			}
			c.JSON(500, gin.H{"error": "Failed to create offer"})
			return
		}

		c.JSON(201, gin.H{
			"offerId":    offer.ID,
			"rideId":     offer.RideID,
			"status":     offer.Status,
			"etaMinutes": offer.EtaMinutes,
		})
	}
}

// AcceptOffer lets the ride's requester accept one driver's offer
func AcceptOffer(db *gorm.DB, l *ledger.Ledger, reg *registry.Registry, sched *feed.Scheduler, coord *offers.Coordinator) gin.HandlerFunc {
	return resolveOffer(db, l, reg, sched, coord, models.OfferStatusAccepted)
}

// RejectOffer lets the ride's requester turn an offer down
func RejectOffer(db *gorm.DB, l *ledger.Ledger, reg *registry.Registry, sched *feed.Scheduler, coord *offers.Coordinator) gin.HandlerFunc {
	return resolveOffer(db, l, reg, sched, coord, models.OfferStatusRejected)
}

// CancelOffer lets the offering driver withdraw a still-pending offer
func CancelOffer(db *gorm.DB, reg *registry.Registry, coord *offers.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		if userType != string(models.UserTypeDriver) {
			c.JSON(403, gin.H{"error": "Only drivers can cancel their offers"})
			return
		}

		offerID, err := strconv.ParseUint(c.Param("offerId"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid offer ID"})
			return
		}

		state, err := loadDriverState(db, reg, userID)
		if err != nil {
			c.JSON(404, gin.H{"error": "Driver profile not found"})
			return
		}

		var offer models.RideOffer
		if err := db.First(&offer, offerID).Error; err != nil {
			c.JSON(404, gin.H{"error": "Offer not found"})
			return
		}
		if offer.DriverProfileID != state.DriverID {
			c.JSON(403, gin.H{"error": "Offer belongs to another driver"})
			return
		}

		resolved, err := coord.ResolveOffer(c.Request.Context(), uint(offerID), models.OfferStatusCanceled, userID)
		if err != nil {
			if errors.Is(err, offers.ErrOfferResolved) {
				c.JSON(409, gin.H{"error": "Offer is no longer pending"})
				return
			}
			c.JSON(500, gin.H{"error": "Failed to cancel offer"})
			return
		}

		c.JSON(200, gin.H{
			"offerId": resolved.ID,
			"status":  resolved.Status,
		})
	}
}

func resolveOffer(db *gorm.DB, l *ledger.Ledger, reg *registry.Registry, sched *feed.Scheduler, coord *offers.Coordinator, newStatus string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")

		if userType != string(models.UserTypeClient) {
			c.JSON(403, gin.H{"error": "Only clients can resolve offers"})
			return
		}

		offerID, err := strconv.ParseUint(c.Param("offerId"), 10, 32)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid offer ID"})
			return
		}

		var offer models.RideOffer
		if err := db.First(&offer, offerID).Error; err != nil {
			c.JSON(404, gin.H{"error": "Offer not found"})
			return
		}
		ride, err := l.Get(c.Request.Context(), offer.RideID)
		if err != nil {
			c.JSON(404, gin.H{"error": "Ride not found"})
			return
		}
		if ride.ClientID != userID {
			c.JSON(403, gin.H{"error": "Offer is for another client's ride"})
			return
		}

		resolved, err := coord.ResolveOffer(c.Request.Context(), uint(offerID), newStatus, userID)
		switch {
		case err == nil:
		case errors.Is(err, offers.ErrOfferResolved):
			c.JSON(409, gin.H{"error": "Offer is no longer pending"})
			return
		case errors.Is(err, ledger.ErrAlreadyTaken), errors.Is(err, ledger.ErrDriverBusy):
			c.JSON(409, gin.H{"error": "Ride can no longer be claimed by this driver"})
			return
		case errors.Is(err, ledger.ErrInvalidStatus):
			c.JSON(400, gin.H{"status": "invalid_status"})
			return
		case errors.Is(err, offers.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
			c.JSON(404, gin.H{"error": "Offer not found"})
			return
		default:
			c.JSON(500, gin.H{"error": "Failed to resolve offer"})
			return
		}

		if resolved.Status == models.OfferStatusAccepted {
			if winner, err := reg.Get(resolved.DriverProfileID); err == nil {
				sched.Stop(winner.UserID)
				services.SetDriverStatus(context.Background(), winner.DriverID, models.DriverStatusBusy)
			}
		}

		c.JSON(200, gin.H{
			"offerId": resolved.ID,
			"rideId":  resolved.RideID,
			"status":  resolved.Status,
		})
	}
}

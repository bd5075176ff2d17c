// Package offers implements the push-style offer protocol: a driver
// expresses interest in one ride and the first accepted offer claims the
// ride, force-rejecting every competing offer.
package offers

import (
	"context"
	"errors"
	"log"

	"github.com/swiftcab/swiftcab-backend/internal/geomatch"
	"github.com/swiftcab/swiftcab-backend/internal/ledger"
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/internal/observability"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
	"github.com/swiftcab/swiftcab-backend/internal/services"
	"gorm.io/gorm"
)

var (
	ErrNotFound         = errors.New("offer not found")
	ErrOfferOutstanding = errors.New("driver already has a pending offer")
	ErrOfferResolved    = errors.New("offer is no longer pending")
)

type Coordinator struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	registry *registry.Registry
	notifier services.Notifier
}

func NewCoordinator(db *gorm.DB, l *ledger.Ledger, reg *registry.Registry, n services.Notifier) *Coordinator {
	return &Coordinator{db: db, ledger: l, registry: reg, notifier: n}
}

// CreateOffer opens a requested offer for (ride, driver). The partial unique
// index on ride_offers makes the insert itself reject a driver who already
// holds a requested offer, so two concurrent creates cannot both land.
func (c *Coordinator) CreateOffer(ctx context.Context, rideID, driverID uint) (*models.RideOffer, error) {
	ride, err := c.ledger.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}

	eta := 0
	if driver, err := c.registry.Get(driverID); err == nil && driver.HasLocation {
		distance := geomatch.DistanceKm(driver.Latitude, driver.Longitude, ride.PickupLat, ride.PickupLng)
		eta = geomatch.EstimateArrivalMinutes(distance, 30)
	}

	res := c.db.WithContext(ctx).Exec(`
		INSERT INTO ride_offers (created_at, updated_at, ride_id, driver_profile_id, status, eta_minutes)
		SELECT NOW(), NOW(), ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM ride_offers WHERE driver_profile_id = ? AND status = ?
		)`,
		rideID, driverID, models.OfferStatusRequested, eta,
		driverID, models.OfferStatusRequested,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrOfferOutstanding
	}

	var offer models.RideOffer
	if err := c.db.WithContext(ctx).
		Where("driver_profile_id = ? AND status = ?", driverID, models.OfferStatusRequested).
		Order("id DESC").First(&offer).Error; err != nil {
		return nil, err
	}

	if _, err := c.registry.SetStatus(driverID, models.DriverStatusWaitingRide); err != nil {
		log.Printf("Offer %d: driver %d not in registry: %v", offer.ID, driverID, err)
	}

	c.notifier.NotifyUser(ctx, ride.ClientID, "offer_received", map[string]interface{}{
		"offerId":    offer.ID,
		"rideId":     rideID,
		"driverId":   driverID,
		"etaMinutes": eta,
	})

	return &offer, nil
}

// ResolveOffer settles one offer. Accepting claims the underlying ride; if
// the claim loses the race the resolution fails and the offer stays
// requested. A successful accept force-rejects every sibling requested offer
// and releases their drivers back to online.
func (c *Coordinator) ResolveOffer(ctx context.Context, offerID uint, newStatus string, actorID uint) (*models.RideOffer, error) {
	var offer models.RideOffer
	if err := c.db.WithContext(ctx).First(&offer, offerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if offer.Status != models.OfferStatusRequested {
		return nil, ErrOfferResolved
	}

	switch newStatus {
	case models.OfferStatusAccepted:
		return c.accept(ctx, &offer, actorID)
	case models.OfferStatusRejected, models.OfferStatusCanceled:
		return c.release(ctx, &offer, newStatus)
	default:
		return nil, ErrOfferResolved
	}
}

func (c *Coordinator) accept(ctx context.Context, offer *models.RideOffer, actorID uint) (*models.RideOffer, error) {
	// Take ownership of the resolution first: the conditional write loses to
	// any concurrent reject/cancel, so a released offer can never be revived.
	if err := c.takeResolution(ctx, offer.ID, models.OfferStatusAccepted); err != nil {
		return nil, err
	}

	ride, err := c.ledger.Claim(ctx, offer.RideID, offer.DriverProfileID, actorID)
	if err != nil {
		// The claim lost or was invalid; the offer must not read accepted
		if revertErr := c.db.WithContext(ctx).Model(&models.RideOffer{}).
			Where("id = ? AND status = ?", offer.ID, models.OfferStatusAccepted).
			Update("status", models.OfferStatusRequested).Error; revertErr != nil {
			log.Printf("Offer %d: failed to revert after lost claim: %v", offer.ID, revertErr)
		}
		return nil, err
	}

	offer.Status = models.OfferStatusAccepted
	observability.OffersTotal.WithLabelValues(models.OfferStatusAccepted).Inc()

	if _, err := c.registry.Assign(offer.DriverProfileID, ride.ID); err != nil {
		log.Printf("Offer %d: driver %d not in registry on accept: %v", offer.ID, offer.DriverProfileID, err)
	}

	c.notifyDriver(ctx, offer.DriverProfileID, "offer_accepted", map[string]interface{}{
		"offerId": offer.ID,
		"rideId":  ride.ID,
	})
	c.notifier.NotifyUser(ctx, ride.ClientID, "ride_accepted", map[string]interface{}{
		"rideId":   ride.ID,
		"driverId": offer.DriverProfileID,
	})

	c.CloseOutstanding(ctx, offer.RideID, offer.ID, models.OfferStatusRejected)
	return offer, nil
}

// takeResolution moves one offer out of requested with a conditional write,
// the same discipline the ride claim uses. Exactly one resolver can win;
// everyone else sees ErrOfferResolved.
func (c *Coordinator) takeResolution(ctx context.Context, offerID uint, newStatus string) error {
	res := c.db.WithContext(ctx).Model(&models.RideOffer{}).
		Where("id = ? AND status = ?", offerID, models.OfferStatusRequested).
		Update("status", newStatus)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOfferResolved
	}
	return nil
}

// CloseOutstanding force-transitions every requested offer for the ride
// (except excludeOfferID, 0 for none) to the given terminal status and
// releases each affected driver back to online. Also used by the direct
// claim path, where there is no winning offer to exclude. A driver who
// already dropped their socket simply misses the notification; that is
// never an error here.
func (c *Coordinator) CloseOutstanding(ctx context.Context, rideID, excludeOfferID uint, status string) {
	var siblings []models.RideOffer
	if err := c.db.WithContext(ctx).
		Where("ride_id = ? AND status = ? AND id != ?", rideID, models.OfferStatusRequested, excludeOfferID).
		Find(&siblings).Error; err != nil {
		log.Printf("Failed to load outstanding offers for ride %d: %v", rideID, err)
		return
	}
	if len(siblings) == 0 {
		return
	}

	if err := c.db.WithContext(ctx).Model(&models.RideOffer{}).
		Where("ride_id = ? AND status = ? AND id != ?", rideID, models.OfferStatusRequested, excludeOfferID).
		Update("status", status).Error; err != nil {
		log.Printf("Failed to close outstanding offers for ride %d: %v", rideID, err)
		return
	}

	for _, sibling := range siblings {
		observability.OffersTotal.WithLabelValues(status).Inc()
		if _, err := c.registry.SetStatus(sibling.DriverProfileID, models.DriverStatusOnline); err != nil {
			log.Printf("Sibling driver %d not in registry: %v", sibling.DriverProfileID, err)
		}
		c.notifyDriver(ctx, sibling.DriverProfileID, "offer_"+status, map[string]interface{}{
			"offerId": sibling.ID,
			"rideId":  sibling.RideID,
			"reason":  "Ride is no longer available",
		})
	}
}

func (c *Coordinator) release(ctx context.Context, offer *models.RideOffer, newStatus string) (*models.RideOffer, error) {
	if err := c.takeResolution(ctx, offer.ID, newStatus); err != nil {
		return nil, err
	}
	offer.Status = newStatus
	observability.OffersTotal.WithLabelValues(newStatus).Inc()

	if _, err := c.registry.SetStatus(offer.DriverProfileID, models.DriverStatusOnline); err != nil {
		log.Printf("Offer %d: driver %d not in registry on release: %v", offer.ID, offer.DriverProfileID, err)
	}
	c.notifyDriver(ctx, offer.DriverProfileID, "offer_"+newStatus, map[string]interface{}{
		"offerId": offer.ID,
		"rideId":  offer.RideID,
	})
	return offer, nil
}

// notifyDriver resolves the driver's owning user before pushing
func (c *Coordinator) notifyDriver(ctx context.Context, driverID uint, event string, data map[string]interface{}) {
	if driver, err := c.registry.Get(driverID); err == nil {
		c.notifier.NotifyUser(ctx, driver.UserID, event, data)
		return
	}
	var profile models.DriverProfile
	if err := c.db.WithContext(ctx).First(&profile, driverID).Error; err != nil {
		log.Printf("Cannot resolve driver %d for %s notification: %v", driverID, event, err)
		return
	}
	c.notifier.NotifyUser(ctx, profile.UserID, event, data)
}

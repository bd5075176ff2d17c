// Package ledger owns ride status. Every status change goes through the
// transition table in models and writes its history row in the same
// transaction, so status and history cannot diverge.
package ledger

import (
	"context"
	"errors"

	"github.com/swiftcab/swiftcab-backend/internal/geomatch"
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound          = errors.New("ride not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyTaken      = errors.New("ride already taken")
	ErrAlreadyYours      = errors.New("ride already assigned to this driver")
	ErrDriverBusy        = errors.New("driver already busy on another ride")
	ErrInvalidStatus     = errors.New("ride is not claimable in its current status")
	ErrNoTariff          = errors.New("no active tariff for ride class")
)

type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// CreateRequest carries everything needed to open a new ride
type CreateRequest struct {
	ClientID   uint
	RideClass  string
	PickupLat  float64
	PickupLng  float64
	PickupAddr string
	DestLat    float64
	DestLng    float64
	DestAddr   string
}

// Cancellation reports one ride closed by a bulk cancel, with the drivers
// that must be released back to online by the caller.
type Cancellation struct {
	RideID         uint
	DriverID       uint // assigned driver, 0 if none
	OfferDriverIDs []uint
}

// Create opens a new ride in requested status. Any other open ride of the
// same requester is canceled first, and the fare and commission are
// snapshotted from the currently active tariff and commission plan.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*models.Ride, []Cancellation, error) {
	canceled, err := l.CancelAllForRequester(ctx, req.ClientID)
	if err != nil {
		return nil, nil, err
	}

	distance := geomatch.DistanceKm(req.PickupLat, req.PickupLng, req.DestLat, req.DestLng)

	var ride models.Ride
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tariff models.Tariff
		if err := tx.Where("ride_class = ? AND is_active = ?", req.RideClass, true).
			Order("id DESC").First(&tariff).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoTariff
			}
			return err
		}

		fare := tariff.Fare(distance)
		commission := 0.0
		var plan models.CommissionPlan
		if err := tx.Where("is_active = ?", true).Order("id DESC").First(&plan).Error; err == nil {
			commission = plan.Commission(fare)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		ride = models.Ride{
			ClientID:   req.ClientID,
			RideClass:  req.RideClass,
			PickupLat:  req.PickupLat,
			PickupLng:  req.PickupLng,
			PickupAddr: req.PickupAddr,
			DestLat:    req.DestLat,
			DestLng:    req.DestLng,
			DestAddr:   req.DestAddr,
			Status:     models.RideStatusRequested,
			Distance:   distance,
			Fare:       fare,
			Commission: commission,
		}
		if err := tx.Create(&ride).Error; err != nil {
			return err
		}

		event := models.RideStatusEvent{
			RideID:   ride.ID,
			ToStatus: models.RideStatusRequested,
			ActorID:  req.ClientID,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return nil, canceled, err
	}
	return &ride, canceled, nil
}

// Get loads one ride
func (l *Ledger) Get(ctx context.Context, rideID uint) (*models.Ride, error) {
	var ride models.Ride
	if err := l.db.WithContext(ctx).First(&ride, rideID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ride, nil
}

// PendingRides returns unassigned requested rides in creation order
func (l *Ledger) PendingRides(ctx context.Context) ([]models.Ride, error) {
	var rides []models.Ride
	err := l.db.WithContext(ctx).
		Where("status = ? AND driver_profile_id IS NULL", models.RideStatusRequested).
		Order("created_at ASC").
		Find(&rides).Error
	return rides, err
}

// History returns the ride's status events in append order
func (l *Ledger) History(ctx context.Context, rideID uint) ([]models.RideStatusEvent, error) {
	var events []models.RideStatusEvent
	err := l.db.WithContext(ctx).
		Where("ride_id = ?", rideID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

// Transition moves the ride one hop along the transition graph. The ride row
// is locked for the duration so the edge check and the write are atomic, and
// the history row lands in the same transaction.
func (l *Ledger) Transition(ctx context.Context, rideID uint, toStatus string, actorID uint) (*models.Ride, error) {
	var ride models.Ride
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&ride, rideID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if !models.CanTransition(ride.Status, toStatus) {
			return ErrInvalidTransition
		}

		fromStatus := ride.Status
		ride.Status = toStatus
		if err := tx.Model(&models.Ride{}).Where("id = ?", rideID).
			Update("status", toStatus).Error; err != nil {
			return err
		}

		event := models.RideStatusEvent{
			RideID:     rideID,
			FromStatus: fromStatus,
			ToStatus:   toStatus,
			ActorID:    actorID,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

// Claim assigns an unassigned ride to exactly one driver. The precondition
// check and the assignment are a single conditional UPDATE, so two drivers
// claiming concurrently cannot both win; the loser sees ErrAlreadyTaken.
func (l *Ledger) Claim(ctx context.Context, rideID, driverID, actorID uint) (*models.Ride, error) {
	var ride models.Ride
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Ride{}).
			Where("id = ? AND driver_profile_id IS NULL AND status = ?", rideID, models.RideStatusRequested).
			Where("NOT EXISTS (SELECT 1 FROM rides busy WHERE busy.driver_profile_id = ? AND busy.status IN ?)",
				driverID, models.BusyRideStatuses).
			Updates(map[string]interface{}{
				"driver_profile_id": driverID,
				"status":            models.RideStatusAccepted,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return l.classifyClaimFailure(tx, rideID, driverID)
		}

		event := models.RideStatusEvent{
			RideID:     rideID,
			FromStatus: models.RideStatusRequested,
			ToStatus:   models.RideStatusAccepted,
			ActorID:    actorID,
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.DriverProfile{}).Where("id = ?", driverID).
			UpdateColumn("rides_assigned", gorm.Expr("rides_assigned + 1")).Error; err != nil {
			return err
		}

		return tx.First(&ride, rideID).Error
	})
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

// classifyClaimFailure re-reads the ride to turn a zero-row claim into the
// precise outcome the caller must branch on.
func (l *Ledger) classifyClaimFailure(tx *gorm.DB, rideID, driverID uint) error {
	var ride models.Ride
	if err := tx.First(&ride, rideID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if ride.DriverProfileID != nil {
		if *ride.DriverProfileID == driverID {
			return ErrAlreadyYours
		}
		return ErrAlreadyTaken
	}
	if ride.Status != models.RideStatusRequested {
		return ErrInvalidStatus
	}
	return ErrDriverBusy
}

// CancelAllForRequester bulk-cancels every open ride of the requester. It
// returns, per canceled ride, the assigned driver and the drivers holding
// outstanding offers, so the caller can release them in the registry and
// notify through the hub.
func (l *Ledger) CancelAllForRequester(ctx context.Context, requesterID uint) ([]Cancellation, error) {
	var cancellations []Cancellation
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []models.Ride
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("client_id = ? AND status IN ?", requesterID, models.OpenRideStatuses).
			Find(&open).Error; err != nil {
			return err
		}

		for _, ride := range open {
			if err := tx.Model(&models.Ride{}).Where("id = ?", ride.ID).
				Update("status", models.RideStatusCanceled).Error; err != nil {
				return err
			}

			event := models.RideStatusEvent{
				RideID:     ride.ID,
				FromStatus: ride.Status,
				ToStatus:   models.RideStatusCanceled,
				ActorID:    requesterID,
			}
			if err := tx.Create(&event).Error; err != nil {
				return err
			}

			var offers []models.RideOffer
			if err := tx.Where("ride_id = ? AND status = ?", ride.ID, models.OfferStatusRequested).
				Find(&offers).Error; err != nil {
				return err
			}
			if len(offers) > 0 {
				if err := tx.Model(&models.RideOffer{}).
					Where("ride_id = ? AND status = ?", ride.ID, models.OfferStatusRequested).
					Update("status", models.OfferStatusCanceled).Error; err != nil {
					return err
				}
			}

			cancellation := Cancellation{RideID: ride.ID}
			if ride.DriverProfileID != nil {
				cancellation.DriverID = *ride.DriverProfileID
			}
			for _, offer := range offers {
				cancellation.OfferDriverIDs = append(cancellation.OfferDriverIDs, offer.DriverProfileID)
			}
			cancellations = append(cancellations, cancellation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancellations, nil
}

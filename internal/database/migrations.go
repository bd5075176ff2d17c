package database

import (
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	// Create tables if they don't exist
	err := db.AutoMigrate(
		&models.User{},
		&models.DriverProfile{},
		&models.DriverLocation{},
		&models.Ride{},
		&models.RideStatusEvent{},
		&models.RideOffer{},
		&models.Tariff{},
		&models.CommissionPlan{},
	)
	if err != nil {
		return err
	}

	// Update users table
	if db.Migrator().HasTable(&models.User{}) {
		db.Exec(`ALTER TABLE users DROP CONSTRAINT IF EXISTS users_user_type_check`)
		if err := db.Exec(`ALTER TABLE users ADD CONSTRAINT users_user_type_check CHECK (user_type IN ('client', 'driver'))`).Error; err != nil {
			return err
		}
	}

	// A driver may hold at most one requested offer at a time; the partial
	// unique index lets the INSERT itself enforce that under concurrency.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_ride_offers_one_requested
		ON ride_offers (driver_profile_id) WHERE status = 'requested'`).Error; err != nil {
		return err
	}

	// Claim arbitration depends on this check never being bypassed by a
	// stray manual update.
	db.Exec(`ALTER TABLE rides DROP CONSTRAINT IF EXISTS rides_status_check`)
	if err := db.Exec(`ALTER TABLE rides ADD CONSTRAINT rides_status_check CHECK (status IN
		('requested', 'waiting_commission', 'accepted', 'on_the_way', 'arrived', 'started', 'completed', 'canceled'))`).Error; err != nil {
		return err
	}

	return nil
}

// Package feed runs one recurring ranking task per connected, available
// driver. Tasks are keyed by user id; starting a task for a key cancels any
// previous one, and a task exits on its own as soon as the driver disconnects
// or stops being matchable.
package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/swiftcab/swiftcab-backend/internal/geomatch"
	"github.com/swiftcab/swiftcab-backend/internal/hub"
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/internal/observability"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultLimit    = 10
)

// PendingSource supplies the unassigned rides to rank on each push
type PendingSource interface {
	PendingRides(ctx context.Context) ([]models.Ride, error)
}

// FeedEntry is one ranked ride in a pushed feed
type FeedEntry struct {
	RideID     uint    `json:"id"`
	RideClass  string  `json:"rideClass"`
	PickupLat  float64 `json:"pickupLat"`
	PickupLng  float64 `json:"pickupLng"`
	PickupAddr string  `json:"pickupAddress"`
	DistanceKm float64 `json:"distanceKm"`
	Fare       float64 `json:"fare"`
}

type Scheduler struct {
	registry *registry.Registry
	rides    PendingSource
	hub      *hub.Hub

	interval time.Duration
	radiusKm float64
	limit    int

	mu    sync.Mutex
	tasks map[uint]context.CancelFunc // keyed by user id
}

func NewScheduler(reg *registry.Registry, rides PendingSource, h *hub.Hub) *Scheduler {
	return &Scheduler{
		registry: reg,
		rides:    rides,
		hub:      h,
		interval: DefaultInterval,
		radiusKm: geomatch.DefaultRadiusKm,
		limit:    DefaultLimit,
		tasks:    make(map[uint]context.CancelFunc),
	}
}

// SetInterval overrides the push interval (used by tests)
func (s *Scheduler) SetInterval(d time.Duration) {
	s.interval = d
}

// Start launches the feed task for a driver's user id, replacing any
// previous task for the same key so loops never pile up.
func (s *Scheduler) Start(userID, driverID uint) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if prev, ok := s.tasks[userID]; ok {
		prev()
	}
	s.tasks[userID] = cancel
	s.mu.Unlock()

	go s.run(ctx, userID, driverID)
}

// Stop cancels the feed task for a user, if any
func (s *Scheduler) Stop(userID uint) {
	s.mu.Lock()
	if cancel, ok := s.tasks[userID]; ok {
		cancel()
		delete(s.tasks, userID)
	}
	s.mu.Unlock()
}

// Running reports whether a task is registered for the user
func (s *Scheduler) Running(userID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[userID]
	return ok
}

func (s *Scheduler) run(ctx context.Context, userID, driverID uint) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.clear(ctx, userID)

	// First push immediately, then on every tick
	if !s.push(ctx, userID, driverID) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.push(ctx, userID, driverID) {
				return
			}
		}
	}
}

// clear removes the task entry unless a newer task already replaced it
func (s *Scheduler) clear(ctx context.Context, userID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		// Cancelled externally; Start/Stop already own the map entry
		return
	}
	delete(s.tasks, userID)
}

// push ranks pending rides for the driver and delivers one feed message.
// It returns false when the loop should exit: driver gone from the hub,
// no longer matchable, or context cancelled.
func (s *Scheduler) push(ctx context.Context, userID, driverID uint) bool {
	if ctx.Err() != nil {
		return false
	}
	if !s.hub.IsOnline(userID) {
		return false
	}

	driver, err := s.registry.Get(driverID)
	if err != nil || !driver.Matchable() {
		return false
	}

	pending, err := s.rides.PendingRides(ctx)
	if err != nil {
		log.Printf("Feed query failed for driver %d: %v", driverID, err)
		return true // transient, retry next tick
	}

	candidates := geomatch.Rank(driver, pending, s.radiusKm, s.limit)
	entries := make([]FeedEntry, 0, len(candidates))
	for _, c := range candidates {
		entries = append(entries, FeedEntry{
			RideID:     c.Ride.ID,
			RideClass:  c.Ride.RideClass,
			PickupLat:  c.Ride.PickupLat,
			PickupLng:  c.Ride.PickupLng,
			PickupAddr: c.Ride.PickupAddr,
			DistanceKm: c.DistanceKm,
			Fare:       c.Ride.Fare,
		})
	}

	delivered := s.hub.SendEvent(userID, "ride_feed", map[string]interface{}{
		"count": len(entries),
		"rides": entries,
	})
	if !delivered {
		return false
	}
	observability.FeedPushesTotal.Inc()
	return true
}

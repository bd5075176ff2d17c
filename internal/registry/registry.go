package registry

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/swiftcab/swiftcab-backend/internal/models"
)

// ErrNotRegistered means the driver has no entry in this process's cache.
// Callers treat it as "cache cold" and fall back to the persisted row.
var ErrNotRegistered = errors.New("driver not registered")

const shardCount = 16

// DriverState is the live in-memory view of one driver. The persisted
// DriverLocation row is the durable copy; this cache is rebuilt from it on
// registration and is never authoritative across restarts.
type DriverState struct {
	DriverID      uint
	UserID        uint
	Status        string
	Latitude      float64
	Longitude     float64
	HasLocation   bool
	Classes       []string
	CurrentRideID uint // 0 when unassigned
	UpdatedAt     time.Time
}

// Matchable reports whether the driver can be offered rides
func (s *DriverState) Matchable() bool {
	return s.Status == models.DriverStatusOnline && s.HasLocation
}

// PermitsClass checks the driver's permitted class set, case-insensitively
func (s *DriverState) PermitsClass(class string) bool {
	class = strings.ToLower(strings.TrimSpace(class))
	for _, c := range s.Classes {
		if c == class {
			return true
		}
	}
	return false
}

type shard struct {
	mu      sync.RWMutex
	drivers map[uint]*DriverState
}

// Registry is the single owner of live driver state. Entries are mutated
// under their shard lock so concurrent status updates cannot lose writes.
type Registry struct {
	shards [shardCount]*shard

	userMu sync.RWMutex
	byUser map[uint]uint // user id -> driver id
}

func New() *Registry {
	r := &Registry{byUser: make(map[uint]uint)}
	for i := range r.shards {
		r.shards[i] = &shard{drivers: make(map[uint]*DriverState)}
	}
	return r
}

func (r *Registry) shardFor(driverID uint) *shard {
	return r.shards[driverID%shardCount]
}

// Register inserts or refreshes a driver's cached state from its persisted
// profile and location row. Safe to call on every reconnect.
func (r *Registry) Register(profile *models.DriverProfile, location *models.DriverLocation) DriverState {
	s := r.shardFor(profile.ID)
	s.mu.Lock()
	state, ok := s.drivers[profile.ID]
	if !ok {
		state = &DriverState{DriverID: profile.ID, Status: models.DriverStatusOffline}
		s.drivers[profile.ID] = state
	}
	state.UserID = profile.UserID
	state.Classes = profile.ClassList()
	if location != nil {
		state.Status = location.Status
		// A status-only row carries no coordinates; the driver stays
		// unmatchable until a real location report arrives.
		if location.HasLocation {
			state.Latitude = location.Latitude
			state.Longitude = location.Longitude
			state.HasLocation = true
		}
	}
	state.UpdatedAt = time.Now()
	snapshot := *state
	s.mu.Unlock()

	r.userMu.Lock()
	r.byUser[profile.UserID] = profile.ID
	r.userMu.Unlock()

	return snapshot
}

// UpdateLocation overwrites coordinates and timestamp without touching status
func (r *Registry) UpdateLocation(driverID uint, lat, lng float64) (DriverState, error) {
	return r.mutate(driverID, func(state *DriverState) {
		state.Latitude = lat
		state.Longitude = lng
		state.HasLocation = true
	})
}

// SetStatus changes availability. Starting or stopping the driver's feed task
// is the caller's responsibility.
func (r *Registry) SetStatus(driverID uint, status string) (DriverState, error) {
	return r.mutate(driverID, func(state *DriverState) {
		state.Status = status
		if status != models.DriverStatusBusy {
			state.CurrentRideID = 0
		}
	})
}

// Assign marks the driver busy on the given ride
func (r *Registry) Assign(driverID, rideID uint) (DriverState, error) {
	return r.mutate(driverID, func(state *DriverState) {
		state.Status = models.DriverStatusBusy
		state.CurrentRideID = rideID
	})
}

// Release clears the assignment and returns the driver to online
func (r *Registry) Release(driverID uint) (DriverState, error) {
	return r.mutate(driverID, func(state *DriverState) {
		state.Status = models.DriverStatusOnline
		state.CurrentRideID = 0
	})
}

func (r *Registry) mutate(driverID uint, fn func(*DriverState)) (DriverState, error) {
	s := r.shardFor(driverID)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.drivers[driverID]
	if !ok {
		return DriverState{}, ErrNotRegistered
	}
	fn(state)
	state.UpdatedAt = time.Now()
	return *state, nil
}

// Get returns a copy of the driver's live state
func (r *Registry) Get(driverID uint) (DriverState, error) {
	s := r.shardFor(driverID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.drivers[driverID]
	if !ok {
		return DriverState{}, ErrNotRegistered
	}
	return *state, nil
}

// GetByUser resolves the owning user to the driver's live state
func (r *Registry) GetByUser(userID uint) (DriverState, error) {
	r.userMu.RLock()
	driverID, ok := r.byUser[userID]
	r.userMu.RUnlock()
	if !ok {
		return DriverState{}, ErrNotRegistered
	}
	return r.Get(driverID)
}

// Stats aggregates registry counts for the matching stats endpoint
type Stats struct {
	Registered int `json:"registered"`
	Online     int `json:"online"`
	Busy       int `json:"busy"`
}

// Snapshot walks every shard and counts drivers per status
func (r *Registry) Snapshot() Stats {
	var stats Stats
	for _, s := range r.shards {
		s.mu.RLock()
		for _, state := range s.drivers {
			stats.Registered++
			switch state.Status {
			case models.DriverStatusOnline:
				stats.Online++
			case models.DriverStatusBusy:
				stats.Busy++
			}
		}
		s.mu.RUnlock()
	}
	return stats
}

// Matchable returns copies of every driver currently eligible for dispatch,
// optionally restricted to one ride class.
func (r *Registry) Matchable(class string) []DriverState {
	var out []DriverState
	for _, s := range r.shards {
		s.mu.RLock()
		for _, state := range s.drivers {
			if !state.Matchable() {
				continue
			}
			if class != "" && !state.PermitsClass(class) {
				continue
			}
			out = append(out, *state)
		}
		s.mu.RUnlock()
	}
	return out
}

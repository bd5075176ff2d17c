package feed

import (
	"context"
	"testing"
	"time"

	"github.com/swiftcab/swiftcab-backend/internal/hub"
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
	"gorm.io/gorm"
)

type fakeSource struct {
	rides []models.Ride
}

func (f *fakeSource) PendingRides(ctx context.Context) ([]models.Ride, error) {
	return f.rides, nil
}

func setupScheduler(t *testing.T) (*Scheduler, *hub.Hub, *registry.Registry, *hub.Client) {
	t.Helper()

	h := hub.NewHub()
	reg := registry.New()
	source := &fakeSource{rides: []models.Ride{{
		Model:     gorm.Model{ID: 1},
		RideClass: "economy",
		PickupLat: 55.752,
		PickupLng: 37.615,
		Status:    models.RideStatusRequested,
	}}}

	reg.Register(&models.DriverProfile{
		Model:          gorm.Model{ID: 1},
		UserID:         10,
		ClassesAllowed: "economy",
	}, &models.DriverLocation{
		DriverProfileID: 1,
		Latitude:        55.751,
		Longitude:       37.615,
		HasLocation:     true,
		Status:          models.DriverStatusOnline,
	})

	client := &hub.Client{UserID: 10, UserType: "driver", Send: make(chan []byte, 16), Hub: h}
	h.Connect(client)

	s := NewScheduler(reg, source, h)
	s.SetInterval(10 * time.Millisecond)
	return s, h, reg, client
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestStartPushesImmediately(t *testing.T) {
	s, _, _, client := setupScheduler(t)

	s.Start(10, 1)
	defer s.Stop(10)

	if !waitFor(t, time.Second, func() bool { return len(client.Send) > 0 }) {
		t.Fatal("expected a feed push shortly after Start")
	}
	if !s.Running(10) {
		t.Fatal("task must be registered while the driver is matchable")
	}
}

func TestStopCancelsTask(t *testing.T) {
	s, _, _, client := setupScheduler(t)

	s.Start(10, 1)
	waitFor(t, time.Second, func() bool { return len(client.Send) > 0 })

	s.Stop(10)
	if s.Running(10) {
		t.Fatal("task must be gone after Stop")
	}

	// Drain, then verify pushes have stopped
	time.Sleep(30 * time.Millisecond)
	for len(client.Send) > 0 {
		<-client.Send
	}
	time.Sleep(50 * time.Millisecond)
	if len(client.Send) != 0 {
		t.Fatal("no pushes expected after Stop")
	}
}

func TestStartReplacesPreviousTask(t *testing.T) {
	s, _, _, _ := setupScheduler(t)

	s.Start(10, 1)
	s.Start(10, 1)
	s.Start(10, 1)
	defer s.Stop(10)

	if !s.Running(10) {
		t.Fatal("latest task must be registered")
	}
	s.Stop(10)
	if s.Running(10) {
		t.Fatal("single Stop must clear the latest task")
	}
}

func TestTaskExitsWhenDriverGoesOffline(t *testing.T) {
	s, _, reg, client := setupScheduler(t)

	s.Start(10, 1)
	waitFor(t, time.Second, func() bool { return len(client.Send) > 0 })

	reg.SetStatus(1, models.DriverStatusOffline)
	if !waitFor(t, time.Second, func() bool { return !s.Running(10) }) {
		t.Fatal("task must exit once the driver stops being matchable")
	}
}

func TestTaskExitsWhenUserDisconnects(t *testing.T) {
	s, h, _, client := setupScheduler(t)

	s.Start(10, 1)
	waitFor(t, time.Second, func() bool { return len(client.Send) > 0 })

	h.Disconnect(client)
	if !waitFor(t, time.Second, func() bool { return !s.Running(10) }) {
		t.Fatal("task must exit once the user has no live sessions")
	}
}

package geomatch

import (
	"math"
	"math/rand"
	"testing"

	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
	"gorm.io/gorm"
)

func TestDistanceKmZero(t *testing.T) {
	d := DistanceKm(55.751, 37.615, 55.751, 37.615)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmKnownPair(t *testing.T) {
	// Moscow center to Sheremetyevo, roughly 29 km
	d := DistanceKm(55.7558, 37.6173, 55.9736, 37.4125)
	if d < 26 || d > 30 {
		t.Fatalf("unexpected distance: %f", d)
	}
}

func TestDistanceKmSymmetric(t *testing.T) {
	a := DistanceKm(55.751, 37.615, 55.760, 37.640)
	b := DistanceKm(55.760, 37.640, 55.751, 37.615)
	if math.Abs(a-b) > 1e-9 {
		t.Fatalf("distance not symmetric: %f vs %f", a, b)
	}
}

func TestEstimateArrivalMinutes(t *testing.T) {
	if got := EstimateArrivalMinutes(30, 30); got != 60 {
		t.Fatalf("expected 60 minutes, got %d", got)
	}
	if got := EstimateArrivalMinutes(0.1, 30); got != 1 {
		t.Fatalf("expected floor of 1 minute, got %d", got)
	}
	if got := EstimateArrivalMinutes(15, 0); got != 30 {
		t.Fatalf("expected default speed fallback, got %d", got)
	}
}

func onlineDriver() registry.DriverState {
	return registry.DriverState{
		DriverID:    1,
		Status:      models.DriverStatusOnline,
		Latitude:    55.751,
		Longitude:   37.615,
		HasLocation: true,
		Classes:     []string{"economy"},
	}
}

func rideAt(id uint, class string, lat, lng float64) models.Ride {
	return models.Ride{
		Model:     gorm.Model{ID: id},
		RideClass: class,
		PickupLat: lat,
		PickupLng: lng,
		Status:    models.RideStatusRequested,
	}
}

func TestRankFiltersClassAndRadius(t *testing.T) {
	driver := onlineDriver()
	rides := []models.Ride{
		rideAt(1, "economy", 55.760, 37.615), // ~1 km, permitted class
		rideAt(2, "comfort", 55.760, 37.615), // ~1 km, wrong class
		rideAt(3, "economy", 55.823, 37.615), // ~8 km, out of radius
	}

	got := Rank(driver, rides, 5.0, 10)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].Ride.ID != 1 {
		t.Fatalf("expected ride 1, got %d", got[0].Ride.ID)
	}
	if got[0].DistanceKm <= 0 || got[0].DistanceKm > 5 {
		t.Fatalf("unexpected distance: %f", got[0].DistanceKm)
	}
}

func TestRankSortsNearestFirst(t *testing.T) {
	driver := onlineDriver()
	rides := []models.Ride{
		rideAt(1, "economy", 55.780, 37.615),
		rideAt(2, "economy", 55.755, 37.615),
		rideAt(3, "economy", 55.765, 37.615),
	}

	got := Rank(driver, rides, 5.0, 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].DistanceKm < got[i-1].DistanceKm {
			t.Fatalf("candidates not sorted by distance: %v", got)
		}
	}
	if got[0].Ride.ID != 2 {
		t.Fatalf("expected nearest ride first, got %d", got[0].Ride.ID)
	}
}

func TestRankTruncatesToLimit(t *testing.T) {
	driver := onlineDriver()
	var rides []models.Ride
	for i := uint(1); i <= 20; i++ {
		rides = append(rides, rideAt(i, "economy", 55.751+float64(i)*0.001, 37.615))
	}

	got := Rank(driver, rides, 5.0, 10)
	if len(got) != 10 {
		t.Fatalf("expected 10 candidates, got %d", len(got))
	}
}

func TestRankNonMatchableDriver(t *testing.T) {
	rides := []models.Ride{rideAt(1, "economy", 55.752, 37.615)}

	offline := onlineDriver()
	offline.Status = models.DriverStatusOffline
	if got := Rank(offline, rides, 5.0, 10); len(got) != 0 {
		t.Fatalf("offline driver should get no candidates, got %d", len(got))
	}

	noLocation := onlineDriver()
	noLocation.HasLocation = false
	if got := Rank(noLocation, rides, 5.0, 10); len(got) != 0 {
		t.Fatalf("driver without location should get no candidates, got %d", len(got))
	}
}

func TestRankPropertiesRandomizedFixtures(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	classes := []string{"economy", "comfort", "business"}

	for trial := 0; trial < 200; trial++ {
		driver := registry.DriverState{
			DriverID:    1,
			Status:      models.DriverStatusOnline,
			Latitude:    rng.Float64()*20 + 45, // mid-latitudes
			Longitude:   rng.Float64()*40 + 20,
			HasLocation: true,
		}
		for _, class := range classes {
			if rng.Intn(2) == 0 {
				driver.Classes = append(driver.Classes, class)
			}
		}

		radius := rng.Float64()*9 + 1
		count := rng.Intn(30)
		rides := make([]models.Ride, 0, count)
		for i := 0; i < count; i++ {
			rides = append(rides, rideAt(
				uint(i+1),
				classes[rng.Intn(len(classes))],
				driver.Latitude+(rng.Float64()-0.5)*0.4,
				driver.Longitude+(rng.Float64()-0.5)*0.4,
			))
		}

		got := Rank(driver, rides, radius, 10)
		for i, cand := range got {
			if !driver.PermitsClass(cand.Ride.RideClass) {
				t.Fatalf("trial %d: returned out-of-class ride %d (%s), driver permits %v",
					trial, cand.Ride.ID, cand.Ride.RideClass, driver.Classes)
			}
			if cand.DistanceKm > radius {
				t.Fatalf("trial %d: returned out-of-radius ride %d (%.3f km > %.3f km)",
					trial, cand.Ride.ID, cand.DistanceKm, radius)
			}
			recomputed := DistanceKm(driver.Latitude, driver.Longitude, cand.Ride.PickupLat, cand.Ride.PickupLng)
			if math.Abs(recomputed-cand.DistanceKm) > 1e-9 {
				t.Fatalf("trial %d: attached distance does not match the pickup distance", trial)
			}
			if i > 0 && cand.DistanceKm < got[i-1].DistanceKm {
				t.Fatalf("trial %d: candidates not sorted ascending by distance", trial)
			}
		}
		if len(got) > 10 {
			t.Fatalf("trial %d: limit not honored, got %d", trial, len(got))
		}
	}
}

func TestRankDefaultRadius(t *testing.T) {
	driver := onlineDriver()
	rides := []models.Ride{
		rideAt(1, "economy", 55.760, 37.615), // ~1 km
		rideAt(2, "economy", 55.823, 37.615), // ~8 km
	}

	got := Rank(driver, rides, 0, 10)
	if len(got) != 1 || got[0].Ride.ID != 1 {
		t.Fatalf("default radius should exclude the far ride, got %v", got)
	}
}

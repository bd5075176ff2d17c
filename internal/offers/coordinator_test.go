// DB-backed tests for the offer protocol. They need a real Postgres because
// the one-pending-offer rule lives in conditional SQL and a partial index.
package offers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/swiftcab/swiftcab-backend/internal/database"
	"github.com/swiftcab/swiftcab-backend/internal/ledger"
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/internal/registry"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) NotifyUser(ctx context.Context, userID uint, event string, data map[string]interface{}) {
	n.mu.Lock()
	n.events = append(n.events, fmt.Sprintf("%d:%s", userID, event))
	n.mu.Unlock()
}

func (n *recordingNotifier) has(userID uint, event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	want := fmt.Sprintf("%d:%s", userID, event)
	for _, e := range n.events {
		if e == want {
			return true
		}
	}
	return false
}

type testEnv struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	registry *registry.Registry
	notifier *recordingNotifier
	coord    *Coordinator
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := os.Getenv("SWIFTCAB_TEST_DSN")
	if dsn == "" {
		t.Skip("SWIFTCAB_TEST_DSN not set; skipping DB-backed tests")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	if err := database.RunMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	if err := db.Exec(`TRUNCATE TABLE ride_status_events, ride_offers, rides,
		driver_locations, driver_profiles, users, tariffs, commission_plans
		RESTART IDENTITY CASCADE`).Error; err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	if err := db.Create(&models.Tariff{
		RideClass: "economy", BaseFare: 100, PerKmRate: 20, Multiplier: 1, IsActive: true,
	}).Error; err != nil {
		t.Fatalf("seed tariff: %v", err)
	}

	l := ledger.New(db)
	reg := registry.New()
	n := &recordingNotifier{}
	return &testEnv{
		db:       db,
		ledger:   l,
		registry: reg,
		notifier: n,
		coord:    NewCoordinator(db, l, reg, n),
	}
}

func (e *testEnv) createClient(t *testing.T, name string) uint {
	t.Helper()
	user := models.User{
		Username:     name,
		Email:        name + "@test.local",
		PasswordHash: "hashed",
		UserType:     string(models.UserTypeClient),
	}
	if err := e.db.Create(&user).Error; err != nil {
		t.Fatalf("create client: %v", err)
	}
	return user.ID
}

func (e *testEnv) createDriver(t *testing.T, name string) (driverID, userID uint) {
	t.Helper()
	user := models.User{
		Username:     name,
		Email:        name + "@test.local",
		PasswordHash: "hashed",
		UserType:     string(models.UserTypeDriver),
	}
	if err := e.db.Create(&user).Error; err != nil {
		t.Fatalf("create driver user: %v", err)
	}
	profile := models.DriverProfile{UserID: user.ID, ClassesAllowed: "economy"}
	if err := e.db.Create(&profile).Error; err != nil {
		t.Fatalf("create driver profile: %v", err)
	}
	e.registry.Register(&profile, &models.DriverLocation{
		DriverProfileID: profile.ID,
		Latitude:        55.751,
		Longitude:       37.615,
		HasLocation:     true,
		Status:          models.DriverStatusOnline,
	})
	return profile.ID, user.ID
}

func (e *testEnv) createRide(t *testing.T, clientID uint) *models.Ride {
	t.Helper()
	ride, _, err := e.ledger.Create(context.Background(), ledger.CreateRequest{
		ClientID:  clientID,
		RideClass: "economy",
		PickupLat: 55.751, PickupLng: 37.615,
		DestLat: 55.760, DestLng: 37.640,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return ride
}

func TestCreateOfferMarksDriverWaiting(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	clientID := env.createClient(t, "offer_client")
	driverID, _ := env.createDriver(t, "offer_driver")
	ride := env.createRide(t, clientID)

	offer, err := env.coord.CreateOffer(ctx, ride.ID, driverID)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if offer.Status != models.OfferStatusRequested {
		t.Fatalf("expected requested offer, got %s", offer.Status)
	}
	if offer.EtaMinutes < 1 {
		t.Fatalf("expected a positive ETA, got %d", offer.EtaMinutes)
	}

	state, err := env.registry.Get(driverID)
	if err != nil {
		t.Fatalf("registry get: %v", err)
	}
	if state.Status != models.DriverStatusWaitingRide {
		t.Fatalf("expected waiting_ride, got %s", state.Status)
	}
	if !env.notifier.has(clientID, "offer_received") {
		t.Fatal("requester must be notified of the offer")
	}
}

func TestSecondPendingOfferRejected(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	clientID := env.createClient(t, "dup_client")
	otherClientID := env.createClient(t, "dup_client_2")
	driverID, _ := env.createDriver(t, "dup_driver")
	first := env.createRide(t, clientID)
	second := env.createRide(t, otherClientID)

	if _, err := env.coord.CreateOffer(ctx, first.ID, driverID); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if _, err := env.coord.CreateOffer(ctx, second.ID, driverID); !errors.Is(err, ErrOfferOutstanding) {
		t.Fatalf("expected ErrOfferOutstanding, got %v", err)
	}
}

func TestAcceptRejectsSiblingsAndReleasesDrivers(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	clientID := env.createClient(t, "cascade_client")
	ride := env.createRide(t, clientID)

	const drivers = 4
	offerIDs := make([]uint, drivers)
	driverIDs := make([]uint, drivers)
	for i := 0; i < drivers; i++ {
		driverIDs[i], _ = env.createDriver(t, fmt.Sprintf("cascade_driver_%d", i))
		offer, err := env.coord.CreateOffer(ctx, ride.ID, driverIDs[i])
		if err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
		offerIDs[i] = offer.ID
	}

	winner, err := env.coord.ResolveOffer(ctx, offerIDs[0], models.OfferStatusAccepted, clientID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if winner.Status != models.OfferStatusAccepted {
		t.Fatalf("expected accepted, got %s", winner.Status)
	}

	got, err := env.ledger.Get(ctx, ride.ID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if got.Status != models.RideStatusAccepted || got.DriverProfileID == nil || *got.DriverProfileID != driverIDs[0] {
		t.Fatalf("ride not claimed by the winner: %+v", got)
	}

	winnerState, _ := env.registry.Get(driverIDs[0])
	if winnerState.Status != models.DriverStatusBusy || winnerState.CurrentRideID != ride.ID {
		t.Fatalf("winner must be busy on the ride: %+v", winnerState)
	}

	for i := 1; i < drivers; i++ {
		var offer models.RideOffer
		if err := env.db.First(&offer, offerIDs[i]).Error; err != nil {
			t.Fatalf("load sibling offer: %v", err)
		}
		if offer.Status != models.OfferStatusRejected {
			t.Fatalf("sibling offer %d should be rejected, got %s", offer.ID, offer.Status)
		}
		state, _ := env.registry.Get(driverIDs[i])
		if state.Status != models.DriverStatusOnline {
			t.Fatalf("losing driver %d should be back online, got %s", driverIDs[i], state.Status)
		}
	}

	if _, err := env.coord.ResolveOffer(ctx, offerIDs[1], models.OfferStatusAccepted, clientID); !errors.Is(err, ErrOfferResolved) {
		t.Fatalf("resolved offer must not be acceptable, got %v", err)
	}
}

func TestRejectReleasesDriver(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	clientID := env.createClient(t, "reject_client")
	driverID, driverUserID := env.createDriver(t, "reject_driver")
	ride := env.createRide(t, clientID)

	offer, err := env.coord.CreateOffer(ctx, ride.ID, driverID)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	resolved, err := env.coord.ResolveOffer(ctx, offer.ID, models.OfferStatusRejected, clientID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if resolved.Status != models.OfferStatusRejected {
		t.Fatalf("expected rejected, got %s", resolved.Status)
	}

	state, _ := env.registry.Get(driverID)
	if state.Status != models.DriverStatusOnline {
		t.Fatalf("rejected driver must return to online, got %s", state.Status)
	}
	if !env.notifier.has(driverUserID, "offer_rejected") {
		t.Fatal("driver must be told their offer was rejected")
	}

	// The ride stays claimable and the driver may offer again
	if _, err := env.coord.CreateOffer(ctx, ride.ID, driverID); err != nil {
		t.Fatalf("re-offer after rejection: %v", err)
	}
}

func TestConcurrentAcceptVsReject(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	// A reject racing an accept must never overwrite a won resolution:
	// either the offer ends accepted with the ride claimed, or rejected
	// with the ride untouched. Repeat to give the race a chance to land
	// both ways.
	for round := 0; round < 10; round++ {
		clientID := env.createClient(t, fmt.Sprintf("race_client_%d", round))
		driverID, _ := env.createDriver(t, fmt.Sprintf("race_driver_%d", round))
		ride := env.createRide(t, clientID)

		offer, err := env.coord.CreateOffer(ctx, ride.ID, driverID)
		if err != nil {
			t.Fatalf("round %d: create offer: %v", round, err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.coord.ResolveOffer(ctx, offer.ID, models.OfferStatusAccepted, clientID)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := env.coord.ResolveOffer(ctx, offer.ID, models.OfferStatusRejected, clientID)
			errs <- err
		}()
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil && !errors.Is(err, ErrOfferResolved) {
				t.Fatalf("round %d: unexpected error: %v", round, err)
			}
		}

		var got models.RideOffer
		if err := env.db.First(&got, offer.ID).Error; err != nil {
			t.Fatalf("round %d: load offer: %v", round, err)
		}
		finalRide, err := env.ledger.Get(ctx, ride.ID)
		if err != nil {
			t.Fatalf("round %d: load ride: %v", round, err)
		}
		state, _ := env.registry.Get(driverID)

		switch got.Status {
		case models.OfferStatusAccepted:
			if finalRide.DriverProfileID == nil || *finalRide.DriverProfileID != driverID {
				t.Fatalf("round %d: accepted offer but ride unclaimed: %+v", round, finalRide)
			}
			if state.Status != models.DriverStatusBusy {
				t.Fatalf("round %d: accepted offer but driver is %s", round, state.Status)
			}
		case models.OfferStatusRejected:
			if finalRide.DriverProfileID != nil {
				t.Fatalf("round %d: rejected offer but ride claimed by %d", round, *finalRide.DriverProfileID)
			}
			if state.Status != models.DriverStatusOnline {
				t.Fatalf("round %d: rejected offer but driver is %s", round, state.Status)
			}
		default:
			t.Fatalf("round %d: offer left in %s", round, got.Status)
		}
	}
}

func TestCloseOutstandingWithoutWinner(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	clientID := env.createClient(t, "close_client")
	ride := env.createRide(t, clientID)

	driverA, _ := env.createDriver(t, "close_driver_a")
	driverB, _ := env.createDriver(t, "close_driver_b")
	if _, err := env.coord.CreateOffer(ctx, ride.ID, driverA); err != nil {
		t.Fatalf("offer a: %v", err)
	}
	if _, err := env.coord.CreateOffer(ctx, ride.ID, driverB); err != nil {
		t.Fatalf("offer b: %v", err)
	}

	env.coord.CloseOutstanding(ctx, ride.ID, 0, models.OfferStatusCanceled)

	var remaining int64
	env.db.Model(&models.RideOffer{}).
		Where("ride_id = ? AND status = ?", ride.ID, models.OfferStatusRequested).
		Count(&remaining)
	if remaining != 0 {
		t.Fatalf("expected no requested offers left, got %d", remaining)
	}
	for _, driverID := range []uint{driverA, driverB} {
		state, _ := env.registry.Get(driverID)
		if state.Status != models.DriverStatusOnline {
			t.Fatalf("driver %d must be back online, got %s", driverID, state.Status)
		}
	}
}

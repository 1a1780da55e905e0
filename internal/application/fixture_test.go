package application_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/application"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/testutil"
)

var fixtureStart = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *application.Service
	store    *testutil.MemoryStore
	leases   *testutil.LeaseStore
	algo     *testutil.Algorithm
	protocol *testutil.Protocol
	clock    *testutil.Clock
	metrics  *testutil.Metrics
}

func newFixture(t *testing.T, mutate ...func(*application.Config)) *fixture {
	t.Helper()

	cfg := application.DefaultConfig()
	cfg.LeasePoll = 5 * time.Millisecond
	for _, fn := range mutate {
		fn(&cfg)
	}

	store := testutil.NewMemoryStore()
	f := &fixture{
		store:    store,
		leases:   testutil.NewLeaseStore(),
		algo:     &testutil.Algorithm{Result: ports.MatchResult{MatchScore: 0.91, LivenessScore: 0.9}},
		protocol: testutil.NewProtocol("fake"),
		clock:    testutil.NewClock(fixtureStart),
		metrics:  &testutil.Metrics{},
	}

	algorithms := application.NewAlgorithmRegistry()
	if err := algorithms.Register(application.AlgorithmBinding{
		BiometricType:         domain.BiometricFace,
		Algorithm:             f.algo,
		Version:               "face-v1",
		DefaultMatchThreshold: 0.85,
		LivenessThreshold:     0.8,
	}); err != nil {
		t.Fatalf("register algorithm: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	f.svc = application.NewService(application.Dependencies{
		Config:     cfg,
		Templates:  store.Templates(),
		Syncs:      store.Syncs(),
		Attempts:   store.Attempts(),
		Devices:    store.Devices(),
		Outbox:     store.Outbox(),
		Leases:     f.leases,
		Failures:   testutil.NewFailureWindow(),
		Cipher:     testutil.Cipher{},
		Metrics:    f.metrics,
		Algorithms: algorithms,
		Protocols:  application.NewProtocolRegistry(f.protocol),
		SyncHook:   application.OutboxSyncHook(store.Outbox(), logger),
		Logger:     logger,
		Now:        f.clock.Now,
	})

	for _, id := range []string{"dev1", "dev2"} {
		if _, err := f.svc.UpsertDevice(context.Background(), application.DeviceRequest{
			DeviceID: id,
			Protocol: "fake",
			Endpoint: "http://" + id + ".local",
			Enabled:  true,
		}); err != nil {
			t.Fatalf("register device %s: %v", id, err)
		}
	}
	t.Cleanup(f.svc.Wait)
	return f
}

func (f *fixture) enroll(t *testing.T, userID string) application.EnrollResponse {
	t.Helper()
	resp, err := f.svc.Enroll(context.Background(), application.EnrollRequest{
		UserID:        userID,
		BiometricType: domain.BiometricFace,
		FeatureData:   []byte("features-" + userID),
		QualityScore:  0.9,
	})
	if err != nil {
		t.Fatalf("enroll %s: %v", userID, err)
	}
	f.svc.Wait()
	return resp
}

func (f *fixture) authenticate(t *testing.T, userID, deviceID string, probe string) domain.AuthAttempt {
	t.Helper()
	attempt, err := f.svc.Authenticate(context.Background(), application.AuthenticateRequest{
		UserID:        userID,
		BiometricType: domain.BiometricFace,
		ProbeData:     []byte(probe),
		DeviceID:      deviceID,
		AuthType:      domain.AuthAccess,
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return attempt
}

func (f *fixture) row(t *testing.T, templateID uuid.UUID, deviceID string, direction domain.SyncDirection) domain.SyncOutcome {
	t.Helper()
	for _, row := range f.store.SyncRows(templateID) {
		if row.DeviceID == deviceID && row.Direction == direction {
			return row
		}
	}
	t.Fatalf("no %s row for device %s", direction, deviceID)
	return domain.SyncOutcome{}
}

func countEvents(events []string, eventType string) int {
	n := 0
	for _, e := range events {
		if e == eventType {
			n++
		}
	}
	return n
}

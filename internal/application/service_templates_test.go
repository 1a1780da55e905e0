package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/application"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

func TestExampleScenarioUser42Face(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	t1 := f.enroll(t, "42")

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Enroll(ctx, application.EnrollRequest{
				UserID:        "42",
				BiometricType: domain.BiometricFace,
				FeatureData:   []byte("again"),
				QualityScore:  0.9,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, domain.ErrDuplicateEnrollment) {
			t.Fatalf("expected duplicate enrollment, got %v", err)
		}
	}

	attempt := f.authenticate(t, "42", "dev1", "probe")
	if attempt.Result != domain.AuthSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", attempt.Result, attempt.FailureReason)
	}
	tpl, _ := f.store.Template(t1.TemplateID)
	if tpl.UseCount != 1 || tpl.SuccessCount != 1 {
		t.Fatalf("expected useCount=1 successCount=1, got %d/%d", tpl.UseCount, tpl.SuccessCount)
	}

	if _, err := f.svc.Revoke(ctx, t1.TemplateID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	f.svc.Wait()

	attempt = f.authenticate(t, "42", "dev1", "probe")
	if attempt.Result != domain.AuthFailed || attempt.FailureReason != domain.ReasonNoEnrolledTemplate {
		t.Fatalf("expected FAILED/NO_ENROLLED_TEMPLATE, got %s/%s", attempt.Result, attempt.FailureReason)
	}
	if attempt.TemplateID != nil {
		t.Fatalf("attempt without template must not reference one")
	}
}

func TestConcurrentEnrollmentKeepsOneActiveTemplate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *application.Config) {
		cfg.LeaseWait = 10 * time.Second
	})
	const writers = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Enroll(context.Background(), application.EnrollRequest{
				UserID:        "u-race",
				BiometricType: domain.BiometricFace,
				FeatureData:   []byte("features"),
				QualityScore:  0.95,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrDuplicateEnrollment):
			default:
				t.Errorf("losing writers must see a duplicate enrollment, got %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful enrollment, got %d", successes)
	}
	stats, err := f.svc.TemplateStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got := stats.ByTypeAndStatus[domain.BiometricFace][domain.TemplateActive]; got != 1 {
		t.Fatalf("expected one ACTIVE template, got %d", got)
	}
}

func TestEnrollValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	strict := 0.95

	cases := []struct {
		name string
		req  application.EnrollRequest
		want error
	}{
		{"below configured floor", application.EnrollRequest{UserID: "u1", BiometricType: domain.BiometricFace, FeatureData: []byte("x"), QualityScore: 0.5}, domain.ErrQualityRejected},
		{"below caller floor", application.EnrollRequest{UserID: "u1", BiometricType: domain.BiometricFace, FeatureData: []byte("x"), QualityScore: 0.9, MinQuality: &strict}, domain.ErrQualityRejected},
		{"no algorithm bound", application.EnrollRequest{UserID: "u1", BiometricType: domain.BiometricIris, FeatureData: []byte("x"), QualityScore: 0.9}, domain.ErrUnsupportedBiometricType},
		{"missing user", application.EnrollRequest{BiometricType: domain.BiometricFace, FeatureData: []byte("x"), QualityScore: 0.9}, domain.ErrInvalidInput},
		{"missing features", application.EnrollRequest{UserID: "u1", BiometricType: domain.BiometricFace, QualityScore: 0.9}, domain.ErrInvalidInput},
		{"quality out of range", application.EnrollRequest{UserID: "u1", BiometricType: domain.BiometricFace, FeatureData: []byte("x"), QualityScore: 1.5}, domain.ErrInvalidInput},
	}
	for _, tc := range cases {
		if _, err := f.svc.Enroll(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestEnrollWaitsForLeaseThenGivesUp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *application.Config) {
		cfg.LeaseWait = 30 * time.Millisecond
	})
	f.leases.Hold("biometric:lease:FACE:u-held")

	_, err := f.svc.Enroll(context.Background(), application.EnrollRequest{
		UserID:        "u-held",
		BiometricType: domain.BiometricFace,
		FeatureData:   []byte("x"),
		QualityScore:  0.9,
	})
	if !errors.Is(err, domain.ErrLeaseUnavailable) {
		t.Fatalf("expected lease unavailable, got %v", err)
	}
}

func TestEnrollPushesToEveryEnabledDevice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.enroll(t, "u1")
	if resp.QueuedDevices != 2 {
		t.Fatalf("expected 2 queued devices, got %d", resp.QueuedDevices)
	}
	for _, dev := range []string{"dev1", "dev2"} {
		if row := f.row(t, resp.TemplateID, dev, domain.SyncPush); row.Result != domain.SyncAcked {
			t.Fatalf("%s push: expected ACKED, got %s", dev, row.Result)
		}
	}
	events := f.store.EventTypes()
	if countEvents(events, "biometric.template.enrolled") != 1 || countEvents(events, "biometric.sync.outcome") != 2 {
		t.Fatalf("unexpected events: %v", events)
	}
	tpl, _ := f.store.Template(resp.TemplateID)
	if string(tpl.FeatureData) == "features-u1" {
		t.Fatalf("feature data stored unsealed")
	}
}

func TestSetStatusFollowsActiveness(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	resp := f.enroll(t, "u1")

	if _, err := f.svc.SetStatus(ctx, resp.TemplateID, domain.TemplateInactive); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	f.svc.Wait()
	if row := f.row(t, resp.TemplateID, "dev1", domain.SyncRevoke); row.Result != domain.SyncAcked {
		t.Fatalf("expected REVOKE acked after deactivation, got %s", row.Result)
	}
	if attempt := f.authenticate(t, "u1", "dev1", "probe"); attempt.FailureReason != domain.ReasonNoEnrolledTemplate {
		t.Fatalf("inactive template must not match, got %s", attempt.Result)
	}

	if _, err := f.svc.SetStatus(ctx, resp.TemplateID, domain.TemplateActive); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	f.svc.Wait()

	var directions []domain.SyncDirection
	for _, sent := range f.protocol.Sent() {
		if sent.DeviceID == "dev1" {
			directions = append(directions, sent.Direction)
		}
	}
	want := []domain.SyncDirection{domain.SyncPush, domain.SyncRevoke, domain.SyncPush}
	if len(directions) != len(want) {
		t.Fatalf("expected %v on dev1, got %v", want, directions)
	}
	for i := range want {
		if directions[i] != want[i] {
			t.Fatalf("expected %v on dev1, got %v", want, directions)
		}
	}
}

func TestSetStatusGuards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	first := f.enroll(t, "u1")

	if _, err := f.svc.SetStatus(ctx, first.TemplateID, domain.TemplateInactive); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	second := f.enroll(t, "u1")
	if _, err := f.svc.SetStatus(ctx, first.TemplateID, domain.TemplateActive); !errors.Is(err, domain.ErrDuplicateEnrollment) {
		t.Fatalf("expected duplicate enrollment on reactivation, got %v", err)
	}

	if _, err := f.svc.Revoke(ctx, second.TemplateID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.svc.SetStatus(ctx, second.TemplateID, domain.TemplateActive); !errors.Is(err, domain.ErrTerminalStatus) {
		t.Fatalf("expected terminal status, got %v", err)
	}
	view, err := f.svc.SetStatus(ctx, first.TemplateID, domain.TemplateDeleted)
	if err != nil {
		t.Fatalf("delete via status: %v", err)
	}
	if view.Status != string(domain.TemplateDeleted) || view.DeletedAt == nil {
		t.Fatalf("expected soft-deleted view, got %+v", view)
	}
}

func TestRecordUsageNeverFailsCaller(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.enroll(t, "u1")
	f.store.SetUsageFailures(100)

	attempt := f.authenticate(t, "u1", "dev1", "probe")
	if attempt.Result != domain.AuthSuccess {
		t.Fatalf("expected SUCCESS despite counter failure, got %s", attempt.Result)
	}
	if n := countEvents(f.store.EventTypes(), "biometric.alert.raised"); n != 1 {
		t.Fatalf("expected one alert for the lost counter update, got %d", n)
	}
	tpl, _ := f.store.Template(resp.TemplateID)
	if tpl.UseCount != 0 {
		t.Fatalf("expected untouched counters, got %d", tpl.UseCount)
	}
}

func TestExpireTemplatesMovesToExpiredAndRevokes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.enroll(t, "u1")
	f.clock.Advance(2*365*24*time.Hour + time.Hour)

	n, err := f.svc.ExpireTemplates(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	f.svc.Wait()
	if n != 1 {
		t.Fatalf("expected one expired template, got %d", n)
	}
	tpl, _ := f.store.Template(resp.TemplateID)
	if tpl.Status != domain.TemplateExpired {
		t.Fatalf("expected EXPIRED, got %s", tpl.Status)
	}
	if row := f.row(t, resp.TemplateID, "dev2", domain.SyncRevoke); row.Result != domain.SyncAcked {
		t.Fatalf("expected REVOKE acked, got %s", row.Result)
	}
}

func TestUpsertDeviceRequiresKnownProtocol(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.UpsertDevice(context.Background(), application.DeviceRequest{
		DeviceID: "dev9",
		Protocol: "smoke-signals",
		Endpoint: "http://dev9",
		Enabled:  true,
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestListAndRevokeUserTemplates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	first := f.enroll(t, "u1")
	if _, err := f.svc.SetStatus(ctx, first.TemplateID, domain.TemplateInactive); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	f.svc.Wait()
	f.clock.Advance(time.Minute)
	second := f.enroll(t, "u1")
	other := f.enroll(t, "u2")

	views, err := f.svc.ListUserTemplates(ctx, "u1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 || views[0].TemplateID != second.TemplateID || views[1].TemplateID != first.TemplateID {
		t.Fatalf("expected both u1 templates newest first, got %+v", views)
	}
	if views, _ := f.svc.ListUserTemplates(ctx, "u1", domain.BiometricIris); len(views) != 0 {
		t.Fatalf("expected no iris templates, got %d", len(views))
	}

	resp, err := f.svc.RevokeUser(ctx, "u1", "")
	if err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	f.svc.Wait()
	if len(resp.Templates) != 2 {
		t.Fatalf("expected two revoke results, got %d", len(resp.Templates))
	}
	for _, id := range []uuid.UUID{first.TemplateID, second.TemplateID} {
		tpl, _ := f.store.Template(id)
		if tpl.Status != domain.TemplateDeleted {
			t.Fatalf("%s: expected DELETED, got %s", id, tpl.Status)
		}
	}
	for _, dev := range []string{"dev1", "dev2"} {
		if row := f.row(t, second.TemplateID, dev, domain.SyncRevoke); row.Result != domain.SyncAcked {
			t.Fatalf("%s: expected REVOKE acked, got %s", dev, row.Result)
		}
	}
	if tpl, _ := f.store.Template(other.TemplateID); tpl.Status != domain.TemplateActive {
		t.Fatalf("other users must be untouched, got %s", tpl.Status)
	}

	if _, err := f.svc.RevokeUser(ctx, "u1", ""); err != nil {
		t.Fatalf("repeated revoke must be accepted: %v", err)
	}
	if _, err := f.svc.RevokeUser(ctx, "nobody", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.RevokeUser(ctx, " ", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRevokeUserTakesTheIdentityLease(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *application.Config) {
		cfg.LeaseWait = 30 * time.Millisecond
	})
	resp := f.enroll(t, "u-held")
	f.leases.Hold("biometric:lease:FACE:u-held")

	if _, err := f.svc.RevokeUser(context.Background(), "u-held", domain.BiometricFace); !errors.Is(err, domain.ErrLeaseUnavailable) {
		t.Fatalf("expected lease unavailable, got %v", err)
	}
	if tpl, _ := f.store.Template(resp.TemplateID); tpl.Status != domain.TemplateActive {
		t.Fatalf("template must not change without the lease, got %s", tpl.Status)
	}
}

package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/application"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

func waitForCalls(t *testing.T, algo interface{ Calls() int64 }, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for algo.Calls() < n {
		if time.Now().After(deadline) {
			t.Fatalf("algorithm never reached %d calls", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConcurrentAuthenticationKeepsCountersExact(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *application.Config) {
		cfg.EngineMaxConcurrency = 4
		cfg.EngineQueueWait = 5 * time.Second
	})
	resp := f.enroll(t, "u1")
	f.algo.Delay = 2 * time.Millisecond
	f.algo.ScoreFn = func(probe []byte, _ domain.Template) (ports.MatchResult, error) {
		if probe[0] == 's' {
			return ports.MatchResult{MatchScore: 0.95, LivenessScore: 0.9}, nil
		}
		return ports.MatchResult{MatchScore: 0.4, LivenessScore: 0.9}, nil
	}

	const successes, failures = 25, 15
	var wg sync.WaitGroup
	for i := 0; i < successes+failures; i++ {
		probe := "s-probe"
		if i >= successes {
			probe = "f-probe"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Authenticate(context.Background(), application.AuthenticateRequest{
				UserID:        "u1",
				BiometricType: domain.BiometricFace,
				ProbeData:     []byte(probe),
				DeviceID:      "dev1",
			}); err != nil {
				t.Errorf("authenticate: %v", err)
			}
		}()
	}
	wg.Wait()
	f.svc.Wait()

	tpl, _ := f.store.Template(resp.TemplateID)
	if tpl.UseCount != successes+failures || tpl.SuccessCount != successes || tpl.FailCount != failures {
		t.Fatalf("counters drifted: use=%d success=%d fail=%d", tpl.UseCount, tpl.SuccessCount, tpl.FailCount)
	}
	if got := len(f.store.AllAttempts()); got != successes+failures {
		t.Fatalf("expected %d stored attempts, got %d", successes+failures, got)
	}
	if peak := f.algo.Peak(); peak > 4 {
		t.Fatalf("engine exceeded its cap: peak %d", peak)
	}
	if got := f.metrics.AuthCount(); got != successes+failures {
		t.Fatalf("expected one metric per attempt, got %d", got)
	}
}

func TestAuthenticateTimesOutAndStillRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *application.Config) {
		cfg.MatchTimeout = 20 * time.Millisecond
	})
	resp := f.enroll(t, "u1")
	f.algo.Delay = 500 * time.Millisecond

	attempt := f.authenticate(t, "u1", "dev1", "probe")
	if attempt.Result != domain.AuthTimeout || attempt.FailureReason != domain.ReasonDeadlineExceeded {
		t.Fatalf("expected TIMEOUT/DEADLINE_EXCEEDED, got %s/%s", attempt.Result, attempt.FailureReason)
	}
	if attempt.State != domain.AttemptRecorded {
		t.Fatalf("expected RECORDED state, got %s", attempt.State)
	}
	if _, err := f.store.Attempts().GetByID(context.Background(), attempt.AuthID); err != nil {
		t.Fatalf("timed out attempt not stored: %v", err)
	}
	tpl, _ := f.store.Template(resp.TemplateID)
	if tpl.UseCount != 1 || tpl.FailCount != 1 {
		t.Fatalf("timeout must count as a failed use, got use=%d fail=%d", tpl.UseCount, tpl.FailCount)
	}
}

func TestAuthenticateWithCancelledContextRecordsCancellation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enroll(t, "u1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempt, err := f.svc.Authenticate(ctx, application.AuthenticateRequest{
		UserID:        "u1",
		BiometricType: domain.BiometricFace,
		ProbeData:     []byte("probe"),
		DeviceID:      "dev1",
	})
	if err != nil {
		t.Fatalf("cancelled attempt must be recorded without error, got %v", err)
	}
	if attempt.Result != domain.AuthTimeout || attempt.FailureReason != domain.ReasonCancelled {
		t.Fatalf("expected TIMEOUT/CANCELLED, got %s/%s", attempt.Result, attempt.FailureReason)
	}
	if got := len(f.store.AllAttempts()); got != 1 {
		t.Fatalf("expected one stored attempt, got %d", got)
	}
}

func TestAuthenticateCancelledDuringMatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enroll(t, "u1")
	block := make(chan struct{})
	f.algo.Block = block
	t.Cleanup(func() { close(block) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.AuthAttempt, 1)
	go func() {
		attempt, _ := f.svc.Authenticate(ctx, application.AuthenticateRequest{
			UserID:        "u1",
			BiometricType: domain.BiometricFace,
			ProbeData:     []byte("probe"),
			DeviceID:      "dev1",
		})
		done <- attempt
	}()
	waitForCalls(t, f.algo, 1)
	cancel()

	select {
	case attempt := <-done:
		if attempt.Result != domain.AuthTimeout || attempt.FailureReason != domain.ReasonCancelled {
			t.Fatalf("expected TIMEOUT/CANCELLED, got %s/%s", attempt.Result, attempt.FailureReason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("authenticate did not return after cancellation")
	}
	if got := len(f.store.AllAttempts()); got != 1 {
		t.Fatalf("expected one stored attempt, got %d", got)
	}
}

func TestAuthenticateRejectsWhenEngineSaturated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *application.Config) {
		cfg.EngineMaxConcurrency = 1
		cfg.EngineQueueWait = 20 * time.Millisecond
	})
	f.enroll(t, "u1")
	block := make(chan struct{})
	f.algo.Block = block

	first := f.svc.AuthenticateAsync(context.Background(), application.AuthenticateRequest{
		UserID:        "u1",
		BiometricType: domain.BiometricFace,
		ProbeData:     []byte("probe"),
		DeviceID:      "dev1",
	})
	waitForCalls(t, f.algo, 1)

	attempt, err := f.svc.Authenticate(context.Background(), application.AuthenticateRequest{
		UserID:        "u1",
		BiometricType: domain.BiometricFace,
		ProbeData:     []byte("probe"),
		DeviceID:      "dev2",
	})
	if !errors.Is(err, domain.ErrEngineOverloaded) {
		t.Fatalf("expected engine overloaded, got %v", err)
	}
	if attempt.Result != domain.AuthTimeout || attempt.FailureReason != domain.ReasonEngineOverloaded {
		t.Fatalf("expected TIMEOUT/ENGINE_OVERLOADED, got %s/%s", attempt.Result, attempt.FailureReason)
	}
	if _, err := f.store.Attempts().GetByID(context.Background(), attempt.AuthID); err != nil {
		t.Fatalf("overloaded attempt not stored: %v", err)
	}

	close(block)
	outcome := <-first
	if outcome.Err != nil || outcome.Attempt.Result != domain.AuthSuccess {
		t.Fatalf("queued attempt should succeed, got %s (%v)", outcome.Attempt.Result, outcome.Err)
	}
}

func TestAuthenticateDegradedAlgorithm(t *testing.T) {
	t.Parallel()

	t.Run("down", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		resp := f.enroll(t, "u1")
		f.algo.Status = ports.HealthDown
		f.svc.RefreshAlgorithmHealth(context.Background())

		attempt := f.authenticate(t, "u1", "dev1", "probe")
		if attempt.Result != domain.AuthError || attempt.FailureReason != domain.ReasonAlgorithmUnavailable {
			t.Fatalf("expected ERROR/ALGORITHM_UNAVAILABLE, got %s/%s", attempt.Result, attempt.FailureReason)
		}
		if f.algo.Calls() != 0 {
			t.Fatalf("a DOWN algorithm must not be invoked")
		}
		tpl, _ := f.store.Template(resp.TemplateID)
		if tpl.UseCount != 0 {
			t.Fatalf("unmatched attempt must not touch counters")
		}
	})

	t.Run("unbound type", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		attempt, err := f.svc.Authenticate(context.Background(), application.AuthenticateRequest{
			UserID:        "u1",
			BiometricType: domain.BiometricIris,
			ProbeData:     []byte("probe"),
			DeviceID:      "dev1",
		})
		if err != nil {
			t.Fatalf("authenticate: %v", err)
		}
		if attempt.Result != domain.AuthError || attempt.FailureReason != domain.ReasonAlgorithmUnavailable {
			t.Fatalf("expected ERROR/ALGORITHM_UNAVAILABLE, got %s/%s", attempt.Result, attempt.FailureReason)
		}
	})

	t.Run("fault", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		resp := f.enroll(t, "u1")
		f.algo.Err = errors.New("model crashed")

		attempt := f.authenticate(t, "u1", "dev1", "probe")
		if attempt.Result != domain.AuthError || attempt.FailureReason != domain.ReasonAlgorithmFault {
			t.Fatalf("expected ERROR/ALGORITHM_FAULT, got %s/%s", attempt.Result, attempt.FailureReason)
		}
		tpl, _ := f.store.Template(resp.TemplateID)
		if tpl.FailCount != 1 {
			t.Fatalf("fault must count as a failed use, got %d", tpl.FailCount)
		}
	})
}

func TestAuthenticateLivenessFailureIsSuspicious(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enroll(t, "u1")
	f.algo.Result = ports.MatchResult{MatchScore: 0.97, LivenessScore: 0.3}

	attempt := f.authenticate(t, "u1", "dev1", "probe")
	if attempt.Result != domain.AuthFailed || attempt.FailureReason != domain.ReasonLivenessFailed {
		t.Fatalf("expected FAILED/LIVENESS_FAILED, got %s/%s", attempt.Result, attempt.FailureReason)
	}
	if attempt.LivenessPassed {
		t.Fatalf("liveness must be reported as failed")
	}
	if !attempt.Suspicious || attempt.ReviewStatus != domain.ReviewPending {
		t.Fatalf("expected suspicious PENDING attempt, got %v/%s", attempt.Suspicious, attempt.ReviewStatus)
	}
	if attempt.SuspiciousReason() != domain.SuspicionLivenessFailed {
		t.Fatalf("unexpected reasons %v", attempt.SuspiciousReasons)
	}
	if n := countEvents(f.store.EventTypes(), "biometric.auth.suspicious"); n != 1 {
		t.Fatalf("expected one suspicious event, got %d", n)
	}
}

func TestIdentifyAcrossEnrolledUsers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enroll(t, "u1")
	target := f.enroll(t, "u2")
	f.algo.ScoreFn = func(_ []byte, tpl domain.Template) (ports.MatchResult, error) {
		if tpl.UserID == "u2" {
			return ports.MatchResult{MatchScore: 0.93, LivenessScore: 0.9}, nil
		}
		return ports.MatchResult{MatchScore: 0.2, LivenessScore: 0.9}, nil
	}

	attempt := f.authenticate(t, "", "dev1", "probe")
	if attempt.Result != domain.AuthSuccess {
		t.Fatalf("expected identification to succeed, got %s/%s", attempt.Result, attempt.FailureReason)
	}
	if attempt.UserID != "u2" || attempt.TemplateID == nil || *attempt.TemplateID != target.TemplateID {
		t.Fatalf("identified the wrong template: user=%q", attempt.UserID)
	}
	tpl, _ := f.store.Template(target.TemplateID)
	if tpl.SuccessCount != 1 {
		t.Fatalf("expected success counted on the identified template, got %d", tpl.SuccessCount)
	}

	f.algo.ScoreFn = func([]byte, domain.Template) (ports.MatchResult, error) {
		return ports.MatchResult{MatchScore: 0.1, LivenessScore: 0.9}, nil
	}
	miss := f.authenticate(t, "", "dev1", "probe")
	if miss.Result != domain.AuthFailed || miss.UserID != "" || miss.TemplateID != nil {
		t.Fatalf("unidentified probe must not name a user, got %s user=%q", miss.Result, miss.UserID)
	}
	tpl, _ = f.store.Template(target.TemplateID)
	if tpl.UseCount != 1 {
		t.Fatalf("failed identification must not touch counters, got %d", tpl.UseCount)
	}
}

func TestAuthenticateRejectsMalformedRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cases := []struct {
		name string
		req  application.AuthenticateRequest
		want error
	}{
		{"unknown type", application.AuthenticateRequest{UserID: "u1", BiometricType: "DNA", ProbeData: []byte("p"), DeviceID: "dev1"}, domain.ErrUnsupportedBiometricType},
		{"no device", application.AuthenticateRequest{UserID: "u1", BiometricType: domain.BiometricFace, ProbeData: []byte("p")}, domain.ErrInvalidInput},
		{"no probe", application.AuthenticateRequest{UserID: "u1", BiometricType: domain.BiometricFace, DeviceID: "dev1"}, domain.ErrInvalidInput},
	}
	for _, tc := range cases {
		if _, err := f.svc.Authenticate(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if got := len(f.store.AllAttempts()); got != 0 {
		t.Fatalf("malformed requests must not be recorded, got %d", got)
	}
}

func TestAuthenticateAlertsWhenAttemptCannotBeStored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enroll(t, "u1")
	f.store.SetInsertError(errors.New("disk full"))

	attempt, err := f.svc.Authenticate(context.Background(), application.AuthenticateRequest{
		UserID:        "u1",
		BiometricType: domain.BiometricFace,
		ProbeData:     []byte("probe"),
		DeviceID:      "dev1",
	})
	if err == nil {
		t.Fatalf("expected persistence error")
	}
	if attempt.Result != domain.AuthSuccess {
		t.Fatalf("decision must still be returned, got %s", attempt.Result)
	}
	if n := countEvents(f.store.EventTypes(), "biometric.alert.raised"); n != 1 {
		t.Fatalf("expected one alert, got %d", n)
	}
}

func TestAttemptInsertRetriesUseTheirOwnBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *application.Config) {
		cfg.UsageRetries = 1
		cfg.AttemptPersistRetries = 4
	})
	f.enroll(t, "u1")
	f.store.SetInsertFailures(3)

	attempt, err := f.svc.Authenticate(context.Background(), application.AuthenticateRequest{
		UserID:        "u1",
		BiometricType: domain.BiometricFace,
		ProbeData:     []byte("capture"),
		DeviceID:      "dev1",
	})
	if err != nil {
		t.Fatalf("expected insert to succeed on the fourth try: %v", err)
	}
	if got := len(f.store.AllAttempts()); got != 1 {
		t.Fatalf("expected one stored attempt, got %d", got)
	}
	if attempt.State != domain.AttemptRecorded {
		t.Fatalf("expected RECORDED attempt, got %s", attempt.State)
	}
	if n := countEvents(f.store.EventTypes(), "biometric.alert.raised"); n != 0 {
		t.Fatalf("recovered insert must not alert, got %d", n)
	}
}

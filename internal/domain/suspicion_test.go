package domain

import (
	"errors"
	"testing"
	"time"
)

func TestSuspicionRules(t *testing.T) {
	t.Parallel()

	policy := SuspicionPolicy{BorderlineMargin: 0.03, FailureThreshold: 3, MinDistinctDevices: 2}
	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		in   SuspicionInput
		want []string
	}{
		{
			name: "clear success",
			in: SuspicionInput{
				Decision:       Decide(DecisionInput{MatchScore: 0.91, MatchThreshold: 0.85, LivenessScore: 0.9, LivenessThreshold: 0.8}),
				MatchScore:     0.91,
				MatchThreshold: 0.85,
				AttemptedAt:    noon,
			},
		},
		{
			name: "borderline success",
			in: SuspicionInput{
				Decision:       Decide(DecisionInput{MatchScore: 0.86, MatchThreshold: 0.85, LivenessScore: 0.9, LivenessThreshold: 0.8}),
				MatchScore:     0.86,
				MatchThreshold: 0.85,
				AttemptedAt:    noon,
			},
			want: []string{SuspicionBorderline},
		},
		{
			name: "liveness failed with passing score",
			in: SuspicionInput{
				Decision:       Decide(DecisionInput{MatchScore: 0.95, MatchThreshold: 0.85, LivenessScore: 0.1, LivenessThreshold: 0.8}),
				MatchScore:     0.95,
				MatchThreshold: 0.85,
				AttemptedAt:    noon,
			},
			want: []string{SuspicionLivenessFailed},
		},
		{
			name: "repeated failures on one device",
			in: SuspicionInput{
				Decision:    Decide(DecisionInput{MatchScore: 0.1, MatchThreshold: 0.85, LivenessScore: 0.9, LivenessThreshold: 0.8}),
				Window:      FailureWindow{Failures: 5, DistinctDevices: 1},
				AttemptedAt: noon,
			},
		},
		{
			name: "repeated failures across devices",
			in: SuspicionInput{
				Decision:    Decide(DecisionInput{MatchScore: 0.1, MatchThreshold: 0.85, LivenessScore: 0.9, LivenessThreshold: 0.8}),
				Window:      FailureWindow{Failures: 3, DistinctDevices: 2},
				AttemptedAt: noon,
			},
			want: []string{SuspicionRepeatedFail},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := policy.Evaluate(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}

func TestSuspicionNeverChangesDecision(t *testing.T) {
	t.Parallel()

	d := Decide(DecisionInput{MatchScore: 0.86, MatchThreshold: 0.85, LivenessScore: 0.9, LivenessThreshold: 0.8})
	in := SuspicionInput{Decision: d, MatchScore: 0.86, MatchThreshold: 0.85}
	_ = SuspicionPolicy{BorderlineMargin: 0.05}.Evaluate(in)
	if in.Decision.Result != AuthSuccess {
		t.Fatalf("decision mutated: %s", in.Decision.Result)
	}
}

func TestQuietHoursWrapMidnight(t *testing.T) {
	t.Parallel()

	policy := SuspicionPolicy{QuietHoursEnabled: true, QuietStartHour: 23, QuietEndHour: 6}
	success := Decide(DecisionInput{MatchScore: 1, MatchThreshold: 0.5, LivenessScore: 1, LivenessThreshold: 0.5})

	for hour, want := range map[int]bool{22: false, 23: true, 0: true, 5: true, 6: false, 12: false} {
		at := time.Date(2026, 3, 1, hour, 30, 0, 0, time.UTC)
		got := len(policy.Evaluate(SuspicionInput{Decision: success, MatchScore: 1, MatchThreshold: 0.5, AttemptedAt: at})) > 0
		if got != want {
			t.Fatalf("hour %d: expected quiet=%v, got %v", hour, want, got)
		}
	}
}

func TestNextSyncResult(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	if got := NextSyncResult(SyncRevoke, boom, true, true, true); got != SyncPendingRetry {
		t.Fatalf("revoke must stay pending, got %s", got)
	}
	if got := NextSyncResult(SyncPush, boom, true, false, false); got != SyncFailed {
		t.Fatalf("rejected push must fail, got %s", got)
	}
	if got := NextSyncResult(SyncPush, boom, false, false, false); got != SyncPendingRetry {
		t.Fatalf("transient push must retry, got %s", got)
	}
	if got := NextSyncResult(SyncPush, nil, false, false, false); got != SyncAcked {
		t.Fatalf("nil error must ack, got %s", got)
	}
}

func TestBackoffCapped(t *testing.T) {
	t.Parallel()

	base, ceiling := time.Second, 10*time.Second
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := Backoff(base, ceiling, i+1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

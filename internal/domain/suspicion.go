package domain

import "time"

const (
	SuspicionBorderline     = "BORDERLINE_ACCEPT"
	SuspicionLivenessFailed = "LIVENESS_FAILED_SCORE_PASSED"
	SuspicionRepeatedFail   = "REPEATED_FAILURES_MULTI_DEVICE"
	SuspicionQuietHours     = "QUIET_HOURS_ACCESS"
)

// SuspicionPolicy holds the tunable thresholds of the suspicion rules.
type SuspicionPolicy struct {
	// BorderlineMargin flags SUCCESS results whose score is within this
	// distance of the threshold.
	BorderlineMargin float64
	// FailureThreshold is the number of failures inside the window that,
	// across at least MinDistinctDevices devices, flags the attempt.
	FailureThreshold   int
	MinDistinctDevices int
	QuietHoursEnabled  bool
	QuietStartHour     int
	QuietEndHour       int
	Location           *time.Location
}

// FailureWindow is the recent-failure view for one user, including the
// current attempt when it failed.
type FailureWindow struct {
	Failures        int
	DistinctDevices int
}

type SuspicionInput struct {
	Decision       Decision
	MatchScore     float64
	MatchThreshold float64
	Window         FailureWindow
	AttemptedAt    time.Time
}

// Evaluate returns the names of every rule that fired. An empty result means
// the attempt is not suspicious. The decision itself is never changed.
func (p SuspicionPolicy) Evaluate(in SuspicionInput) []string {
	var reasons []string
	d := in.Decision

	if d.Result == AuthSuccess && p.BorderlineMargin > 0 && in.MatchScore-in.MatchThreshold < p.BorderlineMargin {
		reasons = append(reasons, SuspicionBorderline)
	}
	if d.Result == AuthFailed && d.ScorePassed && !d.LivenessPassed {
		reasons = append(reasons, SuspicionLivenessFailed)
	}
	minDevices := p.MinDistinctDevices
	if minDevices < 2 {
		minDevices = 2
	}
	if p.FailureThreshold > 0 && in.Window.Failures >= p.FailureThreshold && in.Window.DistinctDevices >= minDevices {
		reasons = append(reasons, SuspicionRepeatedFail)
	}
	if p.QuietHoursEnabled && p.inQuietHours(in.AttemptedAt) {
		reasons = append(reasons, SuspicionQuietHours)
	}
	return reasons
}

func (p SuspicionPolicy) inQuietHours(at time.Time) bool {
	if at.IsZero() {
		return false
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := at.In(loc).Hour()
	if p.QuietStartHour == p.QuietEndHour {
		return false
	}
	if p.QuietStartHour < p.QuietEndHour {
		return hour >= p.QuietStartHour && hour < p.QuietEndHour
	}
	// window wraps midnight
	return hour >= p.QuietStartHour || hour < p.QuietEndHour
}

package domain

// DecisionInput is everything the verdict depends on. Nothing else is consulted,
// so equal inputs always yield equal decisions.
type DecisionInput struct {
	MatchScore        float64
	MatchThreshold    float64
	LivenessScore     float64
	LivenessThreshold float64
	Fault             bool
	DeadlineExceeded  bool
	Cancelled         bool
}

type Decision struct {
	Result         AuthResult
	Reason         FailureReason
	LivenessPassed bool
	// ScorePassed reports the match score alone cleared its threshold,
	// independent of liveness.
	ScorePassed bool
}

// Decide is the pure verdict function of the authentication engine.
// Timeouts win over faults, faults over score evaluation.
func Decide(in DecisionInput) Decision {
	switch {
	case in.DeadlineExceeded:
		return Decision{Result: AuthTimeout, Reason: ReasonDeadlineExceeded}
	case in.Cancelled:
		return Decision{Result: AuthTimeout, Reason: ReasonCancelled}
	case in.Fault:
		return Decision{Result: AuthError, Reason: ReasonAlgorithmFault}
	}

	d := Decision{
		ScorePassed:    in.MatchScore >= in.MatchThreshold,
		LivenessPassed: in.LivenessScore >= in.LivenessThreshold,
	}
	switch {
	case d.ScorePassed && d.LivenessPassed:
		d.Result = AuthSuccess
	case !d.ScorePassed:
		d.Result = AuthFailed
		d.Reason = ReasonScoreBelowThreshold
	default:
		d.Result = AuthFailed
		d.Reason = ReasonLivenessFailed
	}
	return d
}

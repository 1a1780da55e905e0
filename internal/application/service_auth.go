package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

// matchOutcome is what the algorithm goroutine hands back to the engine.
type matchOutcome struct {
	template domain.Template
	result   ports.MatchResult
	err      error
}

// Authenticate runs one live attempt through
// RECEIVED -> MATCHING -> DECIDED -> RECORDED. Every accepted request yields
// exactly one stored attempt, including timeouts, cancellations and overload.
// An empty UserID identifies the probe against all ACTIVE templates of the type.
func (s *Service) Authenticate(ctx context.Context, req AuthenticateRequest) (domain.AuthAttempt, error) {
	if _, err := domain.ParseBiometricType(string(req.BiometricType)); err != nil {
		return domain.AuthAttempt{}, err
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		return domain.AuthAttempt{}, fmt.Errorf("%w: device_id is required", domain.ErrInvalidInput)
	}
	if len(req.ProbeData) == 0 {
		return domain.AuthAttempt{}, fmt.Errorf("%w: probe data is required", domain.ErrInvalidInput)
	}
	authType := req.AuthType
	if authType == "" {
		authType = domain.AuthAccess
	}

	start := time.Now()
	attempt := domain.AuthAttempt{
		AuthID:        uuid.New(),
		UserID:        strings.TrimSpace(req.UserID),
		DeviceID:      strings.TrimSpace(req.DeviceID),
		BiometricType: req.BiometricType,
		AuthType:      authType,
		ReviewStatus:  domain.ReviewNotReviewed,
		AttemptedAt:   s.nowFn(),
		State:         domain.AttemptReceived,
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, s.cfg.EngineQueueWait)
	err := s.engine.Acquire(waitCtx, 1)
	cancelWait()
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return s.conclude(ctx, attempt, domain.Decision{Result: domain.AuthTimeout, Reason: domain.ReasonDeadlineExceeded}, nil, start)
		case ctx.Err() != nil:
			return s.conclude(ctx, attempt, domain.Decision{Result: domain.AuthTimeout, Reason: domain.ReasonCancelled}, nil, start)
		}
		recorded, recErr := s.conclude(ctx, attempt, domain.Decision{Result: domain.AuthTimeout, Reason: domain.ReasonEngineOverloaded}, nil, start)
		if recErr != nil {
			return recorded, recErr
		}
		return recorded, domain.ErrEngineOverloaded
	}
	permitHeld := true
	defer func() {
		if permitHeld {
			s.engine.Release(1)
		}
	}()

	binding, ok := s.algorithms.Lookup(req.BiometricType)
	if !ok || s.algorithms.Health(req.BiometricType) == ports.HealthDown {
		return s.conclude(ctx, attempt, domain.Decision{Result: domain.AuthError, Reason: domain.ReasonAlgorithmUnavailable}, nil, start)
	}
	attempt.AlgorithmVersion = binding.Version
	attempt.LivenessThreshold = binding.LivenessThreshold

	candidates, err := s.candidates(ctx, attempt)
	if err != nil {
		if errors.Is(err, domain.ErrNoEnrolledTemplate) {
			return s.conclude(ctx, attempt, domain.Decision{Result: domain.AuthFailed, Reason: domain.ReasonNoEnrolledTemplate}, nil, start)
		}
		return s.conclude(ctx, attempt, domain.Decision{Result: domain.AuthError, Reason: domain.ReasonStoreUnavailable}, nil, start)
	}
	if attempt.UserID != "" {
		id := candidates[0].TemplateID
		attempt.TemplateID = &id
		attempt.MatchThreshold = thresholdFor(candidates[0], binding)
	}

	attempt.State, _ = attempt.State.Advance(domain.AttemptMatching)
	matchCtx, cancelMatch := context.WithTimeout(ctx, s.cfg.MatchTimeout)
	defer cancelMatch()
	results := make(chan matchOutcome, 1)
	permitHeld = false
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.engine.Release(1)
		results <- s.runMatch(matchCtx, binding, req.ProbeData, candidates)
	}()

	select {
	case out := <-results:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled) {
				return s.conclude(ctx, attempt, s.interrupted(ctx, matchCtx), usageTarget(attempt), start)
			}
			s.logger.WarnContext(ctx, "matching algorithm fault",
				"module", "engine",
				"layer", "application",
				"operation", "match",
				"outcome", "failure",
				"auth_id", attempt.AuthID,
				"biometric_type", attempt.BiometricType,
				"error", out.err,
			)
			return s.conclude(ctx, attempt, domain.Decide(domain.DecisionInput{Fault: true}), usageTarget(attempt), start)
		}
		return s.decide(ctx, attempt, binding, out, start)
	case <-matchCtx.Done():
		return s.conclude(ctx, attempt, s.interrupted(ctx, matchCtx), usageTarget(attempt), start)
	}
}

// AuthenticateAsync runs Authenticate in the background and delivers its
// outcome on the returned channel.
func (s *Service) AuthenticateAsync(ctx context.Context, req AuthenticateRequest) <-chan AuthOutcome {
	out := make(chan AuthOutcome, 1)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		attempt, err := s.Authenticate(ctx, req)
		out <- AuthOutcome{Attempt: attempt, Err: err}
		close(out)
	}()
	return out
}

func (s *Service) candidates(ctx context.Context, attempt domain.AuthAttempt) ([]domain.Template, error) {
	now := s.nowFn()
	if attempt.UserID != "" {
		tpl, err := s.templates.GetActive(ctx, attempt.UserID, attempt.BiometricType)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNoEnrolledTemplate
		}
		if err != nil {
			return nil, err
		}
		if !tpl.Matchable(now) {
			return nil, domain.ErrNoEnrolledTemplate
		}
		return []domain.Template{tpl}, nil
	}

	all, err := s.templates.ListActiveByType(ctx, attempt.BiometricType, s.cfg.IdentifyCandidateLimit)
	if err != nil {
		return nil, err
	}
	matchable := make([]domain.Template, 0, len(all))
	for _, tpl := range all {
		if tpl.Matchable(now) {
			matchable = append(matchable, tpl)
		}
	}
	if len(matchable) == 0 {
		return nil, domain.ErrNoEnrolledTemplate
	}
	return matchable, nil
}

// runMatch scores the probe against every candidate and keeps the best one.
// Candidates are compared by how far the score clears their own threshold.
func (s *Service) runMatch(ctx context.Context, binding AlgorithmBinding, probe []byte, candidates []domain.Template) matchOutcome {
	best := matchOutcome{}
	bestMargin := 0.0
	for i, tpl := range candidates {
		if err := ctx.Err(); err != nil {
			return matchOutcome{err: err}
		}
		plain, err := s.open(tpl)
		if err != nil {
			return matchOutcome{err: err}
		}
		probeTpl := tpl
		probeTpl.FeatureData = plain
		res, err := binding.Algorithm.Match(ctx, probe, probeTpl)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return matchOutcome{err: ctxErr}
			}
			return matchOutcome{err: fmt.Errorf("%w: %v", domain.ErrAlgorithmFault, err)}
		}
		margin := res.MatchScore - thresholdFor(tpl, binding)
		if i == 0 || margin > bestMargin {
			best = matchOutcome{template: tpl, result: res}
			bestMargin = margin
		}
	}
	return best
}

func (s *Service) decide(ctx context.Context, attempt domain.AuthAttempt, binding AlgorithmBinding, out matchOutcome, start time.Time) (domain.AuthAttempt, error) {
	threshold := thresholdFor(out.template, binding)
	decision := domain.Decide(domain.DecisionInput{
		MatchScore:        out.result.MatchScore,
		MatchThreshold:    threshold,
		LivenessScore:     out.result.LivenessScore,
		LivenessThreshold: binding.LivenessThreshold,
	})
	attempt.MatchScore = out.result.MatchScore
	attempt.MatchThreshold = threshold
	attempt.LivenessScore = out.result.LivenessScore

	identifying := attempt.UserID == ""
	if identifying && decision.Result == domain.AuthSuccess {
		id := out.template.TemplateID
		attempt.TemplateID = &id
		attempt.UserID = out.template.UserID
	}

	var window domain.FailureWindow
	if s.failures != nil && attempt.UserID != "" {
		var err error
		switch decision.Result {
		case domain.AuthFailed:
			window, err = s.failures.RecordFailure(context.WithoutCancel(ctx), attempt.UserID, attempt.DeviceID, attempt.AttemptedAt, s.cfg.FailureWindow)
		case domain.AuthSuccess:
			err = s.failures.Clear(context.WithoutCancel(ctx), attempt.UserID)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "failure window unavailable",
				"module", "engine",
				"layer", "application",
				"operation", "failure_window",
				"outcome", "failure",
				"auth_id", attempt.AuthID,
				"error", err,
			)
		}
	}

	attempt.SuspiciousReasons = s.cfg.Suspicion.Evaluate(domain.SuspicionInput{
		Decision:       decision,
		MatchScore:     out.result.MatchScore,
		MatchThreshold: threshold,
		Window:         window,
		AttemptedAt:    attempt.AttemptedAt,
	})
	attempt.Suspicious = len(attempt.SuspiciousReasons) > 0
	attempt.ReviewStatus = domain.InitialReviewStatus(attempt.Suspicious)

	return s.conclude(ctx, attempt, decision, usageTarget(attempt), start)
}

// interrupted maps an aborted match to TIMEOUT, telling caller cancellation
// apart from the per-attempt deadline.
func (s *Service) interrupted(callerCtx, matchCtx context.Context) domain.Decision {
	if errors.Is(callerCtx.Err(), context.Canceled) {
		return domain.Decide(domain.DecisionInput{Cancelled: true})
	}
	if callerCtx.Err() != nil || errors.Is(matchCtx.Err(), context.DeadlineExceeded) {
		return domain.Decide(domain.DecisionInput{DeadlineExceeded: true})
	}
	return domain.Decide(domain.DecisionInput{Cancelled: true})
}

// conclude moves the attempt through DECIDED and RECORDED: it updates usage
// counters, persists the attempt and emits telemetry. Persistence ignores
// caller cancellation.
func (s *Service) conclude(ctx context.Context, attempt domain.AuthAttempt, decision domain.Decision, usage *uuid.UUID, start time.Time) (domain.AuthAttempt, error) {
	persistCtx := context.WithoutCancel(ctx)

	attempt.Result = decision.Result
	attempt.FailureReason = decision.Reason
	attempt.LivenessPassed = decision.LivenessPassed
	attempt.State, _ = attempt.State.Advance(domain.AttemptDecided)
	if attempt.ReviewStatus == "" {
		attempt.ReviewStatus = domain.ReviewNotReviewed
	}

	if usage != nil {
		outcome := domain.UsageFailure
		if decision.Result == domain.AuthSuccess {
			outcome = domain.UsageSuccess
		}
		s.RecordUsage(persistCtx, *usage, outcome)
	}

	duration := time.Since(start)
	attempt.DurationMs = duration.Milliseconds()

	var err error
	for try := 1; try <= s.cfg.AttemptPersistRetries; try++ {
		if err = s.attempts.Insert(persistCtx, attempt); err == nil {
			break
		}
	}
	if err != nil {
		s.raiseAlert(persistCtx, alertAttemptNotSaved, attempt.AuthID.String(), map[string]any{
			"user_id":   attempt.UserID,
			"device_id": attempt.DeviceID,
			"result":    string(attempt.Result),
			"error":     err.Error(),
		})
		return attempt, fmt.Errorf("record auth attempt: %w", err)
	}
	attempt.State, _ = attempt.State.Advance(domain.AttemptRecorded)

	s.metrics.RecordAuth(ports.AuthMetric{
		BiometricType: attempt.BiometricType,
		Result:        attempt.Result,
		Reason:        attempt.FailureReason,
		Duration:      duration,
		Suspicious:    attempt.Suspicious,
	})

	outcome := "success"
	if attempt.Result != domain.AuthSuccess {
		outcome = "failure"
	}
	s.logger.InfoContext(ctx, "authentication recorded",
		"module", "engine",
		"layer", "application",
		"operation", "authenticate",
		"outcome", outcome,
		"auth_id", attempt.AuthID,
		"device_id", attempt.DeviceID,
		"biometric_type", attempt.BiometricType,
		"result", attempt.Result,
		"reason", attempt.FailureReason,
		"duration_ms", attempt.DurationMs,
		"suspicious", attempt.Suspicious,
	)

	if attempt.Suspicious {
		s.logger.WarnContext(ctx, "suspicious authentication queued for review",
			"module", "review",
			"layer", "application",
			"operation", "authenticate",
			"outcome", "flagged",
			"auth_id", attempt.AuthID,
			"reasons", attempt.SuspiciousReason(),
		)
		s.enqueue(persistCtx, newOutboxEvent(eventTypeAuthSuspicious, attempt.UserID, attempt.AttemptedAt, map[string]any{
			"auth_id":        attempt.AuthID,
			"user_id":        attempt.UserID,
			"device_id":      attempt.DeviceID,
			"biometric_type": attempt.BiometricType,
			"result":         attempt.Result,
			"reasons":        attempt.SuspiciousReasons,
			"match_score":    attempt.MatchScore,
			"liveness_score": attempt.LivenessScore,
		}))
	}
	return attempt, nil
}

func usageTarget(attempt domain.AuthAttempt) *uuid.UUID {
	return attempt.TemplateID
}

func thresholdFor(tpl domain.Template, binding AlgorithmBinding) float64 {
	if tpl.MatchThreshold > 0 {
		return tpl.MatchThreshold
	}
	return binding.DefaultMatchThreshold
}

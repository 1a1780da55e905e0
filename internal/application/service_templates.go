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

// Enroll stores a new ACTIVE template and queues a PUSH for every enabled
// device that accepts the modality. At most one ACTIVE template may exist per
// (user, type); a second enrollment is rejected, never merged.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (EnrollResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return EnrollResponse{}, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	if len(req.FeatureData) == 0 {
		return EnrollResponse{}, fmt.Errorf("%w: feature_data is required", domain.ErrInvalidInput)
	}
	if err := domain.ValidateScore("quality_score", req.QualityScore); err != nil {
		return EnrollResponse{}, err
	}
	binding, ok := s.algorithms.Lookup(req.BiometricType)
	if !ok {
		return EnrollResponse{}, fmt.Errorf("%w: no algorithm bound for %s", domain.ErrUnsupportedBiometricType, req.BiometricType)
	}

	floor := s.cfg.MinQualityScore
	if req.MinQuality != nil {
		if err := domain.ValidateScore("min_quality", *req.MinQuality); err != nil {
			return EnrollResponse{}, err
		}
		if *req.MinQuality > floor {
			floor = *req.MinQuality
		}
	}
	if req.QualityScore < floor {
		return EnrollResponse{}, fmt.Errorf("%w: quality %.3f below %.3f", domain.ErrQualityRejected, req.QualityScore, floor)
	}

	threshold := binding.DefaultMatchThreshold
	if req.MatchThreshold != nil {
		if err := domain.ValidateScore("match_threshold", *req.MatchThreshold); err != nil {
			return EnrollResponse{}, err
		}
		threshold = *req.MatchThreshold
	}

	var resp EnrollResponse
	err := s.withLease(ctx, userID, req.BiometricType, func() error {
		if _, err := s.templates.GetActive(ctx, userID, req.BiometricType); err == nil {
			return domain.ErrDuplicateEnrollment
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		devices, err := s.devices.ListEnabledForType(ctx, req.BiometricType)
		if err != nil {
			return err
		}

		now := s.nowFn()
		captured := req.CaptureTime
		if captured.IsZero() {
			captured = now
		}
		templateID := uuid.New()
		sealed, err := s.seal(templateID, req.FeatureData)
		if err != nil {
			return err
		}
		tpl := domain.Template{
			TemplateID:       templateID,
			UserID:           userID,
			BiometricType:    req.BiometricType,
			FeatureData:      sealed,
			QualityScore:     req.QualityScore,
			MatchThreshold:   threshold,
			AlgorithmVersion: binding.Version,
			Status:           domain.TemplateActive,
			CaptureTime:      captured,
			ExpireTime:       now.Add(s.cfg.TemplateValidity),
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		created, err := s.templates.CreateWithSyncTx(ctx, ports.CreateTemplateTxParams{
			Template:    tpl,
			PushDevices: deviceIDs(devices),
			Events: []ports.OutboxEvent{
				newOutboxEvent(eventTypeTemplateEnrolled, userID, now, templateEventBody(tpl, now)),
			},
		})
		if err != nil {
			return err
		}
		resp = EnrollResponse{
			TemplateID:    created.TemplateID,
			Status:        string(created.Status),
			ExpireTime:    created.ExpireTime,
			QueuedDevices: len(devices),
		}
		return nil
	})
	if err != nil {
		return EnrollResponse{}, err
	}

	s.logger.InfoContext(ctx, "template enrolled",
		"module", "templates",
		"layer", "application",
		"operation", "enroll",
		"outcome", "success",
		"template_id", resp.TemplateID,
		"biometric_type", req.BiometricType,
		"queued_devices", resp.QueuedDevices,
	)
	if resp.QueuedDevices > 0 {
		s.kickSync(resp.TemplateID, domain.SyncPush)
	}
	return resp, nil
}

// Revoke soft-deletes the template and durably queues a REVOKE for every
// device that was ever sent the template. Revoking a DELETED template
// re-queues whatever is still outstanding.
func (s *Service) Revoke(ctx context.Context, templateID uuid.UUID) (RevokeResponse, error) {
	tpl, err := s.templates.GetByID(ctx, templateID)
	if err != nil {
		return RevokeResponse{}, err
	}
	if tpl.Status == domain.TemplateDeleted {
		return s.requeueRevokes(ctx, tpl)
	}

	var revoked bool
	err = s.withLease(ctx, tpl.UserID, tpl.BiometricType, func() error {
		current, err := s.templates.GetByID(ctx, templateID)
		if err != nil {
			return err
		}
		if current.Status == domain.TemplateDeleted {
			return nil
		}
		now := s.nowFn()
		previous := current.Status
		current.Status = domain.TemplateDeleted
		_, err = s.templates.TransitionWithSyncTx(ctx, ports.TransitionTxParams{
			TemplateID:     templateID,
			ExpectedStatus: previous,
			NewStatus:      domain.TemplateDeleted,
			At:             now,
			QueueRevoke:    previous == domain.TemplateActive,
			Events: []ports.OutboxEvent{
				newOutboxEvent(eventTypeTemplateRevoked, current.UserID, now, templateEventBody(current, now)),
			},
		})
		if err != nil {
			return err
		}
		revoked = true
		tpl = current
		return nil
	})
	if err != nil {
		return RevokeResponse{}, err
	}
	if revoked {
		s.logger.InfoContext(ctx, "template revoked",
			"module", "templates",
			"layer", "application",
			"operation", "revoke",
			"outcome", "success",
			"template_id", templateID,
		)
	}
	return s.requeueRevokes(ctx, tpl)
}

// RevokeUser revokes every template of the user, optionally narrowed to one
// modality. Each template is revoked under its own (user, type) lease; an
// already DELETED template re-queues its outstanding device work, so a failed
// call can simply be repeated.
func (s *Service) RevokeUser(ctx context.Context, userID string, biometricType domain.BiometricType) (RevokeUserResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RevokeUserResponse{}, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	templates, err := s.templates.ListByUser(ctx, userID, biometricType)
	if err != nil {
		return RevokeUserResponse{}, err
	}
	if len(templates) == 0 {
		return RevokeUserResponse{}, fmt.Errorf("%w: no templates for user", domain.ErrNotFound)
	}

	resp := RevokeUserResponse{UserID: userID, Templates: make([]RevokeResponse, 0, len(templates))}
	for _, tpl := range templates {
		revoked, err := s.Revoke(ctx, tpl.TemplateID)
		if err != nil {
			return resp, fmt.Errorf("revoke template %s: %w", tpl.TemplateID, err)
		}
		resp.Templates = append(resp.Templates, revoked)
	}

	s.logger.InfoContext(ctx, "user templates revoked",
		"module", "templates",
		"layer", "application",
		"operation", "revoke_user",
		"outcome", "success",
		"biometric_type", biometricType,
		"templates", len(resp.Templates),
	)
	return resp, nil
}

func (s *Service) requeueRevokes(ctx context.Context, tpl domain.Template) (RevokeResponse, error) {
	pending, err := s.syncs.RequeueRevokes(ctx, tpl.TemplateID, s.nowFn())
	if err != nil {
		return RevokeResponse{}, err
	}
	if pending > 0 {
		s.kickSync(tpl.TemplateID, domain.SyncRevoke)
	}
	return RevokeResponse{
		TemplateID: tpl.TemplateID,
		Status:     string(domain.TemplateDeleted),
		Pending:    pending,
	}, nil
}

// SetStatus applies an administrative status change. Device state follows
// ACTIVE-ness: leaving ACTIVE queues REVOKEs, entering ACTIVE queues PUSHes.
func (s *Service) SetStatus(ctx context.Context, templateID uuid.UUID, next domain.TemplateStatus) (TemplateView, error) {
	tpl, err := s.templates.GetByID(ctx, templateID)
	if err != nil {
		return TemplateView{}, err
	}
	if err := tpl.Status.CanTransitionTo(next); err != nil {
		return TemplateView{}, err
	}
	if next == domain.TemplateDeleted {
		if _, err := s.Revoke(ctx, templateID); err != nil {
			return TemplateView{}, err
		}
		return s.GetTemplate(ctx, templateID)
	}

	var (
		updated   domain.Template
		direction domain.SyncDirection
	)
	err = s.withLease(ctx, tpl.UserID, tpl.BiometricType, func() error {
		current, err := s.templates.GetByID(ctx, templateID)
		if err != nil {
			return err
		}
		if err := current.Status.CanTransitionTo(next); err != nil {
			return err
		}
		now := s.nowFn()
		params := ports.TransitionTxParams{
			TemplateID:     templateID,
			ExpectedStatus: current.Status,
			NewStatus:      next,
			At:             now,
		}

		switch {
		case next == domain.TemplateActive:
			if !current.ExpireTime.IsZero() && !current.ExpireTime.After(now) {
				return fmt.Errorf("%w: template validity elapsed at %s", domain.ErrInvalidTransition, current.ExpireTime.Format(time.RFC3339))
			}
			active, err := s.templates.GetActive(ctx, current.UserID, current.BiometricType)
			if err == nil && active.TemplateID != current.TemplateID {
				return domain.ErrDuplicateEnrollment
			}
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			devices, err := s.devices.ListEnabledForType(ctx, current.BiometricType)
			if err != nil {
				return err
			}
			params.PushDevices = deviceIDs(devices)
			if len(params.PushDevices) > 0 {
				direction = domain.SyncPush
			}
		case current.Status == domain.TemplateActive:
			params.QueueRevoke = true
			direction = domain.SyncRevoke
		}

		current.Status = next
		params.Events = []ports.OutboxEvent{
			newOutboxEvent(eventTypeTemplateStatusChanged, current.UserID, now, templateEventBody(current, now)),
		}
		updated, err = s.templates.TransitionWithSyncTx(ctx, params)
		return err
	})
	if err != nil {
		return TemplateView{}, err
	}

	s.logger.InfoContext(ctx, "template status changed",
		"module", "templates",
		"layer", "application",
		"operation", "set_status",
		"outcome", "success",
		"template_id", templateID,
		"status", next,
	)
	if direction != "" {
		s.kickSync(templateID, direction)
	}
	return toTemplateView(updated), nil
}

// RecordUsage bumps the template counters with one atomic update. It never
// fails the caller: after a bounded retry the loss is logged and alerted.
func (s *Service) RecordUsage(ctx context.Context, templateID uuid.UUID, outcome domain.UsageOutcome) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= s.cfg.UsageRetries; attempt++ {
		if err = s.templates.IncrementUsage(ctx, templateID, outcome, s.nowFn()); err == nil {
			return
		}
		if errors.Is(err, domain.ErrNotFound) {
			break
		}
		time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
	}
	s.raiseAlert(ctx, alertUsageLost, templateID.String(), map[string]any{
		"usage_outcome": string(outcome),
		"error":         err.Error(),
	})
}

// ExpireTemplates moves ACTIVE templates past their validity to EXPIRED.
func (s *Service) ExpireTemplates(ctx context.Context) (int, error) {
	now := s.nowFn()
	due, err := s.templates.ListExpiring(ctx, now, s.cfg.ExpiryBatchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, tpl := range due {
		if _, err := s.SetStatus(ctx, tpl.TemplateID, domain.TemplateExpired); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrTerminalStatus) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *Service) GetTemplate(ctx context.Context, templateID uuid.UUID) (TemplateView, error) {
	tpl, err := s.templates.GetByID(ctx, templateID)
	if err != nil {
		return TemplateView{}, err
	}
	return toTemplateView(tpl), nil
}

// ListUserTemplates returns the user's templates in every status, newest first.
func (s *Service) ListUserTemplates(ctx context.Context, userID string, biometricType domain.BiometricType) ([]TemplateView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	templates, err := s.templates.ListByUser(ctx, userID, biometricType)
	if err != nil {
		return nil, err
	}
	views := make([]TemplateView, 0, len(templates))
	for _, tpl := range templates {
		views = append(views, toTemplateView(tpl))
	}
	return views, nil
}

func (s *Service) TemplateStats(ctx context.Context) (domain.TemplateStats, error) {
	return s.templates.Stats(ctx)
}

func (s *Service) ListSyncOutcomes(ctx context.Context, templateID uuid.UUID) ([]domain.SyncOutcome, error) {
	if _, err := s.templates.GetByID(ctx, templateID); err != nil {
		return nil, err
	}
	return s.syncs.ListByTemplate(ctx, templateID)
}

// UpsertDevice registers or updates a controller. The protocol must be known.
func (s *Service) UpsertDevice(ctx context.Context, req DeviceRequest) (domain.Device, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return domain.Device{}, fmt.Errorf("%w: device_id is required", domain.ErrInvalidInput)
	}
	if _, ok := s.protocols.Lookup(req.Protocol); !ok {
		return domain.Device{}, fmt.Errorf("%w: unknown protocol %q", domain.ErrInvalidInput, req.Protocol)
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		return domain.Device{}, fmt.Errorf("%w: endpoint is required", domain.ErrInvalidInput)
	}
	types, err := domain.ParseSupportedTypes(req.SupportedTypes)
	if err != nil {
		return domain.Device{}, err
	}
	now := s.nowFn()
	return s.devices.Upsert(ctx, domain.Device{
		DeviceID:       deviceID,
		Protocol:       req.Protocol,
		Endpoint:       strings.TrimSpace(req.Endpoint),
		Enabled:        req.Enabled,
		SupportedTypes: types,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// withLease serializes template writes for one (user, type) identity.
func (s *Service) withLease(ctx context.Context, userID string, t domain.BiometricType, fn func() error) error {
	if s.leases == nil {
		return fn()
	}
	key := fmt.Sprintf("biometric:lease:%s:%s", t, userID)
	token := uuid.NewString()
	deadline := time.Now().Add(s.cfg.LeaseWait)
	for {
		ok, err := s.leases.Acquire(ctx, key, token, s.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return domain.ErrLeaseUnavailable
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.LeasePoll):
		}
	}
	defer func() {
		if err := s.leases.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.WarnContext(ctx, "lease release failed",
				"module", "templates",
				"layer", "application",
				"operation", "release_lease",
				"outcome", "failure",
				"error", err,
			)
		}
	}()
	return fn()
}

func (s *Service) seal(templateID uuid.UUID, plain []byte) ([]byte, error) {
	if s.cipher == nil {
		return plain, nil
	}
	sealed, err := s.cipher.Seal(templateID, plain)
	if err != nil {
		return nil, fmt.Errorf("seal feature data: %w", err)
	}
	return sealed, nil
}

func (s *Service) open(t domain.Template) ([]byte, error) {
	if s.cipher == nil {
		return t.FeatureData, nil
	}
	plain, err := s.cipher.Open(t.TemplateID, t.FeatureData)
	if err != nil {
		return nil, fmt.Errorf("open feature data: %w", err)
	}
	return plain, nil
}

func deviceIDs(devices []domain.Device) []string {
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.Enabled {
			out = append(out, d.DeviceID)
		}
	}
	return out
}

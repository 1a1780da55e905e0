package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
	"golang.org/x/sync/errgroup"
)

// kickSync delivers freshly queued rows in the background. Rows it cannot
// claim are left to the retry sweep.
func (s *Service) kickSync(templateID uuid.UUID, direction domain.SyncDirection) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SyncClaimTTL)
		defer cancel()
		if _, err := s.DeliverTemplate(ctx, templateID, direction); err != nil {
			s.logger.WarnContext(ctx, "sync fan-out failed",
				"module", "sync",
				"layer", "application",
				"operation", "fan_out",
				"outcome", "failure",
				"template_id", templateID,
				"direction", direction,
				"error", err,
			)
		}
	}()
}

// DeliverTemplate claims every due row of one template and direction and runs
// the sync pipeline for each.
func (s *Service) DeliverTemplate(ctx context.Context, templateID uuid.UUID, direction domain.SyncDirection) (SweepResult, error) {
	now := s.nowFn()
	token := uuid.NewString()
	rows, err := s.syncs.ClaimForTemplate(ctx, templateID, direction, now, token, now.Add(s.cfg.SyncClaimTTL))
	if err != nil {
		return SweepResult{}, fmt.Errorf("claim sync rows: %w", err)
	}
	return s.processClaimed(ctx, rows, token), nil
}

// RetryDueSyncs is one pass of the retry sweep over PENDING_RETRY rows whose
// backoff has elapsed.
func (s *Service) RetryDueSyncs(ctx context.Context) (SweepResult, error) {
	now := s.nowFn()
	token := uuid.NewString()
	rows, err := s.syncs.ClaimDue(ctx, now, s.cfg.SyncBatchSize, token, now.Add(s.cfg.SyncClaimTTL))
	if err != nil {
		return SweepResult{}, fmt.Errorf("claim due sync rows: %w", err)
	}
	return s.processClaimed(ctx, rows, token), nil
}

func (s *Service) processClaimed(ctx context.Context, rows []domain.SyncOutcome, token string) SweepResult {
	result := SweepResult{Claimed: len(rows)}
	if len(rows) == 0 {
		return result
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SyncFanOut)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			outcome, alerted := s.syncOne(gctx, row, token)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case domain.SyncAcked:
				result.Acked++
			case domain.SyncFailed:
				result.Failed++
			default:
				result.Pending++
			}
			if alerted {
				result.Alerts++
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// syncOne runs the fixed pipeline for one claimed row:
// validate, build, transmit, record, hook.
func (s *Service) syncOne(ctx context.Context, row domain.SyncOutcome, token string) (domain.SyncResult, bool) {
	start := s.nowFn()
	attempt := row.AttemptCount + 1

	invalidTarget, superseded, err := s.transmit(ctx, row, attempt)
	rejected := errors.Is(err, domain.ErrDeviceRejected)
	exhausted := row.Direction == domain.SyncPush && s.cfg.SyncPushMaxAttempts > 0 && attempt >= s.cfg.SyncPushMaxAttempts

	result := domain.NextSyncResult(row.Direction, err, rejected, invalidTarget, exhausted)
	lastError := ""
	if err != nil {
		lastError = err.Error()
	}
	if superseded {
		result = domain.SyncFailed
		lastError = domain.SupersededError
	}

	finished := s.nowFn()
	params := ports.SyncRecordParams{
		Key:          row.Key(),
		ClaimToken:   token,
		Result:       result,
		AttemptCount: attempt,
		AttemptedAt:  finished,
		LastError:    lastError,
	}
	if result == domain.SyncPendingRetry {
		params.NextAttemptAt = finished.Add(domain.Backoff(s.cfg.SyncBackoffBase, s.cfg.SyncBackoffCeiling, attempt))
	}
	persistCtx := context.WithoutCancel(ctx)
	if recErr := s.syncs.Record(persistCtx, params); recErr != nil {
		s.logger.ErrorContext(ctx, "sync outcome not recorded",
			"module", "sync",
			"layer", "application",
			"operation", "record_outcome",
			"outcome", "failure",
			"template_id", row.TemplateID,
			"device_id", row.DeviceID,
			"direction", row.Direction,
			"error", recErr,
		)
		return domain.SyncPendingRetry, false
	}

	level := "success"
	if result != domain.SyncAcked {
		level = "failure"
	}
	s.logger.InfoContext(ctx, "sync attempt recorded",
		"module", "sync",
		"layer", "application",
		"operation", "sync",
		"outcome", level,
		"template_id", row.TemplateID,
		"device_id", row.DeviceID,
		"direction", row.Direction,
		"result", result,
		"attempt", attempt,
		"error", lastError,
	)

	duration := finished.Sub(start)
	s.metrics.RecordSync(ports.SyncMetric{Direction: row.Direction, Result: result, Duration: duration})
	if s.syncHook != nil {
		s.syncHook(persistCtx, SyncEvent{
			TemplateID:   row.TemplateID,
			DeviceID:     row.DeviceID,
			Direction:    string(row.Direction),
			Result:       string(result),
			AttemptCount: attempt,
			LastError:    lastError,
			DurationMs:   duration.Milliseconds(),
			OccurredAt:   finished,
		})
	}

	return result, s.maybeAlertSync(persistCtx, row, result, lastError, finished)
}

// transmit validates the target and runs build and transmit. It reports
// whether the target was invalid and whether the row no longer matches the
// template state.
func (s *Service) transmit(ctx context.Context, row domain.SyncOutcome, attempt int) (invalidTarget, superseded bool, err error) {
	tpl, err := s.templates.GetByID(ctx, row.TemplateID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return true, false, fmt.Errorf("%w: template %s", domain.ErrInvalidSyncTarget, row.TemplateID)
		}
		return false, false, err
	}
	switch row.Direction {
	case domain.SyncPush:
		if tpl.Status != domain.TemplateActive {
			return false, true, nil
		}
	case domain.SyncRevoke:
		if tpl.Status == domain.TemplateActive {
			return false, true, nil
		}
	}

	device, err := s.devices.GetByID(ctx, row.DeviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return true, false, fmt.Errorf("%w: unknown device %s", domain.ErrInvalidSyncTarget, row.DeviceID)
		}
		return false, false, err
	}
	if !device.Enabled {
		return true, false, fmt.Errorf("%w: device %s disabled", domain.ErrInvalidSyncTarget, row.DeviceID)
	}
	protocol, ok := s.protocols.Lookup(device.Protocol)
	if !ok {
		return true, false, fmt.Errorf("%w: no protocol %q for device %s", domain.ErrInvalidSyncTarget, device.Protocol, row.DeviceID)
	}

	req := ports.SyncRequest{
		TemplateID:       tpl.TemplateID.String(),
		UserID:           tpl.UserID,
		BiometricType:    tpl.BiometricType,
		AlgorithmVersion: tpl.AlgorithmVersion,
		Direction:        row.Direction,
		Attempt:          attempt,
	}
	if row.Direction == domain.SyncPush {
		plain, err := s.open(tpl)
		if err != nil {
			return true, false, err
		}
		req.FeatureData = plain
	}

	payload, err := protocol.BuildPayload(ctx, req)
	if err != nil {
		return true, false, fmt.Errorf("%w: build payload: %v", domain.ErrInvalidSyncTarget, err)
	}

	tctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTransmitTimeout)
	defer cancel()
	if err := protocol.Transmit(tctx, device, req, payload); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSyncTarget):
			return true, false, err
		case errors.Is(err, domain.ErrDeviceRejected):
			return false, false, err
		}
		return false, false, fmt.Errorf("%w: %v", domain.ErrDeviceUnreachable, err)
	}
	return false, false, nil
}

// maybeAlertSync raises at most one alert per row once it has been
// outstanding past the alert threshold, and one for every permanently failed PUSH.
func (s *Service) maybeAlertSync(ctx context.Context, row domain.SyncOutcome, result domain.SyncResult, lastError string, now time.Time) bool {
	attrs := map[string]any{
		"template_id":   row.TemplateID.String(),
		"device_id":     row.DeviceID,
		"direction":     string(row.Direction),
		"attempt_count": row.AttemptCount + 1,
		"last_error":    lastError,
	}
	switch {
	case result == domain.SyncFailed && row.Direction == domain.SyncPush && lastError != domain.SupersededError:
		s.raiseAlert(ctx, alertPushFailed, row.Key().String(), attrs)
		return true
	case result != domain.SyncPendingRetry || row.AlertedAt != nil:
		return false
	case s.cfg.SyncAlertAfter <= 0 || now.Sub(row.FirstQueuedAt) < s.cfg.SyncAlertAfter:
		return false
	}

	kind := alertPushPending
	if row.Direction == domain.SyncRevoke {
		kind = alertRevokePending
	}
	attrs["first_queued_at"] = row.FirstQueuedAt
	s.raiseAlert(ctx, kind, row.Key().String(), attrs)
	if err := s.syncs.MarkAlerted(ctx, row.Key(), now); err != nil {
		s.logger.WarnContext(ctx, "sync alert marker not stored",
			"module", "sync",
			"layer", "application",
			"operation", "mark_alerted",
			"outcome", "failure",
			"template_id", row.TemplateID,
			"device_id", row.DeviceID,
			"error", err,
		)
	}
	return true
}

package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/application"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

// SyncRetryWorker drives the durable device sync sweep.
type SyncRetryWorker struct {
	logger   *slog.Logger
	service  *application.Service
	interval time.Duration
}

func NewSyncRetryWorker(logger *slog.Logger, service *application.Service, interval time.Duration) *SyncRetryWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &SyncRetryWorker{logger: logger, service: service, interval: interval}
}

func (w *SyncRetryWorker) Run(ctx context.Context) error {
	return runEvery(ctx, w.interval, func(ctx context.Context) {
		res, err := w.service.RetryDueSyncs(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "sync retry iteration failed",
				"module", "events.sync_retry_worker",
				"layer", "adapter",
				"operation", "retry_due_syncs",
				"outcome", "failure",
				"error", err,
			)
			return
		}
		if res.Claimed > 0 {
			w.logger.InfoContext(ctx, "sync retry batch processed",
				"module", "events.sync_retry_worker",
				"layer", "adapter",
				"operation", "retry_due_syncs",
				"outcome", "success",
				"claimed_count", res.Claimed,
				"acked_count", res.Acked,
				"failed_count", res.Failed,
				"pending_count", res.Pending,
				"alert_count", res.Alerts,
			)
		}
	})
}

// ReviewEscalationWorker raises one alert per review left pending past its SLA.
type ReviewEscalationWorker struct {
	logger   *slog.Logger
	service  *application.Service
	interval time.Duration
}

func NewReviewEscalationWorker(logger *slog.Logger, service *application.Service, interval time.Duration) *ReviewEscalationWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReviewEscalationWorker{logger: logger, service: service, interval: interval}
}

func (w *ReviewEscalationWorker) Run(ctx context.Context) error {
	return runEvery(ctx, w.interval, func(ctx context.Context) {
		n, err := w.service.EscalateOverdueReviews(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "review escalation iteration failed",
				"module", "events.review_escalation_worker",
				"layer", "adapter",
				"operation", "escalate_overdue_reviews",
				"outcome", "failure",
				"error", err,
			)
			return
		}
		if n > 0 {
			w.logger.WarnContext(ctx, "overdue reviews escalated",
				"module", "events.review_escalation_worker",
				"layer", "adapter",
				"operation", "escalate_overdue_reviews",
				"outcome", "success",
				"escalated_count", n,
			)
		}
	})
}

// TemplateExpiryWorker moves ACTIVE templates past their expiry to EXPIRED.
type TemplateExpiryWorker struct {
	logger   *slog.Logger
	service  *application.Service
	interval time.Duration
}

func NewTemplateExpiryWorker(logger *slog.Logger, service *application.Service, interval time.Duration) *TemplateExpiryWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &TemplateExpiryWorker{logger: logger, service: service, interval: interval}
}

func (w *TemplateExpiryWorker) Run(ctx context.Context) error {
	return runEvery(ctx, w.interval, func(ctx context.Context) {
		n, err := w.service.ExpireTemplates(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "template expiry iteration failed",
				"module", "events.template_expiry_worker",
				"layer", "adapter",
				"operation", "expire_templates",
				"outcome", "failure",
				"error", err,
			)
			return
		}
		if n > 0 {
			w.logger.InfoContext(ctx, "templates expired",
				"module", "events.template_expiry_worker",
				"layer", "adapter",
				"operation", "expire_templates",
				"outcome", "success",
				"expired_count", n,
			)
		}
	})
}

// AlgorithmHealthWorker keeps the registry's cached health current so
// readiness reflects the matchers.
type AlgorithmHealthWorker struct {
	service  *application.Service
	interval time.Duration
	onChange func(map[string]ports.HealthStatus)
}

func NewAlgorithmHealthWorker(service *application.Service, interval time.Duration, onChange func(map[string]ports.HealthStatus)) *AlgorithmHealthWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &AlgorithmHealthWorker{service: service, interval: interval, onChange: onChange}
}

func (w *AlgorithmHealthWorker) Run(ctx context.Context) error {
	return runEvery(ctx, w.interval, func(ctx context.Context) {
		statuses := w.service.RefreshAlgorithmHealth(ctx)
		if w.onChange == nil {
			return
		}
		out := make(map[string]ports.HealthStatus, len(statuses))
		for t, s := range statuses {
			out[string(t)] = s
		}
		w.onChange(out)
	})
}

func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

// OutboxConfig tunes the relay loop. Zero values fall back to defaults.
type OutboxConfig struct {
	Interval   time.Duration
	BatchSize  int
	ClaimTTL   time.Duration
	MaxRetries int
}

// OutboxWorker relays template, sync, review and alert events to the broker.
// Events sharing a partition key (one template or one alert subject) leave in
// the order they were written: once one of them fails, the rest of that key's
// batch is released untouched and retried behind it.
type OutboxWorker struct {
	logger    *slog.Logger
	outbox    ports.OutboxRepository
	publisher ports.EventPublisher
	cfg       OutboxConfig
	now       func() time.Time
}

func NewOutboxWorker(logger *slog.Logger, outbox ports.OutboxRepository, publisher ports.EventPublisher, cfg OutboxConfig) *OutboxWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &OutboxWorker{
		logger:    logger,
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run relays until ctx is cancelled.
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.processOnce(ctx); err != nil {
			w.logger.ErrorContext(ctx, "outbox relay pass failed",
				"module", "events",
				"layer", "adapter",
				"operation", "relay_outbox",
				"outcome", "failure",
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type batchResult struct {
	published    int
	failed       int
	deadLettered int
	held         int
}

func (w *OutboxWorker) processOnce(ctx context.Context) (batchResult, error) {
	token := uuid.NewString()
	records, err := w.outbox.ClaimUnpublished(ctx, w.cfg.BatchSize, token, w.now().Add(w.cfg.ClaimTTL))
	if err != nil {
		return batchResult{}, err
	}

	var res batchResult
	blocked := make(map[string]bool)
	for _, rec := range records {
		if blocked[rec.PartitionKey] {
			res.held++
			w.settle(ctx, rec, "release", w.outbox.Release(ctx, rec.OutboxID, token))
			continue
		}
		if rec.RetryCount >= w.cfg.MaxRetries {
			res.deadLettered++
			w.settle(ctx, rec, "dead_letter", w.outbox.MarkDeadLettered(ctx, rec.OutboxID, token, "retry budget spent before publish", w.now()))
			continue
		}

		pubErr := w.publisher.Publish(ctx, rec.EventType, rec.Payload, rec.PartitionKey)
		if pubErr == nil {
			res.published++
			w.settle(ctx, rec, "mark_published", w.outbox.MarkPublished(ctx, rec.OutboxID, token, w.now()))
			continue
		}

		res.failed++
		attempts := rec.RetryCount + 1
		if attempts >= w.cfg.MaxRetries {
			res.deadLettered++
			w.logger.ErrorContext(ctx, "outbox event dead-lettered",
				"module", "events",
				"layer", "adapter",
				"operation", "publish_event",
				"outcome", "failure",
				"outbox_id", rec.OutboxID,
				"event_type", rec.EventType,
				"partition_key", rec.PartitionKey,
				"retry_count", attempts,
				"error", pubErr,
			)
			w.settle(ctx, rec, "dead_letter", w.outbox.MarkDeadLettered(ctx, rec.OutboxID, token, pubErr.Error(), w.now()))
			continue
		}

		blocked[rec.PartitionKey] = true
		w.logger.WarnContext(ctx, "outbox publish failed, retry scheduled",
			"module", "events",
			"layer", "adapter",
			"operation", "publish_event",
			"outcome", "failure",
			"outbox_id", rec.OutboxID,
			"event_type", rec.EventType,
			"partition_key", rec.PartitionKey,
			"retry_count", attempts,
			"error", pubErr,
		)
		w.settle(ctx, rec, "mark_failed", w.outbox.MarkFailed(ctx, rec.OutboxID, token, pubErr.Error(), w.now()))
	}

	if len(records) > 0 {
		w.logger.InfoContext(ctx, "outbox batch relayed",
			"module", "events",
			"layer", "adapter",
			"operation", "relay_outbox",
			"outcome", "success",
			"batch_size", len(records),
			"published_count", res.published,
			"failed_count", res.failed,
			"dead_lettered_count", res.deadLettered,
			"held_count", res.held,
		)
	}
	return res, nil
}

// settle logs a bookkeeping write that did not land. The claim then lapses
// and the record is picked up again, so the event may be published twice.
func (w *OutboxWorker) settle(ctx context.Context, rec ports.OutboxRecord, step string, err error) {
	if err == nil {
		return
	}
	w.logger.WarnContext(ctx, "outbox bookkeeping failed",
		"module", "events",
		"layer", "adapter",
		"operation", step,
		"outcome", "failure",
		"outbox_id", rec.OutboxID,
		"event_type", rec.EventType,
		"error", err,
	)
}

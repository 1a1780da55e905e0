package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedOutbox(t *testing.T, store *testutil.MemoryStore, types ...string) {
	t.Helper()
	seedOutboxFor(t, store, "tpl-1", types...)
}

func seedOutboxFor(t *testing.T, store *testutil.MemoryStore, key string, types ...string) {
	t.Helper()
	for _, eventType := range types {
		err := store.Outbox().Enqueue(context.Background(), ports.OutboxEvent{
			EventID:      uuid.New(),
			EventType:    eventType,
			PartitionKey: key,
			Payload:      []byte(`{}`),
			OccurredAt:   time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func TestOutboxWorkerPublishesClaimedRecords(t *testing.T) {
	t.Parallel()

	store := testutil.NewMemoryStore()
	seedOutbox(t, store, "biometric.template.enrolled", "biometric.sync.outcome")
	publisher := &testutil.Publisher{}
	worker := NewOutboxWorker(discardLogger(), store.Outbox(), publisher, OutboxConfig{Interval: time.Second, BatchSize: 10, ClaimTTL: time.Minute, MaxRetries: 3})

	res, err := worker.processOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.published != 2 || len(publisher.Events) != 2 {
		t.Fatalf("expected two published events, got %+v %v", res, publisher.Events)
	}
	for _, rec := range store.OutboxRecords() {
		if rec.PublishedAt == nil || rec.ClaimToken != nil {
			t.Fatalf("record %s not marked published", rec.OutboxID)
		}
	}

	res, err = worker.processOnce(context.Background())
	if err != nil || res.published != 0 {
		t.Fatalf("published records must not be claimed again: %+v %v", res, err)
	}
}

func TestOutboxWorkerDeadLettersAfterMaxRetries(t *testing.T) {
	t.Parallel()

	store := testutil.NewMemoryStore()
	seedOutbox(t, store, "biometric.alert.raised")
	publisher := &testutil.Publisher{Err: errors.New("broker down")}
	worker := NewOutboxWorker(discardLogger(), store.Outbox(), publisher, OutboxConfig{Interval: time.Second, BatchSize: 10, ClaimTTL: time.Minute, MaxRetries: 2})

	first, err := worker.processOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if first.failed != 1 || first.deadLettered != 0 {
		t.Fatalf("first failure must schedule a retry, got %+v", first)
	}
	second, err := worker.processOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if second.deadLettered != 1 {
		t.Fatalf("expected dead letter on second failure, got %+v", second)
	}
	rec := store.OutboxRecords()[0]
	if rec.DeadLetteredAt == nil || rec.LastError == nil || *rec.LastError != "broker down" {
		t.Fatalf("unexpected record state %+v", rec)
	}

	third, err := worker.processOnce(context.Background())
	if err != nil || third != (batchResult{}) {
		t.Fatalf("dead-lettered records must stay parked: %+v %v", third, err)
	}
}

func TestOutboxWorkerKeepsTemplateEventOrder(t *testing.T) {
	t.Parallel()

	store := testutil.NewMemoryStore()
	seedOutboxFor(t, store, "tpl-1", "biometric.template.enrolled", "biometric.template.revoked")
	seedOutboxFor(t, store, "tpl-2", "biometric.template.enrolled")
	publisher := &testutil.Publisher{FailKeys: map[string]error{"tpl-1": errors.New("partition leader moved")}}
	worker := NewOutboxWorker(discardLogger(), store.Outbox(), publisher, OutboxConfig{BatchSize: 10, ClaimTTL: time.Minute, MaxRetries: 5})

	res, err := worker.processOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.published != 1 || res.failed != 1 || res.held != 1 {
		t.Fatalf("expected one published, one failed, one held, got %+v", res)
	}
	for _, rec := range store.OutboxRecords() {
		if rec.ClaimToken != nil {
			t.Fatalf("record %s still claimed", rec.OutboxID)
		}
		if rec.EventType == "biometric.template.revoked" && (rec.PublishedAt != nil || rec.RetryCount != 0) {
			t.Fatalf("held event must be untouched, got %+v", rec)
		}
	}

	delete(publisher.FailKeys, "tpl-1")
	res, err = worker.processOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.published != 2 {
		t.Fatalf("expected the held events to follow, got %+v", res)
	}
	want := []string{"biometric.template.enrolled", "biometric.template.enrolled", "biometric.template.revoked"}
	if len(publisher.Events) != len(want) {
		t.Fatalf("expected %v, got %v", want, publisher.Events)
	}
	for i := range want {
		if publisher.Events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, publisher.Events)
		}
	}
}

func TestKafkaPublisherTopicMapping(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(nil, nil); err == nil {
		t.Fatal("expected error without brokers")
	}
	p, err := NewKafkaPublisher([]string{"localhost:9092"}, map[string]string{
		"biometric.alert.raised": "biometric-alerts",
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()
	if got := p.topicFor("biometric.alert.raised"); got != "biometric-alerts" {
		t.Fatalf("expected mapped topic, got %s", got)
	}
	if got := p.topicFor("biometric.sync.outcome"); got != "biometric.sync.outcome" {
		t.Fatalf("expected event type as topic, got %s", got)
	}
}

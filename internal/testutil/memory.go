// Package testutil holds in-memory fakes of the ports used by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

// MemoryStore is one shared in-memory database behind every repository fake,
// so transactional writes touch templates, sync rows and outbox together.
type MemoryStore struct {
	mu        sync.Mutex
	templates map[uuid.UUID]domain.Template
	syncs     map[domain.SyncKey]domain.SyncOutcome
	attempts  map[uuid.UUID]domain.AuthAttempt
	order     []uuid.UUID
	devices   map[string]domain.Device
	outbox    []ports.OutboxRecord

	// UsageFailures makes the next N IncrementUsage calls fail.
	UsageFailures int
	// InsertErr, when set, fails every attempt insert.
	InsertErr error
	// InsertFailures makes the next N attempt inserts fail.
	InsertFailures int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[uuid.UUID]domain.Template),
		syncs:     make(map[domain.SyncKey]domain.SyncOutcome),
		attempts:  make(map[uuid.UUID]domain.AuthAttempt),
		devices:   make(map[string]domain.Device),
	}
}

func (m *MemoryStore) Templates() *TemplateRepo { return &TemplateRepo{m: m} }
func (m *MemoryStore) Syncs() *SyncRepo { return &SyncRepo{m: m} }
func (m *MemoryStore) Attempts() *AttemptRepo { return &AttemptRepo{m: m} }
func (m *MemoryStore) Devices() *DeviceRepo { return &DeviceRepo{m: m} }
func (m *MemoryStore) Outbox() *OutboxRepo { return &OutboxRepo{m: m} }

func (m *MemoryStore) SetUsageFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UsageFailures = n
}

func (m *MemoryStore) SetInsertFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertFailures = n
}

func (m *MemoryStore) SetInsertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertErr = err
}

// Template returns the stored template regardless of status.
func (m *MemoryStore) Template(id uuid.UUID) (domain.Template, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	return t, ok
}

// AllAttempts returns every stored attempt in insert order.
func (m *MemoryStore) AllAttempts() []domain.AuthAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuthAttempt, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.attempts[id])
	}
	return out
}

// EventTypes returns the outbox event types in enqueue order.
func (m *MemoryStore) EventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.outbox))
	for _, r := range m.outbox {
		out = append(out, r.EventType)
	}
	return out
}

// SyncRows returns a snapshot of every sync row of one template.
func (m *MemoryStore) SyncRows(templateID uuid.UUID) []domain.SyncOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rowsForLocked(templateID)
}

func (m *MemoryStore) rowsForLocked(templateID uuid.UUID) []domain.SyncOutcome {
	var out []domain.SyncOutcome
	for k, row := range m.syncs {
		if k.TemplateID == templateID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}

func (m *MemoryStore) appendEventsLocked(events []ports.OutboxEvent) {
	for _, e := range events {
		m.outbox = append(m.outbox, ports.OutboxRecord{
			OutboxID:     e.EventID,
			EventType:    e.EventType,
			PartitionKey: e.PartitionKey,
			Payload:      e.Payload,
			CreatedAt:    e.OccurredAt,
			FirstSeenAt:  e.OccurredAt,
		})
	}
}

// queueLocked inserts or resets a row to PENDING_RETRY due at.
func (m *MemoryStore) queueLocked(templateID uuid.UUID, deviceID string, direction domain.SyncDirection, at time.Time) {
	key := domain.SyncKey{TemplateID: templateID, DeviceID: deviceID, Direction: direction}
	row, ok := m.syncs[key]
	if !ok {
		row = domain.SyncOutcome{TemplateID: templateID, DeviceID: deviceID, Direction: direction}
	}
	row.Result = domain.SyncPendingRetry
	row.AttemptCount = 0
	row.FirstQueuedAt = at
	row.NextAttemptAt = at
	row.LastError = ""
	row.AlertedAt = nil
	m.syncs[key] = row
}

func (m *MemoryStore) supersedeLocked(templateID uuid.UUID, direction domain.SyncDirection) {
	for k, row := range m.syncs {
		if k.TemplateID == templateID && k.Direction == direction && row.Result == domain.SyncPendingRetry {
			row.Result = domain.SyncFailed
			row.LastError = domain.SupersededError
			m.syncs[k] = row
		}
	}
}

func (m *MemoryStore) pushedDevicesLocked(templateID uuid.UUID) []string {
	var out []string
	for k := range m.syncs {
		if k.TemplateID == templateID && k.Direction == domain.SyncPush {
			out = append(out, k.DeviceID)
		}
	}
	sort.Strings(out)
	return out
}

func cloneTemplate(t domain.Template) domain.Template {
	t.FeatureData = append([]byte(nil), t.FeatureData...)
	return t
}

type TemplateRepo struct{ m *MemoryStore }

func (r *TemplateRepo) CreateWithSyncTx(_ context.Context, params ports.CreateTemplateTxParams) (domain.Template, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	tpl := params.Template
	if tpl.Status == domain.TemplateActive {
		for _, existing := range r.m.templates {
			if existing.Status == domain.TemplateActive && existing.UserID == tpl.UserID && existing.BiometricType == tpl.BiometricType {
				return domain.Template{}, domain.ErrDuplicateEnrollment
			}
		}
	}
	r.m.templates[tpl.TemplateID] = cloneTemplate(tpl)
	for _, deviceID := range params.PushDevices {
		r.m.queueLocked(tpl.TemplateID, deviceID, domain.SyncPush, tpl.CreatedAt)
	}
	r.m.appendEventsLocked(params.Events)
	return cloneTemplate(tpl), nil
}

func (r *TemplateRepo) GetByID(_ context.Context, templateID uuid.UUID) (domain.Template, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	tpl, ok := r.m.templates[templateID]
	if !ok {
		return domain.Template{}, domain.ErrNotFound
	}
	return cloneTemplate(tpl), nil
}

func (r *TemplateRepo) GetActive(_ context.Context, userID string, t domain.BiometricType) (domain.Template, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, tpl := range r.m.templates {
		if tpl.Status == domain.TemplateActive && tpl.UserID == userID && tpl.BiometricType == t {
			return cloneTemplate(tpl), nil
		}
	}
	return domain.Template{}, domain.ErrNotFound
}

func (r *TemplateRepo) ListActiveByType(_ context.Context, t domain.BiometricType, limit int) ([]domain.Template, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.Template
	for _, tpl := range r.m.templates {
		if tpl.Status == domain.TemplateActive && tpl.BiometricType == t {
			out = append(out, cloneTemplate(tpl))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TemplateRepo) ListByUser(_ context.Context, userID string, t domain.BiometricType) ([]domain.Template, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []domain.Template{}
	for _, tpl := range r.m.templates {
		if tpl.UserID == userID && (t == "" || tpl.BiometricType == t) {
			out = append(out, cloneTemplate(tpl))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *TemplateRepo) TransitionWithSyncTx(_ context.Context, params ports.TransitionTxParams) (domain.Template, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	tpl, ok := r.m.templates[params.TemplateID]
	if !ok {
		return domain.Template{}, domain.ErrNotFound
	}
	if tpl.Status != params.ExpectedStatus {
		return domain.Template{}, fmt.Errorf("%w: status changed concurrently", domain.ErrInvalidTransition)
	}
	if params.NewStatus == domain.TemplateActive {
		for id, other := range r.m.templates {
			if id != tpl.TemplateID && other.Status == domain.TemplateActive && other.UserID == tpl.UserID && other.BiometricType == tpl.BiometricType {
				return domain.Template{}, domain.ErrDuplicateEnrollment
			}
		}
	}
	tpl.Status = params.NewStatus
	tpl.UpdatedAt = params.At
	if params.NewStatus == domain.TemplateDeleted {
		at := params.At
		tpl.DeletedAt = &at
	}
	r.m.templates[tpl.TemplateID] = tpl

	if params.QueueRevoke {
		for _, deviceID := range r.m.pushedDevicesLocked(tpl.TemplateID) {
			r.m.queueLocked(tpl.TemplateID, deviceID, domain.SyncRevoke, params.At)
		}
		r.m.supersedeLocked(tpl.TemplateID, domain.SyncPush)
	}
	if len(params.PushDevices) > 0 {
		r.m.supersedeLocked(tpl.TemplateID, domain.SyncRevoke)
		for _, deviceID := range params.PushDevices {
			r.m.queueLocked(tpl.TemplateID, deviceID, domain.SyncPush, params.At)
		}
	}
	r.m.appendEventsLocked(params.Events)
	return cloneTemplate(tpl), nil
}

func (r *TemplateRepo) IncrementUsage(_ context.Context, templateID uuid.UUID, outcome domain.UsageOutcome, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.UsageFailures > 0 {
		r.m.UsageFailures--
		return errors.New("usage store unavailable")
	}
	tpl, ok := r.m.templates[templateID]
	if !ok {
		return domain.ErrNotFound
	}
	tpl.UseCount++
	if outcome == domain.UsageSuccess {
		tpl.SuccessCount++
	} else {
		tpl.FailCount++
	}
	tpl.UpdatedAt = at
	r.m.templates[templateID] = tpl
	return nil
}

func (r *TemplateRepo) ListExpiring(_ context.Context, before time.Time, limit int) ([]domain.Template, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.Template
	for _, tpl := range r.m.templates {
		if tpl.Status == domain.TemplateActive && !tpl.ExpireTime.IsZero() && !tpl.ExpireTime.After(before) {
			out = append(out, cloneTemplate(tpl))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TemplateRepo) Stats(_ context.Context) (domain.TemplateStats, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	stats := domain.TemplateStats{ByTypeAndStatus: map[domain.BiometricType]map[domain.TemplateStatus]int64{}}
	for _, tpl := range r.m.templates {
		if stats.ByTypeAndStatus[tpl.BiometricType] == nil {
			stats.ByTypeAndStatus[tpl.BiometricType] = map[domain.TemplateStatus]int64{}
		}
		stats.ByTypeAndStatus[tpl.BiometricType][tpl.Status]++
		stats.Total++
	}
	return stats, nil
}

type SyncRepo struct{ m *MemoryStore }

func (r *SyncRepo) claimableLocked(row domain.SyncOutcome, now time.Time) bool {
	if row.Result != domain.SyncPendingRetry || row.NextAttemptAt.After(now) {
		return false
	}
	if row.ClaimUntil != nil && row.ClaimUntil.After(now) {
		return false
	}
	other := domain.SyncPush
	if row.Direction == domain.SyncPush {
		other = domain.SyncRevoke
	}
	sibling, ok := r.m.syncs[domain.SyncKey{TemplateID: row.TemplateID, DeviceID: row.DeviceID, Direction: other}]
	return !ok || sibling.ClaimUntil == nil || !sibling.ClaimUntil.After(now)
}

func (r *SyncRepo) claim(now time.Time, limit int, token string, until time.Time, match func(domain.SyncOutcome) bool) []domain.SyncOutcome {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	keys := make([]domain.SyncKey, 0, len(r.m.syncs))
	for k := range r.m.syncs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := r.m.syncs[keys[i]], r.m.syncs[keys[j]]
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		return keys[i].String() < keys[j].String()
	})
	var out []domain.SyncOutcome
	for _, k := range keys {
		row := r.m.syncs[k]
		if !match(row) || !r.claimableLocked(row, now) {
			continue
		}
		tok, u := token, until
		row.ClaimToken = tok
		row.ClaimUntil = &u
		r.m.syncs[k] = row
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (r *SyncRepo) ClaimDue(_ context.Context, now time.Time, limit int, token string, until time.Time) ([]domain.SyncOutcome, error) {
	return r.claim(now, limit, token, until, func(domain.SyncOutcome) bool { return true }), nil
}

func (r *SyncRepo) ClaimForTemplate(_ context.Context, templateID uuid.UUID, direction domain.SyncDirection, now time.Time, token string, until time.Time) ([]domain.SyncOutcome, error) {
	return r.claim(now, 0, token, until, func(row domain.SyncOutcome) bool {
		return row.TemplateID == templateID && row.Direction == direction
	}), nil
}

func (r *SyncRepo) Record(_ context.Context, params ports.SyncRecordParams) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	row, ok := r.m.syncs[params.Key]
	if !ok {
		return domain.ErrNotFound
	}
	if row.ClaimToken != params.ClaimToken {
		return domain.ErrClaimLost
	}
	if row.Result == domain.SyncPendingRetry {
		at := params.AttemptedAt
		row.Result = params.Result
		row.AttemptCount = params.AttemptCount
		row.LastAttemptTime = &at
		row.NextAttemptAt = params.NextAttemptAt
		row.LastError = params.LastError
	}
	row.ClaimToken = ""
	row.ClaimUntil = nil
	r.m.syncs[params.Key] = row
	return nil
}

func (r *SyncRepo) MarkAlerted(_ context.Context, key domain.SyncKey, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	row, ok := r.m.syncs[key]
	if !ok {
		return domain.ErrNotFound
	}
	row.AlertedAt = &at
	r.m.syncs[key] = row
	return nil
}

func (r *SyncRepo) ListByTemplate(_ context.Context, templateID uuid.UUID) ([]domain.SyncOutcome, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.rowsForLocked(templateID), nil
}

func (r *SyncRepo) RequeueRevokes(_ context.Context, templateID uuid.UUID, at time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, deviceID := range r.m.pushedDevicesLocked(templateID) {
		key := domain.SyncKey{TemplateID: templateID, DeviceID: deviceID, Direction: domain.SyncRevoke}
		if _, ok := r.m.syncs[key]; !ok {
			r.m.queueLocked(templateID, deviceID, domain.SyncRevoke, at)
		}
	}
	pending := 0
	for k, row := range r.m.syncs {
		if k.TemplateID != templateID || k.Direction != domain.SyncRevoke || row.Result == domain.SyncAcked {
			continue
		}
		row.Result = domain.SyncPendingRetry
		row.NextAttemptAt = at
		r.m.syncs[k] = row
		pending++
	}
	return pending, nil
}

type AttemptRepo struct{ m *MemoryStore }

func (r *AttemptRepo) Insert(_ context.Context, attempt domain.AuthAttempt) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.InsertErr != nil {
		return r.m.InsertErr
	}
	if r.m.InsertFailures > 0 {
		r.m.InsertFailures--
		return errors.New("attempt store unavailable")
	}
	if _, exists := r.m.attempts[attempt.AuthID]; exists {
		return fmt.Errorf("duplicate auth id %s", attempt.AuthID)
	}
	r.m.attempts[attempt.AuthID] = attempt
	r.m.order = append(r.m.order, attempt.AuthID)
	return nil
}

func (r *AttemptRepo) GetByID(_ context.Context, authID uuid.UUID) (domain.AuthAttempt, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.attempts[authID]
	if !ok {
		return domain.AuthAttempt{}, domain.ErrNotFound
	}
	return a, nil
}

func matchesFilter(a domain.AuthAttempt, f domain.AttemptFilter) bool {
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.DeviceID != "" && a.DeviceID != f.DeviceID {
		return false
	}
	if f.BiometricType != "" && a.BiometricType != f.BiometricType {
		return false
	}
	if !f.Since.IsZero() && a.AttemptedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !a.AttemptedAt.Before(f.Until) {
		return false
	}
	return true
}

func (r *AttemptRepo) list(f domain.AttemptFilter, keep func(domain.AuthAttempt) bool) []domain.AuthAttempt {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.AuthAttempt
	for i := len(r.m.order) - 1; i >= 0; i-- {
		a := r.m.attempts[r.m.order[i]]
		if keep(a) && matchesFilter(a, f) {
			out = append(out, a)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out
}

func (r *AttemptRepo) ListPendingReview(_ context.Context, f domain.AttemptFilter) ([]domain.AuthAttempt, error) {
	return r.list(f, func(a domain.AuthAttempt) bool { return a.ReviewStatus == domain.ReviewPending }), nil
}

func (r *AttemptRepo) ListByUser(_ context.Context, f domain.AttemptFilter) ([]domain.AuthAttempt, error) {
	return r.list(f, func(domain.AuthAttempt) bool { return true }), nil
}

func (r *AttemptRepo) ResolveReview(_ context.Context, p ports.ReviewResolution) (domain.AuthAttempt, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.attempts[p.AuthID]
	if !ok {
		return domain.AuthAttempt{}, domain.ErrNotFound
	}
	if err := a.ReviewStatus.Resolve(p.Decision); err != nil {
		return domain.AuthAttempt{}, err
	}
	at := p.At
	a.ReviewStatus = p.Decision
	a.ReviewerID = p.ReviewerID
	a.ReviewComment = p.Comment
	a.ReviewTime = &at
	r.m.attempts[p.AuthID] = a
	return a, nil
}

func (r *AttemptRepo) ListOverduePending(_ context.Context, before time.Time, limit int) ([]domain.AuthAttempt, error) {
	return r.list(domain.AttemptFilter{Limit: limit}, func(a domain.AuthAttempt) bool {
		return a.ReviewStatus == domain.ReviewPending && a.ReviewAlertedAt == nil && a.AttemptedAt.Before(before)
	}), nil
}

func (r *AttemptRepo) MarkReviewAlerted(_ context.Context, authID uuid.UUID, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.attempts[authID]
	if !ok {
		return domain.ErrNotFound
	}
	a.ReviewAlertedAt = &at
	r.m.attempts[authID] = a
	return nil
}

type DeviceRepo struct{ m *MemoryStore }

func (r *DeviceRepo) GetByID(_ context.Context, deviceID string) (domain.Device, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.devices[deviceID]
	if !ok {
		return domain.Device{}, domain.ErrNotFound
	}
	return d, nil
}

func (r *DeviceRepo) ListEnabledForType(_ context.Context, t domain.BiometricType) ([]domain.Device, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.Device
	for _, d := range r.m.devices {
		if d.Enabled && d.Supports(t) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (r *DeviceRepo) Upsert(_ context.Context, d domain.Device) (domain.Device, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if existing, ok := r.m.devices[d.DeviceID]; ok {
		d.CreatedAt = existing.CreatedAt
	}
	r.m.devices[d.DeviceID] = d
	return d, nil
}

// SetEnabled toggles a device directly, bypassing the service.
func (r *DeviceRepo) SetEnabled(deviceID string, enabled bool) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d := r.m.devices[deviceID]
	d.Enabled = enabled
	r.m.devices[deviceID] = d
}

type OutboxRepo struct{ m *MemoryStore }

func (r *OutboxRepo) Enqueue(_ context.Context, e ports.OutboxEvent) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.appendEventsLocked([]ports.OutboxEvent{e})
	return nil
}

func (r *OutboxRepo) ClaimUnpublished(_ context.Context, limit int, token string, until time.Time) ([]ports.OutboxRecord, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []ports.OutboxRecord
	for i := range r.m.outbox {
		rec := &r.m.outbox[i]
		if rec.PublishedAt != nil || rec.DeadLetteredAt != nil {
			continue
		}
		if rec.ClaimUntil != nil && rec.ClaimUntil.After(time.Now()) {
			continue
		}
		tok, u := token, until
		rec.ClaimToken = &tok
		rec.ClaimUntil = &u
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *OutboxRepo) update(id uuid.UUID, token string, fn func(*ports.OutboxRecord)) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i := range r.m.outbox {
		rec := &r.m.outbox[i]
		if rec.OutboxID != id {
			continue
		}
		if rec.ClaimToken == nil || *rec.ClaimToken != token {
			return domain.ErrClaimLost
		}
		fn(rec)
		rec.ClaimToken = nil
		rec.ClaimUntil = nil
		return nil
	}
	return domain.ErrNotFound
}

func (r *OutboxRepo) MarkPublished(_ context.Context, id uuid.UUID, token string, at time.Time) error {
	return r.update(id, token, func(rec *ports.OutboxRecord) { rec.PublishedAt = &at })
}

func (r *OutboxRepo) MarkFailed(_ context.Context, id uuid.UUID, token, msg string, at time.Time) error {
	return r.update(id, token, func(rec *ports.OutboxRecord) {
		rec.RetryCount++
		rec.LastError = &msg
		rec.LastErrorAt = &at
	})
}

func (r *OutboxRepo) MarkDeadLettered(_ context.Context, id uuid.UUID, token, msg string, at time.Time) error {
	return r.update(id, token, func(rec *ports.OutboxRecord) {
		rec.RetryCount++
		rec.LastError = &msg
		rec.LastErrorAt = &at
		rec.DeadLetteredAt = &at
	})
}

func (r *OutboxRepo) Release(_ context.Context, id uuid.UUID, token string) error {
	return r.update(id, token, func(*ports.OutboxRecord) {})
}

// OutboxRecords returns a copy of every stored outbox record.
func (m *MemoryStore) OutboxRecords() []ports.OutboxRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ports.OutboxRecord(nil), m.outbox...)
}

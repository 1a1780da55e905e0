package testutil

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// LeaseStore is an in-memory lease map. TTLs are ignored.
type LeaseStore struct {
	mu     sync.Mutex
	leases map[string]string
}

func NewLeaseStore() *LeaseStore {
	return &LeaseStore{leases: make(map[string]string)}
}

func (l *LeaseStore) Acquire(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.leases[key]; held {
		return false, nil
	}
	l.leases[key] = token
	return true, nil
}

func (l *LeaseStore) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leases[key] == token {
		delete(l.leases, key)
	}
	return nil
}

// Hold takes a lease on behalf of another writer.
func (l *LeaseStore) Hold(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leases[key] = "external"
}

// FailureWindow keeps failures per user in memory.
type FailureWindow struct {
	mu       sync.Mutex
	failures map[string][]failure
}

type failure struct {
	at     time.Time
	device string
}

func NewFailureWindow() *FailureWindow {
	return &FailureWindow{failures: make(map[string][]failure)}
}

func (f *FailureWindow) RecordFailure(_ context.Context, userID, deviceID string, at time.Time, window time.Duration) (domain.FailureWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.failures[userID][:0]
	for _, e := range f.failures[userID] {
		if at.Sub(e.at) <= window {
			kept = append(kept, e)
		}
	}
	kept = append(kept, failure{at: at, device: deviceID})
	f.failures[userID] = kept

	devices := map[string]struct{}{}
	for _, e := range kept {
		devices[e.device] = struct{}{}
	}
	return domain.FailureWindow{Failures: len(kept), DistinctDevices: len(devices)}, nil
}

func (f *FailureWindow) Clear(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, userID)
	return nil
}

// Algorithm is a scriptable matcher. ScoreFn wins over Result when set.
type Algorithm struct {
	Result  ports.MatchResult
	Err     error
	Delay   time.Duration
	ScoreFn func(probe []byte, tpl domain.Template) (ports.MatchResult, error)
	// Block makes Match wait until the channel is closed, ignoring ctx.
	Block   chan struct{}
	Status  ports.HealthStatus
	calls   atomic.Int64
	running atomic.Int64
	peak    atomic.Int64
}

func (a *Algorithm) Match(ctx context.Context, probe []byte, tpl domain.Template) (ports.MatchResult, error) {
	a.calls.Add(1)
	n := a.running.Add(1)
	defer a.running.Add(-1)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if a.Block != nil {
		<-a.Block
	}
	if a.Delay > 0 {
		select {
		case <-ctx.Done():
			return ports.MatchResult{}, ctx.Err()
		case <-time.After(a.Delay):
		}
	}
	if a.ScoreFn != nil {
		return a.ScoreFn(probe, tpl)
	}
	return a.Result, a.Err
}

func (a *Algorithm) HealthCheck(context.Context) ports.HealthStatus {
	if a.Status == "" {
		return ports.HealthReady
	}
	return a.Status
}

func (a *Algorithm) Calls() int64 { return a.calls.Load() }
func (a *Algorithm) Peak() int64 { return a.peak.Load() }

// Transmission is one recorded protocol call.
type Transmission struct {
	DeviceID  string
	Direction domain.SyncDirection
	Payload   []byte
}

// Protocol records transmissions and fails per device on demand.
type Protocol struct {
	Name string

	mu       sync.Mutex
	failures map[string]error
	sent     []Transmission
}

func NewProtocol(name string) *Protocol {
	return &Protocol{Name: name, failures: make(map[string]error)}
}

func (p *Protocol) ID() string { return p.Name }

func (p *Protocol) BuildPayload(_ context.Context, req ports.SyncRequest) ([]byte, error) {
	return []byte(string(req.Direction) + ":" + req.TemplateID), nil
}

func (p *Protocol) Transmit(_ context.Context, device domain.Device, req ports.SyncRequest, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[device.DeviceID]; err != nil {
		return err
	}
	p.sent = append(p.sent, Transmission{DeviceID: device.DeviceID, Direction: req.Direction, Payload: payload})
	return nil
}

// Fail makes every transmit to deviceID return err; nil heals the device.
func (p *Protocol) Fail(deviceID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, deviceID)
		return
	}
	p.failures[deviceID] = err
}

func (p *Protocol) Sent() []Transmission {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Transmission, len(p.sent))
	copy(out, p.sent)
	return out
}

var errSealed = errors.New("sealed data does not belong to template")

// Cipher binds the template id as a prefix. It is not encryption.
type Cipher struct{}

func (Cipher) Seal(templateID uuid.UUID, plain []byte) ([]byte, error) {
	out := append([]byte(nil), templateID[:]...)
	return append(out, plain...), nil
}

func (Cipher) Open(templateID uuid.UUID, sealed []byte) ([]byte, error) {
	if len(sealed) < len(templateID) || !bytes.Equal(sealed[:len(templateID)], templateID[:]) {
		return nil, errSealed
	}
	return append([]byte(nil), sealed[len(templateID):]...), nil
}

// Metrics captures emitted telemetry.
type Metrics struct {
	mu   sync.Mutex
	Auth []ports.AuthMetric
	Sync []ports.SyncMetric
}

func (m *Metrics) RecordAuth(metric ports.AuthMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Auth = append(m.Auth, metric)
}

func (m *Metrics) RecordSync(metric ports.SyncMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sync = append(m.Sync, metric)
}

func (m *Metrics) AuthCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Auth)
}

// Publisher records published events.
type Publisher struct {
	mu     sync.Mutex
	Err    error
	Events []string
	// FailKeys fails every publish for the listed partition keys.
	FailKeys map[string]error
}

func (p *Publisher) Publish(_ context.Context, eventType string, _ []byte, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if err := p.FailKeys[key]; err != nil {
		return err
	}
	p.Events = append(p.Events, eventType)
	return nil
}

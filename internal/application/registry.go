package application

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

// AlgorithmBinding ties one modality to the algorithm that matches it and the
// thresholds applied to its scores.
type AlgorithmBinding struct {
	BiometricType         domain.BiometricType
	Algorithm             ports.MatchingAlgorithm
	Version               string
	DefaultMatchThreshold float64
	LivenessThreshold     float64
}

// AlgorithmRegistry is keyed by biometric type. Health is cached and
// refreshed out of band so the hot path never calls HealthCheck.
type AlgorithmRegistry struct {
	mu       sync.RWMutex
	bindings map[domain.BiometricType]AlgorithmBinding
	health   map[domain.BiometricType]ports.HealthStatus
}

func NewAlgorithmRegistry() *AlgorithmRegistry {
	return &AlgorithmRegistry{
		bindings: make(map[domain.BiometricType]AlgorithmBinding),
		health:   make(map[domain.BiometricType]ports.HealthStatus),
	}
}

func (r *AlgorithmRegistry) Register(b AlgorithmBinding) error {
	if b.Algorithm == nil {
		return fmt.Errorf("%w: algorithm is required for %s", domain.ErrInvalidInput, b.BiometricType)
	}
	if _, err := domain.ParseBiometricType(string(b.BiometricType)); err != nil {
		return err
	}
	if err := domain.ValidateScore("default match threshold", b.DefaultMatchThreshold); err != nil {
		return err
	}
	if err := domain.ValidateScore("liveness threshold", b.LivenessThreshold); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[b.BiometricType] = b
	r.health[b.BiometricType] = ports.HealthReady
	return nil
}

func (r *AlgorithmRegistry) Lookup(t domain.BiometricType) (AlgorithmBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[t]
	return b, ok
}

func (r *AlgorithmRegistry) Health(t domain.BiometricType) ports.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[t]
	if !ok {
		return ports.HealthDown
	}
	return h
}

// Types returns the registered modalities in a stable order.
func (r *AlgorithmRegistry) Types() []domain.BiometricType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.BiometricType, 0, len(r.bindings))
	for t := range r.bindings {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RefreshHealth probes every binding and caches the result.
func (r *AlgorithmRegistry) RefreshHealth(ctx context.Context) map[domain.BiometricType]ports.HealthStatus {
	r.mu.RLock()
	bindings := make([]AlgorithmBinding, 0, len(r.bindings))
	for _, b := range r.bindings {
		bindings = append(bindings, b)
	}
	r.mu.RUnlock()

	out := make(map[domain.BiometricType]ports.HealthStatus, len(bindings))
	for _, b := range bindings {
		status := b.Algorithm.HealthCheck(ctx)
		switch status {
		case ports.HealthReady, ports.HealthDegraded, ports.HealthDown:
		default:
			status = ports.HealthDown
		}
		out[b.BiometricType] = status
	}

	r.mu.Lock()
	for t, status := range out {
		r.health[t] = status
	}
	r.mu.Unlock()
	return out
}

// Serving reports whether at least one binding is not DOWN.
func (r *AlgorithmRegistry) Serving() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for t := range r.bindings {
		if r.health[t] != ports.HealthDown {
			return true
		}
	}
	return false
}

// ProtocolRegistry resolves a device's protocol id to its implementation.
type ProtocolRegistry struct {
	mu        sync.RWMutex
	protocols map[string]ports.DeviceProtocol
}

func NewProtocolRegistry(protocols ...ports.DeviceProtocol) *ProtocolRegistry {
	r := &ProtocolRegistry{protocols: make(map[string]ports.DeviceProtocol, len(protocols))}
	for _, p := range protocols {
		r.Register(p)
	}
	return r
}

func (r *ProtocolRegistry) Register(p ports.DeviceProtocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[p.ID()] = p
}

func (r *ProtocolRegistry) Lookup(id string) (ports.DeviceProtocol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[id]
	return p, ok
}

package matching

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

// RemoteMatcher delegates scoring to an out-of-process matcher over HTTP.
// One instance serves one modality.
type RemoteMatcher struct {
	baseURL       string
	biometricType domain.BiometricType
	client        *http.Client
}

func NewRemoteMatcher(baseURL string, biometricType domain.BiometricType, timeout time.Duration) *RemoteMatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteMatcher{
		baseURL:       strings.TrimRight(baseURL, "/"),
		biometricType: biometricType,
		client:        &http.Client{Timeout: timeout},
	}
}

type matchRequest struct {
	BiometricType    string `json:"biometric_type"`
	AlgorithmVersion string `json:"algorithm_version"`
	TemplateID       string `json:"template_id"`
	Probe            []byte `json:"probe"`
	Reference        []byte `json:"reference"`
}

type matchResponse struct {
	MatchScore    float64 `json:"match_score"`
	LivenessScore float64 `json:"liveness_score"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func (m *RemoteMatcher) Match(ctx context.Context, probe []byte, template domain.Template) (ports.MatchResult, error) {
	body, err := json.Marshal(matchRequest{
		BiometricType:    string(m.biometricType),
		AlgorithmVersion: template.AlgorithmVersion,
		TemplateID:       template.TemplateID.String(),
		Probe:            probe,
		Reference:        template.FeatureData,
	})
	if err != nil {
		return ports.MatchResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/match", bytes.NewReader(body))
	if err != nil {
		return ports.MatchResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return ports.MatchResult{}, fmt.Errorf("%w: %v", domain.ErrAlgorithmUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ports.MatchResult{}, fmt.Errorf("%w: matcher status %d: %s", domain.ErrAlgorithmFault, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out matchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ports.MatchResult{}, fmt.Errorf("%w: decode matcher response: %v", domain.ErrAlgorithmFault, err)
	}
	if out.MatchScore < 0 || out.MatchScore > 1 || out.LivenessScore < 0 || out.LivenessScore > 1 {
		return ports.MatchResult{}, fmt.Errorf("%w: scores out of range", domain.ErrAlgorithmFault)
	}
	return ports.MatchResult{MatchScore: out.MatchScore, LivenessScore: out.LivenessScore}, nil
}

func (m *RemoteMatcher) HealthCheck(ctx context.Context) ports.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/healthz", nil)
	if err != nil {
		return ports.HealthDown
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return ports.HealthDown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ports.HealthDown
	}

	var out healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ports.HealthReady
	}
	switch ports.HealthStatus(strings.ToUpper(out.Status)) {
	case ports.HealthDegraded:
		return ports.HealthDegraded
	case ports.HealthDown:
		return ports.HealthDown
	default:
		return ports.HealthReady
	}
}

package devices

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"
)

// TransportConfig tunes the HTTP client shared by the device protocols.
type TransportConfig struct {
	Timeout         time.Duration
	RatePerSecond   float64
	Burst           int
	UserAgent       string
	IdempotencySeed string
}

// transport posts protocol payloads to controllers. Each device gets its own
// token bucket so one slow controller cannot starve the others.
type transport struct {
	client    *http.Client
	limit     rate.Limit
	burst     int
	userAgent string
	keySeed   []byte

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newTransport(cfg TransportConfig) *transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "biometric-identity-service"
	}
	return &transport{
		client:    &http.Client{Timeout: cfg.Timeout},
		limit:     rate.Limit(cfg.RatePerSecond),
		burst:     cfg.Burst,
		userAgent: cfg.UserAgent,
		keySeed:   []byte(cfg.IdempotencySeed),
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (t *transport) limiter(deviceID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[deviceID] = l
	}
	return l
}

// IdempotencyKey is stable across retries of the same operation so a
// controller can drop duplicates.
func IdempotencyKey(seed []byte, deviceID string, req ports.SyncRequest) string {
	h := blake3.New()
	_, _ = h.Write(seed)
	_, _ = h.Write([]byte(strings.Join([]string{req.TemplateID, deviceID, string(req.Direction)}, "\x00")))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

type outbound struct {
	method          string
	path            string
	contentType     string
	contentEncoding string
	body            []byte
}

func (t *transport) send(ctx context.Context, device domain.Device, req ports.SyncRequest, out outbound) error {
	if strings.TrimSpace(device.Endpoint) == "" {
		return fmt.Errorf("%w: device %s has no endpoint", domain.ErrInvalidSyncTarget, device.DeviceID)
	}
	if err := t.limiter(device.DeviceID).Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", domain.ErrDeviceUnreachable, err)
	}

	url := strings.TrimRight(device.Endpoint, "/") + out.path
	httpReq, err := http.NewRequestWithContext(ctx, out.method, url, bytes.NewReader(out.body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", domain.ErrInvalidSyncTarget, err)
	}
	httpReq.Header.Set("Content-Type", out.contentType)
	if out.contentEncoding != "" {
		httpReq.Header.Set("Content-Encoding", out.contentEncoding)
	}
	httpReq.Header.Set("User-Agent", t.userAgent)
	httpReq.Header.Set("Idempotency-Key", IdempotencyKey(t.keySeed, device.DeviceID, req))
	httpReq.Header.Set("X-Sync-Attempt", fmt.Sprintf("%d", req.Attempt))

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return classifyStatus(req.Direction, resp.StatusCode, strings.TrimSpace(string(detail)))
}

// classifyStatus maps a controller response to an ack, a confirmed refusal or
// a retryable failure. A revoke answered with 404 or 410 means the controller
// no longer holds the template, which is the state a revoke asks for.
func classifyStatus(direction domain.SyncDirection, status int, detail string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case direction == domain.SyncRevoke && (status == http.StatusNotFound || status == http.StatusGone):
		return nil
	case status == http.StatusNotFound && detail == "":
		return fmt.Errorf("%w: endpoint not found", domain.ErrDeviceUnreachable)
	case status == http.StatusBadRequest, status == http.StatusConflict,
		status == http.StatusUnprocessableEntity, status == http.StatusInsufficientStorage:
		return fmt.Errorf("%w: status %d: %s", domain.ErrDeviceRejected, status, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrDeviceUnreachable, status, detail)
	}
}

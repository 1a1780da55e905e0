package devices

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

type capturedRequest struct {
	method   string
	path     string
	headers  http.Header
	body     []byte
	response int
}

type controller struct {
	mu       sync.Mutex
	status   int
	detail   string
	requests []capturedRequest
}

func (c *controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	c.requests = append(c.requests, capturedRequest{method: r.Method, path: r.URL.Path, headers: r.Header.Clone(), body: body, response: status})
	detail := c.detail
	c.mu.Unlock()
	w.WriteHeader(status)
	_, _ = io.WriteString(w, detail)
}

func (c *controller) last(t *testing.T) capturedRequest {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		t.Fatal("controller received no request")
	}
	return c.requests[len(c.requests)-1]
}

func pushRequest() ports.SyncRequest {
	return ports.SyncRequest{
		TemplateID:       "8c7e0c1e-2f3a-4a77-9d59-8d0f3f6f1b11",
		UserID:           "42",
		BiometricType:    domain.BiometricFace,
		AlgorithmVersion: "face-v3",
		FeatureData:      []byte("embedding"),
		Direction:        domain.SyncPush,
		Attempt:          1,
	}
}

func TestJSONProtocolPushAndRevoke(t *testing.T) {
	t.Parallel()

	ctrl := &controller{}
	srv := httptest.NewServer(ctrl)
	defer srv.Close()
	device := domain.Device{DeviceID: "dev1", Endpoint: srv.URL + "/", Enabled: true}
	p := NewJSONProtocol(TransportConfig{Timeout: time.Second})
	ctx := context.Background()

	req := pushRequest()
	payload, err := p.BuildPayload(ctx, req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := p.Transmit(ctx, device, req, payload); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	got := ctrl.last(t)
	if got.method != http.MethodPut || got.path != "/v1/templates/"+req.TemplateID {
		t.Fatalf("unexpected target %s %s", got.method, got.path)
	}
	var body devicePayload
	if err := json.Unmarshal(got.body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Operation != "PUSH" || string(body.FeatureData) != "embedding" {
		t.Fatalf("unexpected body %+v", body)
	}
	pushKey := got.headers.Get("Idempotency-Key")

	req.Direction = domain.SyncRevoke
	payload, _ = p.BuildPayload(ctx, req)
	if err := p.Transmit(ctx, device, req, payload); err != nil {
		t.Fatalf("revoke transmit: %v", err)
	}
	got = ctrl.last(t)
	if got.method != http.MethodDelete {
		t.Fatalf("expected DELETE for revoke, got %s", got.method)
	}
	body = devicePayload{}
	if err := json.Unmarshal(got.body, &body); err != nil || len(body.FeatureData) != 0 {
		t.Fatalf("revoke must not carry feature data: %v", err)
	}
	if got.headers.Get("Idempotency-Key") == pushKey {
		t.Fatal("push and revoke must use different idempotency keys")
	}
}

func TestTransmitClassifiesControllerResponses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		direction domain.SyncDirection
		status    int
		detail    string
		want      error
	}{
		{domain.SyncPush, http.StatusNoContent, "", nil},
		{domain.SyncPush, http.StatusConflict, "slot locked", domain.ErrDeviceRejected},
		{domain.SyncPush, http.StatusInsufficientStorage, "full", domain.ErrDeviceRejected},
		{domain.SyncPush, http.StatusServiceUnavailable, "busy", domain.ErrDeviceUnreachable},
		{domain.SyncPush, http.StatusNotFound, "", domain.ErrDeviceUnreachable},
		{domain.SyncPush, http.StatusGone, "", domain.ErrDeviceUnreachable},
		{domain.SyncRevoke, http.StatusNoContent, "", nil},
		{domain.SyncRevoke, http.StatusNotFound, "", nil},
		{domain.SyncRevoke, http.StatusNotFound, "unknown template", nil},
		{domain.SyncRevoke, http.StatusGone, "", nil},
		{domain.SyncRevoke, http.StatusServiceUnavailable, "busy", domain.ErrDeviceUnreachable},
	}
	for _, tc := range cases {
		ctrl := &controller{status: tc.status, detail: tc.detail}
		srv := httptest.NewServer(ctrl)
		p := NewJSONProtocol(TransportConfig{Timeout: time.Second})
		req := pushRequest()
		req.Direction = tc.direction
		if tc.direction == domain.SyncRevoke {
			req.FeatureData = nil
		}
		payload, _ := p.BuildPayload(context.Background(), req)
		err := p.Transmit(context.Background(), domain.Device{DeviceID: "dev1", Endpoint: srv.URL}, req, payload)
		srv.Close()
		if tc.want == nil && err != nil {
			t.Fatalf("%s status %d: expected ack, got %v", tc.direction, tc.status, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s status %d: expected %v, got %v", tc.direction, tc.status, tc.want, err)
		}
	}
}

func TestTransmitWithoutEndpointIsInvalidTarget(t *testing.T) {
	t.Parallel()

	p := NewJSONProtocol(TransportConfig{})
	err := p.Transmit(context.Background(), domain.Device{DeviceID: "dev1"}, pushRequest(), nil)
	if !errors.Is(err, domain.ErrInvalidSyncTarget) {
		t.Fatalf("expected invalid target, got %v", err)
	}
}

func TestUnreachableControllerIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&controller{})
	url := srv.URL
	srv.Close()

	p := NewJSONProtocol(TransportConfig{Timeout: 200 * time.Millisecond})
	err := p.Transmit(context.Background(), domain.Device{DeviceID: "dev1", Endpoint: url}, pushRequest(), []byte(`{}`))
	if !errors.Is(err, domain.ErrDeviceUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestCBORProtocolSendsCompressedDeterministicBody(t *testing.T) {
	t.Parallel()

	ctrl := &controller{}
	srv := httptest.NewServer(ctrl)
	defer srv.Close()
	p := NewCBORProtocol(TransportConfig{Timeout: time.Second})
	ctx := context.Background()
	req := pushRequest()

	first, err := p.BuildPayload(ctx, req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, _ := p.BuildPayload(ctx, req)
	if string(first) != string(second) {
		t.Fatal("payload encoding must be deterministic")
	}
	if err := p.Transmit(ctx, domain.Device{DeviceID: "dev1", Endpoint: srv.URL}, req, first); err != nil {
		t.Fatalf("transmit: %v", err)
	}

	got := ctrl.last(t)
	if got.headers.Get("Content-Type") != "application/cbor" || got.headers.Get("Content-Encoding") != "zstd" {
		t.Fatalf("unexpected headers %v", got.headers)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(got.body, nil)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	var body devicePayload
	if err := cbor.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode cbor: %v", err)
	}
	if body.TemplateID != req.TemplateID || body.Operation != "PUSH" || string(body.FeatureData) != "embedding" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestIdempotencyKeyIsStableAcrossAttempts(t *testing.T) {
	t.Parallel()

	req := pushRequest()
	a := IdempotencyKey([]byte("seed"), "dev1", req)
	req.Attempt = 7
	if b := IdempotencyKey([]byte("seed"), "dev1", req); a != b {
		t.Fatal("retries of the same operation must share a key")
	}
	if c := IdempotencyKey([]byte("seed"), "dev2", req); a == c {
		t.Fatal("different devices must not share a key")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
}

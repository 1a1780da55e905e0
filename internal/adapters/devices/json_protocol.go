package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

const JSONProtocolID = "http-json"

// devicePayload is the wire body shared by both protocols.
type devicePayload struct {
	TemplateID       string `json:"template_id" cbor:"1,keyasint"`
	UserID           string `json:"user_id" cbor:"2,keyasint"`
	BiometricType    string `json:"biometric_type" cbor:"3,keyasint"`
	AlgorithmVersion string `json:"algorithm_version,omitempty" cbor:"4,keyasint,omitempty"`
	Operation        string `json:"operation" cbor:"5,keyasint"`
	FeatureData      []byte `json:"feature_data,omitempty" cbor:"6,keyasint,omitempty"`
}

func newDevicePayload(req ports.SyncRequest) devicePayload {
	p := devicePayload{
		TemplateID:       req.TemplateID,
		UserID:           req.UserID,
		BiometricType:    string(req.BiometricType),
		AlgorithmVersion: req.AlgorithmVersion,
		Operation:        string(req.Direction),
	}
	if req.Direction == domain.SyncPush {
		p.FeatureData = req.FeatureData
	}
	return p
}

func requestTarget(req ports.SyncRequest) (string, string) {
	if req.Direction == domain.SyncRevoke {
		return http.MethodDelete, "/v1/templates/" + req.TemplateID
	}
	return http.MethodPut, "/v1/templates/" + req.TemplateID
}

// JSONProtocol talks to controllers that accept plain JSON over HTTP.
type JSONProtocol struct {
	transport *transport
}

func NewJSONProtocol(cfg TransportConfig) *JSONProtocol {
	return &JSONProtocol{transport: newTransport(cfg)}
}

func (p *JSONProtocol) ID() string { return JSONProtocolID }

func (p *JSONProtocol) BuildPayload(_ context.Context, req ports.SyncRequest) ([]byte, error) {
	raw, err := json.Marshal(newDevicePayload(req))
	if err != nil {
		return nil, fmt.Errorf("encode json payload: %w", err)
	}
	return raw, nil
}

func (p *JSONProtocol) Transmit(ctx context.Context, device domain.Device, req ports.SyncRequest, payload []byte) error {
	method, path := requestTarget(req)
	return p.transport.send(ctx, device, req, outbound{
		method:      method,
		path:        path,
		contentType: "application/json",
		body:        payload,
	})
}

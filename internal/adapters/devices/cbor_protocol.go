package devices

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

const CBORProtocolID = "http-cbor"

// encMode uses Core Deterministic Encoding so retries of the same operation
// produce identical bytes.
var encMode cbor.EncMode

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("devices: CBOR encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("devices: zstd encoder initialization failed: " + err.Error())
	}
}

// CBORProtocol sends zstd-compressed CBOR bodies to constrained controllers.
type CBORProtocol struct {
	transport *transport
}

func NewCBORProtocol(cfg TransportConfig) *CBORProtocol {
	return &CBORProtocol{transport: newTransport(cfg)}
}

func (p *CBORProtocol) ID() string { return CBORProtocolID }

func (p *CBORProtocol) BuildPayload(_ context.Context, req ports.SyncRequest) ([]byte, error) {
	raw, err := encMode.Marshal(newDevicePayload(req))
	if err != nil {
		return nil, fmt.Errorf("encode cbor payload: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func (p *CBORProtocol) Transmit(ctx context.Context, device domain.Device, req ports.SyncRequest, payload []byte) error {
	method, path := requestTarget(req)
	return p.transport.send(ctx, device, req, outbound{
		method:          method,
		path:            path,
		contentType:     "application/cbor",
		contentEncoding: "zstd",
		body:            payload,
	})
}

package grpc

import (
	"context"
	"encoding/base64"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/application"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

const serviceName = "viralforge.biometric.v1.DeviceGateway"

// DeviceGatewayService is the device-facing RPC surface.
type DeviceGatewayService interface {
	Authenticate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AlgorithmStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

type DeviceGatewayServer struct {
	service *application.Service
}

func NewDeviceGatewayServer(service *application.Service) *DeviceGatewayServer {
	return &DeviceGatewayServer{service: service}
}

func Register(server grpc.ServiceRegistrar, svc DeviceGatewayService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*DeviceGatewayService)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Authenticate",
				Handler:    authenticateHandler(svc),
			},
			{
				MethodName: "AlgorithmStatus",
				Handler:    algorithmStatusHandler(svc),
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "biometric/v1/device_gateway.proto",
	}, svc)
}

// Authenticate expects user_id (optional), biometric_type, probe_data
// (base64), device_id and auth_type (optional).
func (s *DeviceGatewayServer) Authenticate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	biometricType, err := domain.ParseBiometricType(stringField(fields, "biometric_type"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	authType, err := domain.ParseAuthType(stringField(fields, "auth_type"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	probe, err := base64.StdEncoding.DecodeString(stringField(fields, "probe_data"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "probe_data must be base64")
	}

	attempt, err := s.service.Authenticate(ctx, application.AuthenticateRequest{
		UserID:        stringField(fields, "user_id"),
		BiometricType: biometricType,
		ProbeData:     probe,
		DeviceID:      stringField(fields, "device_id"),
		AuthType:      authType,
	})
	if err != nil {
		return nil, mapError(err)
	}

	body := map[string]any{
		"auth_id":         attempt.AuthID.String(),
		"user_id":         attempt.UserID,
		"result":          string(attempt.Result),
		"failure_reason":  string(attempt.FailureReason),
		"match_score":     attempt.MatchScore,
		"liveness_passed": attempt.LivenessPassed,
		"suspicious":      attempt.Suspicious,
		"duration_ms":     attempt.DurationMs,
	}
	if attempt.TemplateID != nil {
		body["template_id"] = attempt.TemplateID.String()
	}
	resp, err := structpb.NewStruct(body)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func (s *DeviceGatewayServer) AlgorithmStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	registry := s.service.Algorithms()
	algorithms := map[string]any{}
	for _, t := range registry.Types() {
		algorithms[string(t)] = string(registry.Health(t))
	}
	resp, err := structpb.NewStruct(map[string]any{
		"serving":    registry.Serving(),
		"algorithms": algorithms,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func stringField(fields map[string]*structpb.Value, key string) string {
	v := fields[key]
	if v == nil {
		return ""
	}
	return v.GetStringValue()
}

func mapError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnsupportedBiometricType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrEngineOverloaded):
		return status.Error(codes.ResourceExhausted, "authentication engine overloaded")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func authenticateHandler(svc DeviceGatewayService) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return svc.Authenticate(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/Authenticate",
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return svc.Authenticate(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

func algorithmStatusHandler(svc DeviceGatewayService) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &emptypb.Empty{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return svc.AlgorithmStatus(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/AlgorithmStatus",
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*emptypb.Empty)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return svc.AlgorithmStatus(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

package server

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// jsonCodec carries the core service's messages as JSON, selected by the
// "json" content subtype (application/grpc+json).
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// SubmitRequest wraps one JSON instruction.
type SubmitRequest struct {
	Instruction json.RawMessage `json:"instruction"`
}

type SubmitResponse struct {
	Accepted bool   `json:"accepted"`
	Kind     string `json:"kind,omitempty"`
}

type StatusRequest struct{}

type StatusResponse struct {
	State        string `json:"state"`
	LastSequence int64  `json:"last_sequence"`
	Uptime       string `json:"uptime"`
}

// CoreServiceServer is the gRPC surface of the core.
type CoreServiceServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoreServiceServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/crossmargin.v1.CoreService/Submit"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(CoreServiceServer).Submit(ctx, req.(*SubmitRequest))
	})
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoreServiceServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/crossmargin.v1.CoreService/Status"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(CoreServiceServer).Status(ctx, req.(*StatusRequest))
	})
}

// CoreServiceDesc is registered by hand; messages are plain Go structs
// carried by jsonCodec.
var CoreServiceDesc = grpc.ServiceDesc{
	ServiceName: "crossmargin.v1.CoreService",
	HandlerType: (*CoreServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crossmargin/v1/core.proto",
}

// GRPCServer serves the core service, gRPC health and reflection.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

type coreService struct {
	deps *Deps
}

func (s *coreService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if len(req.Instruction) == 0 {
		return nil, status.Error(apperrors.GRPCCode(apperrors.ErrInvalidParam), "instruction is required")
	}
	ins, err := s.deps.Submitter.SubmitJSON(ctx, "grpc", req.Instruction)
	if err != nil {
		return nil, status.Error(apperrors.GRPCCode(err), err.Error())
	}
	return &SubmitResponse{Accepted: true, Kind: string(ins.Kind())}, nil
}

func (s *coreService) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	resp := &StatusResponse{State: "starting", LastSequence: -1, Uptime: time.Since(s.deps.StartTime).String()}
	if s.deps.HealthChecker != nil && s.deps.HealthChecker.IsReady() {
		resp.State = "ready"
	}
	if s.deps.Admin != nil {
		seq, err := s.deps.Admin.LatestSequence(ctx)
		if err != nil {
			return nil, status.Error(apperrors.GRPCCode(err), err.Error())
		}
		resp.LastSequence = seq
	}
	return resp, nil
}

// unaryMiddleware applies the per-peer rate limit to Submit and records
// request metrics.
func unaryMiddleware(limiter *ClientLimiter, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		endpoint := "grpc:" + info.FullMethod
		if limiter != nil && info.FullMethod == "/crossmargin.v1.CoreService/Submit" {
			client := "unknown"
			if p, ok := peer.FromContext(ctx); ok {
				if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
					client = host
				}
			}
			if !limiter.Allow(client) {
				if metrics != nil {
					metrics.RateLimited.WithLabelValues(endpoint).Inc()
				}
				return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
			}
		}

		start := time.Now()
		resp, err := handler(ctx, req)
		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(endpoint).Inc()
			metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.QueryErrors.WithLabelValues(endpoint, status.Code(err).String()).Inc()
			}
		}
		return resp, err
	}
}

func NewGRPCServer(addr string, deps *Deps, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(unaryMiddleware(deps.Limiter, deps.Metrics)))
	grpcServer.RegisterService(&CoreServiceDesc, &coreService{deps: deps})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	return &GRPCServer{grpcServer: grpcServer, health: healthServer, addr: addr, logger: logger}
}

// SetServing flips the gRPC health status once startup replay is done.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(CoreServiceDesc.ServiceName, st)
}

// Serve blocks until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.addr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

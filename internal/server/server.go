package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/market-sizer/internal/controller"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

// Jobs service method names. Requests and responses are
// google.protobuf.Struct values so no generated stubs are needed:
//
//	Status {"job_id": "..."} → ProgressSnapshot as a struct
//	Stop   {"job_id": "..."} → {"job_id": "...", "stop_requested": true}
const (
	JobsServiceName = "marketsizer.v1.Jobs"
	statusMethod    = "/" + JobsServiceName + "/Status"
	stopMethod      = "/" + JobsServiceName + "/Stop"
)

// JobsServer is the server side of marketsizer.v1.Jobs.
type JobsServer interface {
	Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stop(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// JobsServiceDesc describes marketsizer.v1.Jobs for grpc.Server.RegisterService.
var JobsServiceDesc = grpc.ServiceDesc{
	ServiceName: JobsServiceName,
	HandlerType: (*JobsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: unaryHandler(statusMethod, JobsServer.Status)},
		{MethodName: "Stop", Handler: unaryHandler(stopMethod, JobsServer.Stop)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketsizer/v1/jobs.proto",
}

func unaryHandler(fullMethod string, call func(JobsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(JobsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Server implements JobsServer on top of the engine facade.
type Server struct {
	svc Service
}

var _ JobsServer = (*Server)(nil)

// NewServer creates the Jobs service implementation.
func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

// NewGRPCServer returns a grpc.Server carrying the Jobs service, the
// standard health service (reporting SERVING) and reflection.
func NewGRPCServer(svc Service, opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&JobsServiceDesc, NewServer(svc))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(JobsServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(gs)
	return gs
}

// Status returns the progress snapshot of a job.
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	p, err := s.svc.Status(ctx, id)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(p)
}

// Stop requests a cooperative stop of a job.
func (s *Server) Stop(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	if err := s.svc.Stop(ctx, id); err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{"job_id": string(id), "stop_requested": true})
}

func jobID(req *structpb.Struct) (types.JobID, error) {
	id := req.GetFields()["job_id"].GetStringValue()
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "job_id is required")
	}
	return types.JobID(id), nil
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, controller.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, controller.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(m)
}

// ============================================================================
// Client
// ============================================================================

// JobsClient calls marketsizer.v1.Jobs on a remote process.
type JobsClient struct {
	cc grpc.ClientConnInterface
}

// NewJobsClient wraps an established connection.
func NewJobsClient(cc grpc.ClientConnInterface) *JobsClient {
	return &JobsClient{cc: cc}
}

// Status fetches the progress snapshot of a job.
func (c *JobsClient) Status(ctx context.Context, id types.JobID) (types.ProgressSnapshot, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, statusMethod, idRequest(id), out); err != nil {
		return types.ProgressSnapshot{}, err
	}
	// encoding/json keeps whole floats in plain notation, so counters
	// decode back into integers.
	b, err := json.Marshal(out.AsMap())
	if err != nil {
		return types.ProgressSnapshot{}, fmt.Errorf("decode status: %w", err)
	}
	var p types.ProgressSnapshot
	if err := json.Unmarshal(b, &p); err != nil {
		return types.ProgressSnapshot{}, fmt.Errorf("decode status: %w", err)
	}
	return p, nil
}

// Stop requests a cooperative stop of a job.
func (c *JobsClient) Stop(ctx context.Context, id types.JobID) error {
	return c.cc.Invoke(ctx, stopMethod, idRequest(id), new(structpb.Struct))
}

func idRequest(id types.JobID) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id": structpb.NewStringValue(string(id)),
	}}
}

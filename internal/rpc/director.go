// Package rpc exposes the operator controls over gRPC as the ensemble.v1.Director
// service. Requests and responses are google.protobuf.Struct values so no generated
// code is needed on either side.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"ensemble/director/internal/floor"
	"ensemble/director/internal/logging"
	"ensemble/director/internal/loop"
	"ensemble/director/internal/store"
)

const ServiceName = "ensemble.v1.Director"

// Director is the subset of the dispatcher the service drives.
type Director interface {
	Direct(ctx context.Context, sessionID, text, targetID string) (floor.Decision, error)
	QueueOverride(sessionID string, o floor.Override) error
	ClearOverride(sessionID string) (bool, error)
	Snapshot(sessionID string) (loop.SessionState, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Director)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Direct", Handler: unary("Direct", handleDirect)},
		{MethodName: "QueueOverride", Handler: unary("QueueOverride", handleQueue)},
		{MethodName: "ClearOverride", Handler: unary("ClearOverride", handleClear)},
		{MethodName: "State", Handler: unary("State", handleState)},
	},
	Metadata: "ensemble/v1/director.proto",
}

type handlerFunc func(ctx context.Context, d Director, req *structpb.Struct) (any, error)

func unary(method string, fn handlerFunc) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			out, err := fn(ctx, srv.(Director), req.(*structpb.Struct))
			if err != nil {
				return nil, toStatus(err)
			}
			return toStruct(out)
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, call)
	}
}

func field(req *structpb.Struct, key string) string {
	if v, ok := req.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func sessionID(req *structpb.Struct) (string, error) {
	id := field(req, "session_id")
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "session_id is required")
	}
	return id, nil
}

func handleDirect(ctx context.Context, d Director, req *structpb.Struct) (any, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	return d.Direct(ctx, id, field(req, "instruction"), field(req, "target_id"))
}

func handleQueue(_ context.Context, d Director, req *structpb.Struct) (any, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	o := floor.Override{TargetID: field(req, "target_id"), Instruction: field(req, "instruction")}
	if err := d.QueueOverride(id, o); err != nil {
		return nil, err
	}
	return map[string]any{"queued": true}, nil
}

func handleClear(_ context.Context, d Director, req *structpb.Struct) (any, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	had, err := d.ClearOverride(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cleared": had}, nil
}

func handleState(_ context.Context, d Director, req *structpb.Struct) (any, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	return d.Snapshot(id)
}

// toStruct round-trips v through its JSON form.
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

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, store.ErrUnknownSession):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// NewServer returns a gRPC server carrying the Director and health services.
func NewServer(d Director) *grpc.Server {
	log := logging.NewLogger("ensemble.rpc")
	s := grpc.NewServer(grpc.UnaryInterceptor(logUnary(log)))
	s.RegisterService(&serviceDesc, d)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

func logUnary(log *logrus.Entry) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := log.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start),
		})
		if err != nil {
			entry.WithError(err).Warn("rpc failed")
		} else {
			entry.Debug("rpc")
		}
		return resp, err
	}
}

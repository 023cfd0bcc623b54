// ============================================================================
// FileChanges gRPC Service
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Accept raw storage-change messages over gRPC and hand them to
//          the local transport
//
// Service (well-known types only, no generated stubs):
//
//   service onefuzz.events.v1.FileChanges {
//     rpc Enqueue(google.protobuf.StringValue) returns (google.protobuf.StringValue);
//     rpc Status(google.protobuf.Empty) returns (google.protobuf.Struct);
//   }
//
// Enqueue takes the message body verbatim and returns the message id.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tevoinea/onefuzz/internal/transport"
)

var log = slog.Default()

const (
	ServiceName   = "onefuzz.events.v1.FileChanges"
	enqueueMethod = "/" + ServiceName + "/Enqueue"
	statusMethod  = "/" + ServiceName + "/Status"
)

// Transport is the delivery queue behind the service.
type Transport interface {
	Enqueue(ctx context.Context, body []byte) (string, error)
	Status() map[string]interface{}
}

// FileChangesServer is the server API for the FileChanges service.
type FileChangesServer interface {
	Enqueue(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Server implements FileChangesServer on top of a Transport.
type Server struct {
	transport Transport
}

// NewServer creates a Server.
func NewServer(t Transport) *Server {
	return &Server{transport: t}
}

// Register adds the service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&FileChangesServiceDesc, s)
}

// Enqueue accepts one raw change message.
func (s *Server) Enqueue(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	id, err := s.transport.Enqueue(ctx, []byte(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	log.Debug("Message accepted", "message_id", id)
	return wrapperspb.String(id), nil
}

// Status reports transport counters.
func (s *Server) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(s.transport.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, transport.ErrEmptyMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, transport.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	default:
		log.Error("Enqueue failed", "error", err)
		return status.Error(codes.Internal, err.Error())
	}
}

func enqueueHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FileChangesServer).Enqueue(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: enqueueMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FileChangesServer).Enqueue(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FileChangesServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FileChangesServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// FileChangesServiceDesc describes the FileChanges service.
var FileChangesServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FileChangesServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enqueue", Handler: enqueueHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "onefuzz/events/v1/file_changes.proto",
}

// lifecycle_rpc.go: gRPC control channel between the host and process plugins
//
// Two small services travel over per-context unix sockets:
//
//	supervisor.v1.Lifecycle   served by the plugin process, called by the host
//	supervisor.v1.Repository  served by the host, called by the plugin process
//
// Messages are the well-known protobuf wrapper types, so no generated code is
// needed; the service descriptors below are written by hand.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	lifecycleServiceName  = "supervisor.v1.Lifecycle"
	repositoryServiceName = "supervisor.v1.Repository"

	methodStart  = "/" + lifecycleServiceName + "/Start"
	methodRun    = "/" + lifecycleServiceName + "/Run"
	methodStop   = "/" + lifecycleServiceName + "/Stop"
	methodExists = "/" + repositoryServiceName + "/Exists"
	methodFetch  = "/" + repositoryServiceName + "/Fetch"
)

// unaryHandler adapts a typed call into a grpc.MethodHandler, the same way
// generated code does.
func unaryHandler[Req proto.Message](fullMethod string, newReq func() Req,
	call func(srv any, ctx context.Context, req Req) (proto.Message, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			resp, err := call(srv, ctx, req.(Req))
			if err != nil {
				return nil, toStatus(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

func newEmpty() *emptypb.Empty                { return new(emptypb.Empty) }
func newStringValue() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

var lifecycleServiceDesc = grpc.ServiceDesc{
	ServiceName: lifecycleServiceName,
	HandlerType: (*Role)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Start",
			Handler: unaryHandler(methodStart, newEmpty, func(srv any, ctx context.Context, _ *emptypb.Empty) (proto.Message, error) {
				started, err := srv.(Role).Start(ctx)
				if err != nil {
					return nil, err
				}
				return wrapperspb.Bool(started), nil
			}),
		},
		{
			MethodName: "Run",
			Handler: unaryHandler(methodRun, newEmpty, func(srv any, ctx context.Context, _ *emptypb.Empty) (proto.Message, error) {
				if err := srv.(Role).Run(ctx); err != nil {
					return nil, err
				}
				return &emptypb.Empty{}, nil
			}),
		},
		{
			MethodName: "Stop",
			Handler: unaryHandler(methodStop, newEmpty, func(srv any, ctx context.Context, _ *emptypb.Empty) (proto.Message, error) {
				if err := srv.(Role).Stop(ctx); err != nil {
					return nil, err
				}
				return &emptypb.Empty{}, nil
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "supervisor/v1/lifecycle.proto",
}

// artifactSource is what the repository service exposes to a plugin process.
type artifactSource interface {
	Exists(ctx context.Context, reference string) (bool, error)
	Fetch(ctx context.Context, reference string) ([]byte, error)
}

var repositoryServiceDesc = grpc.ServiceDesc{
	ServiceName: repositoryServiceName,
	HandlerType: (*artifactSource)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exists",
			Handler: unaryHandler(methodExists, newStringValue, func(srv any, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
				ok, err := srv.(artifactSource).Exists(ctx, in.GetValue())
				if err != nil {
					return nil, err
				}
				return wrapperspb.Bool(ok), nil
			}),
		},
		{
			MethodName: "Fetch",
			Handler: unaryHandler(methodFetch, newStringValue, func(srv any, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
				data, err := srv.(artifactSource).Fetch(ctx, in.GetValue())
				if err != nil {
					return nil, err
				}
				return wrapperspb.Bytes(data), nil
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "supervisor/v1/repository.proto",
}

// toStatus carries the full error text across the wire. Missing artifacts
// map to NotFound so callers can tell them apart from transport failures.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Unknown
	switch ErrorCodeOf(err) {
	case ErrCodeArtifactNotFound, ErrCodeDependencyMissing:
		code = codes.NotFound
	case ErrCodeContextDestroyed:
		code = codes.Canceled
	}
	return status.Error(code, describeError(err))
}

// recoveryInterceptor turns a panic inside a handler into an Internal status.
func recoveryInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in rpc handler", "method", info.FullMethod, "panic", r, "stack", string(captureStack()))
				err = status.Errorf(codes.Internal, "panic in %s: %v", info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

// newRPCServer builds a server with the recovery interceptor installed.
func newRPCServer(logger Logger) *grpc.Server {
	return grpc.NewServer(grpc.ChainUnaryInterceptor(recoveryInterceptor(logger)))
}

// dialUnix opens a client connection to a unix socket. The connection is
// lazy: nothing is dialed until the first call.
func dialUnix(path string) (*grpc.ClientConn, error) {
	return grpc.NewClient("unix://"+path, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// fromStatus rebuilds a local error from a failed call. When ctx carries a
// cancellation cause (context destroyed, process exited) that cause wins.
func fromStatus(ctx context.Context, method string, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	st := status.Convert(err)
	return NewRPCError(method, fmt.Errorf("%s: %s", st.Code(), st.Message()))
}

// lifecycleClient is the host-side Role of a plugin process.
type lifecycleClient struct {
	cc grpc.ClientConnInterface
}

func newLifecycleClient(cc grpc.ClientConnInterface) *lifecycleClient {
	return &lifecycleClient{cc: cc}
}

func (c *lifecycleClient) Start(ctx context.Context) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, methodStart, &emptypb.Empty{}, out, grpc.WaitForReady(true)); err != nil {
		return false, fromStatus(ctx, "Start", err)
	}
	return out.GetValue(), nil
}

func (c *lifecycleClient) Run(ctx context.Context) error {
	if err := c.cc.Invoke(ctx, methodRun, &emptypb.Empty{}, new(emptypb.Empty), grpc.WaitForReady(true)); err != nil {
		return fromStatus(ctx, "Run", err)
	}
	return nil
}

func (c *lifecycleClient) Stop(ctx context.Context) error {
	if err := c.cc.Invoke(ctx, methodStop, &emptypb.Empty{}, new(emptypb.Empty), grpc.WaitForReady(true)); err != nil {
		return fromStatus(ctx, "Stop", err)
	}
	return nil
}

// repositoryService serves a context's repository to its plugin process.
// References resolve exactly like Lua dependencies.
type repositoryService struct {
	resolver *DependencyResolver
	repo     Repository
}

func (r *repositoryService) Exists(ctx context.Context, reference string) (bool, error) {
	return r.repo.Exists(ctx, r.resolver.ArtifactName(reference))
}

func (r *repositoryService) Fetch(ctx context.Context, reference string) ([]byte, error) {
	return r.resolver.Resolve(ctx, reference)
}

// serveRepository starts the repository service on a unix socket.
func serveRepository(path string, source artifactSource, logger Logger) (*grpc.Server, error) {
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	srv := newRPCServer(logger)
	srv.RegisterService(&repositoryServiceDesc, source)
	SafeGo(logger, func() {
		if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			logger.Warn("Repository service stopped", "socket", path, "error", err)
		}
	})
	return srv, nil
}

// repositoryClient is the plugin-side view of the repository service.
type repositoryClient struct {
	cc grpc.ClientConnInterface
}

func (c *repositoryClient) Exists(ctx context.Context, reference string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, methodExists, wrapperspb.String(reference), out); err != nil {
		return false, fromStatus(ctx, "Exists", err)
	}
	return out.GetValue(), nil
}

func (c *repositoryClient) Fetch(ctx context.Context, reference string) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, methodFetch, wrapperspb.String(reference), out); err != nil {
		return nil, fromStatus(ctx, "Fetch", err)
	}
	return out.GetValue(), nil
}

var (
	_ Role           = (*lifecycleClient)(nil)
	_ artifactSource = (*repositoryService)(nil)
	_ artifactSource = (*repositoryClient)(nil)
)

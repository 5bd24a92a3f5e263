package grpc

import (
	"context"
	"errors"
	"io"

	grpcgo "google.golang.org/grpc"

	"github.com/codewandler/lift-go/core/api"
)

// ServiceName is the gRPC service the API is served under.
const ServiceName = "lift.API"

const (
	methodCreateStream  = "/" + ServiceName + "/CreateStream"
	methodFetchMetadata = "/" + ServiceName + "/FetchMetadata"
	methodPublish       = "/" + ServiceName + "/Publish"
	methodSubscribe     = "/" + ServiceName + "/Subscribe"
)

// ServiceDesc describes the broker API. Handlers expect an api.API.
var ServiceDesc = grpcgo.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*api.API)(nil),
	Methods: []grpcgo.MethodDesc{
		{MethodName: "CreateStream", Handler: unary(methodCreateStream, api.API.CreateStream)},
		{MethodName: "FetchMetadata", Handler: unary(methodFetchMetadata, api.API.FetchMetadata)},
		{MethodName: "Publish", Handler: unary(methodPublish, api.API.Publish)},
	},
	Streams: []grpcgo.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "lift/api",
}

func unary[Req, Resp any](
	method string,
	call func(api.API, context.Context, *Req) (*Resp, error),
) grpcgo.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpcgo.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(api.API), ctx, in)
		}
		info := &grpcgo.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(api.API), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpcgo.ServerStream) error {
	req := new(api.SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	feed, err := srv.(api.API).Subscribe(stream.Context(), req)
	if err != nil {
		return err
	}
	// confirms the subscription to the client
	if err := stream.SendMsg(&api.Message{}); err != nil {
		return err
	}
	for {
		m, err := feed.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := stream.SendMsg(m); err != nil {
			return err
		}
	}
}

// RegisterAPIServer registers impl on s. The server must have been created
// with the JSON codec, as NewServer does.
func RegisterAPIServer(s grpcgo.ServiceRegistrar, impl api.API) {
	s.RegisterService(&ServiceDesc, impl)
}

// NewServer returns a gRPC server serving impl.
func NewServer(impl api.API, opts ...grpcgo.ServerOption) *grpcgo.Server {
	s := grpcgo.NewServer(append([]grpcgo.ServerOption{serverCodec()}, opts...)...)
	RegisterAPIServer(s, impl)
	return s
}

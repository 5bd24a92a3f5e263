// Package grpc carries the broker API over gRPC.
//
// The service is described by hand (see [ServiceDesc]) and its records are
// encoded as JSON, so no generated stubs are involved. [Dialer] plugs into
// lift.ClientOptions.Dial; [NewServer] exposes any api.API, which is how
// tests and the integration suite serve the in-memory broker.
package grpc

import (
	"context"
	"fmt"
	"net"

	grpcgo "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/conn"
)

// Client implements api.Conn over a gRPC channel.
type Client struct {
	cc       *grpcgo.ClientConn
	callOpts []grpcgo.CallOption
}

// NewClient wraps an existing channel.
func NewClient(cc *grpcgo.ClientConn, opts ...grpcgo.CallOption) *Client {
	return &Client{
		cc:       cc,
		callOpts: append([]grpcgo.CallOption{callCodec()}, opts...),
	}
}

func (c *Client) CreateStream(ctx context.Context, req *api.CreateStreamRequest) (*api.CreateStreamResponse, error) {
	out := new(api.CreateStreamResponse)
	if err := c.cc.Invoke(ctx, methodCreateStream, req, out, c.callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FetchMetadata(ctx context.Context, req *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
	out := new(api.FetchMetadataResponse)
	if err := c.cc.Invoke(ctx, methodFetchMetadata, req, out, c.callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Publish(ctx context.Context, req *api.PublishRequest) (*api.PublishResponse, error) {
	out := new(api.PublishResponse)
	if err := c.cc.Invoke(ctx, methodPublish, req, out, c.callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe opens the server stream and waits for the broker to confirm the
// subscription, so errors such as an unknown partition are returned here
// rather than from the first Recv.
func (c *Client) Subscribe(ctx context.Context, req *api.SubscribeRequest) (api.MessageStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], methodSubscribe, c.callOpts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	// the broker sends an empty message once the subscription is in place
	if err := stream.RecvMsg(new(api.Message)); err != nil {
		return nil, err
	}
	return &messageStream{stream: stream}, nil
}

func (c *Client) Close() error { return c.cc.Close() }

type messageStream struct {
	stream grpcgo.ClientStream
}

func (s *messageStream) Recv() (*api.Message, error) {
	m := new(api.Message)
	if err := s.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// DialOptions configures Dialer.
type DialOptions struct {
	// Credentials secures the channel. Nil dials without TLS.
	Credentials credentials.TransportCredentials
	// ContextDialer replaces the network dialer, e.g. with a bufconn
	// listener in tests.
	ContextDialer func(ctx context.Context, addr string) (net.Conn, error)
	// Extra are appended to the dial options.
	Extra []grpcgo.DialOption
	// CallOptions are applied to every call on the channel.
	CallOptions []grpcgo.CallOption
}

// Dialer returns a dialer that opens a gRPC channel to addr and waits until
// it is ready. A channel that fails to come up is closed and reported as
// Unavailable so the connection manager retries it.
func Dialer(opts DialOptions) conn.Dialer[api.Conn] {
	creds := opts.Credentials
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	dialOpts := []grpcgo.DialOption{grpcgo.WithTransportCredentials(creds)}
	if opts.ContextDialer != nil {
		dialOpts = append(dialOpts, grpcgo.WithContextDialer(opts.ContextDialer))
	}
	dialOpts = append(dialOpts, opts.Extra...)

	return func(ctx context.Context, addr string) (api.Conn, error) {
		cc, err := grpcgo.NewClient("passthrough:///"+addr, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("grpc: new client %s: %w", addr, err)
		}
		if err := waitReady(ctx, cc); err != nil {
			_ = cc.Close()
			return nil, err
		}
		return NewClient(cc, opts.CallOptions...), nil
	}
}

func waitReady(ctx context.Context, cc *grpcgo.ClientConn) error {
	cc.Connect()
	for {
		state := cc.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return status.Errorf(codes.Unavailable, "channel to %s is %s", cc.Target(), state)
		}
		if !cc.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

var _ api.Conn = (*Client)(nil)

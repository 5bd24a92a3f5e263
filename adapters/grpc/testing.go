package grpc

import (
	"context"
	"net"
	"testing"

	grpcgo "google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/conn"
)

const bufSize = 1 << 20

// ServeInProcess serves impl on an in-memory listener for the duration of
// the test and returns a dialer for it. Every address reaches the same
// server.
func ServeInProcess(t testing.TB, impl api.API) conn.Dialer[api.Conn] {
	return ServeWithOptions(t, impl)
}

// ServeWithOptions is ServeInProcess with extra server options.
func ServeWithOptions(t testing.TB, impl api.API, opts ...grpcgo.ServerOption) conn.Dialer[api.Conn] {
	lis := bufconn.Listen(bufSize)
	srv := NewServer(impl, opts...)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return Dialer(DialOptions{
		ContextDialer: func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		},
	})
}

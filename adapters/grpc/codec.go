package grpc

import (
	grpcgo "google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/codewandler/lift-go/internal/codec"
)

// wireCodec carries the api records as JSON. Client and server force it on
// every call, so it does not need to be registered globally.
var wireCodec encoding.Codec = codec.JSONCodec{}

func callCodec() grpcgo.CallOption     { return grpcgo.ForceCodec(wireCodec) }
func serverCodec() grpcgo.ServerOption { return grpcgo.ForceServerCodec(wireCodec) }

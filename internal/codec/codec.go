// Package codec serializes broker records.
//
// [JSONCodec] is registered as the gRPC content subtype of the broker
// service and is also the payload encoding of message envelopes.
package codec

import "encoding/json"

// Codec marshals records for the envelope and the gRPC channel.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec encodes records as compact JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

var _ Codec = JSONCodec{}

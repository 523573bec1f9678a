// Package rpcapi exposes the session engine as a typed gRPC service.
//
// The service is registered with a hand-written grpc.ServiceDesc and a JSON
// codec rather than generated protobuf stubs, keeping the request/response
// contract in plain Go structs. Clients select the codec with
// grpc.CallContentSubtype(CodecName).
package rpcapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype for the JSON codec.
const CodecName = "json"

// Codec is a JSON encoding.Codec for the control API.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}

package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype the services speak. The request and
// response types are plain structs, not protobuf messages, so every client
// must select it: grpc.CallContentSubtype("json") in Go, or the content-type
// application/grpc+json on the wire. A call made with the default proto
// codec fails with codes.Internal before it reaches a handler. The health
// service is the exception and speaks proto as usual.
const codecName = "json"

// jsonCodec marshals the plain Go request and response structs of the
// stabilityledger.v1 services.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

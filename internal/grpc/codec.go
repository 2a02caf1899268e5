// =============================================================================
// JSON CODEC - WIRE FORMAT FOR THE QUEUE SERVICE
// =============================================================================
//
// The queue service exchanges plain Go structs encoded as JSON instead of
// protobuf messages. gRPC picks the codec from the content-subtype of each
// call:
//
//   content-type: application/grpc+json   →  jsonCodec
//   content-type: application/grpc        →  proto codec (health, reflection)
//
// Both live on the same server, so grpc.health.v1 and reflection keep working
// with stock tools while the queue service stays schema-free.
//
// Clients select the codec per call with grpc.CallContentSubtype(CodecName).
//
// =============================================================================

package grpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype of the queue service.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

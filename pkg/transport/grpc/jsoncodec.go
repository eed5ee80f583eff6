package grpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec carries management messages as JSON so the service needs no
// protobuf codegen.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                    { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

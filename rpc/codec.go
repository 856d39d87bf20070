package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// Codec is the content subtype every call of this package is sent with.
const Codec = "json"

// jsonCodec marshals messages as json, so they don't need to be
// protocol buffers.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return Codec
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

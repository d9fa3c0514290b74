package server

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype of the JSON encoding of the chatbot
// service, for clients without protobuf support.
const CodecName = "json"

// Codec marshals gRPC messages as JSON.
type Codec struct{}

func init() {
	encoding.RegisterCodec(Codec{})
	encoding.RegisterCodec(ProtoCodec{})
}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: %w", err)
	}
	return b, nil
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: %w", err)
	}
	return nil
}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }

// Package rpc serves the tablet server and GC monitor over gRPC and
// provides the matching client.
//
// Messages are the engine's own Go types encoded as JSON, so there is no
// generated code: the service descriptors are written by hand and the
// codec is registered under the "json" content subtype. Domain errors
// travel as gRPC status codes with their payload in the trailer, and the
// client turns them back into the tserver error types.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of every call.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

// Package grpcapi implements the gRPC adapter: QualityService,
// CleanupService, and AnalyticsService with unary, server-streaming, and
// client-streaming methods behind a bearer-token interceptor.
//
// No generated protobuf bindings are committed; the services are declared
// with hand-written grpc.ServiceDesc values over a JSON codec, and the wire
// contract ships as api/proto/hephaestus.proto for cross-language clients.
package grpcapi

import "encoding/json"

// CodecName identifies the JSON codec on the wire.
const CodecName = "json"

// JSONCodec marshals request and response messages as JSON.
type JSONCodec struct{}

// Marshal implements encoding.Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements encoding.Codec.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Name implements encoding.Codec.
func (JSONCodec) Name() string { return CodecName }

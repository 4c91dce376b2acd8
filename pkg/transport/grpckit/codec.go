package grpckit

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the content subtype frames travel under: application/grpc+pubsublite-json.
const Name = "pubsublite-json"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec carries polymorphic envelopes as JSON.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpckit: marshal %T: %w", v, err)
	}
	return data, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpckit: unmarshal %T: %w", v, err)
	}
	return nil
}

func (codec) Name() string {
	return Name
}

// Package codec encodes stored values as snappy-compressed JSON.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/golang/snappy"
)

func EncodeSnappy(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

func DecodeSnappy(value []byte, v any) error {
	data, err := snappy.Decode(nil, value)
	if err != nil {
		return fmt.Errorf("codec: decompress: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

func EncodeMessage(msg *api.SequencedMessage) ([]byte, error) {
	return EncodeSnappy(msg)
}

func DecodeMessage(value []byte) (*api.SequencedMessage, error) {
	msg := &api.SequencedMessage{}
	if err := DecodeSnappy(value, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func EncodeCursor(cursor api.Cursor) ([]byte, error) {
	return EncodeSnappy(cursor)
}

func DecodeCursor(value []byte) (api.Cursor, error) {
	var cursor api.Cursor
	err := DecodeSnappy(value, &cursor)
	return cursor, err
}

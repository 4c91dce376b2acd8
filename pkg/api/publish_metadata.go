package api

import (
	"fmt"
	"strconv"
	"strings"
)

// PublishMetadata locates a published message. Its encoded form is the ack id
// returned to publishers and the message id handed to subscribers.
type PublishMetadata struct {
	Partition int
	Cursor    Cursor
}

func (m PublishMetadata) Encode() string {
	return fmt.Sprintf("%d:%d", m.Partition, m.Cursor.Offset)
}

func DecodePublishMetadata(s string) (PublishMetadata, error) {
	partition, offset, ok := strings.Cut(s, ":")
	if !ok {
		return PublishMetadata{}, fmt.Errorf("invalid publish metadata %q", s)
	}
	p, err := strconv.Atoi(partition)
	if err != nil {
		return PublishMetadata{}, fmt.Errorf("invalid publish metadata partition %q: %w", s, err)
	}
	o, err := strconv.ParseInt(offset, 10, 64)
	if err != nil {
		return PublishMetadata{}, fmt.Errorf("invalid publish metadata offset %q: %w", s, err)
	}
	return PublishMetadata{Partition: p, Cursor: Cursor{Offset: o}}, nil
}

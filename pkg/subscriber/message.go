package subscriber

import (
	"fmt"
	"sync"
	"time"

	"github.com/fgrzl/pubsublite/pkg/api"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MessageCallback receives delivered messages. It may run concurrently with
// itself; callbacks start in delivery order but may finish in any order.
type MessageCallback func(msg *Message)

// Message is a delivered message. Exactly one of Ack or Nack takes effect.
type Message struct {
	Data        []byte
	Attributes  map[string]string
	OrderingKey string
	MessageID   string
	PublishTime time.Time

	once sync.Once
	ack  func()
	nack func()
}

func (m *Message) Ack() {
	m.once.Do(func() {
		if m.ack != nil {
			m.ack()
		}
	})
}

func (m *Message) Nack() {
	m.once.Do(func() {
		if m.nack != nil {
			m.nack()
		}
	})
}

// Transform converts a sequenced wire message into a Message. Attributes must
// carry exactly one value per key.
func Transform(msg *api.SequencedMessage, partition int) (*Message, error) {
	out := &Message{
		MessageID:   api.PublishMetadata{Partition: partition, Cursor: msg.Cursor}.Encode(),
		PublishTime: time.UnixMilli(msg.PublishTime).UTC(),
	}
	if msg.Message == nil {
		return out, nil
	}
	out.Data = msg.Message.Data
	out.OrderingKey = string(msg.Message.Key)
	if len(msg.Message.Attributes) > 0 {
		out.Attributes = make(map[string]string, len(msg.Message.Attributes))
		for k, values := range msg.Message.Attributes {
			if len(values) != 1 {
				return nil, status.Error(codes.InvalidArgument,
					fmt.Sprintf("attribute %q has %d values, expected exactly one", k, len(values)))
			}
			out.Attributes[k] = values[0]
		}
	}
	return out, nil
}

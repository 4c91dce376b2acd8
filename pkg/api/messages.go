package api

import (
	"github.com/fgrzl/json/polymorphic"
)

func init() {
	polymorphic.Register(func() *InitialSubscribeRequest { return &InitialSubscribeRequest{} })
	polymorphic.Register(func() *InitialSubscribeResponse { return &InitialSubscribeResponse{} })
	polymorphic.Register(func() *MessageResponse { return &MessageResponse{} })
	polymorphic.Register(func() *CommitCursorRequest { return &CommitCursorRequest{} })
	polymorphic.Register(func() *CommitCursorResponse { return &CommitCursorResponse{} })
	polymorphic.Register(func() *InitialPublishRequest { return &InitialPublishRequest{} })
	polymorphic.Register(func() *InitialPublishResponse { return &InitialPublishResponse{} })
	polymorphic.Register(func() *MessagePublishRequest { return &MessagePublishRequest{} })
	polymorphic.Register(func() *MessagePublishResponse { return &MessagePublishResponse{} })
}

// ─── Values ────────────────────────────────────────────────────────────────────

type Cursor struct {
	Offset int64 `json:"offset"`
}

type PubSubMessage struct {
	Key        []byte              `json:"key,omitempty"`
	Data       []byte              `json:"data,omitempty"`
	Attributes map[string][]string `json:"attributes,omitempty"`
	EventTime  int64               `json:"event_time,omitempty"`
}

type SequencedMessage struct {
	Cursor      Cursor         `json:"cursor"`
	PublishTime int64          `json:"publish_time"`
	SizeBytes   int64          `json:"size_bytes"`
	Message     *PubSubMessage `json:"message"`
}

// ─── Subscribe ─────────────────────────────────────────────────────────────────

type InitialSubscribeRequest struct {
	Subscription string `json:"subscription"`
	Partition    int    `json:"partition"`
	// Offset is the first offset to deliver, or OffsetCommitted.
	Offset int64 `json:"offset"`
}

func (m *InitialSubscribeRequest) GetDiscriminator() string {
	return "pubsublite://api/v1/initial_subscribe_request"
}

type InitialSubscribeResponse struct {
	Cursor Cursor `json:"cursor"`
}

func (m *InitialSubscribeResponse) GetDiscriminator() string {
	return "pubsublite://api/v1/initial_subscribe_response"
}

type MessageResponse struct {
	Messages []*SequencedMessage `json:"messages"`
}

func (m *MessageResponse) GetDiscriminator() string {
	return "pubsublite://api/v1/message_response"
}

type CommitCursorRequest struct {
	Cursor Cursor `json:"cursor"`
}

func (m *CommitCursorRequest) GetDiscriminator() string {
	return "pubsublite://api/v1/commit_cursor_request"
}

// CommitCursorResponse acknowledges stored commits, possibly several at once.
type CommitCursorResponse struct {
	AcknowledgedCommits int64 `json:"acknowledged_commits"`
}

func (m *CommitCursorResponse) GetDiscriminator() string {
	return "pubsublite://api/v1/commit_cursor_response"
}

// ─── Publish ───────────────────────────────────────────────────────────────────

type InitialPublishRequest struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	ClientID  string `json:"client_id,omitempty"`
}

func (m *InitialPublishRequest) GetDiscriminator() string {
	return "pubsublite://api/v1/initial_publish_request"
}

type InitialPublishResponse struct{}

func (m *InitialPublishResponse) GetDiscriminator() string {
	return "pubsublite://api/v1/initial_publish_response"
}

type MessagePublishRequest struct {
	Messages []*PubSubMessage `json:"messages"`
}

func (m *MessagePublishRequest) GetDiscriminator() string {
	return "pubsublite://api/v1/message_publish_request"
}

type MessagePublishResponse struct {
	StartCursor Cursor `json:"start_cursor"`
}

func (m *MessagePublishResponse) GetDiscriminator() string {
	return "pubsublite://api/v1/message_publish_response"
}

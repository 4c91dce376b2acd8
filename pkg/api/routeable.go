package api

import "github.com/fgrzl/json/polymorphic"

// Marker interface for frames that can travel over a BidiStream
type Routeable interface {
	polymorphic.Polymorphic
}

// Method names the logical RPC a stream is opened for.
type Method string

const (
	MethodSubscribe Method = "subscribe"
	MethodPublish   Method = "publish"
)

package subscriber

import "context"

// AsyncSingleSubscriber is a message source driven from a background loop.
//
// The ctx given to Enter bounds only the entry itself; resources of the
// session live until Exit. Read blocks for the next message and returns
// ctx.Err() when ctx is cancelled; any other error is permanent.
type AsyncSingleSubscriber interface {
	Enter(ctx context.Context) error
	Read(ctx context.Context) (*Message, error)
	Exit(ctx context.Context, err error) error
}

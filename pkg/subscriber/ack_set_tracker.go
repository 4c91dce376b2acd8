package subscriber

import (
	"fmt"
	"sync"

	"github.com/fgrzl/pubsublite/pkg/api"
)

// AckSetTracker turns out-of-order acks into a monotonically advancing commit
// cursor: the cursor moves past an offset only once it and every earlier
// received offset have been acked.
type AckSetTracker struct {
	mu       sync.Mutex
	receipts []int64
	acked    map[int64]struct{}
}

func NewAckSetTracker() *AckSetTracker {
	return &AckSetTracker{acked: make(map[int64]struct{})}
}

// Track records the receipt of offset. Offsets must be tracked in increasing order.
func (t *AckSetTracker) Track(offset int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.receipts); n > 0 && offset <= t.receipts[n-1] {
		return fmt.Errorf("offset %d tracked after %d", offset, t.receipts[n-1])
	}
	t.receipts = append(t.receipts, offset)
	return nil
}

// Ack marks offset as acked and reports the new commit cursor, if it moved.
func (t *AckSetTracker) Ack(offset int64) (api.Cursor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked[offset] = struct{}{}

	last, moved := int64(0), false
	for len(t.receipts) > 0 {
		head := t.receipts[0]
		if _, ok := t.acked[head]; !ok {
			break
		}
		delete(t.acked, head)
		t.receipts = t.receipts[1:]
		last, moved = head, true
	}
	if !moved {
		return api.Cursor{}, false
	}
	return api.Cursor{Offset: last + 1}, true
}

// Outstanding reports how many received offsets are not yet committable.
func (t *AckSetTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.receipts)
}

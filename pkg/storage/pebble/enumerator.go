package pebble

import (
	"context"
	"slices"

	"github.com/cockroachdb/pebble/v2"
	"github.com/fgrzl/enumerators"
)

type KeyValuePair struct {
	Key   []byte
	Value []byte
}

// NewPebbleEnumerator iterates the keys within opts' bounds. The iterator is
// opened on the first MoveNext and closed by Dispose or when exhausted. A
// failure is yielded once from Current, so enumerators.Map propagates it, and
// is then reported by Err.
func NewPebbleEnumerator(ctx context.Context, db *pebble.DB, opts *pebble.IterOptions) enumerators.Enumerator[KeyValuePair] {
	return &pebbleEnumerator{ctx: ctx, db: db, opts: opts}
}

type pebbleEnumerator struct {
	ctx     context.Context
	db      *pebble.DB
	opts    *pebble.IterOptions
	iter    *pebble.Iterator
	started bool
	done    bool
	current KeyValuePair
	err     error
}

func (e *pebbleEnumerator) MoveNext() bool {
	if e.done {
		return false
	}
	if err := e.ctx.Err(); err != nil {
		return e.fail(err)
	}

	var valid bool
	if !e.started {
		e.started = true
		iter, err := e.db.NewIterWithContext(e.ctx, e.opts)
		if err != nil {
			return e.fail(err)
		}
		e.iter = iter
		valid = iter.First()
	} else {
		valid = e.iter.Next()
	}

	if !valid {
		if err := e.iter.Error(); err != nil {
			return e.fail(err)
		}
		e.Dispose()
		return false
	}
	e.current = KeyValuePair{Key: slices.Clone(e.iter.Key()), Value: slices.Clone(e.iter.Value())}
	return true
}

func (e *pebbleEnumerator) fail(err error) bool {
	e.Dispose()
	e.current, e.err = KeyValuePair{}, err
	return true
}

func (e *pebbleEnumerator) Current() (KeyValuePair, error) {
	return e.current, e.err
}

func (e *pebbleEnumerator) Err() error {
	return e.err
}

func (e *pebbleEnumerator) Dispose() {
	e.done = true
	if e.iter != nil {
		_ = e.iter.Close()
		e.iter = nil
	}
}

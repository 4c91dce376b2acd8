package pebble

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/fgrzl/enumerators"
	"github.com/fgrzl/lexkey"
	"github.com/fgrzl/pubsublite/internal/codec"
	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/storage"
	"github.com/fgrzl/timestamp"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	CacheSize int           = 4096
	CacheTTL  time.Duration = time.Second * 97
)

type PebbleStoreOptions struct {
	Path string
}

// StoreFactory creates one pebble database per store name under Path.
type StoreFactory struct {
	options *PebbleStoreOptions
}

func NewStoreFactory(options *PebbleStoreOptions) (*StoreFactory, error) {
	if options == nil || options.Path == "" {
		return nil, errors.New("pebble store factory: path is required")
	}
	return &StoreFactory{options: options}, nil
}

func (f *StoreFactory) NewStore(ctx context.Context, name string) (storage.Store, error) {
	path := filepath.Join(f.options.Path, name)
	return NewPebbleStore(path, expirable.NewLRU[string, int64](CacheSize, nil, CacheTTL))
}

type PebbleStore struct {
	db        *pebble.DB
	cache     *expirable.LRU[string, int64]
	appendMu  sync.Mutex
	closeOnce sync.Once
}

var _ storage.Store = (*PebbleStore)(nil)

func NewPebbleStore(path string, cache *expirable.LRU[string, int64]) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Join(path, "log"), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, cache: cache}, nil
}

func (s *PebbleStore) Close() {
	s.closeOnce.Do(func() {
		s.cache.Purge()
		s.db.Close()
	})
}

func (s *PebbleStore) Append(ctx context.Context, topic string, partition int, msgs []*api.PubSubMessage) (api.Cursor, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	head, err := s.Head(ctx, topic, partition)
	if err != nil {
		return api.Cursor{}, err
	}
	if len(msgs) == 0 {
		return api.Cursor{Offset: head}, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	ts := timestamp.GetTimestamp()
	next := head
	for _, msg := range msgs {
		value, err := codec.EncodeMessage(&api.SequencedMessage{
			Cursor:      api.Cursor{Offset: next},
			PublishTime: ts,
			SizeBytes:   storage.SizeOf(msg),
			Message:     msg,
		})
		if err != nil {
			return api.Cursor{}, err
		}
		if err := batch.Set(dataKey(topic, partition, next), value, pebble.NoSync); err != nil {
			return api.Cursor{}, err
		}
		next++
	}

	headValue, err := codec.EncodeCursor(api.Cursor{Offset: next})
	if err != nil {
		return api.Cursor{}, err
	}
	if err := batch.Set(headKey(topic, partition), headValue, pebble.NoSync); err != nil {
		return api.Cursor{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return api.Cursor{}, fmt.Errorf("append %s/%d: %w", topic, partition, err)
	}

	s.cache.Add(headKey(topic, partition).ToHexString(), next)
	return api.Cursor{Offset: head}, nil
}

func (s *PebbleStore) Read(ctx context.Context, topic string, partition int, from int64) enumerators.Enumerator[*api.SequencedMessage] {
	if from < 0 {
		from = 0
	}
	return enumerators.Map(
		NewPebbleEnumerator(ctx, s.db, &pebble.IterOptions{
			LowerBound: dataKey(topic, partition, from),
			UpperBound: lexkey.EncodeLast(api.DATA, topic, int64(partition)),
		}),
		func(kv KeyValuePair) (*api.SequencedMessage, error) {
			return codec.DecodeMessage(kv.Value)
		})
}

func (s *PebbleStore) Head(ctx context.Context, topic string, partition int) (int64, error) {
	key := headKey(topic, partition)
	if cached, ok := s.cache.Get(key.ToHexString()); ok {
		return cached, nil
	}
	cursor, err := s.get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.cache.Add(key.ToHexString(), cursor.Offset)
	return cursor.Offset, nil
}

func (s *PebbleStore) CommitCursor(ctx context.Context, subscription string, partition int, cursor api.Cursor) error {
	value, err := codec.EncodeCursor(cursor)
	if err != nil {
		return err
	}
	return s.db.Set(cursorKey(subscription, partition), value, pebble.Sync)
}

func (s *PebbleStore) CommittedCursor(ctx context.Context, subscription string, partition int) (api.Cursor, error) {
	return s.get(cursorKey(subscription, partition))
}

func (s *PebbleStore) get(key lexkey.LexKey) (api.Cursor, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return api.Cursor{}, storage.ErrNotFound
	}
	if err != nil {
		return api.Cursor{}, err
	}
	defer closer.Close()
	return codec.DecodeCursor(value)
}

func dataKey(topic string, partition int, offset int64) lexkey.LexKey {
	return lexkey.Encode(api.DATA, topic, int64(partition), offset)
}

func headKey(topic string, partition int) lexkey.LexKey {
	return lexkey.Encode(api.HEAD, topic, int64(partition))
}

func cursorKey(subscription string, partition int) lexkey.LexKey {
	return lexkey.Encode(api.CURSOR, subscription, int64(partition))
}

package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/fgrzl/enumerators"
	"github.com/fgrzl/lexkey"
	"github.com/fgrzl/pubsublite/internal/codec"
	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/storage"
	"github.com/fgrzl/timestamp"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// BatchSize leaves room for the head row in a 100 action transaction.
	BatchSize         int           = 99
	CacheSize         int           = 4096
	CacheTTL          time.Duration = time.Second * 97
	ShutdownTimeout   time.Duration = time.Second * 59
	InitialRetryDelay time.Duration = time.Millisecond * 100
	MaxRetryAttempts  int           = 3
)

const (
	ErrTableCreation   = "failed to create table"
	ErrHeadRead        = "failed to read head"
	ErrBatchWrite      = "batch write failed"
	ErrCursorWrite     = "failed to write cursor"
	ErrCursorRead      = "failed to read cursor"
	ErrUnmarshalEntity = "failed to unmarshal entity"
	ErrDecodeMessage   = "failed to decode message"
)

type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Value        []byte `json:"Value,omitempty"`
}

// AzureStore keeps every partition of a topic in its own table partition:
// one row per message plus a head row, written in the same entity group
// transaction so the head never runs ahead of the log.
type AzureStore struct {
	client    *aztables.Client
	cache     *expirable.LRU[string, int64]
	appendMu  sync.Mutex
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ storage.Store = (*AzureStore)(nil)

func NewAzureStore(ctx context.Context, client *aztables.Client, cache *expirable.LRU[string, int64]) (*AzureStore, error) {
	store := &AzureStore{client: client, cache: cache}
	if err := store.createTableIfNotExists(ctx); err != nil {
		return nil, fmt.Errorf("create table if not exists failed: %w", err)
	}
	return store, nil
}

func (s *AzureStore) Close() {
	s.closeOnce.Do(func() {
		if !s.waitForTasks(ShutdownTimeout) {
			slog.Warn("azure store: timeout waiting for appends to complete")
		}
		s.cache.Purge()
	})
}

func (s *AzureStore) Append(ctx context.Context, topic string, partition int, msgs []*api.PubSubMessage) (api.Cursor, error) {
	s.wg.Add(1)
	defer s.wg.Done()
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	head, err := s.Head(ctx, topic, partition)
	if err != nil {
		return api.Cursor{}, err
	}
	first := head

	ts := timestamp.GetTimestamp()
	for start := 0; start < len(msgs); start += BatchSize {
		chunk := msgs[start:min(start+BatchSize, len(msgs))]
		next, err := s.appendChunkWithRetry(ctx, topic, partition, head, ts, chunk)
		if err != nil {
			return api.Cursor{}, err
		}
		head = next
	}
	return api.Cursor{Offset: first}, nil
}

func (s *AzureStore) appendChunkWithRetry(ctx context.Context, topic string, partition int, head, ts int64, chunk []*api.PubSubMessage) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < MaxRetryAttempts; attempt++ {
		next, err := s.appendChunk(ctx, topic, partition, head, ts, chunk)
		if err == nil {
			return next, nil
		}
		if !isRetryableError(err) {
			return 0, err
		}
		lastErr = err
		time.Sleep(InitialRetryDelay * time.Duration(attempt+1))
	}
	return 0, fmt.Errorf("failed after %d attempts: %w", MaxRetryAttempts, lastErr)
}

func (s *AzureStore) appendChunk(ctx context.Context, topic string, partition int, head, ts int64, chunk []*api.PubSubMessage) (int64, error) {
	pk := partitionKey(topic, partition)
	actions := make([]aztables.TransactionAction, 0, len(chunk)+1)

	next := head
	for _, msg := range chunk {
		value, err := codec.EncodeMessage(&api.SequencedMessage{
			Cursor:      api.Cursor{Offset: next},
			PublishTime: ts,
			SizeBytes:   storage.SizeOf(msg),
			Message:     msg,
		})
		if err != nil {
			return 0, err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeInsertReplace,
			Entity:     mustMarshal(entity{PartitionKey: pk, RowKey: dataRowKey(next), Value: value}),
		})
		next++
	}

	headValue, err := codec.EncodeCursor(api.Cursor{Offset: next})
	if err != nil {
		return 0, err
	}
	actions = append(actions, aztables.TransactionAction{
		ActionType: aztables.TransactionTypeInsertReplace,
		Entity:     mustMarshal(entity{PartitionKey: pk, RowKey: headRowKey(), Value: headValue}),
	})

	if _, err := s.client.SubmitTransaction(ctx, actions, nil); err != nil {
		return 0, fmt.Errorf("%s: %w", ErrBatchWrite, err)
	}
	s.cache.Add(pk, next)
	return next, nil
}

func (s *AzureStore) Read(ctx context.Context, topic string, partition int, from int64) enumerators.Enumerator[*api.SequencedMessage] {
	if from < 0 {
		from = 0
	}
	query := fmt.Sprintf("PartitionKey eq '%s' and RowKey ge '%s' and RowKey le '%s'",
		partitionKey(topic, partition),
		dataRowKey(from),
		lexkey.EncodeLast(api.DATA).ToHexString())

	entities := NewAzureTableEnumerator(ctx, s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{
		Filter: &query,
		Format: ptr(aztables.MetadataFormatNone),
	}))
	return enumerators.Map(entities, func(e *entity) (*api.SequencedMessage, error) {
		msg, err := codec.DecodeMessage(e.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ErrDecodeMessage, err)
		}
		return msg, nil
	})
}

func (s *AzureStore) Head(ctx context.Context, topic string, partition int) (int64, error) {
	pk := partitionKey(topic, partition)
	if cached, ok := s.cache.Get(pk); ok {
		return cached, nil
	}

	cursor, err := s.getCursor(ctx, pk, headRowKey())
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", ErrHeadRead, err)
	}
	s.cache.Add(pk, cursor.Offset)
	return cursor.Offset, nil
}

func (s *AzureStore) CommitCursor(ctx context.Context, subscription string, partition int, cursor api.Cursor) error {
	value, err := codec.EncodeCursor(cursor)
	if err != nil {
		return err
	}
	pk, rk := cursorKeys(subscription, partition)
	if _, err := s.client.UpsertEntity(ctx, mustMarshal(entity{PartitionKey: pk, RowKey: rk, Value: value}),
		&aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return fmt.Errorf("%s: %w", ErrCursorWrite, err)
	}
	return nil
}

func (s *AzureStore) CommittedCursor(ctx context.Context, subscription string, partition int) (api.Cursor, error) {
	pk, rk := cursorKeys(subscription, partition)
	cursor, err := s.getCursor(ctx, pk, rk)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return api.Cursor{}, fmt.Errorf("%s: %w", ErrCursorRead, err)
	}
	return cursor, err
}

func (s *AzureStore) getCursor(ctx context.Context, pk, rk string) (api.Cursor, error) {
	resp, err := s.client.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		if isNotFoundError(err) {
			return api.Cursor{}, storage.ErrNotFound
		}
		return api.Cursor{}, err
	}
	var e entity
	if err := json.Unmarshal(resp.Value, &e); err != nil {
		return api.Cursor{}, fmt.Errorf("%s: %w", ErrUnmarshalEntity, err)
	}
	return codec.DecodeCursor(e.Value)
}

func (s *AzureStore) waitForTasks(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *AzureStore) createTableIfNotExists(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &aztables.CreateTableOptions{})
	if err == nil {
		return nil
	}

	var responseErr *azcore.ResponseError
	if errors.As(err, &responseErr) && responseErr.ErrorCode == string(aztables.TableAlreadyExists) {
		return nil
	}
	return fmt.Errorf("%s: %w", ErrTableCreation, err)
}

func partitionKey(topic string, partition int) string {
	return lexkey.Encode(api.DATA, topic, int64(partition)).ToHexString()
}

func dataRowKey(offset int64) string {
	return lexkey.Encode(api.DATA, offset).ToHexString()
}

func headRowKey() string {
	return lexkey.Encode(api.HEAD).ToHexString()
}

func cursorKeys(subscription string, partition int) (string, string) {
	return lexkey.Encode(api.CURSOR, subscription).ToHexString(), lexkey.Encode(int64(partition)).ToHexString()
}

func isNotFoundError(err error) bool {
	var responseErr *azcore.ResponseError
	return errors.As(err, &responseErr) && responseErr.StatusCode == http.StatusNotFound
}

func isRetryableError(err error) bool {
	var responseErr *azcore.ResponseError
	if !errors.As(err, &responseErr) {
		return false
	}
	switch responseErr.StatusCode {
	case http.StatusConflict, http.StatusPreconditionFailed, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return data
}

func ptr[T any](v T) *T {
	return &v
}

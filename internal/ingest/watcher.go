package ingest

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-indexer/internal/model"
)

// WatchClient is the subset of *redis.Client the watcher uses.
type WatchClient interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisWatcher asks the log source to start delivering a contract's
// events. Watched contracts are kept in a set; each newly added contract is
// announced once on the watch stream.
type RedisWatcher struct {
	rdb    WatchClient
	stream string
	set    string
}

// NewRedisWatcher creates a watcher announcing on stream. The watched set
// is stored under stream + ":contracts".
func NewRedisWatcher(rdb WatchClient, stream string) *RedisWatcher {
	return &RedisWatcher{rdb: rdb, stream: stream, set: stream + ":contracts"}
}

// Watch registers contract. Registering a contract twice is a no-op.
func (w *RedisWatcher) Watch(ctx context.Context, contract common.Address) error {
	id := model.AddressID(contract)
	added, err := w.rdb.SAdd(ctx, w.set, id).Result()
	if err != nil {
		return fmt.Errorf("watch %s: %w", id, err)
	}
	if added == 0 {
		return nil
	}
	err = w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: w.stream,
		Values: map[string]interface{}{"contract": id},
	}).Err()
	if err != nil {
		// Unmark so a retry announces again.
		w.rdb.SRem(ctx, w.set, id)
		return fmt.Errorf("announce %s: %w", id, err)
	}
	return nil
}

// Package exposure counts how often each item has been served. The selector
// reads the counts to break information ties in favour of less-seen items.
package exposure

import (
	"context"
	"strconv"
	"time"

	"icfesprep/internal/config"
	"icfesprep/internal/observability"
	"icfesprep/internal/store"
	contextutils "icfesprep/internal/utils"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// BackendDatabase keeps counts in items.exposure_count
	BackendDatabase = "database"
	// BackendRedis keeps counts in a Redis hash
	BackendRedis = "redis"
)

// Tracker records and reads item exposure counts
type Tracker interface {
	// Counts returns the count of every id; ids never served map to 0
	Counts(ctx context.Context, itemIDs []int) (map[int]int, error)
	// Record adds one exposure for itemID
	Record(ctx context.Context, itemID int) error
}

// DatabaseTracker stores counts on the item rows
type DatabaseTracker struct {
	store store.Store
}

// NewDatabaseTracker creates a tracker backed by the item table
func NewDatabaseTracker(st store.Store) *DatabaseTracker {
	return &DatabaseTracker{store: st}
}

func (t *DatabaseTracker) Counts(ctx context.Context, itemIDs []int) (result map[int]int, err error) {
	ctx, span := observability.TraceExposureFunction(ctx, "database_counts", attribute.Int("item.count", len(itemIDs)))
	defer observability.FinishSpan(span, &err)

	counts, err := t.store.ExposureCounts(ctx, itemIDs)
	if err != nil {
		return nil, err
	}
	return fillMissing(counts, itemIDs), nil
}

func (t *DatabaseTracker) Record(ctx context.Context, itemID int) (err error) {
	ctx, span := observability.TraceExposureFunction(ctx, "database_record", observability.AttributeItemID(itemID))
	defer observability.FinishSpan(span, &err)

	return t.store.IncrementExposure(ctx, itemID)
}

// RedisTracker stores counts as fields of one hash, keyed "<prefix>:exposure"
type RedisTracker struct {
	client *redis.Client
	key    string
}

// NewRedisTracker wraps an existing client
func NewRedisTracker(client *redis.Client, keyPrefix string) *RedisTracker {
	if keyPrefix == "" {
		keyPrefix = "icfes"
	}
	return &RedisTracker{client: client, key: keyPrefix + ":exposure"}
}

// NewRedisClient dials Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, contextutils.WrapError(contextutils.ErrMissingRequired, "redis.addr is not set")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "redis ping %s: %v", cfg.Addr, err)
	}
	return client, nil
}

func (t *RedisTracker) Counts(ctx context.Context, itemIDs []int) (result map[int]int, err error) {
	ctx, span := observability.TraceExposureFunction(ctx, "redis_counts", attribute.Int("item.count", len(itemIDs)))
	defer observability.FinishSpan(span, &err)

	result = make(map[int]int, len(itemIDs))
	if len(itemIDs) == 0 {
		return result, nil
	}

	fields := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		fields[i] = strconv.Itoa(id)
	}

	values, err := t.client.HMGet(ctx, t.key, fields...).Result()
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "redis HMGET %s: %v", t.key, err)
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			result[itemIDs[i]] = 0
			continue
		}
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "exposure count for item %d is not an integer: %q", itemIDs[i], s)
		}
		result[itemIDs[i]] = n
	}
	return result, nil
}

func (t *RedisTracker) Record(ctx context.Context, itemID int) (err error) {
	ctx, span := observability.TraceExposureFunction(ctx, "redis_record", observability.AttributeItemID(itemID))
	defer observability.FinishSpan(span, &err)

	if err := t.client.HIncrBy(ctx, t.key, strconv.Itoa(itemID), 1).Err(); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "redis HINCRBY %s: %v", t.key, err)
	}
	return nil
}

// Close releases the Redis connection pool
func (t *RedisTracker) Close() error {
	return t.client.Close()
}

// NewTracker builds the tracker selected by cfg.Exposure.Backend
func NewTracker(ctx context.Context, cfg *config.Config, st store.Store) (Tracker, error) {
	switch cfg.Exposure.Backend {
	case "", BackendDatabase:
		return NewDatabaseTracker(st), nil
	case BackendRedis:
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisTracker(client, cfg.Redis.KeyPrefix), nil
	default:
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown exposure backend %q", cfg.Exposure.Backend)
	}
}

func fillMissing(counts map[int]int, itemIDs []int) map[int]int {
	if counts == nil {
		counts = make(map[int]int, len(itemIDs))
	}
	for _, id := range itemIDs {
		if _, ok := counts[id]; !ok {
			counts[id] = 0
		}
	}
	return counts
}

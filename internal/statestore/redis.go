package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/observer/relaycore/internal/domain"
)

// RedisStore is the production Store backend. One *redis.Client is shared
// across every caller; go-redis pools connections internally so this is
// safe under concurrent use from many gateway connections.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore dials Redis and verifies connectivity with a Ping, mirroring
// the pub/sub package's own connection setup.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		logger: slog.Default().With("component", "statestore"),
	}, nil
}

// opTimeout bounds every store operation: a hung backend surfaces
// domain.ErrStoreUnavailable within two seconds instead of pinning the
// calling goroutine to the connection's lifetime.
const opTimeout = 2 * time.Second

// opCtx derives the per-operation deadline from the caller's context.
func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// storeErr tags a transport failure (including a deadline exceedance) so
// callers can errors.Is it against domain.ErrStoreUnavailable: ephemeral
// reads degrade to empty, writes surface the failure.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

func (s *RedisStore) SetAdd(ctx context.Context, key string, member uint64) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return storeErr(s.client.SAdd(ctx, key, member).Err())
}

func (s *RedisStore) SetRemove(ctx context.Context, key string, member uint64) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return storeErr(s.client.SRem(ctx, key, member).Err())
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]uint64, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	raw, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	members := make([]uint64, 0, len(raw))
	for _, v := range raw {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.logger.Warn("skipping malformed set member", "key", key, "value", v)
			continue
		}
		members = append(members, id)
	}
	return members, nil
}

func (s *RedisStore) SetIsMember(ctx context.Context, key string, member uint64) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	return ok, storeErr(err)
}

// HashSet upserts one field and refreshes the hash's TTL in a single
// pipelined round-trip, so a presence/typing/cursor write and its expiry
// can never be observed apart.
func (s *RedisStore) HashSet(ctx context.Context, key string, field uint64, value string, ttl time.Duration) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, strconv.FormatUint(field, 10), value)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return storeErr(err)
}

func (s *RedisStore) HashDelete(ctx context.Context, key string, field uint64) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return storeErr(s.client.HDel(ctx, key, strconv.FormatUint(field, 10)).Err())
}

func (s *RedisStore) HashGet(ctx context.Context, key string, field uint64) (string, bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	val, err := s.client.HGet(ctx, key, strconv.FormatUint(field, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr(err)
	}
	return val, true, nil
}

func (s *RedisStore) HashExists(ctx context.Context, key string, field uint64) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	ok, err := s.client.HExists(ctx, key, strconv.FormatUint(field, 10)).Result()
	return ok, storeErr(err)
}

func (s *RedisStore) HashAll(ctx context.Context, key string) (map[uint64]string, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	out := make(map[uint64]string, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			s.logger.Warn("skipping malformed hash field", "key", key, "field", k)
			continue
		}
		out[id] = v
	}
	return out, nil
}

func (s *RedisStore) KVSet(ctx context.Context, key string, value string, ttl time.Duration) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return storeErr(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) KVGet(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr(err)
	}
	return val, true, nil
}

// Delete removes every given key in a single round-trip.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return storeErr(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

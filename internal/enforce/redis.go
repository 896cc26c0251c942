package enforce

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSyncer adds approved addresses to a Redis set and announces each one on
// a channel of the same name. Edge proxies or other gate replicas can consult
// the set (SISMEMBER) or subscribe for changes.
type RedisSyncer struct {
	client *redis.Client
	key    string
	lister Lister
}

var _ Resyncer = (*RedisSyncer)(nil)

// NewRedisSyncer parses redisURL. It does not dial; connection errors surface on
// the first Sync so a Redis outage never blocks startup.
func NewRedisSyncer(redisURL, key string, lister Lister) (*RedisSyncer, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return NewRedisSyncerWithClient(redis.NewClient(opt), key, lister)
}

// NewRedisSyncerWithClient uses an existing client.
func NewRedisSyncerWithClient(client *redis.Client, key string, lister Lister) (*RedisSyncer, error) {
	if key == "" {
		return nil, errors.New("redis: empty key")
	}
	return &RedisSyncer{client: client, key: key, lister: lister}, nil
}

func (r *RedisSyncer) Name() string { return "redis" }

// Key returns the set and channel name.
func (r *RedisSyncer) Key() string { return r.key }

func (r *RedisSyncer) Sync(ctx context.Context, address string) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.key, address)
		pipe.Publish(ctx, r.key, address)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: publish %s: %w", address, err)
	}
	return nil
}

// Resync adds every approved address to the set. Nothing is published.
func (r *RedisSyncer) Resync(ctx context.Context) error {
	if r.lister == nil {
		return nil
	}
	rows, err := r.lister.List(ctx)
	if err != nil {
		return fmt.Errorf("redis: list approved addresses: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		members = append(members, row.Address)
	}
	if err := r.client.SAdd(ctx, r.key, members...).Err(); err != nil {
		return fmt.Errorf("redis: resync: %w", err)
	}
	return nil
}

func (r *RedisSyncer) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisSyncer) Close() error {
	return r.client.Close()
}

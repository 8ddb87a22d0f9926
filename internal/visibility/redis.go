package visibility

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"picnode/internal/apierr"
)

// Redis keeps the public-path set in a Redis set, for nodes that share
// visibility state with an external service.
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(ctx context.Context, url, key string) (*Redis, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	if key == "" {
		key = "picnode:public_paths"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client, key: key}, nil
}

func (r *Redis) List(ctx context.Context) ([]string, error) {
	out, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, apierr.ErrStorageUnavailable.Wrap(err)
	}
	return out, nil
}

func (r *Redis) SetPublic(ctx context.Context, path string, enabled bool) error {
	if err := CheckPath(path); err != nil {
		return err
	}
	var err error
	if enabled {
		err = r.client.SAdd(ctx, r.key, path).Err()
	} else {
		err = r.client.SRem(ctx, r.key, path).Err()
	}
	if err != nil {
		return apierr.ErrStorageUnavailable.Wrap(err)
	}
	return nil
}

func (r *Redis) Close(_ context.Context) error { return r.client.Close() }

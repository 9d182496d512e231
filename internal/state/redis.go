package state

import (
	"context"
	"time"
)

// KV is the slice of redisstore.Client the redis store needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// RedisStore keeps blobs under Prefix+name with no expiry.
type RedisStore struct {
	KV     KV
	Prefix string
}

func NewRedisStore(kv KV, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "perfcore:state:"
	}
	return &RedisStore{KV: kv, Prefix: prefix}
}

func (r *RedisStore) Load(ctx context.Context, name string) ([]byte, error) {
	b, ok, err := r.KV.Get(ctx, r.Prefix+name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (r *RedisStore) Save(ctx context.Context, name string, blob []byte) error {
	return r.KV.Set(ctx, r.Prefix+name, blob, 0)
}

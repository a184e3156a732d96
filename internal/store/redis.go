package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// A save drops the cached copy before writing the primary and refreshes it
// afterwards; reads check Redis first then fall back to the primary. Redis
// failures never fail a call: the primary stays the source of truth.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) Save(ctx context.Context, name string, doc []byte) error {
	key := docKey(name)
	// Invalidate first: a failed refresh below must not leave the previous
	// document readable.
	s.rdb.Del(ctx, key)
	if err := s.primary.Save(ctx, name, doc); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, key, doc, s.ttl).Err(); err != nil {
		s.rdb.Del(ctx, key)
	}
	return nil
}

func (s *CachedStore) Load(ctx context.Context, name string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, docKey(name)).Bytes()
	if err == nil {
		return data, nil
	}

	// Cache miss: read from primary.
	data, err = s.primary.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, docKey(name), data, s.ttl)
	return data, nil
}

func docKey(name string) string { return fmt.Sprintf("simengine:doc:%s", name) }

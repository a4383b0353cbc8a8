package rescache

import (
	"context"
	"encoding/json"
	"time"
)

// Typed is a view of a Cache that encodes and decodes values of type T.
//
// Several Typed views may share one Cache as long as their key spaces do not
// overlap; an entry that does not decode as T is reported as a miss.
type Typed[T any] struct {
	cache *Cache
}

// NewTyped returns a typed view over cache.
func NewTyped[T any](cache *Cache) *Typed[T] {
	return &Typed[T]{cache: cache}
}

// Cache returns the underlying cache.
func (t *Typed[T]) Cache() *Cache {
	return t.cache
}

// Get returns the live value for key.
func (t *Typed[T]) Get(key string) (T, bool) {
	var zero T
	entry, ok := t.cache.Get(key)
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return zero, false
	}
	return v, true
}

// Set stores v and returns its ETag.
func (t *Typed[T]) Set(key string, v T, ttl time.Duration) (string, error) {
	entry, err := t.cache.Set(key, v, ttl)
	if err != nil {
		return "", err
	}
	return entry.ETag, nil
}

// GetOrCreate returns the cached value for key or produces and caches it.
func (t *Typed[T]) GetOrCreate(ctx context.Context, key string, ttl time.Duration, produce func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	entry, err := t.cache.GetOrCreate(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return produce(ctx)
	})
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return zero, &SerializationError{Key: key, Err: err}
	}
	return v, nil
}

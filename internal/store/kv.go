// Package store provides the backing key-value stores and the versioned
// section repository the API server keeps on top of them.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested key or entry does not exist.
var ErrNotFound = errors.New("not found")

// KV is the minimal backing store: string get/set, list append and range,
// and an atomic counter. No transactions and no server-side merge logic.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
	Append(ctx context.Context, key, value string) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
	Trim(ctx context.Context, key string, start, stop int64) error
	Incr(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// listBounds converts Redis-style inclusive, possibly negative, indexes into
// a half-open slice range over n items. ok is false for an empty range.
func listBounds(n int, start, stop int64) (int, int, bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop) + 1, true
}

// Package syncutil holds the per-key locking used to serialize work on one
// randomness request while letting different requests proceed.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 64

// ContextShardedMutex is a fixed pool of channel-backed locks selected by key
// hash. Memory stays bounded however many keys are seen; keys sharing a shard
// also share the lock. Waiters give up when their context ends.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

// init makes the zero value usable.
func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the lock for key. The returned unlock function must be
// called exactly once. If ctx ends first, it returns ctx.Err().
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIndex(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

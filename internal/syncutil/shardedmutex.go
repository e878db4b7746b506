// Package syncutil provides keyed locking for per-user and per-transaction
// serialisation.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedMutex is a fixed pool of mutexes selected by hashing a string key.
// Memory stays bounded however many keys are seen; two keys that share a
// shard serialise against each other. The zero value is ready to use.
//
// Each shard is a one-slot channel so waiters can give up on ctx.
type KeyedMutex struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
		}
	})
}

// Lock blocks until the mutex for key is held and returns its unlock func.
func (m *KeyedMutex) Lock(key string) func() {
	m.init()
	ch := m.shards[shardIndex(key)]
	ch <- struct{}{}
	return func() { <-ch }
}

// LockContext is Lock that gives up when ctx is done.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardIndex(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	m.init()
	ch := m.shards[shardIndex(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// File: internal/qdtable/table.go
// Package qdtable
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe descriptor table for high concurrency.

package qdtable

import (
	"sync"

	"github.com/momentics/hioload-ioq/api"
)

// Table maps live descriptors to their queue objects.
type Table struct {
	shards []*shard
	mask   uint32
}

type shard struct {
	mu     sync.RWMutex
	queues map[api.QD]api.Queue
}

// New constructs a table with shardCount shards, rounded up to a power
// of two.
func New(shardCount int) *Table {
	if shardCount <= 0 {
		shardCount = 16
	}
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*shard, m)
	for i := range shards {
		shards[i] = &shard{queues: make(map[api.QD]api.Queue)}
	}
	return &Table{shards: shards, mask: m - 1}
}

func (t *Table) shard(qd api.QD) *shard {
	return t.shards[uint32(qd)&t.mask]
}

// Insert adds q under qd. A live entry for qd is never replaced.
func (t *Table) Insert(qd api.QD, q api.Queue) error {
	sh := t.shard(qd)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.queues[qd]; ok {
		return api.ErrAlreadyExists.WithContext("qd", qd)
	}
	sh.queues[qd] = q
	return nil
}

// Get fetches the queue for qd if present.
func (t *Table) Get(qd api.QD) (api.Queue, bool) {
	sh := t.shard(qd)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	q, ok := sh.queues[qd]
	return q, ok
}

// Delete removes qd and returns the queue it held.
func (t *Table) Delete(qd api.QD) (api.Queue, bool) {
	sh := t.shard(qd)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	q, ok := sh.queues[qd]
	if ok {
		delete(sh.queues, qd)
	}
	return q, ok
}

// Len returns the number of live descriptors.
func (t *Table) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.queues)
		sh.mu.RUnlock()
	}
	return n
}

// Range applies fn to every entry until fn returns false.
func (t *Table) Range(fn func(api.QD, api.Queue) bool) {
	for _, sh := range t.shards {
		sh.mu.RLock()
		for qd, q := range sh.queues {
			if !fn(qd, q) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}

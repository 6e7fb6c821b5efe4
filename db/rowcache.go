// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/karstdb/karst/dht"
)

// PartitionPresenceChecker answers whether a partition may exist in the
// sstables it was built over. It is allowed to say "may exist" for
// absent partitions (bloom filters), never the reverse.
type PartitionPresenceChecker func(key dht.DecoratedKey) bool

// RowCache caches whole partitions by decorated key, fed from sstables
// and kept in lockstep with flushes. Every cached partition reflects
// the union of all mutations up to the cache's high-water replay
// position and nothing newer.
type RowCache struct {
	mu               sync.RWMutex
	entries          *btree.BTree
	maxPartitionSize int64

	// highWaterRP advances on Update; it trails the highest RP sealed
	// into the flushed memtables.
	highWaterRP ReplayPosition

	hits, misses int64
}

type cacheEntry struct {
	key dht.DecoratedKey
	mut *Mutation
}

func (e *cacheEntry) Less(than btree.Item) bool {
	return e.key.Less(than.(*cacheEntry).key)
}

// NewRowCache builds a cache bounding each entry to maxPartitionSize
// bytes.
func NewRowCache(maxPartitionSize int64) *RowCache {
	return &RowCache{
		entries:          btree.New(8),
		maxPartitionSize: maxPartitionSize,
	}
}

// Get returns a copy of the cached partition, or nil.
func (c *RowCache) Get(key dht.DecoratedKey) *Mutation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if item := c.entries.Get(&cacheEntry{key: key}); item != nil {
		atomic.AddInt64(&c.hits, 1)
		return item.(*cacheEntry).mut.Clone()
	}
	atomic.AddInt64(&c.misses, 1)
	return nil
}

// Populate stores a partition read from sstables. Oversized partitions
// are not cached.
func (c *RowCache) Populate(key dht.DecoratedKey, mut *Mutation) {
	if mut == nil || mut.Size() > c.maxPartitionSize {
		return
	}
	c.mu.Lock()
	c.entries.ReplaceOrInsert(&cacheEntry{key: key, mut: mut.Clone()})
	c.mu.Unlock()
}

// Update folds a flushed memtable into the cache. Partitions already
// cached are merged in place. A partition missing from the cache is
// inserted only when the checker rules it out of every other sstable;
// if it may exist elsewhere the memtable alone is not the full
// partition, so the entry is left for a read to populate.
func (c *RowCache) Update(schema *Schema, mem *Memtable, checker PartitionPresenceChecker) {
	rp := mem.HighestRP()
	mem.forEachPartition(func(key dht.DecoratedKey, mut *Mutation) bool {
		c.mu.Lock()
		if item := c.entries.Get(&cacheEntry{key: key}); item != nil {
			entry := item.(*cacheEntry)
			entry.mut.Apply(schema, mut)
			if entry.mut.Size() > c.maxPartitionSize {
				c.entries.Delete(entry)
			}
		} else if !checker(key) && mut.Size() <= c.maxPartitionSize {
			c.entries.ReplaceOrInsert(&cacheEntry{key: key, mut: mut.Clone()})
		}
		c.mu.Unlock()
		return true
	})
	c.mu.Lock()
	if c.highWaterRP.Less(rp) {
		c.highWaterRP = rp
	}
	c.mu.Unlock()
}

// Invalidate drops every cached partition whose token is inside rng.
func (c *RowCache) Invalidate(rng dht.Range) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doomed := make([]*cacheEntry, 0)
	c.entries.Ascend(func(item btree.Item) bool {
		e := item.(*cacheEntry)
		if rng.Contains(e.key.Token) {
			doomed = append(doomed, e)
		}
		return true
	})
	for _, e := range doomed {
		c.entries.Delete(e)
	}
}

// InvalidateKey drops one partition.
func (c *RowCache) InvalidateKey(key dht.DecoratedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Delete(&cacheEntry{key: key})
}

// Clear empties the cache.
func (c *RowCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = btree.New(8)
}

// Len is the number of cached partitions.
func (c *RowCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

// HighWaterRP is the replay position the cache is coherent up to.
func (c *RowCache) HighWaterRP() ReplayPosition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.highWaterRP
}

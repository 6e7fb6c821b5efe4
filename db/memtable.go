// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/karstdb/karst/dht"
)

// Memtable is the in-memory, partition-ordered write store of one CF.
// It owns an accounted region; occupancy feeds the dirty-memory group.
// A memtable is mutable while active and immutable once sealed.
type Memtable struct {
	schema *Schema
	region *region

	mu         sync.RWMutex
	partitions *btree.BTree
	frozen     bool
	flushed    bool

	// highestRP is the largest commit-log position of any contained
	// mutation.
	highestRP ReplayPosition

	creationTime time.Time
}

type memtableEntry struct {
	key dht.DecoratedKey
	mut *Mutation
}

// Less orders entries by decorated key for the btree.
func (e *memtableEntry) Less(than btree.Item) bool {
	return e.key.Less(than.(*memtableEntry).key)
}

// NewMemtable builds an empty memtable charging the given group.
func NewMemtable(schema *Schema, group *RegionGroup) *Memtable {
	return &Memtable{
		schema:       schema,
		region:       group.newRegion(),
		partitions:   btree.New(8),
		creationTime: time.Now(),
	}
}

// Apply merges a mutation for key into the memtable. The caller must
// hold the memtable active; applying to a sealed memtable is a bug.
func (m *Memtable) Apply(key dht.DecoratedKey, mut *Mutation, rp ReplayPosition) {
	m.mu.Lock()
	if m.frozen {
		m.mu.Unlock()
		dblog.Fatal().Str("cf", m.schema.Name).Msg("apply on sealed memtable")
	}
	var delta int64
	probe := &memtableEntry{key: key}
	if item := m.partitions.Get(probe); item != nil {
		entry := item.(*memtableEntry)
		before := entry.mut.Size()
		entry.mut.Apply(m.schema, mut)
		delta = entry.mut.Size() - before
	} else {
		stored := mut.Clone()
		m.partitions.ReplaceOrInsert(&memtableEntry{key: key, mut: stored})
		delta = stored.Size() + int64(len(key.Key)) + 16
	}
	if m.highestRP.Less(rp) {
		m.highestRP = rp
	}
	m.mu.Unlock()
	if delta > 0 {
		// region allocation may block on the hard limit; never under mu
		m.region.allocate(delta)
	}
}

// GetPartition returns a point-in-time copy of the partition, or nil.
func (m *Memtable) GetPartition(key dht.DecoratedKey) *Mutation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if item := m.partitions.Get(&memtableEntry{key: key}); item != nil {
		return item.(*memtableEntry).mut.Clone()
	}
	return nil
}

// MakeReader snapshots the partitions whose token falls inside rng and
// streams them in decorated-key order.
func (m *Memtable) MakeReader(rng dht.Range) MutationReader {
	m.mu.RLock()
	entries := make([]*PartitionEntry, 0, m.partitions.Len())
	m.partitions.Ascend(func(item btree.Item) bool {
		e := item.(*memtableEntry)
		if rng.Contains(e.key.Token) {
			entries = append(entries, &PartitionEntry{Key: e.key, Mut: e.mut.Clone()})
		}
		return true
	})
	m.mu.RUnlock()
	return newSliceMutationReader(entries)
}

// forEachPartition visits every partition in key order; the visit stops
// when fn returns false. Only safe on sealed memtables.
func (m *Memtable) forEachPartition(fn func(key dht.DecoratedKey, mut *Mutation) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.partitions.Ascend(func(item btree.Item) bool {
		e := item.(*memtableEntry)
		return fn(e.key, e.mut)
	})
}

// Freeze seals the memtable against further writes.
func (m *Memtable) Freeze() {
	m.mu.Lock()
	m.frozen = true
	m.mu.Unlock()
}

// IsEmpty reports whether any partition was written.
func (m *Memtable) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.partitions.Len() == 0
}

// PartitionCount is the number of distinct partitions held.
func (m *Memtable) PartitionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.partitions.Len()
}

// Occupancy is the accounted size in bytes.
func (m *Memtable) Occupancy() int64 {
	return m.region.occupancy()
}

// HighestRP is the largest replay position applied.
func (m *Memtable) HighestRP() ReplayPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.highestRP
}

// markFlushing tells the region group this memtable's bytes are on
// their way out.
func (m *Memtable) markFlushing() {
	m.region.markFlushing()
}

// releaseMemory returns the region's bytes after a successful flush.
func (m *Memtable) releaseMemory() {
	m.mu.Lock()
	m.flushed = true
	m.mu.Unlock()
	m.region.release()
}

// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/karstdb/karst/dht"
)

// Streaming ingest runs beside the normal write path during repair and
// bootstrap. Streamed mutations never touch the commit log: their
// flushes enqueue with a zero replay position, which only orders them
// behind whatever is already in flight. Visibility comes from the
// flushed sstables alone, so the row cache is invalidated over the
// streamed ranges rather than updated.

// bigStreamingChunkSize bounds how much of one oversized partition
// accumulates in memory before a fragment is sealed to its own sstable.
const bigStreamingChunkSize = int64(16 * 1024 * 1024)

// streamingBigState tracks one plan's oversized-partition ingest: a
// dedicated memtable list and the fragment sstables sealed so far,
// unpublished until the plan completes.
type streamingBigState struct {
	memtables *MemtableList
	sstables  []*SSTableReader
}

// ApplyStreamingMutation writes a streamed mutation. Ordinary mutations
// ride the shared streaming memtable list with a delayed seal so many
// small fragments batch into one sstable. A fragmented mutation (one
// piece of an oversized partition) goes to the per-plan big list whose
// seals each emit one sstable, so the whole partition never has to fit
// in memory at once.
func (c *ColumnFamilyStore) ApplyStreamingMutation(planID uuid.UUID, key dht.DecoratedKey, mut *Mutation, fragmented bool) error {
	if fragmented {
		st := c.bigStateFor(planID)
		st.memtables.Apply(key, mut, ReplayPosition{})
		if st.memtables.ActiveOccupancy() > bigStreamingChunkSize {
			return st.memtables.SealActive(FlushImmediate)
		}
		return nil
	}
	c.streamingMemtables.Apply(key, mut, ReplayPosition{})
	return c.streamingMemtables.SealActive(FlushDelayed)
}

func (c *ColumnFamilyStore) bigStateFor(planID uuid.UUID) *streamingBigState {
	c.streamingMu.Lock()
	defer c.streamingMu.Unlock()
	st, ok := c.streamingBig[planID]
	if !ok {
		st = &streamingBigState{}
		st.memtables = NewMemtableList(c.schema, c.streamingDirty,
			time.Duration(c.cfg.StreamingSealDelayInMs)*time.Millisecond)
		st.memtables.setSealFn(func() error { return c.sealActiveStreamingMemtableBig(st) })
		c.streamingDirty.RegisterTarget(st.memtables)
		c.streamingBig[planID] = st
	}
	return st
}

// SealActiveStreamingMemtable seals the shared streaming list with the
// given behavior; delayed seals coalesce on the configured timer.
func (c *ColumnFamilyStore) SealActiveStreamingMemtable(behavior SealBehavior) error {
	return c.streamingMemtables.SealActive(behavior)
}

// sealActiveStreamingMemtableImmediate flushes the shared streaming
// list into one sstable, publishes it, invalidates the cache over the
// flushed token span and pokes compaction.
func (c *ColumnFamilyStore) sealActiveStreamingMemtableImmediate() error {
	if c.streamingMemtables.Back().IsEmpty() {
		return nil
	}
	old := c.streamingMemtables.switchActive()
	if old.IsEmpty() {
		c.streamingMemtables.erase(old)
		old.releaseMemory()
		return nil
	}
	// zero rp: the queue adopts the highest queued key; streaming
	// flushes order behind regular ones but never gate the commit log
	return c.flushQueue.Run(ReplayPosition{},
		func() error {
			c.tryFlushStreamingMemtable(old)
			return nil
		},
		func(ReplayPosition) {})
}

func (c *ColumnFamilyStore) tryFlushStreamingMemtable(old *Memtable) {
	old.markFlushing()
	for {
		sst, err := c.writeMemtableToSSTable(old, c.dir, 0)
		if err != nil {
			dblog.Error().Err(err).Str("cf", c.schema.Name).
				Msg("streaming flush failed, retrying")
			time.Sleep(flushRetryInterval)
			continue
		}
		c.sstablesMu.Lock()
		c.sstables = c.sstables.Insert(sst)
		c.sstablesMu.Unlock()
		c.invalidateCacheForSSTable(sst)
		c.streamingMemtables.erase(old)
		old.releaseMemory()
		c.TriggerCompaction()
		return
	}
}

// invalidateCacheForSSTable drops cached partitions over the sstable's
// token span; streamed data must not leave stale cache entries behind.
func (c *ColumnFamilyStore) invalidateCacheForSSTable(sst *SSTableReader) {
	if !c.cacheEnabled {
		return
	}
	first, last := sst.TokenRange()
	start := first
	if start > 0 {
		start--
	}
	c.cache.Invalidate(dht.Range{Start: start, End: last})
}

// InvalidateCacheRange exposes range invalidation to streaming callers.
func (c *ColumnFamilyStore) InvalidateCacheRange(rng dht.Range) {
	c.cache.Invalidate(rng)
}

// sealActiveStreamingMemtableBig flushes one fragment of an oversized
// partition to its own sstable. The sstable stays unpublished until the
// plan completes.
func (c *ColumnFamilyStore) sealActiveStreamingMemtableBig(st *streamingBigState) error {
	if st.memtables.Back().IsEmpty() {
		return nil
	}
	old := st.memtables.switchActive()
	if old.IsEmpty() {
		st.memtables.erase(old)
		old.releaseMemory()
		return nil
	}
	return c.flushQueue.Run(ReplayPosition{},
		func() error {
			old.markFlushing()
			for {
				sst, err := c.writeMemtableToSSTable(old, c.dir, 0)
				if err != nil {
					dblog.Error().Err(err).Str("cf", c.schema.Name).
						Msg("big streaming flush failed, retrying")
					time.Sleep(flushRetryInterval)
					continue
				}
				c.streamingMu.Lock()
				st.sstables = append(st.sstables, sst)
				c.streamingMu.Unlock()
				st.memtables.erase(old)
				old.releaseMemory()
				return nil
			}
		},
		func(ReplayPosition) {})
}

// CompleteStreamingPlan seals what remains of a plan's big list and
// publishes every fragment sstable in one copy-on-write swap.
func (c *ColumnFamilyStore) CompleteStreamingPlan(planID uuid.UUID) error {
	c.streamingMu.Lock()
	st, ok := c.streamingBig[planID]
	c.streamingMu.Unlock()
	if !ok {
		return nil
	}
	if err := st.memtables.SealActive(FlushImmediate); err != nil {
		return err
	}
	c.streamingMu.Lock()
	sstables := st.sstables
	delete(c.streamingBig, planID)
	c.streamingMu.Unlock()
	c.streamingDirty.UnregisterTarget(st.memtables)

	for _, sst := range sstables {
		if err := sst.OpenData(); err != nil {
			return err
		}
	}
	c.sstablesMu.Lock()
	set := c.sstables
	for _, sst := range sstables {
		set = set.Insert(sst)
	}
	c.sstables = set
	c.sstablesMu.Unlock()
	for _, sst := range sstables {
		c.invalidateCacheForSSTable(sst)
	}
	c.TriggerCompaction()
	return nil
}

// FailStreamingMutations abandons a plan: every fragment sstable it
// produced is marked for deletion and removed.
func (c *ColumnFamilyStore) FailStreamingMutations(planID uuid.UUID) error {
	c.streamingMu.Lock()
	st, ok := c.streamingBig[planID]
	if ok {
		delete(c.streamingBig, planID)
	}
	c.streamingMu.Unlock()
	if !ok {
		return nil
	}
	c.streamingDirty.UnregisterTarget(st.memtables)
	for _, sst := range st.sstables {
		sst.MarkForDeletion()
	}
	return c.deleter.DeleteAtomically(st.sstables)
}

// sealAllStreaming flushes the shared streaming list; used on stop.
func (c *ColumnFamilyStore) sealAllStreaming() {
	if err := c.streamingMemtables.SealActive(FlushImmediate); err != nil {
		dblog.Error().Err(err).Str("cf", c.schema.Name).Msg("final streaming seal failed")
	}
}

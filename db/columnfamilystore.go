// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/karstdb/karst/config"
	"github.com/karstdb/karst/dht"
	"github.com/karstdb/karst/utils"
)

// flushRetryInterval is the backoff between flush write attempts. The
// data stays safe in the sealed memtable, so retrying forever is the
// right call.
var flushRetryInterval = 10 * time.Second

// defaultGCGraceSeconds is how long tombstones survive before they are
// droppable at compaction.
const defaultGCGraceSeconds = 10 * 24 * 3600

// CFStats is the per-CF bookkeeping block.
type CFStats struct {
	MemtableSwitchCount int64
	PendingFlushes      int64
	CompletedFlushes    int64
	LiveDiskSpaceUsed   int64
	TotalDiskSpaceUsed  int64
	LiveSSTableCount    int
	WriteCount          int64
	ReadCount           int64
}

// ColumnFamilyStore owns all storage state of one CF on one shard: the
// memtable lists, the sstable set, the row cache, the flush queue and
// the compaction hooks.
type ColumnFamilyStore struct {
	cfg    *config.Config
	schema *Schema

	shardID    int
	shardCount int

	dir string

	commitlog      CommitLog
	dirty          *DirtyMemoryManager
	streamingDirty *DirtyMemoryManager
	deleter        AtomicDeleter

	memtables *MemtableList

	// streaming ingest state; see streaming.go
	streamingMemtables *MemtableList
	streamingMu        sync.Mutex
	streamingBig       map[uuid.UUID]*streamingBigState

	// sstablesMu guards the copy-on-write swap of the sstable set.
	// Mutators (flush add, rebuild) take the write side; readers grab
	// the current reference under the read side.
	sstablesMu          sync.RWMutex
	sstables            SSTableSet
	compactedNotDeleted []*SSTableReader

	cache        *RowCache
	cacheEnabled bool

	flushQueue *FlushQueue

	flushMu          sync.Mutex
	highestFlushedRP ReplayPosition

	generation int64

	strategy           CompactionStrategy
	compactionDisabled int32
	isCompacting       int32

	readSem      *semaphore.Weighted
	readQueue    int32
	maxReadQueue int32
	readTimeout  time.Duration

	stats        CFStats
	readLatency  *utils.BoundedStatsDeque
	writeLatency *utils.BoundedStatsDeque
}

// NewColumnFamilyStore opens (or creates) the CF's data directory,
// probes existing sstables and stands up the write path.
func NewColumnFamilyStore(cfg *config.Config, schema *Schema, shardID int,
	cl CommitLog, dirty, streamingDirty *DirtyMemoryManager, deleter AtomicDeleter) (*ColumnFamilyStore, error) {

	c := &ColumnFamilyStore{
		cfg:            cfg,
		schema:         schema,
		shardID:        shardID,
		shardCount:     cfg.Shards(),
		dir:            filepath.Join(cfg.DataFileDirectories[0], schema.Keyspace, schema.Name),
		commitlog:      cl,
		dirty:          dirty,
		streamingDirty: streamingDirty,
		deleter:        deleter,
		streamingBig:   make(map[uuid.UUID]*streamingBigState),
		sstables:       NewSSTableSet(),
		cacheEnabled:   cfg.EnableCache,
		cache:          NewRowCache(int64(cfg.MaxCachedPartitionSizeInKB) * 1024),
		flushQueue:     NewFlushQueue(),
		strategy:       compactionStrategyFor(schema),
		maxReadQueue:   int32(cfg.MaxReaderQueueLength),
		readTimeout:    time.Duration(cfg.ReadRequestTimeoutInMs) * time.Millisecond,
		readLatency:    utils.NewBoundedStatsDeque(1024),
		writeLatency:   utils.NewBoundedStatsDeque(1024),
	}
	if cfg.MaxConcurrentReads > 0 {
		c.readSem = semaphore.NewWeighted(int64(cfg.MaxConcurrentReads))
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create cf directory")
	}
	if err := c.populate(); err != nil {
		return nil, err
	}

	sealDelay := time.Duration(cfg.StreamingSealDelayInMs) * time.Millisecond
	c.memtables = NewMemtableList(schema, dirty, sealDelay)
	c.memtables.setSealFn(c.sealActiveMemtable)
	dirty.RegisterTarget(c.memtables)

	c.streamingMemtables = NewMemtableList(schema, streamingDirty, sealDelay)
	c.streamingMemtables.setSealFn(c.sealActiveStreamingMemtableImmediate)
	streamingDirty.RegisterTarget(c.streamingMemtables)
	return c, nil
}

// Schema returns the immutable CF descriptor.
func (c *ColumnFamilyStore) Schema() *Schema {
	return c.schema
}

// Directory is the CF's primary data directory.
func (c *ColumnFamilyStore) Directory() string {
	return c.dir
}

// allocateGeneration hands out the next sstable generation. Shards
// share the CF directory, so generations are interleaved: every shard
// allocates numbers congruent to its id modulo the shard count.
func (c *ColumnFamilyStore) allocateGeneration() int64 {
	for {
		cur := atomic.LoadInt64(&c.generation)
		next := cur + 1
		if c.shardCount > 1 {
			want := int64(c.shardID)
			rem := next % int64(c.shardCount)
			next += (want - rem + int64(c.shardCount)) % int64(c.shardCount)
		}
		if atomic.CompareAndSwapInt64(&c.generation, cur, next) {
			return next
		}
	}
}

// generationState tracks what the directory scan has seen of one
// generation.
type generationState struct {
	hasSomeFile     bool
	hasTemporaryTOC bool
	hasTOC          bool
}

// populate scans the CF directory and loads every complete generation.
// Generations that died mid-write (TemporaryTOC) are scrubbed on shard
// 0; generations with data but no TOC at all refuse to boot.
func (c *ColumnFamilyStore) populate() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return errors.Wrap(err, "scan cf directory")
	}
	states := make(map[int64]*generationState)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		desc, err := ParseSSTableFilename(entry.Name())
		if err != nil {
			dblog.Warn().Str("file", entry.Name()).Msg("alien file in cf directory, skipping")
			continue
		}
		if desc.Keyspace != c.schema.Keyspace || desc.ColumnFamily != c.schema.Name {
			continue
		}
		if desc.Generation > atomic.LoadInt64(&c.generation) {
			atomic.StoreInt64(&c.generation, desc.Generation)
		}
		st := states[desc.Generation]
		if st == nil {
			st = &generationState{}
			states[desc.Generation] = st
		}
		switch desc.Component {
		case ComponentTemporaryStats:
			// stale leftovers; scrub eagerly
			os.Remove(filepath.Join(c.dir, entry.Name()))
		case ComponentTemporaryTOC:
			st.hasSomeFile = true
			st.hasTemporaryTOC = true
		case ComponentTOC:
			if st.hasTOC {
				return errors.Wrapf(ErrMalformedSSTable, "duplicate TOC for generation %d", desc.Generation)
			}
			st.hasTOC = true
			st.hasSomeFile = true
		default:
			st.hasSomeFile = true
		}
	}
	for gen, st := range states {
		switch {
		case st.hasTOC:
			if err := c.loadGeneration(gen); err != nil {
				return err
			}
		case st.hasTemporaryTOC:
			// partial sstable from a crashed write; one shard cleans up
			// for everyone
			if c.shardID == 0 {
				dblog.Info().Int64("generation", gen).Str("cf", c.schema.Name).
					Msg("removing partial sstable")
				c.removeGenerationFiles(gen)
			}
		case st.hasSomeFile:
			return errors.Wrapf(ErrMalformedSSTable,
				"generation %d has component files but no TOC; refusing to boot", gen)
		}
	}
	return nil
}

func (c *ColumnFamilyStore) removeGenerationFiles(gen int64) {
	desc := EntryDescriptor{
		Keyspace:     c.schema.Keyspace,
		ColumnFamily: c.schema.Name,
		Version:      c.cfg.SSTableVersion,
		Generation:   gen,
	}
	all := append([]Component{ComponentTemporaryTOC, ComponentTemporaryStats}, sstableComponents...)
	for _, comp := range all {
		os.Remove(filepath.Join(c.dir, desc.WithComponent(comp).Filename()))
	}
}

func (c *ColumnFamilyStore) loadGeneration(gen int64) error {
	desc := EntryDescriptor{
		Keyspace:     c.schema.Keyspace,
		ColumnFamily: c.schema.Name,
		Version:      c.cfg.SSTableVersion,
		Generation:   gen,
	}
	sst, err := OpenSSTableReader(c.dir, desc)
	if err != nil {
		return err
	}
	if !sst.OwnedBy(c.shardID) {
		// some other shard's data entirely; vote it gone locally
		sst.MarkForDeletion()
		return nil
	}
	if err := sst.OpenData(); err != nil {
		return err
	}
	c.sstables = c.sstables.Insert(sst)
	return nil
}

// HighestFlushedRP is the largest replay position known durable in
// sstables.
func (c *ColumnFamilyStore) HighestFlushedRP() ReplayPosition {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	return c.highestFlushedRP
}

// Apply writes a mutation into the active memtable. The replay
// position must not precede anything already flushed; a reordered rp is
// a fatal ordering error the outer layer handles by re-appending to the
// commit log.
func (c *ColumnFamilyStore) Apply(key dht.DecoratedKey, mut *Mutation, rp ReplayPosition) error {
	start := time.Now()
	c.flushMu.Lock()
	if rp.Less(c.highestFlushedRP) {
		c.flushMu.Unlock()
		return errors.Wrapf(ErrReplayPositionReordered, "rp %s < flushed %s", rp, c.highestFlushedRP)
	}
	c.flushMu.Unlock()
	if warn := int64(c.cfg.BatchSizeWarnThresholdInKB) * 1024; warn > 0 && mut.Size() > warn {
		dblog.Warn().Str("cf", c.schema.Name).Int64("size", mut.Size()).
			Int64("threshold", warn).Msg("large mutation")
	}
	c.memtables.Apply(key, mut, rp)
	atomic.AddInt64(&c.stats.WriteCount, 1)
	c.writeLatency.Add(float64(time.Since(start).Microseconds()))
	return nil
}

// sealActiveMemtable seals the active memtable and drives its flush:
// enqueue on the RP-ordered flush queue, write the sstable, publish it,
// update the cache, release the memory, and let the queue discard the
// covered commit-log segments in order.
func (c *ColumnFamilyStore) sealActiveMemtable() error {
	if c.memtables.Back().IsEmpty() {
		return nil
	}
	old := c.memtables.switchActive()
	if old.IsEmpty() {
		// a racing seal already took the data; drop the empty memtable
		c.memtables.erase(old)
		old.releaseMemory()
		return nil
	}
	atomic.AddInt64(&c.stats.MemtableSwitchCount, 1)
	rp := old.HighestRP()

	c.flushMu.Lock()
	if rp.Less(c.highestFlushedRP) {
		c.flushMu.Unlock()
		dblog.Fatal().Str("cf", c.schema.Name).Str("rp", rp.String()).
			Str("flushed", c.highestFlushedRP.String()).
			Msg("sealed memtable replay position regressed")
	}
	c.highestFlushedRP = rp
	c.flushMu.Unlock()

	atomic.AddInt64(&c.stats.PendingFlushes, 1)
	return c.flushQueue.Run(rp,
		func() error {
			c.tryFlushMemtableToSSTable(old)
			return nil
		},
		func(done ReplayPosition) {
			c.commitlog.DiscardCompletedSegments(c.schema.ID, done)
			atomic.AddInt64(&c.stats.PendingFlushes, -1)
			atomic.AddInt64(&c.stats.CompletedFlushes, 1)
		})
}

// tryFlushMemtableToSSTable writes a sealed memtable out, retrying
// forever on write failure. Cache update failure is logged and
// swallowed: the data is durable in the sstable by then.
func (c *ColumnFamilyStore) tryFlushMemtableToSSTable(old *Memtable) {
	old.markFlushing()
	for {
		sst, err := c.writeMemtableToSSTable(old, c.dir, 0)
		if err != nil {
			dblog.Error().Err(err).Str("cf", c.schema.Name).
				Msg("flush failed, retrying")
			time.Sleep(flushRetryInterval)
			continue
		}
		c.sstablesMu.Lock()
		previous := c.sstables
		c.sstables = previous.Insert(sst)
		c.sstablesMu.Unlock()
		c.updateCache(old, sst, previous)
		c.memtables.erase(old)
		old.releaseMemory()
		c.maybeIncrementalBackup(sst)
		c.TriggerCompaction()
		dblog.Info().Str("cf", c.schema.Name).Int64("generation", sst.Generation()).
			Int64("partitions", sst.Stats().PartitionCount).Msg("completed flushing")
		return
	}
}

// writeMemtableToSSTable streams a sealed memtable into one sstable.
func (c *ColumnFamilyStore) writeMemtableToSSTable(m *Memtable, dir string, level int32) (*SSTableReader, error) {
	desc := EntryDescriptor{
		Keyspace:     c.schema.Keyspace,
		ColumnFamily: c.schema.Name,
		Version:      c.cfg.SSTableVersion,
		Generation:   c.allocateGeneration(),
	}
	writer, err := NewSSTableWriter(dir, desc, c.schema, m.PartitionCount(), c.shardCount, level)
	if err != nil {
		return nil, err
	}
	var appendErr error
	m.forEachPartition(func(key dht.DecoratedKey, mut *Mutation) bool {
		if err := writer.Append(key, mut); err != nil {
			appendErr = err
			return false
		}
		return true
	})
	if appendErr != nil {
		writer.Abort()
		return nil, appendErr
	}
	sst, err := writer.Seal()
	if err != nil {
		writer.Abort()
		return nil, err
	}
	if err := sst.OpenData(); err != nil {
		return nil, err
	}
	return sst, nil
}

// makePartitionPresenceChecker builds the checker the cache update uses
// to decide whether a memtable partition is complete: it consults every
// sstable except the just-flushed one.
func (c *ColumnFamilyStore) makePartitionPresenceChecker(set SSTableSet, exclude *SSTableReader) PartitionPresenceChecker {
	others := make([]*SSTableReader, 0, set.Size())
	for _, sst := range set.All() {
		if sst != exclude {
			others = append(others, sst)
		}
	}
	return func(key dht.DecoratedKey) bool {
		for _, sst := range others {
			if sst.MayContain(key.Key) {
				return true
			}
		}
		return false
	}
}

func (c *ColumnFamilyStore) updateCache(old *Memtable, sst *SSTableReader, previous SSTableSet) {
	if !c.cacheEnabled {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			// failing to refresh the cache loses nothing durable
			dblog.Error().Interface("panic", r).Str("cf", c.schema.Name).
				Msg("cache update failed after flush")
		}
	}()
	c.cache.Update(c.schema, old, c.makePartitionPresenceChecker(previous, sst))
}

func (c *ColumnFamilyStore) maybeIncrementalBackup(sst *SSTableReader) {
	if !c.cfg.IncrementalBackups {
		return
	}
	backupDir := filepath.Join(c.dir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		dblog.Warn().Err(err).Msg("create backups dir")
		return
	}
	for _, path := range sst.componentPaths() {
		if err := os.Link(path, filepath.Join(backupDir, filepath.Base(path))); err != nil && !os.IsExist(err) {
			dblog.Warn().Err(err).Str("file", path).Msg("incremental backup link")
		}
	}
}

// ForceFlush seals and flushes the active memtable, waiting for the
// flush (and its commit-log discard) to finish.
func (c *ColumnFamilyStore) ForceFlush() error {
	return <-c.memtables.RequestFlush()
}

// currentSSTables grabs the current copy-on-write set reference.
func (c *ColumnFamilyStore) currentSSTables() SSTableSet {
	c.sstablesMu.RLock()
	defer c.sstablesMu.RUnlock()
	return c.sstables
}

// acquireReadPermit applies the reader concurrency restriction.
func (c *ColumnFamilyStore) acquireReadPermit() (func(), error) {
	if c.readSem == nil {
		return func() {}, nil
	}
	if c.readSem.TryAcquire(1) {
		return func() { c.readSem.Release(1) }, nil
	}
	// all reader slots busy; join the bounded wait queue
	if atomic.AddInt32(&c.readQueue, 1) > c.maxReadQueue {
		atomic.AddInt32(&c.readQueue, -1)
		return nil, ErrReaderQueueOverloaded
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.readTimeout)
	err := c.readSem.Acquire(ctx, 1)
	cancel()
	atomic.AddInt32(&c.readQueue, -1)
	if err != nil {
		return nil, errors.Wrap(err, "timed out waiting for a reader slot")
	}
	return func() { c.readSem.Release(1) }, nil
}

// permitReleasingReader releases the read permit when closed.
type permitReleasingReader struct {
	MutationReader
	release func()
	once    sync.Once
}

func (r *permitReleasingReader) Close() {
	r.MutationReader.Close()
	r.once.Do(r.release)
}

// MakeReader fans out over every memtable plus the cache or sstables
// and merges the sub-readers into one partition stream for rng. The
// slice restricts which sstables are read via the clustering-range
// filter.
func (c *ColumnFamilyStore) MakeReader(rng dht.Range, slice []ClusteringRange) (MutationReader, error) {
	release, err := c.acquireReadPermit()
	if err != nil {
		return nil, err
	}
	readers := make([]MutationReader, 0, 4)
	for _, mem := range c.memtables.All() {
		readers = append(readers, mem.MakeReader(rng))
	}
	if c.cacheEnabled {
		readers = append(readers, c.makeCachedSSTableReader(rng, slice))
	} else {
		readers = append(readers, c.makeSSTableRangeReader(rng, slice))
	}
	atomic.AddInt64(&c.stats.ReadCount, 1)
	return &permitReleasingReader{
		MutationReader: NewCombinedMutationReader(c.schema, readers),
		release:        release,
	}, nil
}

// makeSSTableRangeReader merges per-sstable range readers for the
// candidates the set and the clustering filter admit.
func (c *ColumnFamilyStore) makeSSTableRangeReader(rng dht.Range, slice []ClusteringRange) MutationReader {
	set := c.currentSSTables()
	candidates := filterSSTablesForReader(set.Select(rng), c.schema, slice)
	readers := make([]MutationReader, 0, len(candidates))
	for _, sst := range candidates {
		var accept func(dht.Token) bool
		if sst.IsShared() {
			shard, count := c.shardID, c.shardCount
			accept = func(t dht.Token) bool { return dht.ShardOf(t, count) == shard }
		}
		readers = append(readers, sst.MakeRangeReader(rng, accept))
	}
	return NewCombinedMutationReader(c.schema, readers)
}

// makeCachedSSTableReader serves range reads through the row cache:
// every partition is still read and merged from the sstables; when the
// cache holds it, the cached copy is returned instead, otherwise the
// merged copy is returned and populated back.
func (c *ColumnFamilyStore) makeCachedSSTableReader(rng dht.Range, slice []ClusteringRange) MutationReader {
	return &cachedRangeReader{cf: c, inner: c.makeSSTableRangeReader(rng, slice)}
}

type cachedRangeReader struct {
	cf    *ColumnFamilyStore
	inner MutationReader
}

func (r *cachedRangeReader) Next() (*PartitionEntry, error) {
	e, err := r.inner.Next()
	if err != nil || e == nil {
		return e, err
	}
	if cached := r.cf.cache.Get(e.Key); cached != nil {
		return &PartitionEntry{Key: e.Key, Mut: cached}, nil
	}
	r.cf.cache.Populate(e.Key, e.Mut)
	return e, nil
}

func (r *cachedRangeReader) Close() {
	r.inner.Close()
}

// readSSTablesSingleKey merges the partition from every sstable that
// can hold it: bloom gate, clustering-range filter with tombstone
// rescue, then parallel per-sstable point reads.
func (c *ColumnFamilyStore) readSSTablesSingleKey(key dht.DecoratedKey, slice []ClusteringRange) (*Mutation, error) {
	set := c.currentSSTables()
	candidates := make([]*SSTableReader, 0, set.Size())
	for _, sst := range set.All() {
		if !sst.MayContain(key.Key) {
			continue
		}
		candidates = append(candidates, sst)
	}
	candidates = filterSSTablesForReader(candidates, c.schema, slice)
	if len(candidates) == 0 {
		return nil, nil
	}
	muts := make([]*Mutation, len(candidates))
	var g errgroup.Group
	for i, sst := range candidates {
		i, sst := i, sst
		g.Go(func() error {
			mut, err := sst.Read(key)
			if err != nil {
				return err
			}
			muts[i] = mut
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var merged *Mutation
	for _, mut := range muts {
		if mut == nil {
			continue
		}
		if merged == nil {
			merged = mut.Clone()
		} else {
			merged.Apply(c.schema, mut)
		}
	}
	return merged, nil
}

// ReadPartition reconciles one partition across memtables, cache and
// sstables. Returns nil when the shard does not own the token or the
// partition does not exist.
func (c *ColumnFamilyStore) ReadPartition(key dht.DecoratedKey, slice []ClusteringRange) (*Mutation, error) {
	if dht.ShardOf(key.Token, c.shardCount) != c.shardID {
		return nil, nil
	}
	release, err := c.acquireReadPermit()
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer func() {
		c.readLatency.Add(float64(time.Since(start).Microseconds()))
		atomic.AddInt64(&c.stats.ReadCount, 1)
	}()

	var merged *Mutation
	fold := func(mut *Mutation) {
		if mut == nil {
			return
		}
		if merged == nil {
			merged = mut.Clone()
		} else {
			merged.Apply(c.schema, mut)
		}
	}
	for _, mem := range c.memtables.All() {
		fold(mem.GetPartition(key))
	}
	if c.cacheEnabled {
		if cached := c.cache.Get(key); cached != nil {
			fold(cached)
		} else {
			fromDisk, err := c.readSSTablesSingleKey(key, slice)
			if err != nil {
				return nil, err
			}
			if fromDisk != nil && len(slice) == 0 {
				c.cache.Populate(key, fromDisk)
			}
			fold(fromDisk)
		}
	} else {
		fromDisk, err := c.readSSTablesSingleKey(key, slice)
		if err != nil {
			return nil, err
		}
		fold(fromDisk)
	}
	return merged, nil
}

// FindPartition is ReadPartition with shadowed data dropped: what a
// client read observes.
func (c *ColumnFamilyStore) FindPartition(key dht.DecoratedKey) (*Mutation, error) {
	mut, err := c.ReadPartition(key, nil)
	if err != nil || mut == nil {
		return nil, err
	}
	return mut.LiveView(), nil
}

// FindRow returns one clustered row of the live partition view.
func (c *ColumnFamilyStore) FindRow(key dht.DecoratedKey, ck ClusteringKey) (*RowMutation, error) {
	mut, err := c.FindPartition(key)
	if err != nil || mut == nil {
		return nil, err
	}
	for _, row := range mut.Rows() {
		if row.Clustering.Equal(ck) {
			return row, nil
		}
	}
	return nil, nil
}

// ForAllPartitions walks the full logically-merged partition view in
// key order; fn returning false stops the walk. Slow path, used by
// cleanup verification and tooling.
func (c *ColumnFamilyStore) ForAllPartitions(fn func(key dht.DecoratedKey, mut *Mutation) bool) error {
	reader, err := c.MakeReader(dht.FullRange(), nil)
	if err != nil {
		return err
	}
	defer reader.Close()
	for {
		e, err := reader.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if !fn(e.Key, e.Mut) {
			return nil
		}
	}
}

// TriggerCompaction asks the strategy for work and runs it in the
// background. Multiple triggers coalesce; a concurrent run swallows
// the trigger (the strategy re-counts next time).
func (c *ColumnFamilyStore) TriggerCompaction() {
	if atomic.LoadInt32(&c.compactionDisabled) == 1 {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.isCompacting, 0, 1) {
		return
	}
	go func() {
		defer atomic.StoreInt32(&c.isCompacting, 0)
		desc := c.strategy.ChooseCandidates(c.currentSSTables(),
			c.cfg.MinCompactionThreshold, c.cfg.MaxCompactionThreshold)
		if len(desc.SSTables) < 2 {
			return
		}
		if err := c.CompactSSTables(desc, nil); err != nil {
			dblog.Error().Err(err).Str("cf", c.schema.Name).Msg("background compaction failed")
		}
	}()
}

// DisableAutoCompaction latches background compaction off.
func (c *ColumnFamilyStore) DisableAutoCompaction() {
	atomic.StoreInt32(&c.compactionDisabled, 1)
}

// EnableAutoCompaction re-enables background compaction.
func (c *ColumnFamilyStore) EnableAutoCompaction() {
	atomic.StoreInt32(&c.compactionDisabled, 0)
	c.TriggerCompaction()
}

// CompactSSTables merges the descriptor's sstables into one new
// sstable, dropping gc-able tombstones and shadowed data. When
// ownedRanges is non-nil the merge also drops partitions outside them
// (cleanup).
func (c *ColumnFamilyStore) CompactSSTables(desc CompactionDescriptor, ownedRanges []dht.Range) error {
	if len(desc.SSTables) == 0 {
		return nil
	}
	gcBefore := uint32(time.Now().Unix() - defaultGCGraceSeconds)
	readers := make([]MutationReader, 0, len(desc.SSTables))
	for _, sst := range desc.SSTables {
		readers = append(readers, sst.MakeRangeReader(dht.FullRange(), nil))
	}
	merged := NewCombinedMutationReader(c.schema, readers)
	defer merged.Close()

	outDesc := EntryDescriptor{
		Keyspace:     c.schema.Keyspace,
		ColumnFamily: c.schema.Name,
		Version:      c.cfg.SSTableVersion,
		Generation:   c.allocateGeneration(),
	}
	writer, err := NewSSTableWriter(c.dir, outDesc, c.schema,
		c.approximateKeyCount(desc.SSTables), c.shardCount, desc.Level)
	if err != nil {
		return err
	}
	written := int64(0)
	for {
		e, err := merged.Next()
		if err != nil {
			writer.Abort()
			return err
		}
		if e == nil {
			break
		}
		if ownedRanges != nil && !tokenInRanges(e.Key.Token, ownedRanges) {
			continue
		}
		out := removeDeleted(e.Mut, gcBefore)
		if out == nil {
			continue
		}
		if err := writer.Append(e.Key, out); err != nil {
			writer.Abort()
			return err
		}
		written++
	}
	var produced []*SSTableReader
	if written > 0 {
		sst, err := writer.Seal()
		if err != nil {
			writer.Abort()
			return err
		}
		if err := sst.OpenData(); err != nil {
			return err
		}
		produced = append(produced, sst)
	} else {
		writer.Abort()
	}
	c.rebuildSSTableList(produced, desc.SSTables)
	dblog.Info().Str("cf", c.schema.Name).Int("merged", len(desc.SSTables)).
		Int64("partitions", written).Msg("compacted sstables")
	return nil
}

func tokenInRanges(t dht.Token, ranges []dht.Range) bool {
	for _, r := range ranges {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

func (c *ColumnFamilyStore) approximateKeyCount(ssts []*SSTableReader) int {
	count := int64(0)
	for _, sst := range ssts {
		count += sst.Stats().PartitionCount
	}
	if count <= 0 {
		count = summaryInterval
	}
	return int(count)
}

// rebuildSSTableList publishes (old ∪ new) \ removed and parks the
// removed sstables in the compacted-but-not-deleted list until the
// atomic delete confirms. Readers holding the old set keep working
// against it; nothing is lost until the delete lands.
func (c *ColumnFamilyStore) rebuildSSTableList(newSSTs, removed []*SSTableReader) {
	c.sstablesMu.Lock()
	set := c.sstables
	for _, sst := range newSSTs {
		set = set.Insert(sst)
	}
	set = set.Erase(removed)
	c.sstables = set
	c.compactedNotDeleted = append(c.compactedNotDeleted, removed...)
	c.sstablesMu.Unlock()

	go func() {
		for _, sst := range removed {
			sst.MarkForDeletion()
		}
		err := c.deleter.DeleteAtomically(removed)
		if errors.Is(err, ErrDeleteCancelled) {
			// not an error: the files stay visible as tombstone
			// protection until a later round succeeds
			dblog.Debug().Str("cf", c.schema.Name).Int("sstables", len(removed)).
				Msg("atomic delete cancelled")
			return
		}
		if err != nil {
			dblog.Error().Err(err).Str("cf", c.schema.Name).Msg("atomic delete failed")
			return
		}
		c.sstablesMu.Lock()
		drop := make(map[*SSTableReader]struct{}, len(removed))
		for _, sst := range removed {
			drop[sst] = struct{}{}
		}
		keep := c.compactedNotDeleted[:0]
		for _, sst := range c.compactedNotDeleted {
			if _, gone := drop[sst]; !gone {
				keep = append(keep, sst)
			}
		}
		c.compactedNotDeleted = keep
		c.sstablesMu.Unlock()
	}()
}

// CleanupSSTables rewrites every sstable holding tokens outside the
// node's owned ranges; fully-owned sstables are skipped.
func (c *ColumnFamilyStore) CleanupSSTables(ownedRanges []dht.Range) error {
	for _, sst := range c.currentSSTables().All() {
		if !needsCleanup(sst, ownedRanges) {
			continue
		}
		desc := CompactionDescriptor{SSTables: []*SSTableReader{sst}, Level: sst.Stats().Level}
		if err := c.CompactSSTables(desc, ownedRanges); err != nil {
			return err
		}
	}
	return nil
}

// CompactAllSSTables is a major compaction: everything into one.
func (c *ColumnFamilyStore) CompactAllSSTables() error {
	all := c.currentSSTables().All()
	if len(all) == 0 {
		return nil
	}
	return c.CompactSSTables(CompactionDescriptor{SSTables: all, Level: 0}, nil)
}

// Snapshot hard-links every live sstable's components under
// snapshots/<tag>/ and returns the data filenames included. Manifest
// writing is the database layer's (sharded) business.
func (c *ColumnFamilyStore) Snapshot(tag string) ([]string, error) {
	if err := c.ForceFlush(); err != nil {
		return nil, err
	}
	snapDir := filepath.Join(c.dir, "snapshots", tag)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create snapshot dir")
	}
	files := make([]string, 0)
	for _, sst := range c.currentSSTables().All() {
		for _, path := range sst.componentPaths() {
			if err := os.Link(path, filepath.Join(snapDir, filepath.Base(path))); err != nil && !os.IsExist(err) {
				return nil, errors.Wrap(err, "link snapshot component")
			}
		}
		files = append(files, sst.Descriptor().Filename())
	}
	return files, nil
}

// Truncate discards all data of the CF: auto-snapshot when configured,
// then drop sstables, memtables and cache.
func (c *ColumnFamilyStore) Truncate() error {
	if c.cfg.AutoSnapshot {
		tag := fmt.Sprintf("truncated-%d", time.Now().UnixMilli())
		if _, err := c.Snapshot(tag); err != nil {
			return err
		}
	} else if err := c.ForceFlush(); err != nil {
		return err
	}
	c.sstablesMu.Lock()
	doomed := c.sstables.All()
	c.sstables = NewSSTableSet()
	c.sstablesMu.Unlock()
	for _, sst := range doomed {
		sst.MarkForDeletion()
	}
	if err := c.deleter.DeleteAtomically(doomed); err != nil && !errors.Is(err, ErrDeleteCancelled) {
		dblog.Error().Err(err).Str("cf", c.schema.Name).Msg("truncate delete failed")
	}
	c.cache.Clear()
	return nil
}

// LoadNewSSTables opens externally delivered generations, forces their
// level to 0, adds them atomically and clears the cache once.
func (c *ColumnFamilyStore) LoadNewSSTables(descs []EntryDescriptor) error {
	loaded := make([]*SSTableReader, 0, len(descs))
	for _, desc := range descs {
		if err := c.resetLevel(desc, 0); err != nil {
			return err
		}
		sst, err := OpenSSTableReader(c.dir, desc)
		if err != nil {
			return err
		}
		if err := sst.OpenData(); err != nil {
			return err
		}
		loaded = append(loaded, sst)
	}
	c.sstablesMu.Lock()
	set := c.sstables
	for _, sst := range loaded {
		set = set.Insert(sst)
	}
	c.sstables = set
	c.sstablesMu.Unlock()
	c.cache.Clear()
	c.TriggerCompaction()
	return nil
}

// resetLevel rewrites the Statistics component with a new level.
func (c *ColumnFamilyStore) resetLevel(desc EntryDescriptor, level int32) error {
	path := filepath.Join(c.dir, desc.WithComponent(ComponentStatistics).Filename())
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(ErrMalformedSSTable, "read statistics: %v", err)
	}
	stats, err := deserializeStats(raw)
	if err != nil {
		return err
	}
	if stats.Level == level {
		return nil
	}
	stats.Level = level
	return errors.Wrap(os.WriteFile(path, serializeStats(stats), 0o644), "rewrite statistics")
}

// FlushUploadDir renames sstables dropped into upload/ under fresh
// generations at level 0 and loads them.
func (c *ColumnFamilyStore) FlushUploadDir() ([]EntryDescriptor, error) {
	uploadDir := filepath.Join(c.dir, "upload")
	entries, err := os.ReadDir(uploadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "scan upload dir")
	}
	generations := make(map[int64][]EntryDescriptor)
	for _, entry := range entries {
		desc, err := ParseSSTableFilename(entry.Name())
		if err != nil {
			continue
		}
		generations[desc.Generation] = append(generations[desc.Generation], desc)
	}
	moved := make([]EntryDescriptor, 0, len(generations))
	for oldGen, comps := range generations {
		hasTOC := false
		for _, desc := range comps {
			if desc.Component == ComponentTOC {
				hasTOC = true
			}
		}
		if !hasTOC {
			dblog.Warn().Int64("generation", oldGen).Msg("upload generation without TOC, skipping")
			continue
		}
		newGen := c.allocateGeneration()
		var newDesc EntryDescriptor
		for _, desc := range comps {
			newDesc = desc
			newDesc.Generation = newGen
			from := filepath.Join(uploadDir, desc.Filename())
			to := filepath.Join(c.dir, newDesc.Filename())
			if err := os.Rename(from, to); err != nil {
				return nil, errors.Wrap(err, "move uploaded sstable")
			}
		}
		moved = append(moved, newDesc.WithComponent(ComponentTOC))
	}
	if len(moved) == 0 {
		return nil, nil
	}
	if err := c.LoadNewSSTables(moved); err != nil {
		return nil, err
	}
	return moved, nil
}

// ReshuffleSSTables picks up on-disk generations the CF does not know
// (an out-of-band import) and renames every such generation that has a
// TOC to a freshly allocated number above start.
func (c *ColumnFamilyStore) ReshuffleSSTables(known map[int64]struct{}, start int64) ([]EntryDescriptor, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, errors.Wrap(err, "scan cf directory")
	}
	byGen := make(map[int64][]EntryDescriptor)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		desc, err := ParseSSTableFilename(entry.Name())
		if err != nil {
			continue
		}
		if _, ok := known[desc.Generation]; ok {
			continue
		}
		byGen[desc.Generation] = append(byGen[desc.Generation], desc)
	}
	if start > atomic.LoadInt64(&c.generation) {
		atomic.StoreInt64(&c.generation, start)
	}
	found := make([]EntryDescriptor, 0, len(byGen))
	for _, comps := range byGen {
		hasTOC := false
		for _, desc := range comps {
			if desc.Component == ComponentTOC {
				hasTOC = true
			}
		}
		if !hasTOC {
			continue
		}
		newGen := c.allocateGeneration()
		var newDesc EntryDescriptor
		for _, desc := range comps {
			newDesc = desc
			newDesc.Generation = newGen
			from := filepath.Join(c.dir, desc.Filename())
			to := filepath.Join(c.dir, newDesc.Filename())
			if err := os.Rename(from, to); err != nil {
				return nil, errors.Wrap(err, "reshuffle sstable")
			}
		}
		found = append(found, newDesc.WithComponent(ComponentTOC))
	}
	return found, nil
}

// Stats snapshots the CF bookkeeping block.
func (c *ColumnFamilyStore) Stats() CFStats {
	s := CFStats{
		MemtableSwitchCount: atomic.LoadInt64(&c.stats.MemtableSwitchCount),
		PendingFlushes:      atomic.LoadInt64(&c.stats.PendingFlushes),
		CompletedFlushes:    atomic.LoadInt64(&c.stats.CompletedFlushes),
		WriteCount:          atomic.LoadInt64(&c.stats.WriteCount),
		ReadCount:           atomic.LoadInt64(&c.stats.ReadCount),
	}
	c.sstablesMu.RLock()
	live := c.sstables.All()
	parked := c.compactedNotDeleted
	c.sstablesMu.RUnlock()
	s.LiveSSTableCount = len(live)
	for _, sst := range live {
		s.LiveDiskSpaceUsed += sst.DataSize()
	}
	s.TotalDiskSpaceUsed = s.LiveDiskSpaceUsed
	for _, sst := range parked {
		s.TotalDiskSpaceUsed += sst.DataSize()
	}
	return s
}

// Cache exposes the row cache (tests and the database layer).
func (c *ColumnFamilyStore) Cache() *RowCache {
	return c.cache
}

// Stop drains the flush pipeline and closes the CF's readers.
func (c *ColumnFamilyStore) Stop() error {
	if err := c.ForceFlush(); err != nil {
		return err
	}
	c.sealAllStreaming()
	c.flushQueue.Close()
	c.dirty.UnregisterTarget(c.memtables)
	c.streamingDirty.UnregisterTarget(c.streamingMemtables)
	for _, sst := range c.currentSSTables().All() {
		sst.Close()
	}
	return nil
}

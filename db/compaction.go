// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"sort"

	"github.com/karstdb/karst/dht"
)

// CompactionDescriptor names the sstables one compaction run merges
// and the level the output lands on.
type CompactionDescriptor struct {
	SSTables []*SSTableReader
	Level    int32
}

// CompactionStrategy decides which sstables to merge. Implementations
// must be stateless with respect to the set: the CF hands in the
// current view on every call.
type CompactionStrategy interface {
	Name() string
	// ChooseCandidates returns the next merge worth doing, or an empty
	// descriptor when the set is in shape.
	ChooseCandidates(set SSTableSet, minThreshold, maxThreshold int) CompactionDescriptor
}

// SizeTieredStrategy buckets sstables by size: files within half to
// one-and-a-half of a bucket's rolling average share the bucket, and
// small files (under 50 MB) pool together. A bucket at the minimum
// threshold becomes a merge.
type SizeTieredStrategy struct{}

// NewSizeTieredStrategy ...
func NewSizeTieredStrategy() *SizeTieredStrategy {
	return &SizeTieredStrategy{}
}

// Name ...
func (s *SizeTieredStrategy) Name() string {
	return "SizeTieredCompactionStrategy"
}

const smallFilePool = int64(50 * 1024 * 1024)

// ChooseCandidates stages ordered compaction over size buckets.
func (s *SizeTieredStrategy) ChooseCandidates(set SSTableSet, minThreshold, maxThreshold int) CompactionDescriptor {
	sstables := set.All()
	sort.Slice(sstables, func(i, j int) bool {
		return sstables[i].Generation() < sstables[j].Generation()
	})
	type bucket struct {
		average  int64
		sstables []*SSTableReader
	}
	buckets := make([]*bucket, 0)
	var cur *bucket
	for _, sst := range sstables {
		size := sst.DataSize()
		if cur != nil &&
			((size > cur.average/2 && size < 3*cur.average/2) ||
				(size < smallFilePool && cur.average < smallFilePool)) {
			cur.average = (cur.average + size) / 2
			cur.sstables = append(cur.sstables, sst)
			continue
		}
		cur = &bucket{average: size, sstables: []*SSTableReader{sst}}
		buckets = append(buckets, cur)
	}
	for _, b := range buckets {
		if len(b.sstables) < minThreshold {
			continue
		}
		picked := b.sstables
		if len(picked) > maxThreshold {
			picked = picked[:maxThreshold]
		}
		return CompactionDescriptor{SSTables: picked, Level: 0}
	}
	return CompactionDescriptor{}
}

// LeveledStrategy is a minimal leveled policy: level 0 overflows merge
// into level 1; beyond that, a level exceeding its fanout target merges
// a run into the next level.
type LeveledStrategy struct {
	fanout int
}

// NewLeveledStrategy ...
func NewLeveledStrategy() *LeveledStrategy {
	return &LeveledStrategy{fanout: 10}
}

// Name ...
func (s *LeveledStrategy) Name() string {
	return "LeveledCompactionStrategy"
}

// ChooseCandidates merges level 0 into level 1 once it reaches the
// minimum threshold; otherwise it merges the lowest level holding more
// sstables than its target into the next one.
func (s *LeveledStrategy) ChooseCandidates(set SSTableSet, minThreshold, maxThreshold int) CompactionDescriptor {
	byLevel := make(map[int32][]*SSTableReader)
	for _, sst := range set.All() {
		byLevel[sst.Stats().Level] = append(byLevel[sst.Stats().Level], sst)
	}
	if l0 := byLevel[0]; len(l0) >= minThreshold {
		picked := l0
		if len(picked) > maxThreshold {
			picked = picked[:maxThreshold]
		}
		return CompactionDescriptor{SSTables: picked, Level: 1}
	}
	target := s.fanout
	levels := make([]int32, 0, len(byLevel))
	for level := range byLevel {
		if level > 0 {
			levels = append(levels, level)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	for _, level := range levels {
		if len(byLevel[level]) > target {
			picked := byLevel[level]
			if len(picked) > maxThreshold {
				picked = picked[:maxThreshold]
			}
			return CompactionDescriptor{SSTables: picked, Level: level + 1}
		}
		target *= s.fanout
	}
	return CompactionDescriptor{}
}

// compactionStrategyFor resolves a schema's strategy choice.
func compactionStrategyFor(schema *Schema) CompactionStrategy {
	switch schema.CompactionStrategy {
	case "LeveledCompactionStrategy":
		return NewLeveledStrategy()
	default:
		return NewSizeTieredStrategy()
	}
}

// AtomicDeleter coordinates sstable removal across the shards that
// share a file: every shard votes, the files disappear once the last
// vote lands. A cancellation is not an error; the caller keeps the
// sstables visible as tombstone-protection sources until a later
// attempt succeeds.
type AtomicDeleter interface {
	// DeleteAtomically removes the given sstables' files once every
	// owning shard has voted. Returns ErrDeleteCancelled when the vote
	// round was abandoned.
	DeleteAtomically(ssts []*SSTableReader) error
}

// ErrDeleteCancelled reports an abandoned atomic-delete round.
var ErrDeleteCancelled = errDeleteCancelled{}

type errDeleteCancelled struct{}

func (errDeleteCancelled) Error() string { return "atomic delete cancelled" }

// localDeleter is the single-shard deleter: no coordination needed,
// components are removed immediately.
type localDeleter struct{}

// NewLocalDeleter returns the deleter used when an sstable is owned by
// this shard alone.
func NewLocalDeleter() AtomicDeleter {
	return localDeleter{}
}

func (localDeleter) DeleteAtomically(ssts []*SSTableReader) error {
	for _, sst := range ssts {
		if err := sst.deleteComponents(); err != nil {
			return err
		}
	}
	return nil
}

// needsCleanup reports whether an sstable holds tokens outside the
// owned ranges and therefore needs a cleanup rewrite.
func needsCleanup(sst *SSTableReader, owned []dht.Range) bool {
	first, last := sst.TokenRange()
	span := dht.Range{Start: first - 1, End: last}
	return !span.ContainedIn(owned)
}

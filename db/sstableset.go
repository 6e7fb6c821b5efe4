// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"sort"

	"github.com/karstdb/karst/dht"
)

// SSTableSet indexes the live sstables of a CF. Implementations are
// immutable: Insert and Erase return a new set, so readers holding a
// reference observe a frozen view while compactions swap the CF's
// current set (copy-on-write).
type SSTableSet interface {
	// Select returns the sstables whose token span intersects rng.
	Select(rng dht.Range) []*SSTableReader
	// All returns every sstable in strategy order.
	All() []*SSTableReader
	// Insert returns a new set including sst.
	Insert(sst *SSTableReader) SSTableSet
	// Erase returns a new set excluding the given sstables.
	Erase(ssts []*SSTableReader) SSTableSet
	// Size is the number of live sstables.
	Size() int
}

// partitionedSSTableSet orders sstables by first token; Select walks
// the slice testing span intersection. Suits both size-tiered and
// leveled strategies at per-CF sstable counts.
type partitionedSSTableSet struct {
	sstables []*SSTableReader
}

// NewSSTableSet returns an empty set.
func NewSSTableSet() SSTableSet {
	return &partitionedSSTableSet{}
}

func (s *partitionedSSTableSet) Select(rng dht.Range) []*SSTableReader {
	res := make([]*SSTableReader, 0, len(s.sstables))
	for _, sst := range s.sstables {
		first, last := sst.TokenRange()
		// the sstable's span is [first, last]; widen to the set's
		// half-open convention before intersecting
		span := dht.Range{Start: first - 1, End: last}
		if first == 0 {
			span = dht.Range{Start: 0, End: last}
			if rng.Contains(0) {
				res = append(res, sst)
				continue
			}
		}
		if rng.Intersects(span) || rng.Contains(first) || rng.Contains(last) {
			res = append(res, sst)
		}
	}
	return res
}

func (s *partitionedSSTableSet) All() []*SSTableReader {
	res := make([]*SSTableReader, len(s.sstables))
	copy(res, s.sstables)
	return res
}

func (s *partitionedSSTableSet) Insert(sst *SSTableReader) SSTableSet {
	clone := make([]*SSTableReader, len(s.sstables), len(s.sstables)+1)
	copy(clone, s.sstables)
	clone = append(clone, sst)
	sort.Slice(clone, func(i, j int) bool {
		fi, _ := clone[i].TokenRange()
		fj, _ := clone[j].TokenRange()
		if fi != fj {
			return fi < fj
		}
		return clone[i].Generation() < clone[j].Generation()
	})
	return &partitionedSSTableSet{sstables: clone}
}

func (s *partitionedSSTableSet) Erase(ssts []*SSTableReader) SSTableSet {
	drop := make(map[*SSTableReader]struct{}, len(ssts))
	for _, sst := range ssts {
		drop[sst] = struct{}{}
	}
	clone := make([]*SSTableReader, 0, len(s.sstables))
	for _, sst := range s.sstables {
		if _, gone := drop[sst]; !gone {
			clone = append(clone, sst)
		}
	}
	return &partitionedSSTableSet{sstables: clone}
}

func (s *partitionedSSTableSet) Size() int {
	return len(s.sstables)
}

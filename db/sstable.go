// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/karstdb/karst/dht"
)

// Component names one file of an sstable generation.
type Component string

// The component family of a generation. TOC is authoritative: a
// generation without one is garbage.
const (
	ComponentTOC             Component = "TOC"
	ComponentData            Component = "Data"
	ComponentIndex           Component = "Index"
	ComponentSummary         Component = "Summary"
	ComponentFilter          Component = "Filter"
	ComponentStatistics      Component = "Statistics"
	ComponentCompressionInfo Component = "CompressionInfo"
	ComponentTemporaryTOC    Component = "TemporaryTOC"
	ComponentTemporaryStats  Component = "TemporaryStatistics"
)

// sstableComponents is what a complete generation carries, in TOC
// order.
var sstableComponents = []Component{
	ComponentData,
	ComponentIndex,
	ComponentSummary,
	ComponentFilter,
	ComponentStatistics,
	ComponentCompressionInfo,
	ComponentTOC,
}

// EntryDescriptor identifies one sstable component file on disk.
type EntryDescriptor struct {
	Keyspace     string
	ColumnFamily string
	Version      string
	Generation   int64
	Component    Component
}

// Filename renders `<ks>-<cf>-<version>-<generation>-<component>.db`.
func (d EntryDescriptor) Filename() string {
	return fmt.Sprintf("%s-%s-%s-%d-%s.db",
		d.Keyspace, d.ColumnFamily, d.Version, d.Generation, d.Component)
}

// WithComponent returns the descriptor for a sibling component.
func (d EntryDescriptor) WithComponent(c Component) EntryDescriptor {
	d.Component = c
	return d
}

// ParseSSTableFilename parses the Filename form.
func ParseSSTableFilename(name string) (EntryDescriptor, error) {
	var d EntryDescriptor
	if !strings.HasSuffix(name, ".db") {
		return d, errors.Wrapf(ErrMalformedSSTable, "no .db suffix: %s", name)
	}
	parts := strings.Split(strings.TrimSuffix(name, ".db"), "-")
	if len(parts) != 5 {
		return d, errors.Wrapf(ErrMalformedSSTable, "bad sstable filename: %s", name)
	}
	gen, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return d, errors.Wrapf(ErrMalformedSSTable, "bad generation in %s", name)
	}
	d.Keyspace = parts[0]
	d.ColumnFamily = parts[1]
	d.Version = parts[2]
	d.Generation = gen
	d.Component = Component(parts[4])
	switch d.Component {
	case ComponentTOC, ComponentData, ComponentIndex, ComponentSummary,
		ComponentFilter, ComponentStatistics, ComponentCompressionInfo,
		ComponentTemporaryTOC, ComponentTemporaryStats:
	default:
		return d, errors.Wrapf(ErrMalformedSSTable, "unknown component in %s", name)
	}
	return d, nil
}

// dropTimeBucket is one histogram bucket of tombstone local deletion
// times.
type dropTimeBucket struct {
	Second uint32
	Count  uint64
}

// dropTimeHistogram estimates when the tombstones of an sstable become
// droppable. Empty means the sstable carries no tombstones.
type dropTimeHistogram struct {
	Buckets []dropTimeBucket
}

const dropTimeBucketWidth = 60

func (h *dropTimeHistogram) add(second uint32) {
	bucket := second / dropTimeBucketWidth * dropTimeBucketWidth
	for i := range h.Buckets {
		if h.Buckets[i].Second == bucket {
			h.Buckets[i].Count++
			return
		}
	}
	h.Buckets = append(h.Buckets, dropTimeBucket{Second: bucket, Count: 1})
}

// IsEmpty reports a tombstone-free sstable.
func (h *dropTimeHistogram) IsEmpty() bool {
	return len(h.Buckets) == 0
}

// StatsMetadata is the Statistics component: everything readers need
// without touching the data file.
type StatsMetadata struct {
	MinTimestamp int64
	MaxTimestamp int64

	// Per clustering component minimum and maximum values observed.
	MinClustering [][]byte
	MaxClustering [][]byte

	TombstoneDropTimes dropTimeHistogram

	// OwningShards are the shards whose token ranges intersect the
	// sstable, sorted.
	OwningShards []int

	Level          int32
	PartitionCount int64

	FirstToken dht.Token
	LastToken  dht.Token
	FirstKey   []byte
	LastKey    []byte

	Partitioner string
}

func serializeStats(s *StatsMetadata) []byte {
	buf := make([]byte, 0, 256)
	buf = appendUint64(buf, uint64(s.MinTimestamp))
	buf = appendUint64(buf, uint64(s.MaxTimestamp))
	buf = appendUint32(buf, uint32(len(s.MinClustering)))
	for _, v := range s.MinClustering {
		buf = appendBytes(buf, v)
	}
	buf = appendUint32(buf, uint32(len(s.MaxClustering)))
	for _, v := range s.MaxClustering {
		buf = appendBytes(buf, v)
	}
	buf = appendUint32(buf, uint32(len(s.TombstoneDropTimes.Buckets)))
	for _, b := range s.TombstoneDropTimes.Buckets {
		buf = appendUint32(buf, b.Second)
		buf = appendUint64(buf, b.Count)
	}
	buf = appendUint32(buf, uint32(len(s.OwningShards)))
	for _, shard := range s.OwningShards {
		buf = appendUint32(buf, uint32(shard))
	}
	buf = appendUint32(buf, uint32(s.Level))
	buf = appendUint64(buf, uint64(s.PartitionCount))
	buf = appendUint64(buf, uint64(s.FirstToken))
	buf = appendUint64(buf, uint64(s.LastToken))
	buf = appendBytes(buf, s.FirstKey)
	buf = appendBytes(buf, s.LastKey)
	buf = appendBytes(buf, []byte(s.Partitioner))
	return buf
}

func deserializeStats(raw []byte) (*StatsMetadata, error) {
	r := &byteReader{buf: raw}
	s := &StatsMetadata{}
	v, err := r.u64()
	if err != nil {
		return nil, err
	}
	s.MinTimestamp = int64(v)
	if v, err = r.u64(); err != nil {
		return nil, err
	}
	s.MaxTimestamp = int64(v)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		b, err := r.bytes()
		if err != nil {
			return nil, err
		}
		s.MinClustering = append(s.MinClustering, b)
	}
	if n, err = r.u32(); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		b, err := r.bytes()
		if err != nil {
			return nil, err
		}
		s.MaxClustering = append(s.MaxClustering, b)
	}
	if n, err = r.u32(); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		sec, err := r.u32()
		if err != nil {
			return nil, err
		}
		count, err := r.u64()
		if err != nil {
			return nil, err
		}
		s.TombstoneDropTimes.Buckets = append(s.TombstoneDropTimes.Buckets,
			dropTimeBucket{Second: sec, Count: count})
	}
	if n, err = r.u32(); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		shard, err := r.u32()
		if err != nil {
			return nil, err
		}
		s.OwningShards = append(s.OwningShards, int(shard))
	}
	if n, err = r.u32(); err != nil {
		return nil, err
	}
	s.Level = int32(n)
	if v, err = r.u64(); err != nil {
		return nil, err
	}
	s.PartitionCount = int64(v)
	if v, err = r.u64(); err != nil {
		return nil, err
	}
	s.FirstToken = dht.Token(v)
	if v, err = r.u64(); err != nil {
		return nil, err
	}
	s.LastToken = dht.Token(v)
	if s.FirstKey, err = r.bytes(); err != nil {
		return nil, err
	}
	if s.LastKey, err = r.bytes(); err != nil {
		return nil, err
	}
	part, err := r.bytes()
	if err != nil {
		return nil, err
	}
	s.Partitioner = string(part)
	return s, nil
}

// KeyPositionInfo is one Index entry: a decorated key and its frame
// offset in the data component.
type KeyPositionInfo struct {
	Key      dht.DecoratedKey
	Position int64
}

// summaryInterval is how many index entries share one summary entry.
const summaryInterval = 128

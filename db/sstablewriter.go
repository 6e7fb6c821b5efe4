// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/karstdb/karst/dht"
	"github.com/karstdb/karst/utils"
)

// bloomBitsPerKey sizes partition-key filters (~1% false positives).
const bloomBitsPerKey = 10

// SSTableWriter writes one sstable generation. Partitions must be
// appended in decorated-key order; Seal finalizes the component family
// and promotes TemporaryTOC to TOC.
type SSTableWriter struct {
	dir        string
	descriptor EntryDescriptor
	schema     *Schema
	shardCount int

	dataFile *os.File
	position int64

	bf      *utils.BloomFilter
	index   []KeyPositionInfo
	stats   StatsMetadata
	lastKey *dht.DecoratedKey

	owningShards map[int]struct{}
}

// NewSSTableWriter creates the data component and the TemporaryTOC
// marker for a fresh generation.
func NewSSTableWriter(dir string, desc EntryDescriptor, schema *Schema, estimatedKeys, shardCount int, level int32) (*SSTableWriter, error) {
	w := &SSTableWriter{
		dir:          dir,
		descriptor:   desc.WithComponent(ComponentData),
		schema:       schema,
		shardCount:   shardCount,
		bf:           utils.NewBloomFilter(estimatedKeys, bloomBitsPerKey),
		owningShards: make(map[int]struct{}),
	}
	w.stats.Level = level
	w.stats.Partitioner = "Murmur3Partitioner"
	// TemporaryTOC first: its presence marks the generation partial
	// until Seal swaps in the real TOC
	if err := w.writeTOC(ComponentTemporaryTOC); err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(dir, w.descriptor.Filename()))
	if err != nil {
		return nil, errors.Wrap(err, "create sstable data")
	}
	w.dataFile = f
	return w, nil
}

func (w *SSTableWriter) writeTOC(c Component) error {
	var body []byte
	for _, comp := range sstableComponents {
		body = append(body, []byte(comp)...)
		body = append(body, '\n')
	}
	path := filepath.Join(w.dir, w.descriptor.WithComponent(c).Filename())
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", c)
	}
	return nil
}

// Append writes one partition. Keys must arrive in strictly ascending
// decorated-key order.
func (w *SSTableWriter) Append(key dht.DecoratedKey, mut *Mutation) error {
	if w.lastKey != nil && key.Compare(*w.lastKey) <= 0 {
		return errors.Errorf("sstable keys must be appended in ascending order: %d after %d",
			key.Token, w.lastKey.Token)
	}
	blob := snappy.Encode(nil, serializeMutation(mut))
	frame := make([]byte, 0, 16+len(key.Key)+len(blob))
	frame = appendBytes(frame, key.Key)
	frame = appendUint64(frame, uint64(key.Token))
	frame = appendBytes(frame, blob)
	if _, err := w.dataFile.Write(frame); err != nil {
		return errors.Wrap(err, "append sstable partition")
	}
	w.bf.Add(key.Key)
	w.index = append(w.index, KeyPositionInfo{Key: key, Position: w.position})
	w.position += int64(len(frame))
	w.noteStats(key, mut)
	k := key
	w.lastKey = &k
	return nil
}

func (w *SSTableWriter) noteStats(key dht.DecoratedKey, mut *Mutation) {
	if w.stats.PartitionCount == 0 {
		w.stats.FirstToken = key.Token
		w.stats.FirstKey = key.Key
		w.stats.MinTimestamp = mut.MinTimestamp()
	}
	w.stats.LastToken = key.Token
	w.stats.LastKey = key.Key
	w.stats.PartitionCount++
	if min := mut.MinTimestamp(); min != 0 && (w.stats.MinTimestamp == 0 || min < w.stats.MinTimestamp) {
		w.stats.MinTimestamp = min
	}
	if max := mut.MaxTimestamp(); max > w.stats.MaxTimestamp {
		w.stats.MaxTimestamp = max
	}
	mut.forEachTombstoneDropTime(w.stats.TombstoneDropTimes.add)
	w.owningShards[dht.ShardOf(key.Token, w.shardCount)] = struct{}{}
	for _, row := range mut.Rows() {
		w.noteClustering(row.Clustering)
	}
}

// noteClustering folds a row's clustering tuple into the per-component
// min/max.
func (w *SSTableWriter) noteClustering(ck ClusteringKey) {
	for i, comp := range ck {
		if i >= len(w.stats.MinClustering) {
			w.stats.MinClustering = append(w.stats.MinClustering, comp)
			w.stats.MaxClustering = append(w.stats.MaxClustering, comp)
			continue
		}
		t := w.schema.clusteringType(i)
		if t.Compare(comp, w.stats.MinClustering[i]) < 0 {
			w.stats.MinClustering[i] = comp
		}
		if t.Compare(comp, w.stats.MaxClustering[i]) > 0 {
			w.stats.MaxClustering[i] = comp
		}
	}
}

func (w *SSTableWriter) componentPath(c Component) string {
	return filepath.Join(w.dir, w.descriptor.WithComponent(c).Filename())
}

// Seal writes the remaining components, promotes TemporaryTOC to TOC
// and opens the finished sstable for reading.
func (w *SSTableWriter) Seal() (*SSTableReader, error) {
	if err := w.dataFile.Sync(); err != nil {
		return nil, errors.Wrap(err, "sync sstable data")
	}
	if err := w.dataFile.Close(); err != nil {
		return nil, errors.Wrap(err, "close sstable data")
	}

	// Index: every partition; Summary: every summaryInterval-th
	var indexBuf, summaryBuf []byte
	indexBuf = appendUint32(indexBuf, uint32(len(w.index)))
	summaryCount := uint32(0)
	var summaryBody []byte
	for i, e := range w.index {
		entry := appendBytes(nil, e.Key.Key)
		entry = appendUint64(entry, uint64(e.Key.Token))
		entry = appendUint64(entry, uint64(e.Position))
		indexBuf = append(indexBuf, entry...)
		if i%summaryInterval == 0 {
			summaryBody = append(summaryBody, entry...)
			summaryCount++
		}
	}
	summaryBuf = appendUint32(nil, summaryCount)
	summaryBuf = append(summaryBuf, summaryBody...)
	if err := os.WriteFile(w.componentPath(ComponentIndex), indexBuf, 0o644); err != nil {
		return nil, errors.Wrap(err, "write index")
	}
	if err := os.WriteFile(w.componentPath(ComponentSummary), summaryBuf, 0o644); err != nil {
		return nil, errors.Wrap(err, "write summary")
	}
	if err := os.WriteFile(w.componentPath(ComponentFilter), w.bf.ToByteArray(), 0o644); err != nil {
		return nil, errors.Wrap(err, "write filter")
	}
	for shard := range w.owningShards {
		w.stats.OwningShards = append(w.stats.OwningShards, shard)
	}
	sortInts(w.stats.OwningShards)
	if err := os.WriteFile(w.componentPath(ComponentStatistics), serializeStats(&w.stats), 0o644); err != nil {
		return nil, errors.Wrap(err, "write statistics")
	}
	if err := os.WriteFile(w.componentPath(ComponentCompressionInfo), appendBytes(nil, []byte("Snappy")), 0o644); err != nil {
		return nil, errors.Wrap(err, "write compression info")
	}
	if err := w.writeTOC(ComponentTOC); err != nil {
		return nil, err
	}
	if err := os.Remove(w.componentPath(ComponentTemporaryTOC)); err != nil {
		return nil, errors.Wrap(err, "remove temporary TOC")
	}
	return OpenSSTableReader(w.dir, w.descriptor.WithComponent(ComponentTOC))
}

// Abort removes everything written so far.
func (w *SSTableWriter) Abort() {
	if w.dataFile != nil {
		w.dataFile.Close()
	}
	for _, c := range []Component{ComponentData, ComponentIndex, ComponentSummary,
		ComponentFilter, ComponentStatistics, ComponentCompressionInfo, ComponentTemporaryTOC} {
		os.Remove(w.componentPath(c))
	}
}

func sortInts(v []int) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

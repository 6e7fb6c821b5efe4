// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/karstdb/karst/dht"
	"github.com/karstdb/karst/utils"
)

// SSTableReader is one immutable on-disk sstable, opened for reads.
// The body never changes; only bookkeeping flags flip.
type SSTableReader struct {
	descriptor EntryDescriptor
	dir        string

	stats *StatsMetadata
	bf    *utils.BloomFilter
	index []KeyPositionInfo

	mu       sync.Mutex
	dataFile *os.File
	dataSize int64

	markedForDeletion int32
}

// OpenSSTableReader loads a generation's metadata components. The TOC
// must exist; a missing or unreadable component is a malformed sstable.
func OpenSSTableReader(dir string, desc EntryDescriptor) (*SSTableReader, error) {
	r := &SSTableReader{descriptor: desc.WithComponent(ComponentData), dir: dir}
	if _, err := os.Stat(filepath.Join(dir, desc.WithComponent(ComponentTOC).Filename())); err != nil {
		return nil, errors.Wrapf(ErrMalformedSSTable, "generation %d has no TOC", desc.Generation)
	}
	raw, err := os.ReadFile(filepath.Join(dir, desc.WithComponent(ComponentFilter).Filename()))
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedSSTable, "read filter: %v", err)
	}
	bf, ok := utils.BloomFilterFromBytes(raw)
	if !ok {
		return nil, errors.Wrapf(ErrMalformedSSTable, "bad filter component, generation %d", desc.Generation)
	}
	r.bf = bf
	if raw, err = os.ReadFile(filepath.Join(dir, desc.WithComponent(ComponentStatistics).Filename())); err != nil {
		return nil, errors.Wrapf(ErrMalformedSSTable, "read statistics: %v", err)
	}
	if r.stats, err = deserializeStats(raw); err != nil {
		return nil, err
	}
	if raw, err = os.ReadFile(filepath.Join(dir, desc.WithComponent(ComponentIndex).Filename())); err != nil {
		return nil, errors.Wrapf(ErrMalformedSSTable, "read index: %v", err)
	}
	if r.index, err = parseIndex(raw); err != nil {
		return nil, err
	}
	return r, nil
}

func parseIndex(raw []byte) ([]KeyPositionInfo, error) {
	br := &byteReader{buf: raw}
	count, err := br.u32()
	if err != nil {
		return nil, err
	}
	index := make([]KeyPositionInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := br.bytes()
		if err != nil {
			return nil, err
		}
		token, err := br.u64()
		if err != nil {
			return nil, err
		}
		pos, err := br.u64()
		if err != nil {
			return nil, err
		}
		index = append(index, KeyPositionInfo{
			Key:      dht.DecoratedKey{Token: dht.Token(token), Key: key},
			Position: int64(pos),
		})
	}
	return index, nil
}

// OpenData opens the data component for reads. Idempotent.
func (r *SSTableReader) OpenData() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dataFile != nil {
		return nil
	}
	f, err := os.Open(filepath.Join(r.dir, r.descriptor.Filename()))
	if err != nil {
		return errors.Wrapf(ErrMalformedSSTable, "open data: %v", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "stat sstable data")
	}
	r.dataFile = f
	r.dataSize = info.Size()
	return nil
}

// Close releases the data file handle.
func (r *SSTableReader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dataFile != nil {
		r.dataFile.Close()
		r.dataFile = nil
	}
}

// Descriptor identifies the sstable.
func (r *SSTableReader) Descriptor() EntryDescriptor {
	return r.descriptor
}

// Generation is the sstable's generation number.
func (r *SSTableReader) Generation() int64 {
	return r.descriptor.Generation
}

// Stats exposes the statistics component.
func (r *SSTableReader) Stats() *StatsMetadata {
	return r.stats
}

// DataSize is the data component size in bytes.
func (r *SSTableReader) DataSize() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dataFile != nil {
		return r.dataSize
	}
	info, err := os.Stat(filepath.Join(r.dir, r.descriptor.Filename()))
	if err != nil {
		return 0
	}
	return info.Size()
}

// IsShared reports whether more than one shard owns tokens in this
// sstable.
func (r *SSTableReader) IsShared() bool {
	return len(r.stats.OwningShards) > 1
}

// OwnedBy reports whether shard appears in the owning set.
func (r *SSTableReader) OwnedBy(shard int) bool {
	for _, s := range r.stats.OwningShards {
		if s == shard {
			return true
		}
	}
	return false
}

// MarkForDeletion flags the sstable so the local shard stops using it;
// the actual file removal is the atomic-delete primitive's business.
func (r *SSTableReader) MarkForDeletion() {
	atomic.StoreInt32(&r.markedForDeletion, 1)
}

// MarkedForDeletion reports the local deletion vote.
func (r *SSTableReader) MarkedForDeletion() bool {
	return atomic.LoadInt32(&r.markedForDeletion) == 1
}

// MayContain is the bloom-filter gate.
func (r *SSTableReader) MayContain(key []byte) bool {
	return r.bf.IsPresent(key)
}

// TokenRange is the (first, last) token span of the sstable, as a
// closed interval expressed inclusively on both ends.
func (r *SSTableReader) TokenRange() (dht.Token, dht.Token) {
	return r.stats.FirstToken, r.stats.LastToken
}

// readFrameAt reads and decodes the partition frame at offset.
func (r *SSTableReader) readFrameAt(pos int64) (dht.DecoratedKey, *Mutation, int64, error) {
	var none dht.DecoratedKey
	b4 := make([]byte, 4)
	if _, err := r.dataFile.ReadAt(b4, pos); err != nil {
		return none, nil, 0, errors.Wrap(err, "read frame key length")
	}
	keyLen := int64(binary.BigEndian.Uint32(b4))
	head := make([]byte, keyLen+8+4)
	if _, err := r.dataFile.ReadAt(head, pos+4); err != nil {
		return none, nil, 0, errors.Wrap(err, "read frame head")
	}
	key := head[:keyLen]
	token := dht.Token(binary.BigEndian.Uint64(head[keyLen:]))
	blobLen := int64(binary.BigEndian.Uint32(head[keyLen+8:]))
	blob := make([]byte, blobLen)
	if _, err := r.dataFile.ReadAt(blob, pos+4+keyLen+8+4); err != nil {
		return none, nil, 0, errors.Wrap(err, "read frame body")
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return none, nil, 0, errors.Wrapf(ErrMalformedSSTable, "decompress partition: %v", err)
	}
	mut, err := deserializeMutation(raw)
	if err != nil {
		return none, nil, 0, err
	}
	next := pos + 4 + keyLen + 8 + 4 + blobLen
	return dht.DecoratedKey{Token: token, Key: key}, mut, next, nil
}

// Read returns the partition for key, or nil when absent.
func (r *SSTableReader) Read(key dht.DecoratedKey) (*Mutation, error) {
	if !r.MayContain(key.Key) {
		return nil, nil
	}
	if err := r.OpenData(); err != nil {
		return nil, err
	}
	idx := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].Key.Compare(key) >= 0
	})
	if idx >= len(r.index) || r.index[idx].Key.Compare(key) != 0 {
		return nil, nil
	}
	got, mut, _, err := r.readFrameAt(r.index[idx].Position)
	if err != nil {
		return nil, err
	}
	if got.Token != key.Token || !bytes.Equal(got.Key, key.Key) {
		return nil, errors.Wrapf(ErrMalformedSSTable,
			"index points at wrong partition in generation %d", r.descriptor.Generation)
	}
	return mut, nil
}

// MakeRangeReader streams partitions with tokens inside rng. When
// accept is non-nil, partitions it rejects are filtered out (shared
// sstable shard filtering).
func (r *SSTableReader) MakeRangeReader(rng dht.Range, accept func(dht.Token) bool) MutationReader {
	if err := r.OpenData(); err != nil {
		return &errReader{err: err}
	}
	base := &sstableRangeReader{sst: r, rng: rng}
	if accept == nil {
		return base
	}
	return &tokenFilterReader{inner: base, accept: accept}
}

type errReader struct{ err error }

func (e *errReader) Next() (*PartitionEntry, error) { return nil, e.err }
func (e *errReader) Close()                         {}

// sstableRangeReader walks index entries in order, reading frames for
// partitions inside the range.
type sstableRangeReader struct {
	sst *SSTableReader
	rng dht.Range
	idx int
}

func (s *sstableRangeReader) Next() (*PartitionEntry, error) {
	for ; s.idx < len(s.sst.index); s.idx++ {
		entry := s.sst.index[s.idx]
		if !s.rng.Contains(entry.Key.Token) {
			continue
		}
		key, mut, _, err := s.sst.readFrameAt(entry.Position)
		if err != nil {
			return nil, err
		}
		s.idx++
		return &PartitionEntry{Key: key, Mut: mut}, nil
	}
	return nil, nil
}

func (s *sstableRangeReader) Close() {}

// deleteComponents unlinks every component file of the generation.
// Used by the atomic-delete primitive once all shards voted. The data
// file handle stays open: readers holding the pre-compaction set keep
// reading the unlinked file until they finish.
func (r *SSTableReader) deleteComponents() error {
	var firstErr error
	for _, c := range sstableComponents {
		path := filepath.Join(r.dir, r.descriptor.WithComponent(c).Filename())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// componentPaths lists the absolute paths of the generation's
// components, for snapshots and backups.
func (r *SSTableReader) componentPaths() []string {
	paths := make([]string, 0, len(sstableComponents))
	for _, c := range sstableComponents {
		paths = append(paths, filepath.Join(r.dir, r.descriptor.WithComponent(c).Filename()))
	}
	return paths
}

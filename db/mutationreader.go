// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"container/heap"

	"github.com/karstdb/karst/dht"
)

// PartitionEntry is one partition produced by a reader: the decorated
// key and the (possibly partial) mutation a source holds for it.
type PartitionEntry struct {
	Key dht.DecoratedKey
	Mut *Mutation
}

// MutationReader streams partitions in decorated-key order. Next
// returns nil when the stream is exhausted.
type MutationReader interface {
	Next() (*PartitionEntry, error)
	Close()
}

// emptyMutationReader yields nothing.
type emptyMutationReader struct{}

func (emptyMutationReader) Next() (*PartitionEntry, error) { return nil, nil }
func (emptyMutationReader) Close()                         {}

// NewEmptyMutationReader returns a reader over nothing.
func NewEmptyMutationReader() MutationReader {
	return emptyMutationReader{}
}

// sliceMutationReader walks a pre-sorted slice of entries.
type sliceMutationReader struct {
	entries []*PartitionEntry
	idx     int
}

func newSliceMutationReader(entries []*PartitionEntry) *sliceMutationReader {
	return &sliceMutationReader{entries: entries}
}

func (r *sliceMutationReader) Next() (*PartitionEntry, error) {
	if r.idx >= len(r.entries) {
		return nil, nil
	}
	e := r.entries[r.idx]
	r.idx++
	return e, nil
}

func (r *sliceMutationReader) Close() {}

// readerHeapItem pairs a sub-reader with its buffered head entry.
type readerHeapItem struct {
	reader MutationReader
	head   *PartitionEntry
}

type readerHeap []*readerHeapItem

func (h readerHeap) Len() int { return len(h) }
func (h readerHeap) Less(i, j int) bool {
	return h[i].head.Key.Less(h[j].head.Key)
}
func (h readerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readerHeap) Push(x interface{}) {
	*h = append(*h, x.(*readerHeapItem))
}
func (h *readerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// CombinedMutationReader merges several readers into one stream,
// reconciling all versions of a partition cell-wise.
type CombinedMutationReader struct {
	schema  *Schema
	heap    readerHeap
	readers []MutationReader
	primed  bool
	err     error
}

// NewCombinedMutationReader merges the given sub-readers.
func NewCombinedMutationReader(schema *Schema, readers []MutationReader) *CombinedMutationReader {
	return &CombinedMutationReader{schema: schema, readers: readers}
}

func (c *CombinedMutationReader) prime() error {
	c.primed = true
	c.heap = make(readerHeap, 0, len(c.readers))
	for _, r := range c.readers {
		head, err := r.Next()
		if err != nil {
			return err
		}
		if head != nil {
			c.heap = append(c.heap, &readerHeapItem{reader: r, head: head})
		}
	}
	heap.Init(&c.heap)
	return nil
}

// Next pops the smallest key across all sub-readers, folding together
// every sub-reader positioned on that same key.
func (c *CombinedMutationReader) Next() (*PartitionEntry, error) {
	if c.err != nil {
		return nil, c.err
	}
	if !c.primed {
		if err := c.prime(); err != nil {
			c.err = err
			return nil, err
		}
	}
	if c.heap.Len() == 0 {
		return nil, nil
	}
	first := heap.Pop(&c.heap).(*readerHeapItem)
	merged := &PartitionEntry{Key: first.head.Key, Mut: first.head.Mut.Clone()}
	if err := c.advance(first); err != nil {
		c.err = err
		return nil, err
	}
	for c.heap.Len() > 0 && c.heap[0].head.Key.Compare(merged.Key) == 0 {
		item := heap.Pop(&c.heap).(*readerHeapItem)
		merged.Mut.Apply(c.schema, item.head.Mut)
		if err := c.advance(item); err != nil {
			c.err = err
			return nil, err
		}
	}
	return merged, nil
}

func (c *CombinedMutationReader) advance(item *readerHeapItem) error {
	head, err := item.reader.Next()
	if err != nil {
		return err
	}
	if head != nil {
		item.head = head
		heap.Push(&c.heap, item)
	}
	return nil
}

// Close closes every sub-reader.
func (c *CombinedMutationReader) Close() {
	for _, r := range c.readers {
		r.Close()
	}
}

// tokenFilterReader drops entries whose token falls outside the shard
// owned by the surrounding reader; used for shared sstables.
type tokenFilterReader struct {
	inner  MutationReader
	accept func(dht.Token) bool
}

func (r *tokenFilterReader) Next() (*PartitionEntry, error) {
	for {
		e, err := r.inner.Next()
		if err != nil || e == nil {
			return e, err
		}
		if r.accept(e.Key.Token) {
			return e, nil
		}
	}
}

func (r *tokenFilterReader) Close() {
	r.inner.Close()
}

// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"context"
	"sync"
	"time"

	"github.com/karstdb/karst/dht"
)

// SealBehavior selects how SealActive schedules the flush.
type SealBehavior int

const (
	// FlushImmediate seals and flushes now.
	FlushImmediate SealBehavior = iota
	// FlushDelayed may coalesce with a short timer so many small
	// incoming mutations (streaming) batch into one sstable.
	FlushDelayed
)

// MemtableList is the ordered memtable sequence of one CF: exactly one
// active (mutable, the back) plus zero or more sealed memtables waiting
// on their flush. The seal function is installed by the owning CF.
type MemtableList struct {
	schema  *Schema
	manager *DirtyMemoryManager

	// sealImmediate seals the active memtable and drives its flush; it
	// is the CF's seal_active_memtable entry point.
	sealImmediate func() error
	sealDelay     time.Duration

	mu        sync.Mutex
	memtables []*Memtable

	// flushFuture is shared by concurrent RequestFlush callers.
	flushFuture chan error

	delayTimer *time.Timer
}

// NewMemtableList builds a list with one fresh active memtable.
func NewMemtableList(schema *Schema, manager *DirtyMemoryManager, sealDelay time.Duration) *MemtableList {
	l := &MemtableList{
		schema:    schema,
		manager:   manager,
		sealDelay: sealDelay,
	}
	l.memtables = []*Memtable{NewMemtable(schema, manager.Group())}
	return l
}

// setSealFn installs the CF's seal entry point. Must run before any
// seal or flush request.
func (l *MemtableList) setSealFn(seal func() error) {
	l.sealImmediate = seal
}

// Back returns the active memtable.
func (l *MemtableList) Back() *Memtable {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.memtables[len(l.memtables)-1]
}

// Apply writes into the active memtable.
func (l *MemtableList) Apply(key dht.DecoratedKey, mut *Mutation, rp ReplayPosition) {
	l.Back().Apply(key, mut, rp)
}

// PendingFlush lists the sealed memtables still awaiting flush, oldest
// first.
func (l *MemtableList) PendingFlush() []*Memtable {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := make([]*Memtable, len(l.memtables)-1)
	copy(res, l.memtables[:len(l.memtables)-1])
	return res
}

// All snapshots the whole list, active last.
func (l *MemtableList) All() []*Memtable {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := make([]*Memtable, len(l.memtables))
	copy(res, l.memtables)
	return res
}

// switchActive freezes the active memtable, pushes a fresh one and
// returns the frozen one. Called by the CF under its flush path.
func (l *MemtableList) switchActive() *Memtable {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.memtables[len(l.memtables)-1]
	old.Freeze()
	l.memtables = append(l.memtables, NewMemtable(l.schema, l.manager.Group()))
	return old
}

// erase removes a flushed memtable from the list.
func (l *MemtableList) erase(m *Memtable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cand := range l.memtables {
		if cand == m {
			l.memtables = append(l.memtables[:i], l.memtables[i+1:]...)
			return
		}
	}
}

// ActiveOccupancy reports the active memtable's accounted bytes; the
// reclaim loop uses it to pick its victim.
func (l *MemtableList) ActiveOccupancy() int64 {
	return l.Back().Occupancy()
}

// SealActive seals the active memtable. Immediate behavior flushes now;
// delayed behavior arms (or rides) a coalescing timer.
func (l *MemtableList) SealActive(behavior SealBehavior) error {
	if behavior == FlushImmediate {
		return l.sealImmediate()
	}
	l.mu.Lock()
	if l.delayTimer == nil {
		l.delayTimer = time.AfterFunc(l.sealDelay, func() {
			l.mu.Lock()
			l.delayTimer = nil
			l.mu.Unlock()
			if err := l.sealImmediate(); err != nil {
				dblog.Error().Err(err).Str("cf", l.schema.Name).Msg("delayed seal failed")
			}
		})
	}
	l.mu.Unlock()
	return nil
}

// RequestFlush seals and flushes the active memtable. Concurrent
// callers share one future; the request takes a flush permit from the
// dirty-memory manager before sealing.
func (l *MemtableList) RequestFlush() <-chan error {
	l.mu.Lock()
	if l.flushFuture != nil {
		fut := l.flushFuture
		l.mu.Unlock()
		return fut
	}
	fut := make(chan error, 1)
	l.flushFuture = fut
	l.mu.Unlock()

	go func() {
		err := l.manager.AcquireFlushPermit(context.Background(), true)
		if err == nil {
			err = l.sealImmediate()
			l.manager.ReleaseFlushPermit()
		}
		l.mu.Lock()
		l.flushFuture = nil
		l.mu.Unlock()
		fut <- err
		close(fut)
	}()
	return fut
}

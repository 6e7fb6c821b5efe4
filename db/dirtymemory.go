// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// region is an accounted memory arena owned by one memtable. Occupancy
// is summed into the owning group.
type region struct {
	group *RegionGroup
	size  int64
}

func (r *region) allocate(n int64) {
	atomic.AddInt64(&r.size, n)
	r.group.allocate(n)
}

// markFlushing moves the region's bytes out of virtual dirty; writers
// blocked on the hard limit may resume while the flush drains.
func (r *region) markFlushing() {
	r.group.markFlushing(atomic.LoadInt64(&r.size))
}

// release returns the region's bytes to the group after a flush.
func (r *region) release() {
	n := atomic.SwapInt64(&r.size, 0)
	r.group.release(n)
}

func (r *region) occupancy() int64 {
	return atomic.LoadInt64(&r.size)
}

// RegionGroup sums region occupancy and enforces soft and hard limits.
// Above soft, reclaiming is signalled; above hard, new allocations block
// until virtual dirty drops back under the limit.
type RegionGroup struct {
	mu   sync.Mutex
	cond *sync.Cond

	// total counts all dirty bytes; virtual excludes bytes whose flush
	// is already underway.
	total   int64
	virtual int64

	softLimit int64
	hardLimit int64

	blockedRequests int64

	// onOverSoft pokes the reclaim loop; set by the owning manager.
	onOverSoft func()
}

// NewRegionGroup builds a group with the given hard limit; the soft
// limit is half of it.
func NewRegionGroup(hardLimit int64) *RegionGroup {
	g := &RegionGroup{softLimit: hardLimit / 2, hardLimit: hardLimit}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *RegionGroup) newRegion() *region {
	return &region{group: g}
}

func (g *RegionGroup) allocate(n int64) {
	g.mu.Lock()
	for g.virtual+n > g.hardLimit {
		g.blockedRequests++
		g.cond.Wait()
	}
	g.total += n
	g.virtual += n
	overSoft := g.virtual > g.softLimit
	g.mu.Unlock()
	if overSoft && g.onOverSoft != nil {
		g.onOverSoft()
	}
}

func (g *RegionGroup) markFlushing(n int64) {
	g.mu.Lock()
	g.virtual -= n
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *RegionGroup) release(n int64) {
	g.mu.Lock()
	g.total -= n
	g.cond.Broadcast()
	g.mu.Unlock()
}

// VirtualDirty is the dirty byte count writes are throttled on.
func (g *RegionGroup) VirtualDirty() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.virtual
}

// TotalDirty includes bytes still being flushed.
func (g *RegionGroup) TotalDirty() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// BlockedRequests counts allocations that had to wait on the hard limit.
func (g *RegionGroup) BlockedRequests() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blockedRequests
}

func (g *RegionGroup) overSoft() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.virtual > g.softLimit
}

// DirtyMemoryManager throttles writes when memtable memory runs hot and
// drives reactive flushing. Each shard carries three: user, system and
// streaming.
type DirtyMemoryManager struct {
	name  string
	group *RegionGroup

	// flushPermit serializes flush initiation. Explicit flushers take
	// precedence over the reactive loop.
	flushPermit     *semaphore.Weighted
	explicitWaiters int64

	mu      sync.Mutex
	targets map[*MemtableList]struct{}

	needFlush chan struct{}
	stop      chan struct{}
	done      sync.WaitGroup
}

// NewDirtyMemoryManager builds a manager over a fresh region group with
// the given hard limit and starts its reclaim loop.
func NewDirtyMemoryManager(name string, hardLimit int64) *DirtyMemoryManager {
	m := &DirtyMemoryManager{
		name:        name,
		group:       NewRegionGroup(hardLimit),
		flushPermit: semaphore.NewWeighted(1),
		targets:     make(map[*MemtableList]struct{}),
		needFlush:   make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	m.group.onOverSoft = m.poke
	m.done.Add(1)
	go m.flushWhenNeeded()
	return m
}

// Group exposes the underlying region group.
func (m *DirtyMemoryManager) Group() *RegionGroup {
	return m.group
}

func (m *DirtyMemoryManager) poke() {
	select {
	case m.needFlush <- struct{}{}:
	default:
	}
}

// RegisterTarget adds a memtable list to the reclaim candidates.
func (m *DirtyMemoryManager) RegisterTarget(l *MemtableList) {
	m.mu.Lock()
	m.targets[l] = struct{}{}
	m.mu.Unlock()
}

// UnregisterTarget removes a memtable list.
func (m *DirtyMemoryManager) UnregisterTarget(l *MemtableList) {
	m.mu.Lock()
	delete(m.targets, l)
	m.mu.Unlock()
}

// AcquireFlushPermit blocks until the caller may start a flush. Explicit
// callers are counted so the reactive loop yields to them.
func (m *DirtyMemoryManager) AcquireFlushPermit(ctx context.Context, explicit bool) error {
	if explicit {
		atomic.AddInt64(&m.explicitWaiters, 1)
		defer atomic.AddInt64(&m.explicitWaiters, -1)
	}
	return m.flushPermit.Acquire(ctx, 1)
}

// ReleaseFlushPermit returns the permit.
func (m *DirtyMemoryManager) ReleaseFlushPermit() {
	m.flushPermit.Release(1)
}

// flushWhenNeeded is the reactive loop: when the group crosses its soft
// limit, flush the largest region until pressure clears.
func (m *DirtyMemoryManager) flushWhenNeeded() {
	defer m.done.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-m.needFlush:
		}
		for m.group.overSoft() {
			// explicit flushers queued on the permit go first
			if atomic.LoadInt64(&m.explicitWaiters) > 0 {
				break
			}
			target := m.largestTarget()
			if target == nil {
				break
			}
			if err := m.AcquireFlushPermit(context.Background(), false); err != nil {
				return
			}
			flushed := target.RequestFlush()
			m.ReleaseFlushPermit()
			select {
			case <-flushed:
			case <-m.stop:
				<-flushed
				return
			}
		}
	}
}

func (m *DirtyMemoryManager) largestTarget() *MemtableList {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *MemtableList
	bestSize := int64(0)
	for l := range m.targets {
		if sz := l.ActiveOccupancy(); sz > bestSize {
			best, bestSize = l, sz
		}
	}
	return best
}

// Shutdown stops the reclaim loop and drains in-flight flushes.
func (m *DirtyMemoryManager) Shutdown() {
	close(m.stop)
	m.done.Wait()
}

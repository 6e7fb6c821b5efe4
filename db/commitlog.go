// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/willf/bitset"
)

// CommitLog is the append-and-flush interface the storage engine
// consumes. The engine never reads the log back; recovery is the outer
// layer's business.
type CommitLog interface {
	// AddEntry durably appends a serialized mutation for a CF and
	// returns its replay position.
	AddEntry(cfID uuid.UUID, entry []byte) (ReplayPosition, error)
	// DiscardCompletedSegments tells the log every mutation of cfID at
	// or below rp is durable in an sstable.
	DiscardCompletedSegments(cfID uuid.UUID, rp ReplayPosition)
	// AddFlushHandler registers a callback invoked when the log wants a
	// CF flushed so old segments can be recycled.
	AddFlushHandler(fn func(cfID uuid.UUID, rp ReplayPosition))
	// Shutdown syncs and closes the log.
	Shutdown() error
}

// clSegment is one commit-log file. The dirty bitset tracks which CFs
// have unflushed writes in it; a segment with no dirty bits can go.
type clSegment struct {
	id       uint64
	path     string
	file     *os.File
	size     int64
	dirty    *bitset.BitSet
	lastRPof map[uuid.UUID]ReplayPosition
}

func (s *clSegment) markDirty(bit uint, cfID uuid.UUID, rp ReplayPosition) {
	s.dirty.Set(bit)
	s.lastRPof[cfID] = rp
}

// FileCommitLog is the file-backed implementation: fixed-size rolling
// segments named CommitLog-<id>.log, each framed entry fsynced on
// append.
type FileCommitLog struct {
	dir       string
	sizeLimit int64

	mu       sync.Mutex
	nextID   uint64
	active   *clSegment
	segments []*clSegment
	cfBits   map[uuid.UUID]uint
	nextBit  uint
	handlers []func(uuid.UUID, ReplayPosition)
	closed   bool
}

// NewFileCommitLog opens a file commit log in dir.
func NewFileCommitLog(dir string, segmentSizeLimit int64) (*FileCommitLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create commitlog dir")
	}
	c := &FileCommitLog{
		dir:       dir,
		sizeLimit: segmentSizeLimit,
		nextID:    1,
		cfBits:    make(map[uuid.UUID]uint),
	}
	if err := c.rollLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileCommitLog) rollLocked() error {
	id := c.nextID
	c.nextID++
	path := filepath.Join(c.dir, fmt.Sprintf("CommitLog-%d.log", id))
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create commitlog segment")
	}
	seg := &clSegment{
		id:       id,
		path:     path,
		file:     f,
		dirty:    bitset.New(64),
		lastRPof: make(map[uuid.UUID]ReplayPosition),
	}
	old := c.active
	c.active = seg
	c.segments = append(c.segments, seg)
	// rolling over a segment with dirty CFs asks them to flush so the
	// segment can eventually be recycled
	if old != nil {
		for cfID, rp := range old.lastRPof {
			if old.dirty.Test(c.cfBits[cfID]) {
				for _, h := range c.handlers {
					go h(cfID, rp)
				}
			}
		}
	}
	return nil
}

func (c *FileCommitLog) bitFor(cfID uuid.UUID) uint {
	bit, ok := c.cfBits[cfID]
	if !ok {
		bit = c.nextBit
		c.nextBit++
		c.cfBits[cfID] = bit
	}
	return bit
}

// AddEntry appends cfID + framed entry bytes and fsyncs.
func (c *FileCommitLog) AddEntry(cfID uuid.UUID, entry []byte) (ReplayPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ReplayPosition{}, errors.New("commitlog shut down")
	}
	if c.active.size >= c.sizeLimit {
		if err := c.rollLocked(); err != nil {
			return ReplayPosition{}, err
		}
	}
	seg := c.active
	offset := uint32(seg.size)
	frame := make([]byte, 0, 20+len(entry))
	frame = append(frame, cfID[:]...)
	b4 := make([]byte, 4)
	binary.BigEndian.PutUint32(b4, uint32(len(entry)))
	frame = append(frame, b4...)
	frame = append(frame, entry...)
	if _, err := seg.file.Write(frame); err != nil {
		return ReplayPosition{}, errors.Wrap(err, "commitlog append")
	}
	if err := seg.file.Sync(); err != nil {
		return ReplayPosition{}, errors.Wrap(err, "commitlog sync")
	}
	seg.size += int64(len(frame))
	rp := ReplayPosition{SegmentID: seg.id, Offset: offset + 1}
	seg.markDirty(c.bitFor(cfID), cfID, rp)
	return rp, nil
}

// DiscardCompletedSegments clears the CF's dirty bit on every segment
// fully covered by rp and deletes segments left with no dirty CF.
func (c *FileCommitLog) DiscardCompletedSegments(cfID uuid.UUID, rp ReplayPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bit, ok := c.cfBits[cfID]
	if !ok {
		return
	}
	for _, seg := range c.segments {
		last, dirty := seg.lastRPof[cfID]
		if dirty && !rp.Less(last) {
			seg.dirty.Clear(bit)
			delete(seg.lastRPof, cfID)
		}
	}
	remaining := c.segments[:0]
	for _, seg := range c.segments {
		if seg != c.active && seg.dirty.None() {
			seg.file.Close()
			if err := os.Remove(seg.path); err != nil {
				dblog.Warn().Err(err).Str("segment", seg.path).Msg("remove clean commitlog segment")
			}
			continue
		}
		remaining = append(remaining, seg)
	}
	c.segments = remaining
}

// AddFlushHandler registers a recycle-pressure callback.
func (c *FileCommitLog) AddFlushHandler(fn func(uuid.UUID, ReplayPosition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Shutdown closes all segments.
func (c *FileCommitLog) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	for _, seg := range c.segments {
		if err := seg.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MemoryCommitLog hands out monotonic replay positions without any
// durability. Used when enable_commitlog is off and by tests.
type MemoryCommitLog struct {
	mu       sync.Mutex
	offset   uint32
	handlers []func(uuid.UUID, ReplayPosition)
	// Discarded records the positions passed to
	// DiscardCompletedSegments, in arrival order.
	Discarded []ReplayPosition
}

// NewMemoryCommitLog returns an empty in-memory log.
func NewMemoryCommitLog() *MemoryCommitLog {
	return &MemoryCommitLog{}
}

// AddEntry allocates the next position.
func (c *MemoryCommitLog) AddEntry(cfID uuid.UUID, entry []byte) (ReplayPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset++
	return ReplayPosition{SegmentID: 1, Offset: c.offset}, nil
}

// DiscardCompletedSegments records the discard.
func (c *MemoryCommitLog) DiscardCompletedSegments(cfID uuid.UUID, rp ReplayPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Discarded = append(c.Discarded, rp)
}

// AddFlushHandler registers a callback; never invoked by this impl.
func (c *MemoryCommitLog) AddFlushHandler(fn func(uuid.UUID, ReplayPosition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Shutdown is a no-op.
func (c *MemoryCommitLog) Shutdown() error { return nil }

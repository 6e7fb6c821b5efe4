// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionGroupBlocksOverHardLimit(t *testing.T) {
	g := NewRegionGroup(1000)
	r := g.newRegion()
	r.allocate(900)

	var unblocked int32
	done := make(chan struct{})
	go func() {
		r2 := g.newRegion()
		r2.allocate(500) // 900+500 > 1000: must block
		atomic.StoreInt32(&unblocked, 1)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&unblocked), "allocation over the hard limit must block")
	assert.Equal(t, int64(1), g.BlockedRequests())

	// flushing the first region moves its bytes out of virtual dirty
	r.markFlushing()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("allocation stayed blocked after virtual dirty dropped")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&unblocked))
	// total still counts the flushing bytes until release
	assert.Equal(t, int64(1400), g.TotalDirty())
	r.release()
	assert.Equal(t, int64(500), g.TotalDirty())
}

func TestRegionGroupSoftLimitSignal(t *testing.T) {
	g := NewRegionGroup(1000)
	poked := make(chan struct{}, 1)
	g.onOverSoft = func() {
		select {
		case poked <- struct{}{}:
		default:
		}
	}
	r := g.newRegion()
	r.allocate(400)
	select {
	case <-poked:
		t.Fatal("below soft limit, no reclaim signal expected")
	default:
	}
	r.allocate(200) // 600 > 500
	select {
	case <-poked:
	case <-time.After(time.Second):
		t.Fatal("crossing the soft limit must signal the reclaim loop")
	}
}

func TestDirtyMemoryManagerReactiveFlush(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.MemtableTotalSpaceInMB = 1 // 1 MB share; soft limit 512 KB
	env := newTestCFWithConfig(t, cfg)

	// write until the active memtable crosses the soft limit; the
	// reclaim loop must pick it and flush it out
	payload := make([]byte, 16*1024)
	for i := 0; i < 64; i++ {
		mut := NewMutation()
		mut.SetCell(env.schema, ck("r"), "v", Cell{Timestamp: int64(i + 1), Value: payload})
		rp, err := env.cl.AddEntry(env.schema.ID, nil)
		require.NoError(t, err)
		require.NoError(t, env.cf.Apply(dk(fmt.Sprintf("pressure-%d", i)), mut, rp))
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if env.cf.Stats().CompletedFlushes > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reactive flusher never flushed under memory pressure")
}

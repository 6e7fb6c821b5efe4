// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingSealProducesSSTableAndInvalidatesCache(t *testing.T) {
	env := newTestCF(t)
	env.cf.DisableAutoCompaction()

	// a regular write, flushed and read back, populates the cache
	env.writeCell(t, "k1", ck("r1"), "v", "old", 10)
	require.NoError(t, env.cf.ForceFlush())
	_, ok := env.readCell(t, "k1", ck("r1"), "v")
	require.True(t, ok)
	require.Greater(t, env.cf.Cache().Len(), 0, "read must have populated the cache")

	// stream a newer version of the same partition
	planID := uuid.New()
	mut := NewMutation()
	mut.SetCell(env.schema, ck("r1"), "v", Cell{Timestamp: 20, Value: []byte("streamed")})
	require.NoError(t, env.cf.ApplyStreamingMutation(planID, dk("k1"), mut, false))
	require.NoError(t, env.cf.SealActiveStreamingMemtable(FlushImmediate))

	assert.Equal(t, 2, env.cf.currentSSTables().Size(), "streaming seal must add one sstable")
	assert.Equal(t, 0, env.cf.Cache().Len(),
		"streaming flush must invalidate the covered range, not update it")

	// a fresh read re-populates with the merged view
	got, ok := env.readCell(t, "k1", ck("r1"), "v")
	require.True(t, ok)
	assert.Equal(t, "streamed", got)
}

func TestStreamingDelayedSealCoalesces(t *testing.T) {
	env := newTestCF(t) // 10ms streaming seal delay
	planID := uuid.New()
	for i := 0; i < 5; i++ {
		mut := NewMutation()
		mut.SetCell(env.schema, ck("r"), "v", Cell{Timestamp: int64(i + 1), Value: []byte("x")})
		require.NoError(t, env.cf.ApplyStreamingMutation(planID, dk(fmt.Sprintf("sk%d", i)), mut, false))
	}
	// nothing flushed yet: the delayed timer is still pending
	assert.Equal(t, 0, env.cf.currentSSTables().Size())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && env.cf.currentSSTables().Size() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, env.cf.currentSSTables().Size(),
		"all five streamed mutations must coalesce into one sstable")
}

func TestFragmentedStreamingPublishesAtPlanEnd(t *testing.T) {
	env := newTestCF(t)
	env.cf.DisableAutoCompaction()
	planID := uuid.New()

	for i := 0; i < 3; i++ {
		mut := NewMutation()
		mut.SetCell(env.schema, ck(fmt.Sprintf("r%d", i)), "v",
			Cell{Timestamp: int64(i + 1), Value: []byte(fmt.Sprintf("frag%d", i))})
		require.NoError(t, env.cf.ApplyStreamingMutation(planID, dk("big-partition"), mut, true))
	}
	// fragments are invisible until the plan completes
	mut, err := env.cf.FindPartition(dk("big-partition"))
	require.NoError(t, err)
	assert.Nil(t, mut)

	require.NoError(t, env.cf.CompleteStreamingPlan(planID))
	for i := 0; i < 3; i++ {
		got, ok := env.readCell(t, "big-partition", ck(fmt.Sprintf("r%d", i)), "v")
		require.True(t, ok, "fragment %d must be visible after plan completion", i)
		assert.Equal(t, fmt.Sprintf("frag%d", i), got)
	}
}

func TestFailStreamingMutationsDropsFragments(t *testing.T) {
	env := newTestCF(t)
	planID := uuid.New()

	mut := NewMutation()
	mut.SetCell(env.schema, ck("r1"), "v", Cell{Timestamp: 1, Value: []byte("doomed")})
	require.NoError(t, env.cf.ApplyStreamingMutation(planID, dk("failed-plan"), mut, true))

	// force the fragment out so an sstable exists to throw away
	st := env.cf.bigStateFor(planID)
	require.NoError(t, st.memtables.SealActive(FlushImmediate))
	env.cf.streamingMu.Lock()
	fragments := len(st.sstables)
	env.cf.streamingMu.Unlock()
	require.Equal(t, 1, fragments)

	require.NoError(t, env.cf.FailStreamingMutations(planID))
	got, err := env.cf.FindPartition(dk("failed-plan"))
	require.NoError(t, err)
	assert.Nil(t, got, "failed plan data must never become visible")
	assert.Equal(t, 0, env.cf.currentSSTables().Size())
}

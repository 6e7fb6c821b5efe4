// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpAt(offset uint32) ReplayPosition {
	return ReplayPosition{SegmentID: 1, Offset: offset}
}

func TestFlushQueuePostsFireInRPOrder(t *testing.T) {
	q := NewFlushQueue()

	var mu sync.Mutex
	posts := make([]ReplayPosition, 0, 3)
	recordPost := func(rp ReplayPosition) {
		mu.Lock()
		posts = append(posts, rp)
		mu.Unlock()
	}

	// three flushes queued in rp order, as sealing queues them, whose
	// work completes out of order: 3 first, then 1, then 2
	release1 := make(chan struct{})
	release2 := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		require.NoError(t, q.Run(rpAt(1), func() error { <-release1; return nil }, recordPost))
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		require.NoError(t, q.Run(rpAt(2), func() error { <-release2; return nil }, recordPost))
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		require.NoError(t, q.Run(rpAt(3), func() error { return nil }, recordPost))
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, posts, "no post may fire before rp 1 is done")
	mu.Unlock()

	close(release1)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []ReplayPosition{rpAt(1)}, posts)
	mu.Unlock()

	close(release2)
	wg.Wait()
	assert.Equal(t, []ReplayPosition{rpAt(1), rpAt(2), rpAt(3)}, posts)
}

func TestFlushQueueZeroRPAdoptsHighestKey(t *testing.T) {
	q := NewFlushQueue()
	var mu sync.Mutex
	posts := make([]ReplayPosition, 0, 2)

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, q.Run(rpAt(7), func() error { <-release; return nil }, func(rp ReplayPosition) {
			mu.Lock()
			posts = append(posts, rp)
			mu.Unlock()
		}))
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		// streaming flush: no commit-log rp, must still order behind
		// the queued rp 7
		require.NoError(t, q.Run(ReplayPosition{}, func() error { return nil }, func(rp ReplayPosition) {
			mu.Lock()
			posts = append(posts, rp)
			mu.Unlock()
		}))
	}()
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Len(t, posts, 2)
	assert.Equal(t, rpAt(7), posts[0])
	assert.Equal(t, rpAt(7), posts[1], "zero rp adopts the highest queued key")
}

func TestFlushQueueWorkErrorSkipsPost(t *testing.T) {
	q := NewFlushQueue()
	posted := false
	err := q.Run(rpAt(1), func() error { return assert.AnError }, func(ReplayPosition) { posted = true })
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, posted)

	// the failed entry must not wedge the queue
	require.NoError(t, q.Run(rpAt(2), func() error { return nil }, func(ReplayPosition) { posted = true }))
	assert.True(t, posted)
}

func TestFlushQueueCloseGate(t *testing.T) {
	q := NewFlushQueue()
	require.NoError(t, q.Run(rpAt(1), func() error { return nil }, func(ReplayPosition) {}))
	q.Close()
	assert.ErrorIs(t, q.CheckOpenGate(), ErrFlushQueueClosed)
	err := q.Run(rpAt(2), func() error { return nil }, func(ReplayPosition) {})
	assert.ErrorIs(t, err, ErrFlushQueueClosed)
}

func TestFlushQueueCloseWaitsForPendingPosts(t *testing.T) {
	q := NewFlushQueue()
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.Run(rpAt(1), func() error { <-release; return nil }, func(ReplayPosition) {})
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a post was pending")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
	<-closed
}

// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package dht

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashTokenDeterministic(t *testing.T) {
	p := NewMurmur3Partitioner()
	for _, key := range []string{"", "a", "hello", "a-much-longer-partition-key-value", "16bytes-exactly!"} {
		a := p.DecorateKey([]byte(key))
		b := p.DecorateKey([]byte(key))
		assert.Equal(t, a.Token, b.Token, "token for %q must be stable", key)
	}
	assert.NotEqual(t, HashToken([]byte("a")), HashToken([]byte("b")))
}

func TestDecoratedKeyOrdering(t *testing.T) {
	a := DecoratedKey{Token: 1, Key: []byte("z")}
	b := DecoratedKey{Token: 2, Key: []byte("a")}
	assert.True(t, a.Less(b), "token dominates key bytes")

	c := DecoratedKey{Token: 2, Key: []byte("b")}
	assert.True(t, b.Less(c), "equal tokens fall back to key bytes")
	assert.Equal(t, 0, b.Compare(b))
}

func TestShardOfBoundsAndSpread(t *testing.T) {
	const shards = 4
	counts := make([]int, shards)
	for i := 0; i < 4096; i++ {
		shard := ShardOf(HashToken([]byte(fmt.Sprintf("key-%d", i))), shards)
		require.GreaterOrEqual(t, shard, 0)
		require.Less(t, shard, shards)
		counts[shard]++
	}
	for shard, n := range counts {
		assert.Greater(t, n, 512, "shard %d is starved: %d keys", shard, n)
	}
	assert.Equal(t, 0, ShardOf(HashToken([]byte("x")), 1))
	assert.Equal(t, 0, ShardOf(HashToken([]byte("x")), 0))
}

func TestRangeContains(t *testing.T) {
	r := Range{Start: 100, End: 200}
	assert.False(t, r.Contains(100), "ranges are start-exclusive")
	assert.True(t, r.Contains(101))
	assert.True(t, r.Contains(200), "ranges are end-inclusive")
	assert.False(t, r.Contains(201))

	wrap := Range{Start: 200, End: 100}
	assert.True(t, wrap.Contains(50))
	assert.True(t, wrap.Contains(250))
	assert.False(t, wrap.Contains(150))

	assert.True(t, FullRange().Contains(0))
	assert.True(t, FullRange().Contains(^Token(0)))
}

func TestRangeIntersectsAndContainedIn(t *testing.T) {
	assert.True(t, Range{Start: 0, End: 100}.Intersects(Range{Start: 50, End: 150}))
	assert.False(t, Range{Start: 0, End: 100}.Intersects(Range{Start: 100, End: 200}))
	assert.True(t, Range{Start: 200, End: 100}.Intersects(Range{Start: 0, End: 50}))

	owned := []Range{{Start: 0, End: 100}, {Start: 500, End: 600}}
	assert.True(t, Range{Start: 10, End: 50}.ContainedIn(owned))
	assert.False(t, Range{Start: 90, End: 110}.ContainedIn(owned))
}

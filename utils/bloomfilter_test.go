// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(1000, 10)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, bf.IsPresent([]byte(fmt.Sprintf("key-%d", i))),
			"added key must always test present")
	}
}

func TestBloomFilterFalsePositiveRate(t *testing.T) {
	bf := NewBloomFilter(1000, 10)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	fp := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if bf.IsPresent([]byte(fmt.Sprintf("absent-%d", i))) {
			fp++
		}
	}
	// 10 bits per element gives on the order of 1%; leave slack
	assert.Less(t, fp, probes/20, "false positive rate out of budget: %d/%d", fp, probes)
}

func TestBloomFilterSerializationRoundTrip(t *testing.T) {
	bf := NewBloomFilter(128, 10)
	keys := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, k := range keys {
		bf.Add(k)
	}
	decoded, ok := BloomFilterFromBytes(bf.ToByteArray())
	require.True(t, ok)
	for _, k := range keys {
		assert.True(t, decoded.IsPresent(k))
	}
	assert.Equal(t, bf.ToByteArray(), decoded.ToByteArray())

	_, ok = BloomFilterFromBytes([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestBoundedStatsDequeWindow(t *testing.T) {
	d := NewBoundedStatsDeque(3)
	for _, v := range []float64{1, 2, 3} {
		d.Add(v)
	}
	assert.Equal(t, 3, d.Size())
	assert.InDelta(t, 6, d.Sum(), 1e-9)
	assert.InDelta(t, 2, d.Mean(), 1e-9)

	d.Add(10) // evicts the oldest (1)
	assert.Equal(t, 3, d.Size())
	assert.InDelta(t, 15, d.Sum(), 1e-9)
	assert.InDelta(t, 5, d.Mean(), 1e-9)
	assert.Greater(t, d.Stdev(), 0.0)

	d.Clear()
	assert.Equal(t, 0, d.Size())
	assert.InDelta(t, 0, d.Mean(), 1e-9)
}

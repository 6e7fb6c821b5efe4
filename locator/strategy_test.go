// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package locator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karstdb/karst/dht"
)

func testRing() *TokenRing {
	return NewTokenRing(map[dht.Token]EndPoint{
		100: "n1",
		200: "n2",
		300: "n3",
	})
}

func TestSimpleStrategyWalksRingClockwise(t *testing.T) {
	s := NewSimpleStrategy(2)
	ring := testRing()

	eps := s.CalculateNaturalEndpoints(150, ring)
	require.Len(t, eps, 2)
	assert.Equal(t, EndPoint("n2"), eps[0], "the first replica owns the next token clockwise")
	assert.Equal(t, EndPoint("n3"), eps[1])

	// past the last token the walk wraps to the start
	eps = s.CalculateNaturalEndpoints(350, ring)
	require.Len(t, eps, 2)
	assert.Equal(t, EndPoint("n1"), eps[0])
	assert.Equal(t, EndPoint("n2"), eps[1])
}

func TestSimpleStrategyDeduplicatesEndpoints(t *testing.T) {
	ring := NewTokenRing(map[dht.Token]EndPoint{
		100: "n1",
		200: "n1",
		300: "n2",
	})
	eps := NewSimpleStrategy(3).CalculateNaturalEndpoints(50, ring)
	assert.Equal(t, []EndPoint{"n1", "n2"}, eps, "an endpoint appears once even with many tokens")
}

func TestSimpleStrategyEmptyRing(t *testing.T) {
	eps := NewSimpleStrategy(3).CalculateNaturalEndpoints(50, NewTokenRing(nil))
	assert.Empty(t, eps)
}

func TestOwnedRanges(t *testing.T) {
	s := NewSimpleStrategy(1)
	ring := testRing()
	owned := OwnedRanges(s, ring, "n2")
	require.Len(t, owned, 1)
	assert.Equal(t, dht.Range{Start: 100, End: 200}, owned[0])

	// with rf=2 each endpoint also replicates its predecessor's range
	owned = OwnedRanges(NewSimpleStrategy(2), ring, "n2")
	assert.Len(t, owned, 2)
}

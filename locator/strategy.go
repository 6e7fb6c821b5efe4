// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package locator is the placement seam of the storage engine. The
// engine only ever consumes a strategy as a function from token to the
// endpoints responsible for it; topology computation lives elsewhere.
package locator

import (
	"sort"

	"github.com/karstdb/karst/dht"
)

// EndPoint names a node. The engine never dials it; it is an opaque id.
type EndPoint string

// TokenRing is the sorted view of the ring a strategy walks.
type TokenRing struct {
	tokens    []dht.Token
	endpoints map[dht.Token]EndPoint
}

// NewTokenRing builds a ring from token ownership.
func NewTokenRing(owned map[dht.Token]EndPoint) *TokenRing {
	r := &TokenRing{endpoints: make(map[dht.Token]EndPoint, len(owned))}
	for t, ep := range owned {
		r.tokens = append(r.tokens, t)
		r.endpoints[t] = ep
	}
	sort.Slice(r.tokens, func(i, j int) bool { return r.tokens[i] < r.tokens[j] })
	return r
}

// firstIndex locates the primary replica slot for a token.
func (r *TokenRing) firstIndex(t dht.Token) int {
	i := sort.Search(len(r.tokens), func(i int) bool { return r.tokens[i] >= t })
	if i == len(r.tokens) {
		i = 0
	}
	return i
}

// IStrategy calculates natural endpoints for a token.
type IStrategy interface {
	CalculateNaturalEndpoints(t dht.Token, ring *TokenRing) []EndPoint
	ReplicationFactor() int
}

// SimpleStrategy walks the ring clockwise from the token and takes the
// first RF distinct endpoints.
type SimpleStrategy struct {
	rf int
}

// NewSimpleStrategy returns a SimpleStrategy with the given factor.
func NewSimpleStrategy(rf int) *SimpleStrategy {
	return &SimpleStrategy{rf: rf}
}

// ReplicationFactor returns the configured factor.
func (s *SimpleStrategy) ReplicationFactor() int {
	return s.rf
}

// CalculateNaturalEndpoints walks the ring clockwise collecting distinct
// endpoints until RF are found or the ring is exhausted.
func (s *SimpleStrategy) CalculateNaturalEndpoints(t dht.Token, ring *TokenRing) []EndPoint {
	res := make([]EndPoint, 0, s.rf)
	if len(ring.tokens) == 0 {
		return res
	}
	seen := make(map[EndPoint]bool)
	idx := ring.firstIndex(t)
	for count := 0; count < len(ring.tokens) && len(res) < s.rf; count++ {
		ep := ring.endpoints[ring.tokens[(idx+count)%len(ring.tokens)]]
		if seen[ep] {
			continue
		}
		seen[ep] = true
		res = append(res, ep)
	}
	return res
}

// OwnedRanges returns the token ranges an endpoint is responsible for
// under the strategy: for each ring token owned by ep (or replicated to
// it), the range (previous token, token].
func OwnedRanges(s IStrategy, ring *TokenRing, ep EndPoint) []dht.Range {
	owned := make([]dht.Range, 0)
	for i, t := range ring.tokens {
		for _, cand := range s.CalculateNaturalEndpoints(t, ring) {
			if cand != ep {
				continue
			}
			prev := ring.tokens[(i+len(ring.tokens)-1)%len(ring.tokens)]
			if len(ring.tokens) == 1 {
				owned = append(owned, dht.FullRange())
			} else {
				owned = append(owned, dht.Range{Start: prev, End: t})
			}
			break
		}
	}
	return owned
}

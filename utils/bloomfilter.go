// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package utils holds small self-contained helpers shared by the engine.
package utils

import (
	"encoding/binary"
	"math"

	"github.com/willf/bitset"
)

// BloomFilter answers "definitely absent" / "maybe present" for
// partition keys. No false negatives; the false-positive rate follows
// from bits-per-element.
type BloomFilter struct {
	count   int32
	hashes  int32
	bitsize int32
	bits    *bitset.BitSet
}

// NewBloomFilter sizes a filter for numElements keys at the given
// bits-per-element budget.
func NewBloomFilter(numElements, bitsPerElement int) *BloomFilter {
	if numElements <= 0 {
		numElements = 1
	}
	bitsize := int32(numElements * bitsPerElement)
	hashes := int32(math.Max(1, math.Round(float64(bitsPerElement)*math.Ln2)))
	return &BloomFilter{
		count:   int32(numElements),
		hashes:  hashes,
		bitsize: bitsize,
		bits:    bitset.New(uint(bitsize)),
	}
}

// NewBloomFilterS rebuilds a filter from its serialized parts.
func NewBloomFilterS(count, hashes, bitsize int32, bits *bitset.BitSet) *BloomFilter {
	return &BloomFilter{count: count, hashes: hashes, bitsize: bitsize, bits: bits}
}

// two independent 64-bit hashes drive the double-hashing scheme.
func bfHash(key []byte) (uint64, uint64) {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h1 uint64 = offset64
	for _, b := range key {
		h1 ^= uint64(b)
		h1 *= prime64
	}
	h2 := h1
	h2 ^= h2 >> 33
	h2 *= 0xff51afd7ed558ccd
	h2 ^= h2 >> 33
	return h1, h2 | 1
}

// Add records a key.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bfHash(key)
	for i := int32(0); i < bf.hashes; i++ {
		bf.bits.Set(uint((h1 + uint64(i)*h2) % uint64(bf.bitsize)))
	}
}

// IsPresent reports whether the key may be present.
func (bf *BloomFilter) IsPresent(key []byte) bool {
	h1, h2 := bfHash(key)
	for i := int32(0); i < bf.hashes; i++ {
		if !bf.bits.Test(uint((h1 + uint64(i)*h2) % uint64(bf.bitsize))) {
			return false
		}
	}
	return true
}

// ToByteArray serializes the filter: count, hashes, bitsize as int32,
// then the bitmap words as uint64, all big-endian.
func (bf *BloomFilter) ToByteArray() []byte {
	words := bf.bits.Bytes()
	buf := make([]byte, 0, 12+8*len(words))
	b4 := make([]byte, 4)
	binary.BigEndian.PutUint32(b4, uint32(bf.count))
	buf = append(buf, b4...)
	binary.BigEndian.PutUint32(b4, uint32(bf.hashes))
	buf = append(buf, b4...)
	binary.BigEndian.PutUint32(b4, uint32(bf.bitsize))
	buf = append(buf, b4...)
	b8 := make([]byte, 8)
	for _, w := range words {
		binary.BigEndian.PutUint64(b8, w)
		buf = append(buf, b8...)
	}
	return buf
}

// BloomFilterFromBytes parses the ToByteArray form.
func BloomFilterFromBytes(raw []byte) (*BloomFilter, bool) {
	if len(raw) < 12 {
		return nil, false
	}
	count := int32(binary.BigEndian.Uint32(raw[0:]))
	hashes := int32(binary.BigEndian.Uint32(raw[4:]))
	bitsize := int32(binary.BigEndian.Uint32(raw[8:]))
	if hashes <= 0 || bitsize <= 0 {
		return nil, false
	}
	words := make([]uint64, 0, (bitsize-1)/64+1)
	for off := 12; off+8 <= len(raw); off += 8 {
		words = append(words, binary.BigEndian.Uint64(raw[off:]))
	}
	return NewBloomFilterS(count, hashes, bitsize, bitset.From(words)), true
}

// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package dht maps partition keys to tokens and tokens to shards. The
// token function is part of the cluster wire contract: it must produce
// identical results on every node and every release.
package dht

import (
	"bytes"
	"encoding/binary"
	"math/bits"
)

// Token places a partition on the ring. Tokens order as unsigned 64-bit
// integers.
type Token uint64

// DecoratedKey is a partition key paired with its token. Partitions sort
// by token first, then by raw key bytes.
type DecoratedKey struct {
	Token Token
	Key   []byte
}

// Compare orders decorated keys: token, then key bytes.
func (d DecoratedKey) Compare(o DecoratedKey) int {
	if d.Token < o.Token {
		return -1
	}
	if d.Token > o.Token {
		return 1
	}
	return bytes.Compare(d.Key, o.Key)
}

// Less reports d < o in decorated-key order.
func (d DecoratedKey) Less(o DecoratedKey) bool {
	return d.Compare(o) < 0
}

// IPartitioner turns partition keys into decorated keys.
type IPartitioner interface {
	DecorateKey(key []byte) DecoratedKey
	Name() string
}

// Murmur3Partitioner hashes keys with a murmur3-derived 64-bit finalizer.
type Murmur3Partitioner struct{}

// NewMurmur3Partitioner returns the default partitioner.
func NewMurmur3Partitioner() *Murmur3Partitioner {
	return &Murmur3Partitioner{}
}

// Name identifies the partitioner in sstable statistics.
func (p *Murmur3Partitioner) Name() string {
	return "Murmur3Partitioner"
}

// DecorateKey hashes key into a token. The key bytes are retained by
// reference; callers must not mutate them afterwards.
func (p *Murmur3Partitioner) DecorateKey(key []byte) DecoratedKey {
	return DecoratedKey{Token: HashToken(key), Key: key}
}

const (
	murmurC1 = 0x87c37b91114253d5
	murmurC2 = 0x4cf5ad432745937f
)

// HashToken is the frozen token function: a murmur3-x64 style mix over
// the key, folded to 64 bits.
func HashToken(key []byte) Token {
	var h1, h2 uint64
	n := len(key)
	full := n / 16 * 16
	for i := 0; i < full; i += 16 {
		k1 := binary.LittleEndian.Uint64(key[i:])
		k2 := binary.LittleEndian.Uint64(key[i+8:])
		k1 *= murmurC1
		k1 = bits.RotateLeft64(k1, 31)
		k1 *= murmurC2
		h1 ^= k1
		h1 = bits.RotateLeft64(h1, 27)
		h1 += h2
		h1 = h1*5 + 0x52dce729
		k2 *= murmurC2
		k2 = bits.RotateLeft64(k2, 33)
		k2 *= murmurC1
		h2 ^= k2
		h2 = bits.RotateLeft64(h2, 31)
		h2 += h1
		h2 = h2*5 + 0x38495ab5
	}
	var k1, k2 uint64
	tail := key[full:]
	for i := len(tail) - 1; i >= 0; i-- {
		if i >= 8 {
			k2 = k2<<8 | uint64(tail[i])
		} else {
			k1 = k1<<8 | uint64(tail[i])
		}
	}
	k2 *= murmurC2
	k2 = bits.RotateLeft64(k2, 33)
	k2 *= murmurC1
	h2 ^= k2
	k1 *= murmurC1
	k1 = bits.RotateLeft64(k1, 31)
	k1 *= murmurC2
	h1 ^= k1
	h1 ^= uint64(n)
	h2 ^= uint64(n)
	h1 += h2
	h2 += h1
	h1 = fmix64(h1)
	h2 = fmix64(h2)
	return Token(h1 + h2)
}

func fmix64(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}

// ShardOf maps a token onto one of shardCount shards. The high bits of
// the token drive the split, so each shard owns one equal, contiguous
// slice of the token space.
func ShardOf(t Token, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	hi, _ := bits.Mul64(uint64(t), uint64(shardCount))
	return int(hi)
}

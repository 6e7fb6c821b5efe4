// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitByComponentSingularPrefix(t *testing.T) {
	// both bounds share "a" then diverge: one singular range plus one
	// ranged component, trailing components dropped
	r := ClusteringRange{
		Start:          ck("a", "m", "zzz"),
		End:            ck("a", "q", "aaa"),
		StartInclusive: true,
		EndInclusive:   false,
	}
	parts := splitByComponent(r)
	require.Len(t, parts, 2)

	assert.Equal(t, []byte("a"), parts[0].start)
	assert.Equal(t, []byte("a"), parts[0].end)
	assert.True(t, parts[0].startInc)
	assert.True(t, parts[0].endInc)

	assert.Equal(t, []byte("m"), parts[1].start)
	assert.Equal(t, []byte("q"), parts[1].end)
	assert.True(t, parts[1].startInc)
	assert.False(t, parts[1].endInc, "the diverging pair keeps the requester's inclusivity")
}

func TestSplitByComponentHalfOpen(t *testing.T) {
	r := ClusteringRange{Start: ck("a"), StartInclusive: true}
	parts := splitByComponent(r)
	require.Len(t, parts, 1)
	assert.True(t, parts[0].hasStart)
	assert.False(t, parts[0].hasEnd)
}

func TestComponentRangeOverlap(t *testing.T) {
	bt := BytesType{}
	full := componentRange{}
	assert.True(t, full.overlaps(bt, []byte("a"), []byte("z")))

	inside := componentRange{start: []byte("c"), end: []byte("f"), startInc: true, endInc: true, hasStart: true, hasEnd: true}
	assert.True(t, inside.overlaps(bt, []byte("a"), []byte("z")))

	below := componentRange{start: []byte("a"), end: []byte("b"), startInc: true, endInc: true, hasStart: true, hasEnd: true}
	assert.False(t, below.overlaps(bt, []byte("c"), []byte("z")))

	above := componentRange{start: []byte("x"), end: []byte("z"), startInc: true, endInc: true, hasStart: true, hasEnd: true}
	assert.False(t, above.overlaps(bt, []byte("a"), []byte("c")))

	// exclusive bounds exclude exact-boundary matches
	touchingExcl := componentRange{start: []byte("c"), startInc: false, hasStart: true}
	assert.False(t, touchingExcl.overlaps(bt, []byte("a"), []byte("c")))
	touchingIncl := componentRange{start: []byte("c"), startInc: true, hasStart: true}
	assert.True(t, touchingIncl.overlaps(bt, []byte("a"), []byte("c")))
}

func filterTestSSTable(t *testing.T, dir string, gen int64, key string, mut *Mutation) *SSTableReader {
	t.Helper()
	return writeTestSSTable(t, dir, gen, 1, map[string]*Mutation{key: mut})
}

func TestFilterKeepsMatchingAndRescuesTombstones(t *testing.T) {
	dir := t.TempDir()
	s := testSchema()

	matching := NewMutation()
	matching.SetCell(s, ck("5", "10"), "v", Cell{Timestamp: 100, Value: []byte("live")})
	a := filterTestSSTable(t, dir, 1, "k", matching)
	defer a.Close()

	tombstones := NewMutation()
	tombstones.DeleteRow(s, ck("zz"), Tombstone{Timestamp: 200, DeletionTime: 900})
	b := filterTestSSTable(t, dir, 2, "k", tombstones)
	defer b.Close()

	unrelatedOld := NewMutation()
	unrelatedOld.SetCell(s, ck("yy"), "v", Cell{Timestamp: 50, Value: []byte("old")})
	c := filterTestSSTable(t, dir, 3, "k", unrelatedOld)
	defer c.Close()

	slice := []ClusteringRange{{
		Start: ck("5", "10"), End: ck("5", "10"),
		StartInclusive: true, EndInclusive: true,
	}}
	kept := filterSSTablesForReader([]*SSTableReader{a, b, c}, s, slice)

	keptSet := make(map[int64]bool)
	for _, sst := range kept {
		keptSet[sst.Generation()] = true
	}
	assert.True(t, keptSet[1], "the matching sstable must be kept")
	assert.True(t, keptSet[2], "the newer tombstone-bearing sstable must be rescued")
	assert.False(t, keptSet[3], "an old tombstone-free non-matching sstable must be dropped")
}

func TestFilterFullRangeShortCircuits(t *testing.T) {
	dir := t.TempDir()
	s := testSchema()
	mut := NewMutation()
	mut.SetCell(s, ck("yy"), "v", Cell{Timestamp: 50, Value: []byte("x")})
	a := filterTestSSTable(t, dir, 1, "k", mut)
	defer a.Close()

	assert.Len(t, filterSSTablesForReader([]*SSTableReader{a}, s, nil), 1)
	assert.Len(t, filterSSTablesForReader([]*SSTableReader{a}, s, []ClusteringRange{FullClusteringRange()}), 1)
}

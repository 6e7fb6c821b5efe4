// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karstdb/karst/dht"
)

func TestMemtableApplyAndGet(t *testing.T) {
	s := testSchema()
	g := NewRegionGroup(1 << 20)
	m := NewMemtable(s, g)

	mut := NewMutation()
	mut.SetCell(s, ck("r1"), "v", Cell{Timestamp: 10, Value: []byte("a")})
	m.Apply(dk("k1"), mut, rpAt(1))

	newer := NewMutation()
	newer.SetCell(s, ck("r1"), "v", Cell{Timestamp: 20, Value: []byte("b")})
	m.Apply(dk("k1"), newer, rpAt(2))

	got := m.GetPartition(dk("k1"))
	require.NotNil(t, got)
	assert.Equal(t, []byte("b"), got.Rows()[0].Cells["v"].Value)
	assert.Nil(t, m.GetPartition(dk("absent")))
	assert.Equal(t, rpAt(2), m.HighestRP())
	assert.Equal(t, 1, m.PartitionCount())
	assert.Greater(t, m.Occupancy(), int64(0))
}

func TestMemtableReaderIsKeyOrderedSnapshot(t *testing.T) {
	s := testSchema()
	m := NewMemtable(s, NewRegionGroup(1<<20))
	keys := []string{"delta", "alpha", "omega", "kilo", "zulu"}
	for i, k := range keys {
		mut := NewMutation()
		mut.SetCell(s, ck("r"), "v", Cell{Timestamp: int64(i + 1), Value: []byte(k)})
		m.Apply(dk(k), mut, rpAt(uint32(i+1)))
	}

	reader := m.MakeReader(dht.FullRange())
	defer reader.Close()
	var last *dht.DecoratedKey
	count := 0
	for {
		e, err := reader.Next()
		require.NoError(t, err)
		if e == nil {
			break
		}
		if last != nil {
			assert.True(t, last.Less(e.Key), "reader must yield decorated-key order")
		}
		k := e.Key
		last = &k
		count++
	}
	assert.Equal(t, len(keys), count)

	// the snapshot must not observe writes made after reader creation
	reader2 := m.MakeReader(dht.FullRange())
	lateMut := NewMutation()
	lateMut.SetCell(s, ck("r"), "v", Cell{Timestamp: 99, Value: []byte("late")})
	m.Apply(dk("latecomer"), lateMut, rpAt(99))
	seen := 0
	for {
		e, err := reader2.Next()
		require.NoError(t, err)
		if e == nil {
			break
		}
		seen++
	}
	reader2.Close()
	assert.Equal(t, len(keys), seen)
}

func TestMemtableListSealSwitchesActive(t *testing.T) {
	env := newTestCF(t)
	list := env.cf.memtables

	mut := NewMutation()
	mut.SetCell(env.schema, ck("r"), "v", Cell{Timestamp: 1, Value: []byte("x")})
	list.Apply(dk("k"), mut, rpAt(1))

	before := list.Back()
	require.NoError(t, env.cf.ForceFlush())
	after := list.Back()
	assert.NotSame(t, before, after, "seal must install a fresh active memtable")
	assert.Empty(t, list.PendingFlush(), "flushed memtable must leave the list")
}

func TestMemtableListRequestFlushShared(t *testing.T) {
	env := newTestCF(t)
	list := env.cf.memtables
	mut := NewMutation()
	mut.SetCell(env.schema, ck("r"), "v", Cell{Timestamp: 1, Value: []byte("x")})
	list.Apply(dk("k"), mut, rpAt(1))

	f1 := list.RequestFlush()
	f2 := list.RequestFlush()
	<-f1
	<-f2
	assert.Equal(t, int64(1), env.cf.Stats().MemtableSwitchCount,
		"concurrent flush requests share one seal")
}

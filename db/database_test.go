// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karstdb/karst/dht"
	"github.com/karstdb/karst/locator"
)

func newTestShardedDB(t *testing.T, shards int) *ShardedDB {
	t.Helper()
	cfg := newTestConfig(t)
	cfg.ShardCount = shards
	s, err := NewShardedDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })
	require.NoError(t, s.CreateKeyspace("ks1", locator.NewSimpleStrategy(1)))
	return s
}

func TestDatabaseKeyspaceAndCFResolution(t *testing.T) {
	s := newTestShardedDB(t, 1)
	d := s.Shard(0)

	_, err := d.Keyspace("nope")
	assert.ErrorIs(t, err, ErrKeyspaceNotFound)

	ks, err := d.Keyspace("ks1")
	require.NoError(t, err)
	_, err = ks.ColumnFamilyStore("nope")
	assert.ErrorIs(t, err, ErrColumnFamilyNotFound)

	schema := testSchema()
	require.NoError(t, s.AddColumnFamily(schema))
	cf, err := ks.ColumnFamilyStore("cf1")
	require.NoError(t, err)
	assert.Same(t, cf.Schema(), schema)

	byID, err := d.ColumnFamily(schema.ID)
	require.NoError(t, err)
	assert.Same(t, cf, byID)
}

func TestDatabaseApplyRoutesAndReads(t *testing.T) {
	s := newTestShardedDB(t, 2)
	schema := testSchema()
	require.NoError(t, s.AddColumnFamily(schema))

	mut := NewMutation()
	mut.SetCell(schema, ck("r1"), "v", Cell{Timestamp: 7, Value: []byte("routed")})
	key := dk("routed-key")
	require.NoError(t, s.Apply(schema.ID, key, mut))

	owner := s.Shard(dht.ShardOf(key.Token, 2))
	ks, err := owner.Keyspace("ks1")
	require.NoError(t, err)
	cf, err := ks.ColumnFamilyStore("cf1")
	require.NoError(t, err)
	got, err := cf.FindPartition(key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("routed"), got.Rows()[0].Cells["v"].Value)

	// the non-owning shard's fast path returns nothing
	other := s.Shard(1 - dht.ShardOf(key.Token, 2))
	ks2, err := other.Keyspace("ks1")
	require.NoError(t, err)
	cf2, err := ks2.ColumnFamilyStore("cf1")
	require.NoError(t, err)
	none, err := cf2.FindPartition(key)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDatabaseApplyUnknownCFDropsSilently(t *testing.T) {
	s := newTestShardedDB(t, 1)
	mut := NewMutation()
	mut.SetCell(testSchema(), ck("r1"), "v", Cell{Timestamp: 1, Value: []byte("x")})
	// a CF that was just dropped: not an error, the write vanishes
	assert.NoError(t, s.Shard(0).Apply(uuid.New(), dk("k"), mut))
}

func TestDropColumnFamily(t *testing.T) {
	s := newTestShardedDB(t, 1)
	schema := testSchema()
	require.NoError(t, s.AddColumnFamily(schema))
	d := s.Shard(0)

	require.NoError(t, d.DropColumnFamily("ks1", "cf1"))
	_, err := d.ColumnFamily(schema.ID)
	assert.ErrorIs(t, err, ErrColumnFamilyNotFound)
	err = d.DropColumnFamily("ks1", "cf1")
	assert.ErrorIs(t, err, ErrColumnFamilyNotFound)
}

func TestShardedSnapshotWritesManifest(t *testing.T) {
	s := newTestShardedDB(t, 2)
	schema := testSchema()
	require.NoError(t, s.AddColumnFamily(schema))

	// spread writes over both shards
	for _, k := range []string{"alpha", "beta", "gamma", "delta"} {
		mut := NewMutation()
		mut.SetCell(schema, ck("r"), "v", Cell{Timestamp: 2, Value: []byte(k)})
		require.NoError(t, s.Apply(schema.ID, dk(k), mut))
	}
	require.NoError(t, s.Snapshot("ks1", "cf1", "backup1"))

	ks, err := s.Shard(0).Keyspace("ks1")
	require.NoError(t, err)
	cf, err := ks.ColumnFamilyStore("cf1")
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(cf.Directory(), "snapshots", "backup1", "manifest.json"))
	require.NoError(t, err)
	var manifest struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.NotEmpty(t, manifest.Files)
}

func TestSystemKeyspaceUsesSystemManager(t *testing.T) {
	s := newTestShardedDB(t, 1)
	require.NoError(t, s.CreateKeyspace(systemKeyspaceName, locator.NewSimpleStrategy(1)))
	schema := NewSchema(systemKeyspaceName, "local", BytesType{}, nil, nil)
	require.NoError(t, s.AddColumnFamily(schema))

	d := s.Shard(0)
	_, system, _ := d.DirtyMemory()
	cf, err := d.ColumnFamily(schema.ID)
	require.NoError(t, err)
	assert.Same(t, system, cf.dirty, "system CFs must charge the system manager")
}

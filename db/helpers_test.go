// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/karstdb/karst/config"
	"github.com/karstdb/karst/dht"
)

func TestMain(m *testing.M) {
	SetLogger(zerolog.Nop())
	os.Exit(m.Run())
}

var testPartitioner = dht.NewMurmur3Partitioner()

func dk(key string) dht.DecoratedKey {
	return testPartitioner.DecorateKey([]byte(key))
}

func ck(components ...string) ClusteringKey {
	res := make(ClusteringKey, 0, len(components))
	for _, c := range components {
		res = append(res, []byte(c))
	}
	return res
}

func testSchema() *Schema {
	return NewSchema("ks1", "cf1", BytesType{},
		[]ColumnType{BytesType{}, BytesType{}},
		[]ColumnDef{{Name: "v", Type: BytesType{}}})
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataFileDirectories = []string{t.TempDir()}
	cfg.CommitLogDirectory = filepath.Join(t.TempDir(), "commitlog")
	cfg.ShardCount = 1
	cfg.EnableCommitlog = false
	cfg.MemtableTotalSpaceInMB = 8
	cfg.StreamingSealDelayInMs = 10
	return cfg
}

type testEnv struct {
	cfg       *config.Config
	schema    *Schema
	cl        *MemoryCommitLog
	dirty     *DirtyMemoryManager
	streaming *DirtyMemoryManager
	cf        *ColumnFamilyStore
}

func newTestCF(t *testing.T) *testEnv {
	t.Helper()
	return newTestCFWithConfig(t, newTestConfig(t))
}

func newTestCFWithConfig(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		cfg:       cfg,
		schema:    testSchema(),
		cl:        NewMemoryCommitLog(),
		dirty:     NewDirtyMemoryManager("user", cfg.MemtableSpacePerShard()),
		streaming: NewDirtyMemoryManager("streaming", cfg.MemtableSpacePerShard()),
	}
	cf, err := NewColumnFamilyStore(cfg, env.schema, 0, env.cl, env.dirty, env.streaming, NewLocalDeleter())
	require.NoError(t, err)
	env.cf = cf
	t.Cleanup(func() {
		env.dirty.Shutdown()
		env.streaming.Shutdown()
	})
	return env
}

// writeCell applies one live cell through the commit log + memtable
// path.
func (env *testEnv) writeCell(t *testing.T, key string, clustering ClusteringKey, column, value string, ts int64) {
	t.Helper()
	mut := NewMutation()
	mut.SetCell(env.schema, clustering, column, Cell{Timestamp: ts, Value: []byte(value)})
	rp, err := env.cl.AddEntry(env.schema.ID, nil)
	require.NoError(t, err)
	require.NoError(t, env.cf.Apply(dk(key), mut, rp))
}

func (env *testEnv) readCell(t *testing.T, key string, clustering ClusteringKey, column string) (string, bool) {
	t.Helper()
	mut, err := env.cf.FindPartition(dk(key))
	require.NoError(t, err)
	if mut == nil {
		return "", false
	}
	for _, row := range mut.Rows() {
		if !row.Clustering.Equal(clustering) {
			continue
		}
		cell, ok := row.Cells[column]
		if !ok || cell.Deleted {
			return "", false
		}
		return string(cell.Value), true
	}
	return "", false
}

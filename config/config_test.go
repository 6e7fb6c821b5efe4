// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "karst.yaml")
	body := `
cluster_name: prod
data_file_directories: ["/var/lib/karst/data"]
memtable_total_space_in_mb: 256
enable_cache: false
shard_count: 4
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.ClusterName)
	assert.Equal(t, []string{"/var/lib/karst/data"}, cfg.DataFileDirectories)
	assert.Equal(t, 256, cfg.MemtableTotalSpaceInMB)
	assert.False(t, cfg.EnableCache)
	assert.Equal(t, 4, cfg.Shards())
	// untouched knobs keep their defaults
	assert.Equal(t, "ka", cfg.SSTableVersion)
	assert.True(t, cfg.EnableCommitlog)
	assert.Equal(t, int64(64), cfg.MemtableSpacePerShard()/(1024*1024))
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_file_directories: []\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

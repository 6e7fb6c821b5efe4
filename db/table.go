// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/karstdb/karst/config"
	"github.com/karstdb/karst/locator"
)

// systemKeyspaceName is the keyspace whose CFs charge the system
// dirty-memory manager, so system queries keep working under user
// write throttle.
const systemKeyspaceName = "system"

// Keyspace groups the column families sharing a replication strategy
// and a data directory.
type Keyspace struct {
	name     string
	strategy locator.IStrategy
	datadir  string

	// UserTypes are the keyspace's user-defined types, opaque to the
	// storage engine.
	UserTypes map[string][]ColumnDef

	mu  sync.RWMutex
	cfs map[string]*ColumnFamilyStore
}

// NewKeyspace creates the keyspace's data directory.
func NewKeyspace(cfg *config.Config, name string, strategy locator.IStrategy) (*Keyspace, error) {
	datadir := filepath.Join(cfg.DataFileDirectories[0], name)
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create keyspace datadir")
	}
	return &Keyspace{
		name:      name,
		strategy:  strategy,
		datadir:   datadir,
		UserTypes: make(map[string][]ColumnDef),
		cfs:       make(map[string]*ColumnFamilyStore),
	}, nil
}

// Name ...
func (k *Keyspace) Name() string {
	return k.name
}

// Strategy is the keyspace's replication strategy seam.
func (k *Keyspace) Strategy() locator.IStrategy {
	return k.strategy
}

// Datadir is the keyspace's directory under the first data file dir.
func (k *Keyspace) Datadir() string {
	return k.datadir
}

// IsSystem reports the system keyspace.
func (k *Keyspace) IsSystem() bool {
	return k.name == systemKeyspaceName
}

// ColumnFamilyStore resolves a CF by name.
func (k *Keyspace) ColumnFamilyStore(name string) (*ColumnFamilyStore, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	cf, ok := k.cfs[name]
	if !ok {
		return nil, errors.Wrapf(ErrColumnFamilyNotFound, "%s.%s", k.name, name)
	}
	return cf, nil
}

// ColumnFamilyStores snapshots all CFs.
func (k *Keyspace) ColumnFamilyStores() []*ColumnFamilyStore {
	k.mu.RLock()
	defer k.mu.RUnlock()
	res := make([]*ColumnFamilyStore, 0, len(k.cfs))
	for _, cf := range k.cfs {
		res = append(res, cf)
	}
	return res
}

func (k *Keyspace) addColumnFamily(cf *ColumnFamilyStore) {
	k.mu.Lock()
	k.cfs[cf.Schema().Name] = cf
	k.mu.Unlock()
}

func (k *Keyspace) removeColumnFamily(name string) *ColumnFamilyStore {
	k.mu.Lock()
	defer k.mu.Unlock()
	cf := k.cfs[name]
	delete(k.cfs, name)
	return cf
}

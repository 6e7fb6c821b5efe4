// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/karstdb/karst/config"
	"github.com/karstdb/karst/dht"
	"github.com/karstdb/karst/locator"
)

// systemMemoryHeadroom is the extra dirty-memory budget the system
// manager gets so system-table queries still complete while user
// writes are throttled.
const systemMemoryHeadroom = int64(10 * 1024 * 1024)

// Database is the per-shard container: it maps CF ids to stores and
// keyspace names to keyspaces, owns the shard's three dirty-memory
// managers, and routes writes through the commit log. All state is
// shard-local; cross-shard work goes through ShardedDB.
type Database struct {
	cfg     *config.Config
	shardID int

	commitlog CommitLog
	deleter   AtomicDeleter

	dirtyUser      *DirtyMemoryManager
	dirtySystem    *DirtyMemoryManager
	dirtyStreaming *DirtyMemoryManager

	mu        sync.RWMutex
	keyspaces map[string]*Keyspace
	cfByID    map[uuid.UUID]*ColumnFamilyStore
}

// NewDatabase stands up one shard.
func NewDatabase(cfg *config.Config, shardID int, cl CommitLog, deleter AtomicDeleter) *Database {
	share := cfg.MemtableSpacePerShard()
	d := &Database{
		cfg:            cfg,
		shardID:        shardID,
		commitlog:      cl,
		deleter:        deleter,
		dirtyUser:      NewDirtyMemoryManager("user", share),
		dirtySystem:    NewDirtyMemoryManager("system", share+systemMemoryHeadroom),
		dirtyStreaming: NewDirtyMemoryManager("streaming", share),
		keyspaces:      make(map[string]*Keyspace),
		cfByID:         make(map[uuid.UUID]*ColumnFamilyStore),
	}
	cl.AddFlushHandler(d.onCommitlogFlushRequest)
	return d
}

// ShardID ...
func (d *Database) ShardID() int {
	return d.shardID
}

// CommitLog exposes the shard's log.
func (d *Database) CommitLog() CommitLog {
	return d.commitlog
}

// onCommitlogFlushRequest reacts to segment-recycling pressure: flush
// the named CF up past rp so the log can discard.
func (d *Database) onCommitlogFlushRequest(cfID uuid.UUID, rp ReplayPosition) {
	d.mu.RLock()
	cf, ok := d.cfByID[cfID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	if cf.HighestFlushedRP().Less(rp) {
		<-cf.memtables.RequestFlush()
	}
}

// CreateKeyspace installs a keyspace on this shard.
func (d *Database) CreateKeyspace(name string, strategy locator.IStrategy) (*Keyspace, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ks, ok := d.keyspaces[name]; ok {
		return ks, nil
	}
	ks, err := NewKeyspace(d.cfg, name, strategy)
	if err != nil {
		return nil, err
	}
	d.keyspaces[name] = ks
	return ks, nil
}

// Keyspace resolves a keyspace by name.
func (d *Database) Keyspace(name string) (*Keyspace, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ks, ok := d.keyspaces[name]
	if !ok {
		return nil, errors.Wrap(ErrKeyspaceNotFound, name)
	}
	return ks, nil
}

// DropKeyspace stops every CF and forgets the keyspace. Data files are
// left on disk for operator-driven removal.
func (d *Database) DropKeyspace(name string) error {
	d.mu.Lock()
	ks, ok := d.keyspaces[name]
	if ok {
		delete(d.keyspaces, name)
	}
	d.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrKeyspaceNotFound, name)
	}
	for _, cf := range ks.ColumnFamilyStores() {
		d.mu.Lock()
		delete(d.cfByID, cf.Schema().ID)
		d.mu.Unlock()
		if err := cf.Stop(); err != nil {
			return err
		}
	}
	return nil
}

// AddColumnFamily installs a CF under its keyspace. System-keyspace
// CFs charge the system dirty-memory manager.
func (d *Database) AddColumnFamily(schema *Schema) (*ColumnFamilyStore, error) {
	ks, err := d.Keyspace(schema.Keyspace)
	if err != nil {
		return nil, err
	}
	dirty := d.dirtyUser
	if ks.IsSystem() {
		dirty = d.dirtySystem
	}
	cf, err := NewColumnFamilyStore(d.cfg, schema, d.shardID, d.commitlog, dirty, d.dirtyStreaming, d.deleter)
	if err != nil {
		return nil, err
	}
	ks.addColumnFamily(cf)
	d.mu.Lock()
	d.cfByID[schema.ID] = cf
	d.mu.Unlock()
	return cf, nil
}

// DropColumnFamily stops a CF and removes it from the maps.
func (d *Database) DropColumnFamily(ksName, cfName string) error {
	ks, err := d.Keyspace(ksName)
	if err != nil {
		return err
	}
	cf := ks.removeColumnFamily(cfName)
	if cf == nil {
		return errors.Wrapf(ErrColumnFamilyNotFound, "%s.%s", ksName, cfName)
	}
	d.mu.Lock()
	delete(d.cfByID, cf.Schema().ID)
	d.mu.Unlock()
	return cf.Stop()
}

// ColumnFamily resolves a CF by id.
func (d *Database) ColumnFamily(id uuid.UUID) (*ColumnFamilyStore, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cf, ok := d.cfByID[id]
	if !ok {
		return nil, errors.Wrap(ErrColumnFamilyNotFound, id.String())
	}
	return cf, nil
}

// Apply journals the mutation and writes it into the CF's memtable. A
// replay-position reorder is retried once by re-appending to the log;
// an unknown CF id means the CF was just dropped, so the mutation is
// dropped silently.
func (d *Database) Apply(cfID uuid.UUID, key dht.DecoratedKey, mut *Mutation) error {
	d.mu.RLock()
	cf, ok := d.cfByID[cfID]
	d.mu.RUnlock()
	if !ok {
		dblog.Info().Str("cf_id", cfID.String()).Msg("write for unknown column family dropped")
		return nil
	}
	var entry []byte
	if d.cfg.EnableCommitlog {
		entry = serializeMutation(mut)
	}
	// the log also allocates replay positions when durability is off
	// (MemoryCommitLog), so flush ordering holds either way
	for attempt := 0; ; attempt++ {
		rp, err := d.commitlog.AddEntry(cfID, entry)
		if err != nil {
			return err
		}
		err = cf.Apply(key, mut, rp)
		if errors.Is(err, ErrReplayPositionReordered) && attempt == 0 {
			// a racing flush advanced the flushed position past our
			// append; one fresh append gets a higher rp
			continue
		}
		return err
	}
}

// FlushAll force-flushes every CF on the shard.
func (d *Database) FlushAll() error {
	d.mu.RLock()
	cfs := make([]*ColumnFamilyStore, 0, len(d.cfByID))
	for _, cf := range d.cfByID {
		cfs = append(cfs, cf)
	}
	d.mu.RUnlock()
	for _, cf := range cfs {
		if err := cf.ForceFlush(); err != nil {
			return err
		}
	}
	return nil
}

// DirtyMemory exposes the shard's managers (tests and admin surfaces).
func (d *Database) DirtyMemory() (user, system, streaming *DirtyMemoryManager) {
	return d.dirtyUser, d.dirtySystem, d.dirtyStreaming
}

// Shutdown drains flushes and stops the shard.
func (d *Database) Shutdown() error {
	d.mu.Lock()
	keyspaces := make([]*Keyspace, 0, len(d.keyspaces))
	for _, ks := range d.keyspaces {
		keyspaces = append(keyspaces, ks)
	}
	d.mu.Unlock()
	for _, ks := range keyspaces {
		for _, cf := range ks.ColumnFamilyStores() {
			if err := cf.Stop(); err != nil {
				return err
			}
		}
	}
	d.dirtyUser.Shutdown()
	d.dirtySystem.Shutdown()
	d.dirtyStreaming.Shutdown()
	return d.commitlog.Shutdown()
}

// ShardedDB owns one Database per shard and routes cross-shard
// operations. It is the Go rendition of invoke_on: callers hop to a
// shard with an explicit function call, never by sharing state.
type ShardedDB struct {
	cfg    *config.Config
	shards []*Database
}

// NewShardedDB stands up all shards. With the commit log enabled each
// shard journals into its own directory.
func NewShardedDB(cfg *config.Config) (*ShardedDB, error) {
	s := &ShardedDB{cfg: cfg}
	for i := 0; i < cfg.Shards(); i++ {
		var cl CommitLog
		if cfg.EnableCommitlog {
			dir := filepath.Join(cfg.CommitLogDirectory, fmt.Sprintf("shard%d", i))
			fcl, err := NewFileCommitLog(dir, 32*1024*1024)
			if err != nil {
				return nil, err
			}
			cl = fcl
		} else {
			cl = NewMemoryCommitLog()
		}
		s.shards = append(s.shards, NewDatabase(cfg, i, cl, NewLocalDeleter()))
	}
	return s, nil
}

// Shard returns one shard's database.
func (s *ShardedDB) Shard(i int) *Database {
	return s.shards[i]
}

// ShardCount ...
func (s *ShardedDB) ShardCount() int {
	return len(s.shards)
}

// InvokeOn runs fn against the given shard.
func (s *ShardedDB) InvokeOn(shard int, fn func(*Database) error) error {
	return fn(s.shards[shard])
}

// InvokeOnAll runs fn against every shard concurrently.
func (s *ShardedDB) InvokeOnAll(fn func(*Database) error) error {
	var g errgroup.Group
	for _, shard := range s.shards {
		shard := shard
		g.Go(func() error { return fn(shard) })
	}
	return g.Wait()
}

// CreateKeyspace installs a keyspace on every shard.
func (s *ShardedDB) CreateKeyspace(name string, strategy locator.IStrategy) error {
	return s.InvokeOnAll(func(d *Database) error {
		_, err := d.CreateKeyspace(name, strategy)
		return err
	})
}

// AddColumnFamily installs a schema on every shard.
func (s *ShardedDB) AddColumnFamily(schema *Schema) error {
	return s.InvokeOnAll(func(d *Database) error {
		_, err := d.AddColumnFamily(schema)
		return err
	})
}

// Apply routes a write to the owning shard.
func (s *ShardedDB) Apply(cfID uuid.UUID, key dht.DecoratedKey, mut *Mutation) error {
	return s.shards[dht.ShardOf(key.Token, len(s.shards))].Apply(cfID, key, mut)
}

// snapshotManifest is the manifest.json body.
type snapshotManifest struct {
	Files []string `json:"files"`
}

// Snapshot snapshots one CF on every shard, then has the nominated
// shard (0) wait for all completions and write the manifest listing
// every included sstable.
func (s *ShardedDB) Snapshot(ksName, cfName, tag string) error {
	var mu sync.Mutex
	files := make([]string, 0)
	err := s.InvokeOnAll(func(d *Database) error {
		ks, err := d.Keyspace(ksName)
		if err != nil {
			return err
		}
		cf, err := ks.ColumnFamilyStore(cfName)
		if err != nil {
			return err
		}
		shardFiles, err := cf.Snapshot(tag)
		if err != nil {
			return err
		}
		mu.Lock()
		files = append(files, shardFiles...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	// every shard has signalled; shard 0 writes the manifest
	return s.InvokeOn(0, func(d *Database) error {
		ks, err := d.Keyspace(ksName)
		if err != nil {
			return err
		}
		cf, err := ks.ColumnFamilyStore(cfName)
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(files))
		manifest := snapshotManifest{Files: make([]string, 0, len(files))}
		for _, f := range files {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			manifest.Files = append(manifest.Files, f)
		}
		raw, err := json.Marshal(manifest)
		if err != nil {
			return errors.Wrap(err, "encode snapshot manifest")
		}
		path := filepath.Join(cf.Directory(), "snapshots", tag, "manifest.json")
		return errors.Wrap(os.WriteFile(path, raw, 0o644), "write snapshot manifest")
	})
}

// Shutdown stops every shard.
func (s *ShardedDB) Shutdown() error {
	return s.InvokeOnAll(func(d *Database) error { return d.Shutdown() })
}

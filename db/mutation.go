// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"bytes"
	"sort"
)

// ClusteringKey is the tuple of typed component values ordering rows
// inside a partition. Components compare with the schema's comparators.
type ClusteringKey [][]byte

// Equal reports component-wise byte equality.
func (ck ClusteringKey) Equal(o ClusteringKey) bool {
	if len(ck) != len(o) {
		return false
	}
	for i := range ck {
		if !bytes.Equal(ck[i], o[i]) {
			return false
		}
	}
	return true
}

// Tombstone is a deletion marker: everything at or below Timestamp is
// shadowed. DeletionTime is the local wall-clock second the deletion was
// issued, used for gc grace accounting.
type Tombstone struct {
	Timestamp    int64
	DeletionTime uint32
}

// IsLive reports the absence of a deletion.
func (t Tombstone) IsLive() bool {
	return t.Timestamp == 0 && t.DeletionTime == 0
}

// Supersede merges two tombstones, keeping the stronger one.
func (t Tombstone) Supersede(o Tombstone) Tombstone {
	if o.Timestamp > t.Timestamp ||
		(o.Timestamp == t.Timestamp && o.DeletionTime > t.DeletionTime) {
		return o
	}
	return t
}

// Cell is one column value. A cell is either live (Value, optional TTL
// and Expiry) or deleted (DeletionTime).
type Cell struct {
	Timestamp int64
	Deleted   bool
	Value     []byte
	// TTL in seconds; 0 means none. Expiry is the absolute second the
	// cell dies; 0 means never.
	TTL    int32
	Expiry uint32
	// DeletionTime is set on deleted cells only.
	DeletionTime uint32
}

// reconcileCells picks the winner between two versions of the same cell.
// The order is total:
//   - higher timestamp wins;
//   - at equal timestamp a deleted cell beats a live one;
//   - two live cells: larger value wins, then earlier expiry;
//   - two deleted cells: larger deletion time wins.
func reconcileCells(a, b Cell) Cell {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return a
		}
		return b
	}
	if a.Deleted != b.Deleted {
		if a.Deleted {
			return a
		}
		return b
	}
	if !a.Deleted {
		cmp := bytes.Compare(a.Value, b.Value)
		if cmp != 0 {
			if cmp > 0 {
				return a
			}
			return b
		}
		if expiryOrNever(a.Expiry) <= expiryOrNever(b.Expiry) {
			return a
		}
		return b
	}
	if a.DeletionTime >= b.DeletionTime {
		return a
	}
	return b
}

// expiryOrNever maps "no expiry" to the latest representable second.
func expiryOrNever(e uint32) uint64 {
	if e == 0 {
		return 1 << 32
	}
	return uint64(e)
}

// RowMutation is the change set of one clustered row: a row tombstone,
// a liveness marker, and named cells.
type RowMutation struct {
	Clustering ClusteringKey
	Tombstone  Tombstone
	// Marker is the row-marker write timestamp; 0 means none.
	Marker int64
	Cells  map[string]Cell
}

func newRowMutation(ck ClusteringKey) *RowMutation {
	return &RowMutation{Clustering: ck, Cells: make(map[string]Cell)}
}

// apply merges another version of the same row into r.
func (r *RowMutation) apply(o *RowMutation) {
	r.Tombstone = r.Tombstone.Supersede(o.Tombstone)
	if o.Marker > r.Marker {
		r.Marker = o.Marker
	}
	for name, cell := range o.Cells {
		if mine, ok := r.Cells[name]; ok {
			r.Cells[name] = reconcileCells(mine, cell)
		} else {
			r.Cells[name] = cell
		}
	}
}

func (r *RowMutation) size() int64 {
	sz := int64(16)
	for _, c := range r.Clustering {
		sz += int64(len(c)) + 4
	}
	for name, cell := range r.Cells {
		sz += int64(len(name)) + int64(len(cell.Value)) + 24
	}
	return sz
}

// Mutation is an atomic set of changes to one partition: a partition
// tombstone plus per-row changes, ordered by clustering key.
type Mutation struct {
	PartitionTombstone Tombstone
	rows               []*RowMutation
}

// NewMutation returns an empty mutation.
func NewMutation() *Mutation {
	return &Mutation{}
}

// IsEmpty reports a mutation carrying no changes at all.
func (m *Mutation) IsEmpty() bool {
	return m.PartitionTombstone.IsLive() && len(m.rows) == 0
}

// Rows exposes the ordered row changes.
func (m *Mutation) Rows() []*RowMutation {
	return m.rows
}

// rowFor finds or inserts the row mutation for a clustering key,
// keeping rows sorted in the schema's clustering order.
func (m *Mutation) rowFor(s *Schema, ck ClusteringKey) *RowMutation {
	idx := sort.Search(len(m.rows), func(i int) bool {
		return s.CompareClustering(m.rows[i].Clustering, ck) >= 0
	})
	if idx < len(m.rows) && m.rows[idx].Clustering.Equal(ck) {
		return m.rows[idx]
	}
	row := newRowMutation(ck)
	m.rows = append(m.rows, nil)
	copy(m.rows[idx+1:], m.rows[idx:])
	m.rows[idx] = row
	return row
}

// SetCell records a cell write.
func (m *Mutation) SetCell(s *Schema, ck ClusteringKey, column string, cell Cell) {
	row := m.rowFor(s, ck)
	if existing, ok := row.Cells[column]; ok {
		row.Cells[column] = reconcileCells(existing, cell)
	} else {
		row.Cells[column] = cell
	}
}

// DeleteRow records a row tombstone.
func (m *Mutation) DeleteRow(s *Schema, ck ClusteringKey, t Tombstone) {
	row := m.rowFor(s, ck)
	row.Tombstone = row.Tombstone.Supersede(t)
}

// SetRowMarker records row liveness at a timestamp.
func (m *Mutation) SetRowMarker(s *Schema, ck ClusteringKey, ts int64) {
	row := m.rowFor(s, ck)
	if ts > row.Marker {
		row.Marker = ts
	}
}

// DeletePartition records a partition tombstone.
func (m *Mutation) DeletePartition(t Tombstone) {
	m.PartitionTombstone = m.PartitionTombstone.Supersede(t)
}

// Apply merges another mutation for the same partition into m.
func (m *Mutation) Apply(s *Schema, o *Mutation) {
	m.PartitionTombstone = m.PartitionTombstone.Supersede(o.PartitionTombstone)
	for _, row := range o.rows {
		m.rowFor(s, row.Clustering).apply(row)
	}
}

// Clone deep-copies the mutation.
func (m *Mutation) Clone() *Mutation {
	c := &Mutation{PartitionTombstone: m.PartitionTombstone}
	c.rows = make([]*RowMutation, 0, len(m.rows))
	for _, row := range m.rows {
		nr := newRowMutation(row.Clustering)
		nr.Tombstone = row.Tombstone
		nr.Marker = row.Marker
		for name, cell := range row.Cells {
			nr.Cells[name] = cell
		}
		c.rows = append(c.rows, nr)
	}
	return c
}

// Size approximates the in-memory footprint for region accounting.
func (m *Mutation) Size() int64 {
	sz := int64(32)
	for _, row := range m.rows {
		sz += row.size()
	}
	return sz
}

// MinTimestamp is the smallest write timestamp carried, 0 when empty.
func (m *Mutation) MinTimestamp() int64 {
	min := int64(0)
	seen := false
	observe := func(ts int64) {
		if ts == 0 {
			return
		}
		if !seen || ts < min {
			min, seen = ts, true
		}
	}
	observe(m.PartitionTombstone.Timestamp)
	for _, row := range m.rows {
		observe(row.Tombstone.Timestamp)
		observe(row.Marker)
		for _, cell := range row.Cells {
			observe(cell.Timestamp)
		}
	}
	return min
}

// MaxTimestamp is the largest write timestamp carried.
func (m *Mutation) MaxTimestamp() int64 {
	max := int64(0)
	observe := func(ts int64) {
		if ts > max {
			max = ts
		}
	}
	observe(m.PartitionTombstone.Timestamp)
	for _, row := range m.rows {
		observe(row.Tombstone.Timestamp)
		observe(row.Marker)
		for _, cell := range row.Cells {
			observe(cell.Timestamp)
		}
	}
	return max
}

// forEachTombstoneDropTime feeds every tombstone's local deletion time
// to fn; used to build the drop-time histogram in sstable statistics.
func (m *Mutation) forEachTombstoneDropTime(fn func(uint32)) {
	if !m.PartitionTombstone.IsLive() {
		fn(m.PartitionTombstone.DeletionTime)
	}
	for _, row := range m.rows {
		if !row.Tombstone.IsLive() {
			fn(row.Tombstone.DeletionTime)
		}
		for _, cell := range row.Cells {
			if cell.Deleted {
				fn(cell.DeletionTime)
			}
		}
	}
}

// removeDeleted drops shadowed data and expires tombstones older than
// gcBefore. Returns nil when nothing remains.
func removeDeleted(m *Mutation, gcBefore uint32) *Mutation {
	if m == nil {
		return nil
	}
	res := &Mutation{}
	if !m.PartitionTombstone.IsLive() && m.PartitionTombstone.DeletionTime > gcBefore {
		res.PartitionTombstone = m.PartitionTombstone
	}
	pt := m.PartitionTombstone.Timestamp
	for _, row := range m.rows {
		shadow := pt
		if row.Tombstone.Timestamp > shadow {
			shadow = row.Tombstone.Timestamp
		}
		nr := newRowMutation(row.Clustering)
		if !row.Tombstone.IsLive() && row.Tombstone.Timestamp > pt && row.Tombstone.DeletionTime > gcBefore {
			nr.Tombstone = row.Tombstone
		}
		if row.Marker > shadow {
			nr.Marker = row.Marker
		}
		for name, cell := range row.Cells {
			if cell.Timestamp <= shadow {
				continue
			}
			if cell.Deleted && cell.DeletionTime <= gcBefore {
				continue
			}
			nr.Cells[name] = cell
		}
		if len(nr.Cells) > 0 || nr.Marker != 0 || !nr.Tombstone.IsLive() {
			res.rows = append(res.rows, nr)
		}
	}
	if res.IsEmpty() {
		return nil
	}
	return res
}

// LiveView drops everything shadowed by tombstones and returns what a
// reader observes. Tombstones themselves are retained (gcBefore 0).
func (m *Mutation) LiveView() *Mutation {
	return removeDeleted(m, 0)
}

// LiveCellCount counts live cells after shadowing.
func (m *Mutation) LiveCellCount() int {
	v := m.LiveView()
	if v == nil {
		return 0
	}
	count := 0
	for _, row := range v.rows {
		for _, cell := range row.Cells {
			if !cell.Deleted {
				count++
			}
		}
	}
	return count
}

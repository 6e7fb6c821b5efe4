// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Binary mutation codec. All integers are big-endian; the layout is the
// engine's own on-disk contract shared by the commit log and the sstable
// data component.

const (
	flagHasPartitionTombstone = 1 << 0

	rowFlagHasTombstone = 1 << 0
	rowFlagHasMarker    = 1 << 1

	cellFlagDeleted = 1 << 0
)

func appendUint32(buf []byte, v uint32) []byte {
	b4 := make([]byte, 4)
	binary.BigEndian.PutUint32(b4, v)
	return append(buf, b4...)
}

func appendUint64(buf []byte, v uint64) []byte {
	b8 := make([]byte, 8)
	binary.BigEndian.PutUint64(b8, v)
	return append(buf, b8...)
}

func appendBytes(buf, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func serializeTombstone(buf []byte, t Tombstone) []byte {
	buf = appendUint64(buf, uint64(t.Timestamp))
	return appendUint32(buf, t.DeletionTime)
}

// serializeMutation flattens a mutation into its wire form.
func serializeMutation(m *Mutation) []byte {
	buf := make([]byte, 0, 64)
	var flags byte
	if !m.PartitionTombstone.IsLive() {
		flags |= flagHasPartitionTombstone
	}
	buf = append(buf, flags)
	if flags&flagHasPartitionTombstone != 0 {
		buf = serializeTombstone(buf, m.PartitionTombstone)
	}
	buf = appendUint32(buf, uint32(len(m.rows)))
	for _, row := range m.rows {
		buf = appendUint32(buf, uint32(len(row.Clustering)))
		for _, comp := range row.Clustering {
			buf = appendBytes(buf, comp)
		}
		var rf byte
		if !row.Tombstone.IsLive() {
			rf |= rowFlagHasTombstone
		}
		if row.Marker != 0 {
			rf |= rowFlagHasMarker
		}
		buf = append(buf, rf)
		if rf&rowFlagHasTombstone != 0 {
			buf = serializeTombstone(buf, row.Tombstone)
		}
		if rf&rowFlagHasMarker != 0 {
			buf = appendUint64(buf, uint64(row.Marker))
		}
		buf = appendUint32(buf, uint32(len(row.Cells)))
		for _, name := range sortedCellNames(row.Cells) {
			cell := row.Cells[name]
			buf = appendBytes(buf, []byte(name))
			var cf byte
			if cell.Deleted {
				cf |= cellFlagDeleted
			}
			buf = append(buf, cf)
			buf = appendUint64(buf, uint64(cell.Timestamp))
			if cell.Deleted {
				buf = appendUint32(buf, cell.DeletionTime)
			} else {
				buf = appendBytes(buf, cell.Value)
				buf = appendUint32(buf, uint32(cell.TTL))
				buf = appendUint32(buf, cell.Expiry)
			}
		}
	}
	return buf
}

func sortedCellNames(cells map[string]Cell) []string {
	names := make([]string, 0, len(cells))
	for name := range cells {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) u8() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, errors.Wrap(ErrMalformedSSTable, "truncated u8")
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, errors.Wrap(ErrMalformedSSTable, "truncated u32")
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, errors.Wrap(ErrMalformedSSTable, "truncated u64")
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.off+int(n) > len(r.buf) {
		return nil, errors.Wrap(ErrMalformedSSTable, "truncated bytes")
	}
	v := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return v, nil
}

func (r *byteReader) tombstone() (Tombstone, error) {
	ts, err := r.u64()
	if err != nil {
		return Tombstone{}, err
	}
	dt, err := r.u32()
	if err != nil {
		return Tombstone{}, err
	}
	return Tombstone{Timestamp: int64(ts), DeletionTime: dt}, nil
}

// deserializeMutation parses the serializeMutation form.
func deserializeMutation(raw []byte) (*Mutation, error) {
	r := &byteReader{buf: raw}
	m := NewMutation()
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	if flags&flagHasPartitionTombstone != 0 {
		if m.PartitionTombstone, err = r.tombstone(); err != nil {
			return nil, err
		}
	}
	rowCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < rowCount; i++ {
		compCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		ck := make(ClusteringKey, 0, compCount)
		for j := uint32(0); j < compCount; j++ {
			comp, err := r.bytes()
			if err != nil {
				return nil, err
			}
			ck = append(ck, comp)
		}
		row := newRowMutation(ck)
		rf, err := r.u8()
		if err != nil {
			return nil, err
		}
		if rf&rowFlagHasTombstone != 0 {
			if row.Tombstone, err = r.tombstone(); err != nil {
				return nil, err
			}
		}
		if rf&rowFlagHasMarker != 0 {
			marker, err := r.u64()
			if err != nil {
				return nil, err
			}
			row.Marker = int64(marker)
		}
		cellCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < cellCount; j++ {
			name, err := r.bytes()
			if err != nil {
				return nil, err
			}
			cf, err := r.u8()
			if err != nil {
				return nil, err
			}
			ts, err := r.u64()
			if err != nil {
				return nil, err
			}
			cell := Cell{Timestamp: int64(ts), Deleted: cf&cellFlagDeleted != 0}
			if cell.Deleted {
				if cell.DeletionTime, err = r.u32(); err != nil {
					return nil, err
				}
			} else {
				if cell.Value, err = r.bytes(); err != nil {
					return nil, err
				}
				ttl, err := r.u32()
				if err != nil {
					return nil, err
				}
				cell.TTL = int32(ttl)
				if cell.Expiry, err = r.u32(); err != nil {
					return nil, err
				}
			}
			row.Cells[string(name)] = cell
		}
		// rows arrive in serialization order, which is clustering order
		m.rows = append(m.rows, row)
	}
	return m, nil
}

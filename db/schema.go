// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

// ColumnType is the comparator of one typed column or clustering
// component.
type ColumnType interface {
	Name() string
	Compare(a, b []byte) int
}

// BytesType compares raw bytes.
type BytesType struct{}

// Name ...
func (BytesType) Name() string { return "BytesType" }

// Compare ...
func (BytesType) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// UTF8Type compares utf8 strings bytewise.
type UTF8Type struct{}

// Name ...
func (UTF8Type) Name() string { return "UTF8Type" }

// Compare ...
func (UTF8Type) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// LongType compares 8-byte big-endian signed integers. Shorter values
// sort before longer ones.
type LongType struct{}

// Name ...
func (LongType) Name() string { return "LongType" }

// Compare ...
func (LongType) Compare(a, b []byte) int {
	if len(a) != 8 || len(b) != 8 {
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
		return bytes.Compare(a, b)
	}
	av := int64(binary.BigEndian.Uint64(a))
	bv := int64(binary.BigEndian.Uint64(b))
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

// ColumnDef names one regular column and its type.
type ColumnDef struct {
	Name string
	Type ColumnType
}

// Schema is the immutable descriptor of a column family. Instances are
// shared by reference and never mutated after creation.
type Schema struct {
	ID              uuid.UUID
	Keyspace        string
	Name            string
	KeyType         ColumnType
	ClusteringTypes []ColumnType
	RegularColumns  []ColumnDef
	// CompactionStrategy selects the strategy by name; empty means
	// size-tiered.
	CompactionStrategy string
	Options            map[string]string
}

// NewSchema builds a schema handle with a fresh id.
func NewSchema(keyspace, name string, keyType ColumnType, clustering []ColumnType, regular []ColumnDef) *Schema {
	return &Schema{
		ID:              uuid.New(),
		Keyspace:        keyspace,
		Name:            name,
		KeyType:         keyType,
		ClusteringTypes: clustering,
		RegularColumns:  regular,
		Options:         make(map[string]string),
	}
}

// CompareClustering orders two clustering keys component-wise with the
// schema's comparators. A shorter key that is a prefix of a longer one
// sorts first.
func (s *Schema) CompareClustering(a, b ClusteringKey) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		cmp := s.clusteringType(i).Compare(a[i], b[i])
		if cmp != 0 {
			return cmp
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func (s *Schema) clusteringType(i int) ColumnType {
	if i < len(s.ClusteringTypes) {
		return s.ClusteringTypes[i]
	}
	return BytesType{}
}

// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"github.com/pkg/errors"
)

// Typed errors surfaced across the engine boundary.
var (
	// ErrKeyspaceNotFound is returned when a keyspace name resolves to
	// nothing.
	ErrKeyspaceNotFound = errors.New("keyspace not found")

	// ErrColumnFamilyNotFound is returned when a CF name or id resolves
	// to nothing.
	ErrColumnFamilyNotFound = errors.New("column family not found")

	// ErrSchemaNotSynced rejects writes whose schema version the shard
	// has not seen yet.
	ErrSchemaNotSynced = errors.New("schema not synced")

	// ErrReplayPositionReordered reports an apply whose replay position
	// precedes an already-flushed one. The caller re-appends to the
	// commit log and retries once.
	ErrReplayPositionReordered = errors.New("replay position reordered")

	// ErrReaderQueueOverloaded is raised when the read concurrency
	// restriction queue is full.
	ErrReaderQueueOverloaded = errors.New("reader queue overloaded")

	// ErrMalformedSSTable reports an sstable that cannot be loaded.
	ErrMalformedSSTable = errors.New("malformed sstable")

	// ErrFlushQueueClosed fails work submitted after Close.
	ErrFlushQueueClosed = errors.New("flush queue closed")
)

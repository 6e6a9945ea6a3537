// Package storage implements the primary-index / data-allocator collaborator
// the spec describes as external (spec.md §6, StorageManager) and the shared
// data model (spec.md §3): AbstractKey, and the generic sharded table that
// backs every CC engine's per-table storage.
//
// Per spec.md, the index plug-in itself (hash map / B-tree) is out of scope;
// what lives here is the one reference implementation every CC engine package
// is built against, plus the pieces (Header, AbstractKey) that are shared
// regardless of which index a real deployment would plug in.
package storage

import (
	"strconv"
	"strings"
)

// TableTag identifies one workload table (spec.md §3: "AbstractKey: composite
// key (table_tag, logical_key)").
type TableTag uint16

// AbstractKey is the composite primary key every CC engine indexes by.
type AbstractKey struct {
	Table TableTag
	Key   string
}

// String renders a canonical form used for hashing and log messages.
func (k AbstractKey) String() string {
	return strconv.Itoa(int(k.Table)) + ":" + k.Key
}

// ParseKey inverts String, for the log scanner (internal/walog) that only
// ever sees the canonical form on NVM and must recover the structured key
// for recovery's index rebuild (spec.md §4.8).
func ParseKey(s string) AbstractKey {
	tableStr, key, _ := strings.Cut(s, ":")
	table, _ := strconv.Atoi(tableStr)
	return AbstractKey{Table: TableTag(table), Key: key}
}

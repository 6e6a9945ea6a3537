package storage

import (
	"sync"

	"github.com/zeebo/xxh3"
)

// Header is the common metadata every CC engine's per-tuple type embeds:
// spec.md §3 describes DataTupleHeader as carrying "a valid bit; key for
// recovery identification; CC-specific timestamps or lock word". The
// CC-specific timestamps live in each engine's own tuple type (composition
// over this Header); the rw_lock and the valid/key pair are common to all six
// variants and live here.
//
// Go's sync.RWMutex.TryLock/TryRLock (added in Go 1.18) give every engine the
// non-blocking latch-attempt primitive spec.md §4 requires (OCC's "attempt a
// read-latch (non-blocking)", Courier's bounded-retry try_lock_write) without
// reaching for a third-party mutex: no package in the retrieval pack offers a
// more apt non-blocking RWMutex, and the pack itself reaches for
// sync.(RW)Mutex for the same per-resource locking role (centauriDB's
// ConcurrencyManager, Jekaa-go-mvcc-map's per-version refcount).
type Header struct {
	mu    sync.RWMutex
	Valid bool
	Key   AbstractKey
}

func (h *Header) TryRLock() bool { return h.mu.TryRLock() }
func (h *Header) RUnlock()       { h.mu.RUnlock() }
func (h *Header) TryLock() bool  { return h.mu.TryLock() }
func (h *Header) Unlock()        { h.mu.Unlock() }
func (h *Header) Lock()          { h.mu.Lock() }

// Table is a fixed-shard concurrent map from AbstractKey to *T, shared by
// every CC engine as its combined data-allocator-slab-and-primary-index: the
// index is explicitly out of scope for the core (spec.md §6), and since Go
// has no manual NVM slab to manage (allocation/deallocation is ordinary GC),
// unifying "allocate_data_and_header" + "add_data_index_tuple" into one
// Insert call on this table is the natural idiomatic collapse - see
// DESIGN.md.
//
// Shard selection hashes AbstractKey with xxh3 (a direct dependency of the
// kelindar-column example in the retrieval pack), giving the table the same
// striped-lock-by-hash shape kelindar/column itself uses to cut contention
// under concurrent committers.
type Table[T any] struct {
	shards []shard[T]
	mask   uint64
}

type entry[T any] struct {
	key   AbstractKey
	value *T
}

type shard[T any] struct {
	mu   sync.RWMutex
	data map[string]entry[T]
}

// NewTable creates a table with 2^shardBits shards, each presized to hold
// roughly maxTuples/2^shardBits entries (spec.md §6's per-table schema is
// "(tuple_size, max_tuple_count)"; SPEC_FULL.md §4 carries maxTuples through
// as a sizing hint).
func NewTable[T any](shardBits uint, maxTuples int) *Table[T] {
	n := uint64(1) << shardBits
	t := &Table[T]{
		shards: make([]shard[T], n),
		mask:   n - 1,
	}
	presize := 0
	if maxTuples > 0 {
		presize = maxTuples / int(n)
	}
	for i := range t.shards {
		t.shards[i].data = make(map[string]entry[T], presize)
	}
	return t
}

func (t *Table[T]) shardFor(k AbstractKey) *shard[T] {
	h := xxh3.HashString(k.String())
	return &t.shards[h&t.mask]
}

// Lookup returns the tuple for k, or (nil, false) if absent. Corresponds to
// StorageManager.read_data_index_tuple.
func (t *Table[T]) Lookup(k AbstractKey) (*T, bool) {
	s := t.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[k.String()]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Insert adds v under k. Returns false (DuplicateKey, spec.md §7) if k is
// already present. Corresponds to StorageManager.add_data_index_tuple after
// allocate_data_and_header.
func (t *Table[T]) Insert(k AbstractKey, v *T) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := k.String()
	if _, exists := s.data[key]; exists {
		return false
	}
	s.data[key] = entry[T]{key: k, value: v}
	return true
}

// Delete removes k. Returns false (MissingKey, spec.md §7) if absent.
// Corresponds to StorageManager.delete_data_index_tuple.
func (t *Table[T]) Delete(k AbstractKey) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := k.String()
	if _, exists := s.data[key]; !exists {
		return false
	}
	delete(s.data, key)
	return true
}

// Range calls fn for every tuple currently stored, stopping early if fn
// returns false. Only tests call it; recovery does not, since this table
// has no separate slab to rescan (see internal/recovery's package doc).
func (t *Table[T]) Range(fn func(AbstractKey, *T) bool) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, e := range s.data {
			if !fn(e.key, e.value) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Count returns the number of live tuples across all shards.
func (t *Table[T]) Count() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		n += len(t.shards[i].data)
		t.shards[i].mu.RUnlock()
	}
	return n
}

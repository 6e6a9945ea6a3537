// Package workload implements the Workload/Transaction collaborator
// interfaces spec.md §6 describes, plus the per-table schema and warm-up
// batch SPEC_FULL.md §4 recovers from original_source/.
package workload

import (
	"github.com/polar1shu/Courier-sub000/internal/executor"
	"github.com/polar1shu/Courier-sub000/internal/storage"
)

// TableSchema declares one table's sizing for the storage layer to
// pre-allocate against (spec.md §6: "(tuple_size, max_tuple_count) pairs").
type TableSchema struct {
	Name      string
	TupleSize int
	MaxTuples int
}

// Transaction is one unit of work a worker thread executes against an
// Executor. Run returns true iff the transaction should be committed; the
// manager calls Commit itself.
type Transaction interface {
	Run(ex executor.Executor) bool
	ReadOnly() bool
}

// Workload is the stream of Transaction objects a TransactionManager draws
// from, plus the schema/warm-up data StorageManager construction needs.
type Workload interface {
	Schemas() []TableSchema
	// InitBatch returns transactions to run single-thread-per-shard before
	// the measured window starts (spec.md §6).
	InitBatch() []Transaction
	// Next returns the next transaction for a worker to execute, given its
	// thread ID (workloads that shard keys by thread use it to pick a
	// partition).
	Next(threadID int) Transaction
}

// KVReadUpdate is a minimal YCSB-shaped demo workload: one table of
// fixed-size byte-array records, read and read-modify-write transactions
// over a configurable key range. It exists to exercise every engine's
// Executor surface end to end, not to model any particular real workload.
type KVReadUpdate struct {
	Table       storage.TableTag
	KeyCount    int
	RecordSize  int
	UpdateRatio float64 // fraction of transactions that write rather than read
	rng         func() float64
	keyPicker   func(n int) int
}

// NewKVReadUpdate builds a demo workload. rng and keyPicker let tests and
// cmd/bench supply deterministic or randomized source functions without
// this package reaching for math/rand or time-seeded state itself.
func NewKVReadUpdate(table storage.TableTag, keyCount, recordSize int, updateRatio float64, rng func() float64, keyPicker func(n int) int) *KVReadUpdate {
	return &KVReadUpdate{
		Table:       table,
		KeyCount:    keyCount,
		RecordSize:  recordSize,
		UpdateRatio: updateRatio,
		rng:         rng,
		keyPicker:   keyPicker,
	}
}

func (w *KVReadUpdate) Schemas() []TableSchema {
	return []TableSchema{{Name: "kv", TupleSize: w.RecordSize, MaxTuples: w.KeyCount}}
}

// InitBatch inserts every key with a zeroed record, the single-threaded
// warm-up pass spec.md §6 calls for before the measured window.
func (w *KVReadUpdate) InitBatch() []Transaction {
	txns := make([]Transaction, 0, w.KeyCount)
	for i := 0; i < w.KeyCount; i++ {
		txns = append(txns, &insertTxn{
			key:     storage.AbstractKey{Table: w.Table, Key: keyString(i)},
			payload: make([]byte, w.RecordSize),
		})
	}
	return txns
}

func (w *KVReadUpdate) Next(threadID int) Transaction {
	key := storage.AbstractKey{Table: w.Table, Key: keyString(w.keyPicker(w.KeyCount))}
	if w.rng() < w.UpdateRatio {
		return &readModifyWriteTxn{key: key, size: w.RecordSize}
	}
	return &readTxn{key: key}
}

func keyString(i int) string {
	const digits = "0123456789"
	if i == 0 {
		return "0"
	}
	buf := make([]byte, 0, 12)
	for i > 0 {
		buf = append(buf, digits[i%10])
		i /= 10
	}
	for l, r := 0, len(buf)-1; l < r; l, r = l+1, r-1 {
		buf[l], buf[r] = buf[r], buf[l]
	}
	return string(buf)
}

type insertTxn struct {
	key     storage.AbstractKey
	payload []byte
}

func (t *insertTxn) Run(ex executor.Executor) bool { return ex.Insert(t.key, t.payload) }
func (t *insertTxn) ReadOnly() bool                { return false }

type readTxn struct {
	key storage.AbstractKey
}

func (t *readTxn) Run(ex executor.Executor) bool {
	_, ok := ex.Read(t.key)
	return ok
}
func (t *readTxn) ReadOnly() bool { return true }

type readModifyWriteTxn struct {
	key  storage.AbstractKey
	size int
}

func (t *readModifyWriteTxn) Run(ex executor.Executor) bool {
	payload, ok := ex.Read(t.key)
	if !ok {
		return false
	}
	next := append([]byte(nil), payload...)
	for i := range next {
		next[i]++
	}
	return ex.Update(t.key, next, 0)
}
func (t *readModifyWriteTxn) ReadOnly() bool { return false }

// Package txctx implements TxContext, the per-transaction accumulator
// described in spec.md §4.2: read/write-set bookkeeping, read-your-own-
// writes lookups, and per-phase timing capture reported through
// internal/metrics.
package txctx

import (
	"time"

	"github.com/polar1shu/Courier-sub000/internal/metrics"
	"github.com/polar1shu/Courier-sub000/internal/storage"
)

// Status is the transaction's lifecycle state (spec.md §4.2: "Running →
// Validating → Committing → (Committed | Aborted)").
type Status int

const (
	StatusRunning Status = iota
	StatusValidating
	StatusCommitting
	StatusCommitted
	StatusAborted
)

// EntryKind distinguishes the three write-set entry shapes.
type EntryKind int

const (
	EntryWrite EntryKind = iota
	EntryInsert
	EntryDelete
)

// ReadEntry records one access_read call: the key and the wts snapshotted at
// read time, used by every engine's validation pass.
type ReadEntry struct {
	Key storage.AbstractKey
	Wts uint64
}

// WriteEntry records one pending mutation (spec.md §3's WriteEntry: "kind;
// key; offset/size; owned update buffer; captured wts; handle to index
// tuple"). Tuple is an opaque handle (any) because its concrete type differs
// per CC engine (occ.Tuple, mvcc.Tuple, ...); engines type-assert it back.
type WriteEntry struct {
	Kind EntryKind
	Key  storage.AbstractKey
	// Buffer holds the full tuple payload for Write entries (a private copy
	// with [Offset, Offset+Size) overwritten by the caller's new bytes) and
	// the full new payload for Insert entries.
	Buffer []byte
	Offset uint16
	// Size is the exact byte count written at Offset - the actually-dirty
	// sub-range within Buffer, as opposed to Buffer's full tuple length.
	Size uint32
	Wts  uint64
	Tuple any
}

// Ctx accumulates one transaction's state from Begin through Commit/Abort.
// Not safe for concurrent use - exactly one goroutine (the owning worker)
// drives a Ctx at a time, matching every CC engine's single-threaded-per-
// transaction execution model.
type Ctx struct {
	Status Status

	reads  []ReadEntry
	writes []WriteEntry
	// byKey indexes writes by key string for look_up_write_set, the
	// read-your-own-writes lookup spec.md §4.2 requires.
	byKey map[string]int

	logBytes int

	recorder *metrics.Recorder
	phase    metrics.Phase
	phaseAt  time.Time
	beganAt  time.Time

	// Scratch is engine-private per-transaction state (e.g. TicToc's running
	// commit-timestamp candidate). Cleared on every Begin; engines that need
	// it type-assert it back to their own state type.
	Scratch any
}

// New returns a fresh Ctx reporting phase timings to rec (nil disables
// reporting, used by unit tests that don't care about latency numbers).
func New(rec *metrics.Recorder) *Ctx {
	return &Ctx{
		recorder: rec,
		byKey:    make(map[string]int),
	}
}

// Begin resets c for reuse and starts the "total" phase timer.
func (c *Ctx) Begin() {
	c.Status = StatusRunning
	c.reads = c.reads[:0]
	c.writes = c.writes[:0]
	for k := range c.byKey {
		delete(c.byKey, k)
	}
	c.logBytes = 0
	c.beganAt = time.Now()
	c.Scratch = nil
	c.startPhase(metrics.PhaseBegin)
}

// startPhase closes out any phase currently open and starts timing the next.
func (c *Ctx) startPhase(p metrics.Phase) {
	c.endPhase()
	c.phase = p
	c.phaseAt = time.Now()
}

func (c *Ctx) endPhase() {
	if c.recorder == nil || c.phase == "" {
		return
	}
	c.recorder.Observe(c.phase, time.Since(c.phaseAt))
}

// EnterPhase is called by the owning engine/executor at each pipeline
// transition (index lookup, validate, persist_log, persist_data, commit).
func (c *Ctx) EnterPhase(p metrics.Phase) {
	c.startPhase(p)
}

// LookupWriteSet returns the index of an existing WriteEntry for key and
// true, or false when key has no entry.
// Ensures read-your-own-writes (spec.md §4.2).
func (c *Ctx) LookupWriteSet(key storage.AbstractKey) (int, bool) {
	idx, ok := c.byKey[key.String()]
	return idx, ok
}

// AccessRead appends a ReadEntry for key observed at wts.
func (c *Ctx) AccessRead(key storage.AbstractKey, wts uint64) {
	c.reads = append(c.reads, ReadEntry{Key: key, Wts: wts})
}

// AccessWrite records a write whose private buffer (the full tuple payload
// with the new bytes already overwritten at [offset, offset+size)) is
// full, the pre-image wts, and the tuple handle for commit-time validation.
func (c *Ctx) AccessWrite(key storage.AbstractKey, full []byte, offset uint16, size uint32, wts uint64, tuple any) *WriteEntry {
	buf := append([]byte(nil), full...)
	return c.putWrite(WriteEntry{Kind: EntryWrite, Key: key, Buffer: buf, Offset: offset, Size: size, Wts: wts, Tuple: tuple})
}

// AccessInsert allocates a private buffer for a brand-new tuple.
func (c *Ctx) AccessInsert(key storage.AbstractKey, src []byte) *WriteEntry {
	buf := append([]byte(nil), src...)
	return c.putWrite(WriteEntry{Kind: EntryInsert, Key: key, Buffer: buf})
}

// AccessDelete records the pre-image wts for a delete.
func (c *Ctx) AccessDelete(key storage.AbstractKey, wts uint64, tuple any) *WriteEntry {
	return c.putWrite(WriteEntry{Kind: EntryDelete, Key: key, Wts: wts, Tuple: tuple})
}

func (c *Ctx) putWrite(e WriteEntry) *WriteEntry {
	c.logBytes += len(e.Buffer) + len(e.Key.String()) + 24
	if idx, ok := c.byKey[e.Key.String()]; ok {
		c.writes[idx] = e
		return &c.writes[idx]
	}
	c.writes = append(c.writes, e)
	c.byKey[e.Key.String()] = len(c.writes) - 1
	return &c.writes[len(c.writes)-1]
}

// Reads returns the accumulated read set.
func (c *Ctx) Reads() []ReadEntry { return c.reads }

// Writes returns the accumulated write set. Callers that need the
// commit-time sort order (spec.md §4.3 step 1: "sort the write set by key")
// should sort a copy; Ctx itself preserves insertion order so
// LookupWriteSet's returned index stays valid.
func (c *Ctx) Writes() []WriteEntry { return c.writes }

// LogAmountSize returns the pre-computed upper bound on log bytes this
// transaction's writes will append, excluding the commit record
// (get_log_amount_size, spec.md §4.2).
func (c *Ctx) LogAmountSize() int { return c.logBytes }

// Finish closes out the final phase and the total-transaction timer, then
// releases the buffers this Ctx owns (spec.md §4.2 "Destruction: frees
// owned update/insert buffers; submits timing summary to the thread-local
// latency recorder").
func (c *Ctx) Finish(status Status) {
	c.Status = status
	c.endPhase()
	if c.recorder != nil {
		c.recorder.Observe(metrics.PhaseTotal, time.Since(c.beganAt))
	}
	c.phase = ""
	c.writes = c.writes[:0]
	c.reads = c.reads[:0]
	for k := range c.byKey {
		delete(c.byKey, k)
	}
}

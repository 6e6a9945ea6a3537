// Package tpl implements the two-phase-locking engine of spec.md §4.6: no
// validation at commit, just fail-fast latch attempts on both reads and
// writes, held until commit or abort releases them.
package tpl

import (
	"sort"
	"sync/atomic"

	"github.com/polar1shu/Courier-sub000/internal/metrics"
	"github.com/polar1shu/Courier-sub000/internal/nvm"
	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
	"github.com/polar1shu/Courier-sub000/internal/walog"
)

type Tuple struct {
	storage.Header
	wts     atomic.Uint64
	payload []byte
}

type Engine struct {
	table *storage.Table[Tuple]
	log   *walog.Manager
}

func New(shardBits uint, maxTuples int, log *walog.Manager) *Engine {
	return &Engine{table: storage.NewTable[Tuple](shardBits, maxTuples), log: log}
}

// state tracks the latches a transaction is currently holding, so abort and
// commit release exactly what was acquired.
type state struct {
	readLocked  []*Tuple
	writeLocked []*Tuple
}

func (e *Engine) Begin(c *txctx.Ctx) {
	c.Begin()
	c.Scratch = &state{}
}

func (e *Engine) txState(c *txctx.Ctx) *state { return c.Scratch.(*state) }

// Read attempts a read-latch; failure aborts immediately (no wait-die, per
// spec.md §4.6).
func (e *Engine) Read(c *txctx.Ctx, key storage.AbstractKey) ([]byte, bool) {
	c.EnterPhase(metrics.PhaseIndex)
	if idx, ok := c.LookupWriteSet(key); ok {
		w := c.Writes()[idx]
		if w.Kind == txctx.EntryDelete {
			return nil, false
		}
		return w.Buffer, true
	}
	t, ok := e.table.Lookup(key)
	if !ok {
		return nil, false
	}
	if !t.TryRLock() {
		return nil, false
	}
	st := e.txState(c)
	st.readLocked = append(st.readLocked, t)
	c.AccessRead(key, t.wts.Load())
	return t.payload, true
}

// Write attempts a write-latch and copies the current payload into a
// private buffer for caller-side edits.
func (e *Engine) Write(c *txctx.Ctx, key storage.AbstractKey, src []byte, offset uint16) bool {
	t, ok := e.table.Lookup(key)
	if !ok {
		return false
	}
	if !t.TryLock() {
		return false
	}
	st := e.txState(c)
	st.writeLocked = append(st.writeLocked, t)
	full := append([]byte(nil), t.payload...)
	copy(full[offset:], src)
	c.AccessWrite(key, full, offset, uint32(len(src)), t.wts.Load(), t)
	return true
}

func (e *Engine) Insert(c *txctx.Ctx, key storage.AbstractKey, src []byte) bool {
	if _, exists := e.table.Lookup(key); exists {
		return false
	}
	c.AccessInsert(key, src)
	return true
}

func (e *Engine) Delete(c *txctx.Ctx, key storage.AbstractKey) bool {
	t, ok := e.table.Lookup(key)
	if !ok {
		return false
	}
	if !t.TryLock() {
		return false
	}
	st := e.txState(c)
	st.writeLocked = append(st.writeLocked, t)
	c.AccessDelete(key, t.wts.Load(), t)
	return true
}

// Commit performs no validation (every conflicting access already failed
// fast at Read/Write time): log, apply, then release every held latch.
func (e *Engine) Commit(c *txctx.Ctx, alloc *walog.Allocator) bool {
	st := e.txState(c)
	writes := append([]txctx.WriteEntry(nil), c.Writes()...)
	sort.Slice(writes, func(i, j int) bool { return less(writes[i].Key, writes[j].Key) })

	commitTs := commitClock.Add(1)
	if len(writes) > 0 {
		c.EnterPhase(metrics.PhasePersistLog)
		page := e.logWrites(alloc, commitTs, writes)
		c.EnterPhase(metrics.PhasePersistData)
		for _, w := range writes {
			switch w.Kind {
			case txctx.EntryInsert:
				t := &Tuple{payload: append([]byte(nil), w.Buffer...)}
				t.Valid = true
				t.Key = w.Key
				t.wts.Store(commitTs)
				e.table.Insert(w.Key, t)
			case txctx.EntryWrite:
				t, _ := w.Tuple.(*Tuple)
				copy(t.payload[w.Offset:int(w.Offset)+int(w.Size)], w.Buffer[w.Offset:int(w.Offset)+int(w.Size)])
				nvm.FlushRange(t.payload, len(t.payload))
				nvm.Fence()
				t.wts.Store(commitTs)
			case txctx.EntryDelete:
				e.table.Delete(w.Key)
			}
		}
		if page != nil {
			e.log.Release(page)
		}
	}

	for _, t := range st.writeLocked {
		t.Unlock()
	}
	for _, t := range st.readLocked {
		t.RUnlock()
	}
	c.Finish(txctx.StatusCommitted)
	return true
}

// commitClock is process-wide: TPL has no per-tuple validation to derive a
// timestamp from, so commits are ordered by a simple shared counter.
var commitClock atomic.Uint64

// Abort releases latches without applying any buffered writes.
func (e *Engine) Abort(c *txctx.Ctx) {
	st := e.txState(c)
	for _, t := range st.writeLocked {
		t.Unlock()
	}
	for _, t := range st.readLocked {
		t.RUnlock()
	}
	c.Finish(txctx.StatusAborted)
}

func less(a, b storage.AbstractKey) bool {
	if a.Table != b.Table {
		return a.Table < b.Table
	}
	return a.Key < b.Key
}

func (e *Engine) logWrites(alloc *walog.Allocator, ts uint64, writes []txctx.WriteEntry) *walog.Page {
	page, err := alloc.TryAllocate()
	for err != nil {
		page, err = alloc.TryAllocate()
	}
	page.AppendStart(ts)
	for _, w := range writes {
		switch w.Kind {
		case txctx.EntryInsert:
			page.AppendInsert(ts, w.Key, w.Buffer)
		case txctx.EntryWrite:
			page.AppendUpdate(ts, w.Key, w.Buffer[w.Offset:int(w.Offset)+int(w.Size)], w.Offset)
		case txctx.EntryDelete:
			page.AppendDelete(ts, w.Key)
		}
	}
	page.AppendCommit(ts)
	page.Durable()
	return page
}

func (e *Engine) Table() *storage.Table[Tuple] { return e.table }

// ApplyInsert, ApplyUpdate, and ApplyDelete implement recovery.Applier.
func (e *Engine) ApplyInsert(key storage.AbstractKey, payload []byte, ts uint64) {
	t := &Tuple{payload: append([]byte(nil), payload...)}
	t.Valid = true
	t.Key = key
	t.wts.Store(ts)
	e.table.Insert(key, t)
}

func (e *Engine) ApplyUpdate(key storage.AbstractKey, offset uint16, payload []byte, ts uint64) bool {
	t, ok := e.table.Lookup(key)
	if !ok {
		return false
	}
	copy(t.payload[offset:int(offset)+len(payload)], payload)
	nvm.FlushRange(t.payload, len(t.payload))
	nvm.Fence()
	t.wts.Store(ts)
	return true
}

func (e *Engine) ApplyDelete(key storage.AbstractKey) bool {
	return e.table.Delete(key)
}

// Package occ implements the optimistic concurrency-control engine of
// spec.md §4.3: per-tuple (wts, rw_lock), unlocked reads validated at
// commit time against a sorted, latched write set.
package occ

import (
	"sort"
	"sync/atomic"

	"github.com/polar1shu/Courier-sub000/internal/metrics"
	"github.com/polar1shu/Courier-sub000/internal/nvm"
	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
	"github.com/polar1shu/Courier-sub000/internal/walog"
)

// Tuple is one record's in-memory representation: the common header plus
// the single OCC timestamp and its current payload.
type Tuple struct {
	storage.Header
	wts     atomic.Uint64
	payload []byte
}

func (t *Tuple) Wts() uint64 { return t.wts.Load() }

// Engine drives one table's worth of OCC-governed tuples.
type Engine struct {
	table    *storage.Table[Tuple]
	log      *walog.Manager
	commitTs atomic.Uint64
}

// New creates an engine over a freshly shard table and a shared log manager.
func New(shardBits uint, maxTuples int, log *walog.Manager) *Engine {
	return &Engine{
		table: storage.NewTable[Tuple](shardBits, maxTuples),
		log:   log,
	}
}

// Begin records no timestamp: OCC has nothing to acquire at the start of a
// transaction (spec.md §4.3: "record start timing; no timestamp
// acquisition").
func (e *Engine) Begin(c *txctx.Ctx) {
	c.Begin()
}

// Read returns the tuple's current payload, honoring read-your-own-writes.
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
	wts := t.wts.Load()
	c.AccessRead(key, wts)
	return t.payload, true
}

// Write stages an in-place update to payload[offset:offset+len(src)].
func (e *Engine) Write(c *txctx.Ctx, key storage.AbstractKey, src []byte, offset uint16) bool {
	t, ok := e.table.Lookup(key)
	if !ok {
		return false
	}
	full := append([]byte(nil), t.payload...)
	copy(full[offset:], src)
	c.AccessWrite(key, full, offset, uint32(len(src)), t.wts.Load(), t)
	return true
}

// Insert stages a brand-new tuple.
func (e *Engine) Insert(c *txctx.Ctx, key storage.AbstractKey, src []byte) bool {
	if _, exists := e.table.Lookup(key); exists {
		return false
	}
	c.AccessInsert(key, src)
	return true
}

// Delete stages removal of key.
func (e *Engine) Delete(c *txctx.Ctx, key storage.AbstractKey) bool {
	t, ok := e.table.Lookup(key)
	if !ok {
		return false
	}
	c.AccessDelete(key, t.wts.Load(), t)
	return true
}

// Commit runs the six-step protocol of spec.md §4.3: sort, latch writes,
// validate reads, log, apply, unlock.
func (e *Engine) Commit(c *txctx.Ctx, alloc *walog.Allocator) bool {
	c.EnterPhase(metrics.PhaseValidate)
	writes := append([]txctx.WriteEntry(nil), c.Writes()...)
	sort.Slice(writes, func(i, j int) bool { return less(writes[i].Key, writes[j].Key) })

	locked := make([]*Tuple, 0, len(writes))
	ok := true
commit:
	for _, w := range writes {
		if w.Kind == txctx.EntryInsert {
			continue // index insertion is the serialization point; no latch needed
		}
		t, _ := w.Tuple.(*Tuple)
		if t == nil {
			ok = false
			break
		}
		if !t.TryLock() {
			ok = false
			break
		}
		locked = append(locked, t)
		if t.wts.Load() != w.Wts {
			ok = false
			break commit
		}
	}

	if ok {
		for _, r := range c.Reads() {
			if _, inWrite := c.LookupWriteSet(r.Key); inWrite {
				continue
			}
			t, found := e.table.Lookup(r.Key)
			if !found {
				ok = false
				break
			}
			if !t.TryRLock() {
				ok = false
				break
			}
			cur := t.wts.Load()
			t.RUnlock()
			if cur != r.Wts {
				ok = false
				break
			}
		}
	}

	if !ok {
		for _, t := range locked {
			t.Unlock()
		}
		c.Finish(txctx.StatusAborted)
		return false
	}

	commitTs := e.commitTs.Add(1)

	if len(writes) > 0 {
		c.EnterPhase(metrics.PhasePersistLog)
		page := e.logWrites(alloc, commitTs, writes)
		c.EnterPhase(metrics.PhasePersistData)
		e.apply(writes, commitTs)
		if page != nil {
			e.log.Release(page)
		}
	}

	for _, t := range locked {
		t.Unlock()
	}
	c.Finish(txctx.StatusCommitted)
	return true
}

// Abort releases nothing extra: Ctx.Finish drops the owned buffers.
func (e *Engine) Abort(c *txctx.Ctx) {
	c.Finish(txctx.StatusAborted)
}

func less(a, b storage.AbstractKey) bool {
	if a.Table != b.Table {
		return a.Table < b.Table
	}
	return a.Key < b.Key
}

// logWrites appends Start, per-entry, and Commit records to a freshly
// allocated page, then makes them durable (flush + fence) before returning.
// A read-only commit (no writes) never reaches this method, matching
// spec.md §8's "read-only transactions: no log allocated".
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

// apply performs the in-place effects of a committed write set, following
// the payload-before-timestamp ordering invariant 1 of spec.md §3.
func (e *Engine) apply(writes []txctx.WriteEntry, commitTs uint64) {
	for _, w := range writes {
		switch w.Kind {
		case txctx.EntryInsert:
			t := &Tuple{payload: append([]byte(nil), w.Buffer...)}
			t.Valid = true
			t.Key = w.Key
			t.wts.Store(commitTs)
			e.table.Insert(w.Key, t)
		case txctx.EntryWrite:
			t, ok := w.Tuple.(*Tuple)
			if !ok {
				continue
			}
			copy(t.payload[w.Offset:int(w.Offset)+int(w.Size)], w.Buffer[w.Offset:int(w.Offset)+int(w.Size)])
			nvm.FlushRange(t.payload, len(t.payload))
			nvm.Fence()
			t.wts.Store(commitTs)
		case txctx.EntryDelete:
			e.table.Delete(w.Key)
		}
	}
}

// Table exposes the underlying storage table for recovery's slab iteration.
func (e *Engine) Table() *storage.Table[Tuple] { return e.table }

// ApplyInsert, ApplyUpdate, and ApplyDelete implement recovery.Applier,
// letting internal/recovery replay a committed log through the same
// construction logic Commit's apply phase uses.
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

// Package tictoc implements the TicToc engine of spec.md §4.4: per-tuple
// (rts, wts, rw_lock), with the commit timestamp computed lazily from the
// tuples actually touched rather than drawn from a global counter.
package tictoc

import (
	"sort"
	"sync/atomic"

	"github.com/polar1shu/Courier-sub000/internal/metrics"
	"github.com/polar1shu/Courier-sub000/internal/nvm"
	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
	"github.com/polar1shu/Courier-sub000/internal/walog"
)

// Tuple carries the (rts, wts) pair TicToc validates against, in place of
// OCC's single wts.
type Tuple struct {
	storage.Header
	rts     atomic.Uint64
	wts     atomic.Uint64
	payload []byte
}

func (t *Tuple) Wts() uint64 { return t.wts.Load() }
func (t *Tuple) Rts() uint64 { return t.rts.Load() }

type Engine struct {
	table *storage.Table[Tuple]
	log   *walog.Manager
}

func New(shardBits uint, maxTuples int, log *walog.Manager) *Engine {
	return &Engine{table: storage.NewTable[Tuple](shardBits, maxTuples), log: log}
}

func (e *Engine) Begin(c *txctx.Ctx) { c.Begin() }

// state tracks the running commit-timestamp candidate across Read and Write
// calls within one transaction: "advance commit timestamp candidate to
// max(candidate, wts)" (spec.md §4.4). It lives in the Ctx's Scratch slot,
// scoped to that transaction's single owning goroutine.
type state struct {
	candidate uint64
}

func (e *Engine) stateFor(c *txctx.Ctx) *state {
	s, ok := c.Scratch.(*state)
	if !ok {
		s = &state{}
		c.Scratch = s
	}
	return s
}

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
	s := e.stateFor(c)
	if wts > s.candidate {
		s.candidate = wts
	}
	return t.payload, true
}

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
	c.AccessDelete(key, t.wts.Load(), t)
	return true
}

// Commit implements spec.md §4.4's three-step protocol.
func (e *Engine) Commit(c *txctx.Ctx, alloc *walog.Allocator) bool {
	c.EnterPhase(metrics.PhaseValidate)

	writes := append([]txctx.WriteEntry(nil), c.Writes()...)
	sort.Slice(writes, func(i, j int) bool { return less(writes[i].Key, writes[j].Key) })

	s := e.stateFor(c)
	commitTs := s.candidate

	locked := make([]*Tuple, 0, len(writes))
	ok := true
write:
	for _, w := range writes {
		if w.Kind == txctx.EntryInsert {
			continue
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
		wts := t.wts.Load()
		rts := t.rts.Load()
		if rts < wts || w.Wts != wts {
			ok = false
			break write
		}
		if rts+1 > commitTs {
			commitTs = rts + 1
		}
	}

	var rereadRts []*Tuple
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
			rereadRts = append(rereadRts, t)
		}
	}

	if !ok {
		for _, t := range locked {
			t.Unlock()
		}
		c.Finish(txctx.StatusAborted)
		return false
	}

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
				t.rts.Store(commitTs)
				t.wts.Store(commitTs)
				e.table.Insert(w.Key, t)
			case txctx.EntryWrite:
				t, _ := w.Tuple.(*Tuple)
				copy(t.payload[w.Offset:int(w.Offset)+int(w.Size)], w.Buffer[w.Offset:int(w.Offset)+int(w.Size)])
				nvm.FlushRange(t.payload, len(t.payload))
				nvm.Fence()
				t.rts.Store(commitTs)
				t.wts.Store(commitTs)
			case txctx.EntryDelete:
				e.table.Delete(w.Key)
			}
		}
		if page != nil {
			e.log.Release(page)
		}
	}

	for _, t := range rereadRts {
		for {
			cur := t.rts.Load()
			if cur >= commitTs || t.rts.CompareAndSwap(cur, commitTs) {
				break
			}
		}
	}
	for _, t := range locked {
		t.Unlock()
	}
	c.Finish(txctx.StatusCommitted)
	return true
}

func (e *Engine) Abort(c *txctx.Ctx) {
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
	t.rts.Store(ts)
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
	t.rts.Store(ts)
	t.wts.Store(ts)
	return true
}

func (e *Engine) ApplyDelete(key storage.AbstractKey) bool {
	return e.table.Delete(key)
}

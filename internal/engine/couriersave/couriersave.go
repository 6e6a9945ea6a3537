// Package couriersave implements Courier-Save (spec.md §4.7): the same
// virtual-header indirection and deferred-persist pipeline as
// internal/engine/courier, plus a DRAM cache-tuple pool that absorbs
// repeated writes to a hot record before the deferred worker folds them
// back into NVM.
package couriersave

import (
	"sort"
	"sync/atomic"

	"github.com/polar1shu/Courier-sub000/internal/metrics"
	"github.com/polar1shu/Courier-sub000/internal/persist"
	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
	"github.com/polar1shu/Courier-sub000/internal/walog"
)

const WriteLatchRetries = 2

var globalCommitTs atomic.Uint64

type Tuple struct {
	storage.Header
	VH *persist.VirtualHeader
}

type Engine struct {
	table *storage.Table[Tuple]
	log   *walog.Manager
	queue *persist.Queue
	cache *persist.CachePool
}

// New creates an engine with a DRAM cache pool sized cacheSlots x
// tupleSize, used to absorb hot writes (spec.md §4.7: "a DRAM cache tuple
// per data table").
func New(shardBits uint, maxTuples, maxThreads, queueCapacity, cacheSlots, tupleSize int, log *walog.Manager) *Engine {
	return &Engine{
		table: storage.NewTable[Tuple](shardBits, maxTuples),
		log:   log,
		queue: persist.NewQueue(queueCapacity, maxThreads, persist.HighWaterCourierSave),
		cache: persist.NewCachePool(cacheSlots, tupleSize),
	}
}

type threadState struct {
	id    int
	alloc *walog.Allocator
	buf   *persist.ThreadBuffer
	page  *walog.Page
}

type Worker struct {
	engine *Engine
	state  *threadState
}

func (e *Engine) NewWorker(threadID int) *Worker {
	return &Worker{engine: e, state: &threadState{id: threadID, alloc: e.log.NewAllocator()}}
}

func (w *Worker) Aid()      { w.engine.queue.Aid(w.state.id) }
func (w *Worker) FlushAll() { w.engine.queue.FlushAll() }

func (e *Engine) Begin(c *txctx.Ctx) { c.Begin() }

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
	c.AccessRead(key, t.VH.Wts())
	return t.VH.Visible(), true
}

func (e *Engine) Write(c *txctx.Ctx, key storage.AbstractKey, src []byte, offset uint16) bool {
	t, ok := e.table.Lookup(key)
	if !ok {
		return false
	}
	full := append([]byte(nil), t.VH.Visible()...)
	copy(full[offset:], src)
	c.AccessWrite(key, full, offset, uint32(len(src)), t.VH.Wts(), t)
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
	c.AccessDelete(key, t.VH.Wts(), t)
	return true
}

// Commit mirrors courier.Worker.Commit, adding the cache-tuple link step
// spec.md §4.7 describes for Courier-Save's apply phase.
func (w *Worker) Commit(c *txctx.Ctx) bool {
	e := w.engine
	st := w.state

	// Read-only fast path (spec.md §4.7): nothing to validate or log, so
	// aid the deferred-persist queue once and return success.
	if len(c.Writes()) == 0 {
		w.Aid()
		c.Finish(txctx.StatusCommitted)
		return true
	}

	if st.page == nil {
		st.page = w.allocatePage()
		st.buf = persist.NewThreadBuffer(&pageHandle{e.log, st.page})
	}

	c.EnterPhase(metrics.PhaseValidate)
	writes := append([]txctx.WriteEntry(nil), c.Writes()...)
	sort.Slice(writes, func(i, j int) bool { return less(writes[i].Key, writes[j].Key) })

	if len(writes) > 0 && st.page.Remaining() < estimateLogSize(writes)+walog.CommitSize {
		e.queue.Publish(st.buf)
		st.page = w.allocatePage()
		st.buf = persist.NewThreadBuffer(&pageHandle{e.log, st.page})
	}

	locked := make([]*persist.VirtualHeader, 0, len(writes))
	ok := true
validate:
	for _, wr := range writes {
		if wr.Kind == txctx.EntryInsert {
			continue
		}
		t, _ := wr.Tuple.(*Tuple)
		if t == nil {
			ok = false
			break
		}
		acquired := false
		for i := 0; i <= WriteLatchRetries; i++ {
			if t.VH.TryLock() {
				acquired = true
				break
			}
		}
		if !acquired {
			ok = false
			break validate
		}
		locked = append(locked, t.VH)
		if t.VH.Wts() != wr.Wts {
			ok = false
			break validate
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
			if !t.VH.TryRLock() {
				ok = false
				break
			}
			cur := t.VH.Wts()
			t.VH.RUnlock()
			if cur != r.Wts {
				ok = false
				break
			}
		}
	}

	if !ok {
		for _, vh := range locked {
			vh.Unlock()
		}
		c.Finish(txctx.StatusAborted)
		return false
	}

	commitTs := globalCommitTs.Add(1)

	if len(writes) > 0 {
		c.EnterPhase(metrics.PhasePersistLog)
		st.page.AppendStart(commitTs)
		for _, wr := range writes {
			switch wr.Kind {
			case txctx.EntryInsert:
				st.page.AppendInsert(commitTs, wr.Key, wr.Buffer)
			case txctx.EntryWrite:
				st.page.AppendUpdate(commitTs, wr.Key, wr.Buffer[wr.Offset:int(wr.Offset)+int(wr.Size)], wr.Offset)
			case txctx.EntryDelete:
				st.page.AppendDelete(commitTs, wr.Key)
			}
		}
		st.page.AppendCommit(commitTs)
		st.page.Durable()

		c.EnterPhase(metrics.PhasePersistData)
		for _, wr := range writes {
			switch wr.Kind {
			case txctx.EntryInsert:
				vh := persist.NewVirtualHeader(append([]byte(nil), wr.Buffer...))
				t := &Tuple{VH: vh}
				t.Valid = true
				t.Key = wr.Key
				vh.BumpWts()
				e.table.Insert(wr.Key, t)
			case txctx.EntryWrite:
				t, _ := wr.Tuple.(*Tuple)
				end := int(wr.Offset) + int(wr.Size)

				var cache *persist.CacheTuple
				if link := t.VH.CacheLink(); link != nil {
					cache = link
				} else if slot, ok := e.cache.Acquire(); ok {
					t.VH.ConstructLink(slot)
					copy(slot.Data(), t.VH.Payload())
					cache = slot
				}

				if cache != nil {
					cache.RLock()
					visible := t.VH.Visible()
					copy(visible[wr.Offset:end], wr.Buffer[wr.Offset:end])
				} else {
					visible := t.VH.Visible()
					copy(visible[wr.Offset:end], wr.Buffer[wr.Offset:end])
				}
				t.VH.BumpWts()
				st.buf.Push(t.VH, int(wr.Offset), end, cache)
			case txctx.EntryDelete:
				e.table.Delete(wr.Key)
			}
		}
	}

	for _, vh := range locked {
		vh.Unlock()
	}

	e.queue.Publish(st.buf)
	st.buf = persist.NewThreadBuffer(&pageHandle{e.log, st.page})
	w.Aid()

	c.Finish(txctx.StatusCommitted)
	return true
}

func (w *Worker) Abort(c *txctx.Ctx) {
	c.Finish(txctx.StatusAborted)
}

func (w *Worker) allocatePage() *walog.Page {
	for {
		p, err := w.state.alloc.TryAllocate()
		if err == nil {
			return p
		}
		w.Aid()
	}
}

type pageHandle struct {
	mgr  *walog.Manager
	page *walog.Page
}

func (h *pageHandle) Release() { h.mgr.Release(h.page) }

func estimateLogSize(writes []txctx.WriteEntry) int {
	n := 0
	for _, w := range writes {
		n += len(w.Buffer) + len(w.Key.String()) + 17
	}
	return n
}

func less(a, b storage.AbstractKey) bool {
	if a.Table != b.Table {
		return a.Table < b.Table
	}
	return a.Key < b.Key
}

func (e *Engine) Table() *storage.Table[Tuple] { return e.table }

// ApplyInsert, ApplyUpdate, and ApplyDelete implement recovery.Applier.
func (e *Engine) ApplyInsert(key storage.AbstractKey, payload []byte, ts uint64) {
	vh := persist.NewVirtualHeader(append([]byte(nil), payload...))
	t := &Tuple{VH: vh}
	t.Valid = true
	t.Key = key
	vh.BumpWts()
	e.table.Insert(key, t)
}

func (e *Engine) ApplyUpdate(key storage.AbstractKey, offset uint16, payload []byte, ts uint64) bool {
	t, ok := e.table.Lookup(key)
	if !ok {
		return false
	}
	copy(t.VH.Payload()[offset:int(offset)+len(payload)], payload)
	t.VH.BumpWts()
	return true
}

func (e *Engine) ApplyDelete(key storage.AbstractKey) bool {
	return e.table.Delete(key)
}

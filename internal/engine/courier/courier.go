// Package courier implements the Courier engine of spec.md §4.7: virtual
// header indirection over an OCC-shaped commit protocol, with NVM catch-up
// copies deferred to a shared pipeline (internal/persist) instead of being
// performed synchronously by the committing thread.
package courier

import (
	"sort"
	"sync/atomic"

	"github.com/polar1shu/Courier-sub000/internal/metrics"
	"github.com/polar1shu/Courier-sub000/internal/nvm"
	"github.com/polar1shu/Courier-sub000/internal/persist"
	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
	"github.com/polar1shu/Courier-sub000/internal/walog"
)

// WriteLatchRetries bounds try_lock_write's retry budget (spec.md §4.7
// step 3: "a small retry budget (default 2 pauses)").
const WriteLatchRetries = 2

// globalCommitTs orders log records across threads; independent of any
// single tuple's own wts counter, which Apply bumps by one per write.
var globalCommitTs atomic.Uint64

// Tuple is the index-resident record: a header plus a pointer to the
// DRAM-resident VirtualHeader that indirects every read/write.
type Tuple struct {
	storage.Header
	VH *persist.VirtualHeader
}

// Engine drives one table's worth of Courier-governed tuples, sharing one
// deferred-persist Queue and walog Manager across every worker thread.
type Engine struct {
	table *storage.Table[Tuple]
	log   *walog.Manager
	queue *persist.Queue
}

// New creates an engine. maxThreads bounds the adaptive aid ceiling
// (spec.md §4.7: "max_aid_tid ... bounded by MAX_TID").
func New(shardBits uint, maxTuples, maxThreads, queueCapacity int, log *walog.Manager) *Engine {
	return &Engine{
		table: storage.NewTable[Tuple](shardBits, maxTuples),
		log:   log,
		queue: persist.NewQueue(queueCapacity, maxThreads, persist.HighWaterCourier),
	}
}

// threadState is per-worker, carried across transactions (not reset on
// Begin): the ThreadBuffer accumulating pending catch-up events and the log
// page currently owned by this thread.
type threadState struct {
	id       int
	alloc    *walog.Allocator
	buf      *persist.ThreadBuffer
	page     *walog.Page
}

// NewWorker returns the per-goroutine state a Courier worker must hold for
// its lifetime (spec.md §9: "thread-local log-page and dedup buffers are
// lifecycle-bound to the worker").
func (e *Engine) NewWorker(threadID int) *Worker {
	return &Worker{
		engine: e,
		state:  &threadState{id: threadID, alloc: e.log.NewAllocator()},
	}
}

// Worker is the per-thread handle a TransactionManager worker goroutine
// drives transactions through.
type Worker struct {
	engine *Engine
	state  *threadState
}

// Aid lets this worker help drain the deferred-persist queue, per the
// adaptive policy in internal/persist.
func (w *Worker) Aid() { w.engine.queue.Aid(w.state.id) }

// FlushAll drains the shared queue completely; called once at shutdown.
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
	wts := t.VH.Wts()
	c.AccessRead(key, wts)
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

// Commit runs the eight-step protocol of spec.md §4.7.
func (w *Worker) Commit(c *txctx.Ctx) bool {
	e := w.engine
	st := w.state

	// Read-only fast path (spec.md §4.7: "for Courier ... call aid once and
	// return success"): no write set means nothing to validate and nothing
	// to log, so skip straight to aiding the deferred-persist queue.
	if len(c.Writes()) == 0 {
		w.Aid()
		c.Finish(txctx.StatusCommitted)
		return true
	}

	// Steps 1-2: ensure a log page, aiding persistence on exhaustion.
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
				visible := t.VH.Visible()
				end := int(wr.Offset) + int(wr.Size)
				copy(visible[wr.Offset:end], wr.Buffer[wr.Offset:end])
				nvm.Fence()
				t.VH.BumpWts()
				st.buf.Push(t.VH, int(wr.Offset), end, nil)
			case txctx.EntryDelete:
				e.table.Delete(wr.Key)
			}
		}
	}

	for _, vh := range locked {
		vh.Unlock()
	}

	// Step 8: push the dedup map and call aid.
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

// pageHandle adapts (*walog.Manager, *walog.Page) to persist.PageReleaser.
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

// ApplyInsert, ApplyUpdate, and ApplyDelete implement recovery.Applier,
// writing straight to each tuple's NVM payload: recovery runs before any
// deferred-persist worker exists, so there is no visible/cache indirection
// to route through.
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
	nvm.FlushRange(t.VH.Payload(), len(t.VH.Payload()))
	nvm.Fence()
	t.VH.BumpWts()
	return true
}

func (e *Engine) ApplyDelete(key storage.AbstractKey) bool {
	return e.table.Delete(key)
}

// Package mvcc implements the multi-version engine of spec.md §4.5: a
// per-tuple ring of up to 32 versions, snapshot reads against a published
// start_ts, and watermark-driven reclamation.
package mvcc

import (
	"sort"
	"sync/atomic"

	"github.com/polar1shu/Courier-sub000/internal/metrics"
	"github.com/polar1shu/Courier-sub000/internal/nvm"
	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
	"github.com/polar1shu/Courier-sub000/internal/walog"
)

// ringSize is the version ring depth (spec.md §4.5: "a ring buffer of up to
// 32 VersionInfo slots").
const ringSize = 32

// version is one (rts, wts, payload) slot in a tuple's ring.
type version struct {
	rts     atomic.Uint64
	wts     atomic.Uint64
	payload []byte
}

// Tuple holds the insert/delete timestamps and the version ring. oldest and
// newest index modulo ringSize; reclamation advances oldest.
type Tuple struct {
	storage.Header
	insertTs uint64
	deleteTs atomic.Uint64
	versions [ringSize]version
	oldest   atomic.Uint64
	newest   atomic.Uint64
}

// Engine coordinates one table plus the shared per-thread start_ts registers
// used to compute the reclamation watermark.
type Engine struct {
	table     *storage.Table[Tuple]
	log       *walog.Manager
	clock     atomic.Uint64
	registers []atomic.Uint64 // one slot per worker thread; math.MaxUint64 = idle
}

// New returns an Engine sized for maxThreads worker goroutines.
func New(shardBits uint, maxTuples, maxThreads int, log *walog.Manager) *Engine {
	e := &Engine{
		table:     storage.NewTable[Tuple](shardBits, maxTuples),
		log:       log,
		registers: make([]atomic.Uint64, maxThreads),
	}
	for i := range e.registers {
		e.registers[i].Store(idleTs)
	}
	return e
}

const idleTs = ^uint64(0)

// state is the per-transaction MVCC scratch carried on txctx.Ctx.Scratch:
// the snapshot timestamp and which worker register slot published it.
type state struct {
	startTs  uint64
	threadID int
}

// Begin fetches a fresh start_ts and publishes it into the calling worker's
// register (spec.md §4.5).
func (e *Engine) Begin(c *txctx.Ctx, threadID int) {
	c.Begin()
	ts := e.clock.Add(1)
	e.registers[threadID].Store(ts)
	c.Scratch = &state{startTs: ts, threadID: threadID}
}

func (e *Engine) txState(c *txctx.Ctx) *state {
	return c.Scratch.(*state)
}

// Read scans the version ring backward for the newest version with
// wts <= start_ts.
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
	startTs := e.txState(c).startTs
	newest := t.newest.Load()
	oldest := t.oldest.Load()
	for i := newest; i+1 > oldest; i-- {
		v := &t.versions[i%ringSize]
		if v.wts.Load() <= startTs {
			return v.payload, true
		}
		if i == oldest {
			break
		}
	}
	return nil, false
}

// Write validates against the newest version's rts and stages a private copy.
func (e *Engine) Write(c *txctx.Ctx, key storage.AbstractKey, src []byte, offset uint16) bool {
	t, ok := e.table.Lookup(key)
	if !ok {
		return false
	}
	startTs := e.txState(c).startTs
	newest := &t.versions[t.newest.Load()%ringSize]
	if newest.rts.Load() > startTs {
		return false
	}
	full := append([]byte(nil), newest.payload...)
	copy(full[offset:], src)
	c.AccessWrite(key, full, offset, uint32(len(src)), newest.wts.Load(), t)
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
	c.AccessDelete(key, t.versions[t.newest.Load()%ringSize].wts.Load(), t)
	return true
}

// Commit implements spec.md §4.5's four-step protocol.
func (e *Engine) Commit(c *txctx.Ctx, alloc *walog.Allocator) bool {
	c.EnterPhase(metrics.PhaseValidate)
	st := e.txState(c)

	writes := append([]txctx.WriteEntry(nil), c.Writes()...)
	sort.Slice(writes, func(i, j int) bool { return less(writes[i].Key, writes[j].Key) })

	locked := make([]*Tuple, 0, len(writes))
	ok := true
validate:
	for _, w := range writes {
		if w.Kind == txctx.EntryInsert {
			continue
		}
		t, _ := w.Tuple.(*Tuple)
		if t == nil {
			ok = false
			break
		}
		newest := &t.versions[t.newest.Load()%ringSize]
		if newest.rts.Load() > st.startTs {
			ok = false
			break validate
		}
		if !t.TryLock() {
			ok = false
			break validate
		}
		locked = append(locked, t)
		newest = &t.versions[t.newest.Load()%ringSize]
		if newest.rts.Load() > st.startTs {
			ok = false
			break validate
		}
	}

	if !ok {
		for _, t := range locked {
			t.Unlock()
		}
		c.Finish(txctx.StatusAborted)
		return false
	}

	commitTs := e.clock.Add(1)
	touched := make([]*Tuple, 0, len(writes))

	if len(writes) > 0 {
		c.EnterPhase(metrics.PhasePersistLog)
		page := e.logWrites(alloc, commitTs, writes)
		c.EnterPhase(metrics.PhasePersistData)
		for _, w := range writes {
			switch w.Kind {
			case txctx.EntryInsert:
				t := &Tuple{insertTs: commitTs}
				t.Valid = true
				t.Key = w.Key
				t.versions[0] = version{payload: append([]byte(nil), w.Buffer...)}
				t.versions[0].wts.Store(commitTs)
				t.versions[0].rts.Store(commitTs)
				e.table.Insert(w.Key, t)
			case txctx.EntryWrite:
				t, _ := w.Tuple.(*Tuple)
				slot := (t.newest.Load() + 1) % ringSize
				v := &t.versions[slot]
				v.payload = append([]byte(nil), w.Buffer...)
				nvm.FlushRange(v.payload, len(v.payload))
				nvm.Fence()
				v.wts.Store(commitTs)
				v.rts.Store(commitTs)
				t.newest.Store(t.newest.Load() + 1)
				touched = append(touched, t)
			case txctx.EntryDelete:
				t, _ := w.Tuple.(*Tuple)
				t.deleteTs.Store(commitTs)
			}
		}
		if page != nil {
			e.log.Release(page)
		}
	}

	for _, t := range locked {
		t.Unlock()
	}

	e.reclaim(touched)

	c.Finish(txctx.StatusCommitted)
	return true
}

func (e *Engine) Abort(c *txctx.Ctx) {
	c.Finish(txctx.StatusAborted)
}

// reclaim advances each touched tuple's oldest index past any version whose
// second-oldest wts falls below the current minimum live start_ts (spec.md
// §4.5 step 4). Slots behind oldest are left in place (Go's GC reclaims
// their payload once oldest passes them and nothing else references the
// slice); there is no NVM deallocation step to perform.
func (e *Engine) reclaim(touched []*Tuple) {
	if len(touched) == 0 {
		return
	}
	minTs := e.watermark()
	for _, t := range touched {
		for {
			oldest := t.oldest.Load()
			newest := t.newest.Load()
			if oldest+1 > newest {
				break
			}
			second := &t.versions[(oldest+1)%ringSize]
			if second.wts.Load() >= minTs {
				break
			}
			if !t.oldest.CompareAndSwap(oldest, oldest+1) {
				break
			}
		}
	}
}

func (e *Engine) watermark() uint64 {
	min := idleTs
	for i := range e.registers {
		v := e.registers[i].Load()
		if v < min {
			min = v
		}
	}
	return min
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

// ForThread binds a worker goroutine's threadID to Begin's register-publish
// step, giving internal/executor a Begin(*txctx.Ctx) it can call uniformly
// across every engine even though MVCC alone needs the caller's thread
// identity to do it.
func (e *Engine) ForThread(threadID int) *ThreadEngine {
	return &ThreadEngine{engine: e, threadID: threadID}
}

// ThreadEngine is the per-worker handle internal/executor.NewPlain wraps
// for MVCC.
type ThreadEngine struct {
	engine   *Engine
	threadID int
}

func (t *ThreadEngine) Begin(c *txctx.Ctx)                       { t.engine.Begin(c, t.threadID) }
func (t *ThreadEngine) Read(c *txctx.Ctx, k storage.AbstractKey) ([]byte, bool) {
	return t.engine.Read(c, k)
}
func (t *ThreadEngine) Write(c *txctx.Ctx, k storage.AbstractKey, src []byte, offset uint16) bool {
	return t.engine.Write(c, k, src, offset)
}
func (t *ThreadEngine) Insert(c *txctx.Ctx, k storage.AbstractKey, src []byte) bool {
	return t.engine.Insert(c, k, src)
}
func (t *ThreadEngine) Delete(c *txctx.Ctx, k storage.AbstractKey) bool {
	return t.engine.Delete(c, k)
}

// ApplyInsert, ApplyUpdate, and ApplyDelete implement recovery.Applier.
// ApplyUpdate appends a fresh version slot rather than mutating in place,
// matching MVCC's normal commit-apply behavior.
func (e *Engine) ApplyInsert(key storage.AbstractKey, payload []byte, ts uint64) {
	t := &Tuple{insertTs: ts}
	t.Valid = true
	t.Key = key
	t.versions[0] = version{payload: append([]byte(nil), payload...)}
	t.versions[0].wts.Store(ts)
	t.versions[0].rts.Store(ts)
	e.table.Insert(key, t)
}

func (e *Engine) ApplyUpdate(key storage.AbstractKey, offset uint16, payload []byte, ts uint64) bool {
	t, ok := e.table.Lookup(key)
	if !ok {
		return false
	}
	slot := (t.newest.Load() + 1) % ringSize
	v := &t.versions[slot]
	full := append([]byte(nil), t.versions[t.newest.Load()%ringSize].payload...)
	copy(full[offset:], payload)
	v.payload = full
	nvm.FlushRange(v.payload, len(v.payload))
	nvm.Fence()
	v.wts.Store(ts)
	v.rts.Store(ts)
	t.newest.Store(t.newest.Load() + 1)
	return true
}

func (e *Engine) ApplyDelete(key storage.AbstractKey) bool {
	t, ok := e.table.Lookup(key)
	if !ok {
		return false
	}
	t.deleteTs.Store(uint64(0) + 1) // marked deleted; exact ts not load-bearing post-recovery
	return true
}

// Package persist implements the deferred-persistence pipeline shared by the
// Courier and Courier-Save engines (spec.md §4.7): per-thread dedup buffers
// queued onto a shared MPMC channel, drained by worker threads calling Aid,
// with an adaptive "how many threads should help drain the queue" policy.
package persist

import (
	"sync"
	"sync/atomic"

	"github.com/polar1shu/Courier-sub000/internal/nvm"
)

// MaxBatchNum and the per-variant high-water marks gate the adaptive aid
// policy (spec.md §4.7: "if depth exceeds max_aid_tid x MAX_BATCH_NUM +
// HIGH_WATER ... raise max_aid_tid by 1; if depth drops below the low
// water, lower it").
const (
	MaxBatchNum        = 4
	AcquireTaskNumOnce  = 8
	HighWaterCourier    = 48
	HighWaterCourierSave = 24
	LowWaterFraction    = 2 // low water = high water / LowWaterFraction
)

// VirtualHeader is the DRAM-resident indirection cell spec.md §4.7
// describes: "each record is represented by a DRAM-resident VirtualHeader
// holding the tuple's rw_lock, wts, and virtual_data_ptr."
//
// Go's garbage collector makes the original design's raw virtual_data_ptr
// unnecessary to hand-manage: Visible is just whichever []byte slice is
// currently authoritative (the NVM payload, or - for Courier-Save - a
// linked CacheTuple's scratch buffer). Dereferencing it is always safe;
// there is no dangling-pointer case to guard against.
type VirtualHeader struct {
	mu      sync.RWMutex
	wts     atomic.Uint64
	payload []byte // canonical NVM-resident storage
	visible atomic.Pointer[[]byte]
	cache   atomic.Pointer[CacheTuple] // non-nil only under Courier-Save
}

// NewVirtualHeader wraps payload, initially visible through itself.
func NewVirtualHeader(payload []byte) *VirtualHeader {
	vh := &VirtualHeader{payload: payload}
	vh.visible.Store(&vh.payload)
	return vh
}

func (vh *VirtualHeader) TryLock() bool  { return vh.mu.TryLock() }
func (vh *VirtualHeader) Unlock()        { vh.mu.Unlock() }
func (vh *VirtualHeader) TryRLock() bool { return vh.mu.TryRLock() }
func (vh *VirtualHeader) RUnlock()       { vh.mu.RUnlock() }
func (vh *VirtualHeader) Wts() uint64    { return vh.wts.Load() }
func (vh *VirtualHeader) BumpWts()       { vh.wts.Add(1) }

// Visible returns the slice transactions should read/write through right
// now: either the NVM payload, or - once Courier-Save links a cache tuple -
// the cache tuple's scratch buffer.
func (vh *VirtualHeader) Visible() []byte { return *vh.visible.Load() }

// Payload returns the canonical NVM-resident slice, bypassing any linked
// cache tuple. The deferred-persist worker writes here.
func (vh *VirtualHeader) Payload() []byte { return vh.payload }

// CacheTuple is Courier-Save's DRAM write-absorption slot (spec.md §4.7):
// "a slot from a ring-allocated DRAM cache is linked into the virtual
// header; subsequent updates target the cache tuple."
type CacheTuple struct {
	mu    sync.RWMutex // the cache tuple's own shared lock
	data  []byte
	inUse atomic.Bool
	pool  *CachePool // owning pool, so a dissolved link can release itself
}

func (c *CacheTuple) RLock() bool  { return c.mu.TryRLock() }
func (c *CacheTuple) RUnlock()     { c.mu.RUnlock() }
func (c *CacheTuple) Data() []byte { return c.data }

// CachePool is the ring allocator handing out CacheTuple slots.
type CachePool struct {
	slots []CacheTuple
	next  atomic.Uint64
}

// NewCachePool preallocates n slots of tupleSize bytes each.
func NewCachePool(n, tupleSize int) *CachePool {
	p := &CachePool{slots: make([]CacheTuple, n)}
	for i := range p.slots {
		p.slots[i].data = make([]byte, tupleSize)
		p.slots[i].pool = p
	}
	return p
}

// Acquire claims a free slot by ring-scanning for one whose inUse flag is
// currently false, giving up after one full lap (the caller then proceeds
// without a cache tuple, writing straight to NVM as plain Courier would).
func (p *CachePool) Acquire() (*CacheTuple, bool) {
	n := uint64(len(p.slots))
	start := p.next.Add(1)
	for i := uint64(0); i < n; i++ {
		slot := &p.slots[(start+i)%n]
		if slot.inUse.CompareAndSwap(false, true) {
			return slot, true
		}
	}
	return nil, false
}

// Release marks slot reusable. Called by the deferred-persist worker once
// it has flushed the slot's contents to NVM and confirmed no live reader
// holds its shared lock.
func (p *CachePool) Release(slot *CacheTuple) {
	slot.inUse.Store(false)
}

// ConstructLink links slot into vh, making it the visible target for
// subsequent writes (Courier-Save's construct_data_cache_link).
func (vh *VirtualHeader) ConstructLink(slot *CacheTuple) {
	vh.cache.Store(slot)
	vh.visible.Store(&slot.data)
}

// DissolveLink restores vh's visible pointer to its NVM payload and clears
// the cache link, once the deferred worker has flushed the cache tuple and
// confirmed no reader holds it.
func (vh *VirtualHeader) DissolveLink() {
	vh.cache.Store(nil)
	vh.visible.Store(&vh.payload)
}

// CacheLink returns the currently linked cache tuple, or nil.
func (vh *VirtualHeader) CacheLink() *CacheTuple { return vh.cache.Load() }

// DelayUpdateEvent describes one tuple's pending NVM catch-up copy: the
// byte range [StartIdx, EndIdx) that must be copied from Target's visible
// location to its NVM payload (spec.md §4.7: "DelayUpdateEvent{target_ptr,
// start_idx, end_idx, [shared_handler]}").
type DelayUpdateEvent struct {
	Target       *VirtualHeader
	StartIdx     int
	EndIdx       int
	CacheHandle  *CacheTuple // set only for Courier-Save writes that hit the cache
}

// merge unions byte ranges for repeated writes to the same tuple within one
// transaction (spec.md §4.7: "repeated writes to the same tuple collapse
// into a single event whose [start_idx, end_idx) is the union").
func (e *DelayUpdateEvent) merge(start, end int) {
	if start < e.StartIdx {
		e.StartIdx = start
	}
	if end > e.EndIdx {
		e.EndIdx = end
	}
}

// ThreadBuffer accumulates one worker's pending catch-up copies between
// persist_data calls: a dedup map keyed by VirtualHeader identity, plus the
// log page it is riding with (released only once every event it describes
// has been flushed to NVM).
type ThreadBuffer struct {
	events map[*VirtualHeader]*DelayUpdateEvent
	page   PageReleaser
}

// PageReleaser is the subset of *walog.Page/*walog.Manager the pipeline
// needs: release the page once every queued event is flushed. Defined as an
// interface here so this package does not import walog.
type PageReleaser interface {
	Release()
}

// NewThreadBuffer returns an empty buffer riding page.
func NewThreadBuffer(page PageReleaser) *ThreadBuffer {
	return &ThreadBuffer{events: make(map[*VirtualHeader]*DelayUpdateEvent), page: page}
}

// Push merges one tuple's pending write range into the buffer's dedup map
// (push_context, spec.md §4.7).
func (b *ThreadBuffer) Push(vh *VirtualHeader, start, end int, cache *CacheTuple) {
	if ev, ok := b.events[vh]; ok {
		ev.merge(start, end)
		if cache != nil {
			ev.CacheHandle = cache
		}
		return
	}
	b.events[vh] = &DelayUpdateEvent{Target: vh, StartIdx: start, EndIdx: end, CacheHandle: cache}
}

// Queue is the shared MPMC channel of ThreadBuffers awaiting drain, plus the
// adaptive aid-recruitment state (spec.md §4.7's "Adaptive aid").
type Queue struct {
	ch        chan *ThreadBuffer
	highWater int
	lowWater  int
	maxAidTid atomic.Int64
	maxTid    int
}

// NewQueue builds a queue holding up to capacity in-flight buffers; maxTid
// caps how far the aid ceiling can rise. highWater selects the Courier (48) vs Courier-Save (24) threshold.
func NewQueue(capacity, maxTid, highWater int) *Queue {
	return &Queue{
		ch:        make(chan *ThreadBuffer, capacity),
		highWater: highWater,
		lowWater:  highWater / LowWaterFraction,
		maxTid:    maxTid,
	}
}

// Publish hands a full ThreadBuffer to the queue for later draining
// (persist_data: "the committer swaps in a fresh ThreadBuffer, hands the
// old one to a shared MPMC queue").
func (q *Queue) Publish(b *ThreadBuffer) {
	q.ch <- b
}

// Depth reports the current queue length for the adaptive-aid sampler.
func (q *Queue) Depth() int { return len(q.ch) }

// MaxAidTid returns the current ceiling on which thread IDs are asked to
// aid.
func (q *Queue) MaxAidTid() int64 { return q.maxAidTid.Load() }

// sampleAndAdjust implements the thread-0 adaptive-aid sampling step:
// raise max_aid_tid by one if the queue is deep, lower it by one (floored
// at zero per the Open Question decision) if it has drained.
func (q *Queue) sampleAndAdjust() {
	depth := q.Depth()
	cur := q.maxAidTid.Load()
	threshold := int(cur)*MaxBatchNum + q.highWater
	switch {
	case depth > threshold && int(cur) < q.maxTid:
		q.maxAidTid.CompareAndSwap(cur, cur+1)
	case depth < q.lowWater && cur > 0:
		q.maxAidTid.CompareAndSwap(cur, cur-1)
	}
}

// Aid is called by worker threadID between transactions (or when log-page
// allocation fails and it needs to recruit help). It samples/adjusts the
// aid ceiling when threadID==0, then - if threadID is within the current
// ceiling - drains up to AcquireTaskNumOnce buffers, flushing every pending
// range to NVM.
func (q *Queue) Aid(threadID int) {
	if threadID == 0 {
		q.sampleAndAdjust()
	}
	if int64(threadID) > q.maxAidTid.Load() {
		return
	}
	for i := 0; i < AcquireTaskNumOnce; i++ {
		select {
		case b := <-q.ch:
			drain(b)
		default:
			return
		}
	}
}

// FlushAll drains the queue until empty, used at shutdown
// (flush_all_work, spec.md §8 scenario 5: "queue depth = 0").
func (q *Queue) FlushAll() {
	for {
		select {
		case b := <-q.ch:
			drain(b)
		default:
			return
		}
	}
}

// drain copies every event's [StartIdx, EndIdx) range from its target's
// visible location to its NVM payload, flushes, fences, then - for
// Courier-Save events carrying a cache handle - attempts to dissolve the
// cache link.
func drain(b *ThreadBuffer) {
	for _, ev := range b.events {
		visible := ev.Target.Visible()
		payload := ev.Target.Payload()
		copy(payload[ev.StartIdx:ev.EndIdx], visible[ev.StartIdx:ev.EndIdx])
		nvm.FlushRange(payload[ev.StartIdx:ev.EndIdx], ev.EndIdx-ev.StartIdx)
		nvm.Fence()

		if ev.CacheHandle != nil {
			ev.CacheHandle.mu.RUnlock() // release the shared lock held since commit apply
			if ev.CacheHandle.mu.TryLock() && ev.Target.TryLock() {
				ev.Target.DissolveLink()
				ev.Target.Unlock()
				ev.CacheHandle.mu.Unlock()
				ev.CacheHandle.pool.Release(ev.CacheHandle)
			}
		}
	}
	b.page.Release()
}

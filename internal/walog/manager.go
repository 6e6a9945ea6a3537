package walog

import (
	"errors"
	"sync/atomic"

	"github.com/kelindar/bitmap"
	"github.com/kelindar/xxrand"
)

// ErrNoPage is returned by TryAllocate when every page is currently owned by
// some other thread. Callers must retry or recruit aid (spec.md §4.1's
// allocation protocol: "on miss, return 'none' (the caller must retry or
// recruit aid)"; spec.md §7 names this LogExhaustion).
var ErrNoPage = errors.New("walog: no free log page")

// Manager owns a fixed array of log pages plus the bitmap tracking which are
// currently allocated, mirroring spec.md §4.1's layout: "the span is
// prefixed by a bitmap (one bit per page, cache-line aligned); the remainder
// is a page array."
//
// The bitmap lives as a plain []atomic.Uint64 rather than kelindar/bitmap on
// the hot allocate/release path: allocation needs a single-word
// compare-and-swap racing across threads, and kelindar/bitmap's Bitmap type
// is a plain (non-atomic) []uint64 meant for single-writer scans, exactly the
// role it plays here on the read-only recovery side (see Snapshot).
type Manager struct {
	pages    []Page
	bits     []atomic.Uint64
	pageSize int
}

// NewManager carves an NVM span conceptually divided into pageCount pages of
// pageSize bytes each. In this behavioral model the span is ordinary Go
// memory (see internal/nvm's package doc); callers never see a raw pointer
// into it.
func NewManager(pageCount, pageSize int) *Manager {
	m := &Manager{
		pages:    make([]Page, pageCount),
		bits:     make([]atomic.Uint64, (pageCount+63)/64),
		pageSize: pageSize,
	}
	for i := range m.pages {
		m.pages[i].buf = make([]byte, pageSize)
		m.pages[i].index = i
	}
	return m
}

// PageCount reports how many pages this manager holds.
func (m *Manager) PageCount() int { return len(m.pages) }

// Allocator is a per-thread cursor into the page array, handed out once per
// worker goroutine and reused for that goroutine's lifetime (spec.md §4.1:
// "each thread keeps an integer cursor initialized randomly").
type Allocator struct {
	m      *Manager
	cursor int
}

// NewAllocator returns an Allocator with a randomly initialized cursor,
// using kelindar/xxrand the way the rest of the domain stack draws
// low-overhead randomness (SPEC_FULL.md §3) rather than math/rand's
// global-lock-guarded source.
func (m *Manager) NewAllocator() *Allocator {
	return &Allocator{m: m, cursor: int(xxrand.Uint32n(uint32(len(m.pages))))}
}

// TryAllocate advances the cursor modulo the page count and attempts to
// claim that page's bitmap bit with a single compare-and-swap. On success it
// returns a fresh, empty Page; on failure it returns ErrNoPage and the
// caller must retry (by calling TryAllocate again, typically after aiding
// persistence so a page frees up - internal/persist).
func (a *Allocator) TryAllocate() (*Page, error) {
	a.cursor = (a.cursor + 1) % len(a.m.pages)
	idx := a.cursor
	word, bit := idx/64, uint(idx%64)
	mask := uint64(1) << bit
	old := a.m.bits[word].Load()
	if old&mask != 0 {
		return nil, ErrNoPage
	}
	if !a.m.bits[word].CompareAndSwap(old, old|mask) {
		return nil, ErrNoPage
	}
	p := &a.m.pages[idx]
	p.reset()
	return p, nil
}

// Release clears p's bitmap bit, making it available to the next allocator
// that reaches it. The caller must have already made every record in p
// durable (Durable) and handed off any pending DelayUpdateEvents before
// calling this (spec.md §3: a page is owned "until all records written into
// it are durable at their target addresses").
func (m *Manager) Release(p *Page) {
	idx := p.index
	word, bit := idx/64, uint(idx%64)
	mask := uint64(1) << bit
	for {
		old := m.bits[word].Load()
		if m.bits[word].CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// Snapshot returns a single-threaded, point-in-time bitmap view of which
// pages currently hold unreclaimed records, for recovery's "for each log
// page whose bitmap bit is set, scan records from the page start" pass
// (spec.md §4.8 step 2). Recovery runs before any worker goroutine is
// started, so no concurrent allocation races this read.
func (m *Manager) Snapshot() bitmap.Bitmap {
	bm := make(bitmap.Bitmap, len(m.bits))
	for i := range m.bits {
		bm[i] = m.bits[i].Load()
	}
	return bm
}

// Page returns the page at index idx, for recovery's bitmap-driven scan.
func (m *Manager) Page(idx int) *Page {
	return &m.pages[idx]
}

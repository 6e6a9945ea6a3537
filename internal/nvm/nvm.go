// Package nvm models the byte-addressable persistent-memory behavior the
// concurrency-control engines depend on: cache-line flushes and store fences.
//
// The teacher (mansub1029-go-pmem-transaction) runs against a forked Go
// runtime (go-pmem) that exposes pnew/pmake/runtime.PersistRange/runtime.Fence
// as compiler intrinsics backed by real NVDIMM hardware. None of that is an
// importable library from ordinary Go, so this package gives the rest of the
// module the same two primitives - FlushRange and Fence - implemented against
// plain DRAM. Every engine is written against this interface and never against
// raw pointers, per the "opaque handles" redesign the spec calls for.
package nvm

import (
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
)

// CacheLineSize is the host CPU's cache-line size, read once at startup
// (64 when the CPU does not report one). FlushRange does not round to it.
var CacheLineSize = detectCacheLine()

func detectCacheLine() int {
	if cpuid.CPU.CacheLine > 0 {
		return cpuid.CPU.CacheLine
	}
	return 64
}

// flushes and fences count FlushRange/Fence calls so tests can assert the ordering
// discipline (flush-before-fence, payload-before-timestamp) was actually
// exercised, without needing real NVM hardware to observe it.
var flushes atomic.Uint64
var fences atomic.Uint64

// FlushRange models a CLWB/CLFLUSHOPT sweep over [ptr, ptr+size). On real NVM
// this writes dirty cache lines back to the memory controller; here it is a
// synchronization point only, so it is safe to call on any byte slice.
func FlushRange(ptr []byte, size int) {
	_ = ptr
	_ = size
	flushes.Add(1)
}

// Fence models an SFENCE: every FlushRange issued before a Fence call is
// guaranteed durable (in our behavioral model: globally visible) before any
// store that follows the Fence. Implemented as a counter plus the Go memory
// model's own happens-before edge on the atomic add - callers that
// synchronize through a Fence observe prior FlushRange calls.
func Fence() {
	fences.Add(1)
}

// Stats reports how many flush/fence operations have been issued, for tests
// and diagnostics only.
func Stats() (flushCount, fenceCount uint64) {
	return flushes.Load(), fences.Load()
}

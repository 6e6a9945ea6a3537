// Package recovery implements spec.md §4.8: single-threaded-per-table then
// single-threaded-per-log-page replay after a crash.
//
// Because this module's storage.Table doubles as both index and data slab
// (see DESIGN.md's internal/storage section), step 1 of the
// spec's recovery procedure - "iterate its allocator's slab, reconstruct the
// index entry" - collapses to a no-op here: there is no separate on-disk
// slab to scan independently of the index tuples an engine's own Insert
// path already builds. What remains, and what this package implements, is
// step 2: scanning every log page whose bitmap bit is set and replaying its
// committed transactions through the same apply logic each engine's commit
// path uses.
package recovery

import (
	"time"

	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/walog"
)

// Applier is the subset of an engine's apply-phase behavior recovery needs:
// constructing a tuple for a replayed Insert, overwriting a byte range for a
// replayed Update, and removing an entry for a replayed Delete. Each engine
// package provides one. Its methods write straight to the engine's table:
// replay does not run through the executor, a txctx.Ctx, or a commit cycle.
type Applier interface {
	ApplyInsert(key storage.AbstractKey, payload []byte, ts uint64)
	ApplyUpdate(key storage.AbstractKey, offset uint16, payload []byte, ts uint64) bool
	ApplyDelete(key storage.AbstractKey) bool
}

// pending is one buffered Update/Insert/Delete record awaiting its page's
// Commit record (spec.md §4.8: "buffer Update and Insert records in a FIFO;
// on seeing a Commit, drain the FIFO").
type pending struct {
	rec walog.Record
}

// Report summarizes one recovery run's timings, reported by the driver
// (spec.md §4.8: "the recovery driver reports elapsed times for the two
// phases").
type Report struct {
	IndexRebuild time.Duration
	LogReplay    time.Duration
	PagesScanned int
	RecordsApplied int
}

// Run scans every log page the manager's bitmap marks live and replays each
// committed transaction found into applier.
func Run(mgr *walog.Manager, applier Applier) Report {
	indexStart := time.Now()
	// No-op: see package doc. Timed anyway so the report shape matches
	// spec.md's "elapsed times for the two phases" even when this phase
	// does no work under this module's unified table/index design.
	indexElapsed := time.Since(indexStart)

	logStart := time.Now()
	var pagesScanned, recordsApplied int

	snapshot := mgr.Snapshot()
	for word := range snapshot {
		bits := snapshot[word]
		if bits == 0 {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			if bits&(uint64(1)<<uint(bit)) == 0 {
				continue
			}
			idx := word*64 + bit
			if idx >= mgr.PageCount() {
				continue
			}
			pagesScanned++
			n := replayPage(mgr.Page(idx), applier)
			recordsApplied += n
		}
	}

	return Report{
		IndexRebuild:   indexElapsed,
		LogReplay:      time.Since(logStart),
		PagesScanned:   pagesScanned,
		RecordsApplied: recordsApplied,
	}
}

// replayPage scans one page's records, buffering Update/Insert/Delete
// until a matching Commit, replaying the whole transaction on commit. An
// unrecognized tag stops the scan early (spec.md §4.8: "on an unknown tag,
// stop scanning the page (treat as truncated)") - Records() already only
// returns well-formed entries it could decode, so truncation here means
// simply: a trailing Start with no Commit is left undrained.
func replayPage(page *walog.Page, applier Applier) int {
	records := page.Records()
	var fifo []pending
	applied := 0

	for _, rec := range records {
		switch rec.Tag {
		case walog.TagStart:
			fifo = fifo[:0]
		case walog.TagUpdate, walog.TagInsert, walog.TagDelete:
			fifo = append(fifo, pending{rec: rec})
		case walog.TagCommit:
			for _, p := range fifo {
				switch p.rec.Tag {
				case walog.TagInsert:
					applier.ApplyInsert(p.rec.Key, p.rec.Payload, p.rec.Ts)
				case walog.TagUpdate:
					applier.ApplyUpdate(p.rec.Key, p.rec.Offset, p.rec.Payload, p.rec.Ts)
				case walog.TagDelete:
					applier.ApplyDelete(p.rec.Key)
				}
				applied++
			}
			fifo = fifo[:0]
		default:
			return applied
		}
	}
	return applied
}

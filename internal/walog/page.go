package walog

import (
	"errors"

	"github.com/polar1shu/Courier-sub000/internal/nvm"
	"github.com/polar1shu/Courier-sub000/internal/storage"
)

// ErrRecordTooLarge is returned by the Append* methods when a record plus a
// trailing commit would not fit in the page's remaining space: spec.md §4.1
// requires the caller to check this itself ("before appending, the caller
// must have verified remaining(page) >= record_size + sizeof(CommitRecord)"),
// so this is a defensive backstop, not the primary control-flow signal.
var ErrRecordTooLarge = errors.New("walog: record does not fit in remaining page space")

// Page is one fixed-size NVM-resident log page, owned by exactly one thread
// at a time between Allocate and Release (spec.md §3's LogPage: "owned by
// the thread that allocated it until all records written into it are
// durable at their target addresses").
type Page struct {
	buf   []byte
	cur   int
	index int // index into LogManager.pages, needed to clear the bitmap bit on release
}

// Remaining reports how many bytes are free in the page.
func (p *Page) Remaining() int { return len(p.buf) - p.cur }

// Index is this page's slot number, stable for the page's lifetime; callers
// use it to correlate a page with the DelayUpdateEvent buffers queued
// against it (internal/persist).
func (p *Page) Index() int { return p.index }

// AppendStart writes a header-only Start record (headerSize bytes, no key or
// payload) marking the beginning of a transaction's span in the page
// (spec.md §3 LogRecord tag "Start").
func (p *Page) AppendStart(ts uint64) error {
	return p.appendHeaderOnly(TagStart, ts, 0)
}

// AppendCommit writes a Commit record. Per spec.md §4.1 invariant 2, the
// caller must FlushRange+Fence after this before treating the transaction
// as durable.
func (p *Page) AppendCommit(ts uint64) error {
	return p.appendHeaderOnly(TagCommit, ts, 0)
}

// AppendDelete writes a Delete record for key.
func (p *Page) AppendDelete(ts uint64, key storage.AbstractKey) error {
	keyBytes := []byte(key.String())
	size := encodedSize(len(keyBytes), 0)
	if p.Remaining() < size+CommitSize {
		return ErrRecordTooLarge
	}
	p.writeRecord(TagDelete, ts, keyBytes, nil, 0)
	return nil
}

// AppendUpdate writes an Update record: key, the byte range [offset,
// offset+len(src)) being modified, and the new bytes themselves inline.
func (p *Page) AppendUpdate(ts uint64, key storage.AbstractKey, src []byte, offset uint16) error {
	keyBytes := []byte(key.String())
	size := encodedSize(len(keyBytes), len(src))
	if p.Remaining() < size+CommitSize {
		return ErrRecordTooLarge
	}
	p.writeRecord(TagUpdate, ts, keyBytes, src, offset)
	return nil
}

// AppendInsert writes an Insert record: key plus the full tuple payload.
func (p *Page) AppendInsert(ts uint64, key storage.AbstractKey, src []byte) error {
	keyBytes := []byte(key.String())
	size := encodedSize(len(keyBytes), len(src))
	if p.Remaining() < size+CommitSize {
		return ErrRecordTooLarge
	}
	p.writeRecord(TagInsert, ts, keyBytes, src, 0)
	return nil
}

func (p *Page) appendHeaderOnly(tag Tag, ts uint64, payloadLen int) error {
	if p.Remaining() < headerSize {
		return ErrRecordTooLarge
	}
	p.writeRecord(tag, ts, nil, nil, 0)
	return nil
}

func (p *Page) writeRecord(tag Tag, ts uint64, key, payload []byte, offset uint16) {
	start := p.cur
	putHeader(p.buf[start:], tag, ts, len(key), len(payload), offset)
	off := start + headerSize
	off += copy(p.buf[off:], key)
	off += copy(p.buf[off:], payload)
	p.cur = off
}

// Durable flushes every record appended so far and issues a store fence, the
// discipline spec.md §4.1 mandates before a commit record may be relied on
// as observable: "flushes the range [log_start, log_cur) and issues a store
// fence".
func (p *Page) Durable() {
	nvm.FlushRange(p.buf[:p.cur], p.cur)
	nvm.Fence()
}

// Records decodes every record currently in the page, from the start up to
// cur, in append order. Used by recovery's per-page scan (spec.md §4.8).
func (p *Page) Records() []Record {
	var out []Record
	off := 0
	for off+headerSize <= p.cur {
		tag, ts, keyLen, payloadLen, offset := readHeader(p.buf[off:])
		off += headerSize
		var key storage.AbstractKey
		if keyLen > 0 {
			key = storage.ParseKey(string(p.buf[off : off+keyLen]))
			off += keyLen
		}
		var payload []byte
		if payloadLen > 0 {
			payload = append([]byte(nil), p.buf[off:off+payloadLen]...)
			off += payloadLen
		}
		out = append(out, Record{Tag: tag, Ts: ts, Key: key, Offset: offset, Payload: payload})
	}
	return out
}

// reset clears the page for reuse by its next owner. Called by
// Allocator.TryAllocate when it claims the page.
func (p *Page) reset() {
	p.cur = 0
}

// Package walog implements the LogManager described in spec.md §4.1: a
// caller-provided NVM span divided into fixed-size pages, allocated to
// threads one at a time, holding a tagged-union LogRecord stream (Start,
// Update, Insert, Delete, Commit) that recovery (internal/recovery) later
// replays by tag validity.
//
// The teacher (transaction/undoTx.go) keeps its own log as a pmem-backed
// []entry slice with a tail cursor and flush/fence calls bracketing every
// mutation; this package keeps that same "byte buffer plus cursor, flush
// range then fence" shape but swaps undo-entries for the wire-format
// LogRecord spec.md §3 calls for, and swaps per-transaction private logs for
// shared, bitmap-allocated pages handed out to whichever thread asks first.
package walog

import (
	"encoding/binary"
	"fmt"

	"github.com/polar1shu/Courier-sub000/internal/storage"
)

// Tag identifies a LogRecord's kind (spec.md §3: "tag; transaction
// timestamp; for Update/Insert: key, size, optional offset, then inline
// payload bytes").
type Tag byte

const (
	TagStart Tag = iota + 1
	TagUpdate
	TagInsert
	TagDelete
	TagCommit
)

func (t Tag) String() string {
	switch t {
	case TagStart:
		return "start"
	case TagUpdate:
		return "update"
	case TagInsert:
		return "insert"
	case TagDelete:
		return "delete"
	case TagCommit:
		return "commit"
	default:
		return fmt.Sprintf("tag(%d)", byte(t))
	}
}

// header is the fixed-size prefix common to every record: tag, timestamp,
// and (for Update/Insert/Delete) the target key length so the scanner can
// skip straight to the next record without interpreting the payload.
//
//	byte 0       : tag
//	bytes 1-8    : timestamp (uint64 LE)
//	bytes 9-10   : key length (uint16 LE)
//	bytes 11-14  : payload length (uint32 LE)
//	bytes 15-16  : offset (uint16 LE) - Update only, 0 for Insert
const headerSize = 17

// Record is the decoded, in-memory form of one LogRecord, produced by
// Page.Records and consumed by internal/recovery.
type Record struct {
	Tag     Tag
	Ts      uint64
	Key     storage.AbstractKey
	Offset  uint16
	Payload []byte
}

// encodedSize returns the number of bytes writeRecord will write for a
// record carrying keyLen bytes of key and payloadLen bytes of payload.
func encodedSize(keyLen, payloadLen int) int {
	return headerSize + keyLen + payloadLen
}

// CommitSize is the fixed size of a Commit record, used by callers to check
// "remaining(page) >= record_size + sizeof(CommitRecord)" per spec.md §4.1.
const CommitSize = headerSize

func putHeader(buf []byte, tag Tag, ts uint64, keyLen, payloadLen int, offset uint16) {
	buf[0] = byte(tag)
	binary.LittleEndian.PutUint64(buf[1:9], ts)
	binary.LittleEndian.PutUint16(buf[9:11], uint16(keyLen))
	binary.LittleEndian.PutUint32(buf[11:15], uint32(payloadLen))
	binary.LittleEndian.PutUint16(buf[15:17], offset)
}

func readHeader(buf []byte) (tag Tag, ts uint64, keyLen, payloadLen int, offset uint16) {
	tag = Tag(buf[0])
	ts = binary.LittleEndian.Uint64(buf[1:9])
	keyLen = int(binary.LittleEndian.Uint16(buf[9:11]))
	payloadLen = int(binary.LittleEndian.Uint32(buf[11:15]))
	offset = binary.LittleEndian.Uint16(buf[15:17])
	return
}

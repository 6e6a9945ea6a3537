// Package logging wires a single zerolog.Logger for the whole process.
//
// The teacher logs with bare log.Fatal and commented-out fmt.Println debug
// prints; the rest of the retrieval pack (cuemby-warren, evalgo-org-eve) wires
// one structured logger at process start and passes it down explicitly. This
// package follows that pattern rather than a package-level mutable logger: see
// the Design Note on "global-mutable recording switches" - the same argument
// applies to a global logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// New builds a logger writing human-readable console output to w. cmd/bench
// passes os.Stderr; tests typically pass io.Discard.
func New(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

// Default returns a logger writing to stderr at info level, for packages
// (engines, walog) that are handed no logger explicitly in tests.
func Default() zerolog.Logger {
	return New(os.Stderr, false)
}

// Bytes formats a byte count for log fields in SI units, e.g. "49 kB" for a
// 48 KiB (49152-byte) Courier log page.
func Bytes(n uint64) string {
	return humanize.Bytes(n)
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package changestore implements the accurate-mode change-detection store:
// a keyed table of previously-backed-up file fingerprints with a seen bit
// per entry, interchangeable behind one interface across an in-memory and a
// disk-backed back-end.
package changestore

import "errors"

// ErrNotFound is returned by Lookup when path has no entry.
var ErrNotFound = errors.New("changestore: entry not found")

// Entry is the per-path fingerprint recorded by the Director's accurate
// dump. All four payload fields are kept as opaque ASCII (matching the
// on-wire encoding) to avoid re-parsing cost for paths that turn out
// unchanged.
type Entry struct {
	FileNumber    uint64
	Path          string
	DeltaSeq      int
	LstatASCII    string
	ChecksumASCII string

	seen bool
}

// Seen reports whether MarkSeen has been called for this entry during the
// current job.
func (e *Entry) Seen() bool { return e.seen }

// Store is the capability interface both back-ends implement. It
// deliberately has no inheritance hierarchy (per spec §9 DESIGN NOTES):
// two concrete types satisfy the same small interface.
type Store interface {
	// Init prepares the store for a job expected to hold roughly
	// expectedEntries fingerprints.
	Init(expectedEntries int) error

	// Add records a new fingerprint, assigning the next monotonic file
	// number and reserving its seen-bit. Add must be called only during
	// the accurate-dump load phase, before any Lookup/MarkSeen.
	Add(path, lstatASCII, checksumASCII string, deltaSeq int) (*Entry, error)

	// Lookup returns the entry for path, or ErrNotFound if the Director's
	// accurate dump did not mention it.
	Lookup(path string) (*Entry, error)

	// MarkSeen sets entry's seen bit. entry must have come from Lookup (or
	// Add) on this Store.
	MarkSeen(entry *Entry) error

	// IterUnseen calls fn once for every entry whose seen bit is still
	// clear, in file-number order. Used at job end to emit "deleted"
	// summary records on non-Full levels.
	IterUnseen(fn func(*Entry) error) error

	// IterAllSeen calls fn once for every entry whose seen bit is set, in
	// file-number order. Used at job end to emit "base file" summary
	// records on Full level with base-job optimization.
	IterAllSeen(fn func(*Entry) error) error

	// Close releases any resources (file handles, transactions) held by
	// the store. Implementations must tolerate a double Close.
	Close() error
}

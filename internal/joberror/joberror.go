// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package joberror classifies errors raised anywhere in the backup/restore
// pipeline into the four kinds spec'd for the File Daemon: fatal session
// errors, fatal per-file errors, soft per-file errors (capped and counted),
// and informational events.
package joberror

import "fmt"

// Kind is the error classification.
type Kind int

const (
	// Fatal terminates the whole job: protocol framing violation,
	// authentication failure, unrecoverable socket error.
	Fatal Kind = iota
	// FatalPerFile aborts only the current file's pipeline and continues
	// with the next file.
	FatalPerFile
	// Soft is logged up to MaxPerKind times per job and counted past that.
	Soft
	// Informational is logged once per event; never counted against a cap.
	Informational
)

func (k Kind) String() string {
	switch k {
	case Fatal:
		return "fatal"
	case FatalPerFile:
		return "fatal-per-file"
	case Soft:
		return "soft"
	case Informational:
		return "informational"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its classification and the kind of
// thing that failed (e.g. "acl", "xattr", "read"), used both for log
// messages and for Counters keying.
type Error struct {
	Kind  Kind
	Of    string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error (%s): %v", e.Kind, e.Of, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified Error.
func New(kind Kind, of string, cause error) *Error {
	return &Error{Kind: kind, Of: of, Cause: cause}
}

// MaxPerKind is the number of Soft errors of a given kind that are logged
// per job before further occurrences are suppressed (still counted).
const MaxPerKind = 25

// Counters accumulates per-kind soft-error counts and job-wide summary
// counters for the EndJob report.
type Counters struct {
	softByKind map[string]int

	FilesExamined int64
	FilesSent     int64
	BytesRead     int64
	BytesSent     int64
	Errors        int64
}

// NewCounters returns a ready-to-use Counters.
func NewCounters() *Counters {
	return &Counters{softByKind: make(map[string]int)}
}

// ShouldLog reports whether a Soft error of the given kind should still be
// logged (true for the first MaxPerKind occurrences), and always increments
// the underlying count and the job error total.
func (c *Counters) ShouldLog(of string) bool {
	c.softByKind[of]++
	c.Errors++
	return c.softByKind[of] <= MaxPerKind
}

// CountOf returns how many Soft errors of the given kind have been recorded.
func (c *Counters) CountOf(of string) int {
	return c.softByKind[of]
}

// RecordFatalPerFile increments the job error total for a fatal-per-file
// error without the per-kind suppression Soft errors get.
func (c *Counters) RecordFatalPerFile() {
	c.Errors++
}

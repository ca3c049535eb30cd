// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"fmt"
	"io"

	"github.com/nishisan-dev/nbackup-filed/internal/joberror"
)

// Response codes sent to the Director, grounded on
// original_source/src/lib/bsock.h's numeric message codes.
const (
	RspHello          = 2000
	RspAuthOK         = 2001
	RspAuthFailed     = 2002
	RspOK             = 2000
	RspJobAccepted    = 2100
	RspStorageOK      = 2200
	RspBackupStarted  = 2600
	RspRestoreStarted = 2601
	RspEndJob         = 2800
	RspError          = 2999
)

// WriteLine writes one CRLF-free response line to the Director channel,
// matching the textual, newline-delimited shape the rest of the Director
// dialogue uses.
func WriteLine(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format+"\n", args...)
	return err
}

// WriteResponse writes a "<code> <message>" response line.
func WriteResponse(w io.Writer, code int, message string) error {
	return WriteLine(w, "%d %s", code, message)
}

// EndJobSummary is the per-job totals reported at end-of-job, grounded on
// original_source/src/filed/job.c's end-of-job reporting
// ("%d Elapsed...TermCode=%d JobFiles=%u...").
type EndJobSummary struct {
	TermCode  int
	JobFiles  int64
	ReadBytes int64
	JobBytes  int64
	Errors    int64
	VSS       int
	Encrypt   int
}

// WriteEndJob writes the EndJob summary line, supplemented from
// original_source/src/filed/job.c (not present in spec.md's distillation,
// and not excluded by any Non-goal).
func WriteEndJob(w io.Writer, s EndJobSummary) error {
	return WriteLine(w, "%d End Job TermCode=%d JobFiles=%d ReadBytes=%d JobBytes=%d Errors=%d VSS=%d Encrypt=%d",
		RspEndJob, s.TermCode, s.JobFiles, s.ReadBytes, s.JobBytes, s.Errors, s.VSS, s.Encrypt)
}

// SummaryFromCounters builds an EndJobSummary from a job's joberror.Counters
// and a termination code.
func SummaryFromCounters(c *joberror.Counters, termCode, vss, encrypt int) EndJobSummary {
	return EndJobSummary{
		TermCode:  termCode,
		JobFiles:  c.FilesSent,
		ReadBytes: c.BytesRead,
		JobBytes:  c.BytesSent,
		Errors:    c.Errors,
		VSS:       vss,
		Encrypt:   encrypt,
	}
}

// Termination codes, grounded on original_source/src/filed/job.c.
const (
	TermOK        = 0
	TermErrors    = 1
	TermFatal     = 2
	TermCanceled  = 3
)

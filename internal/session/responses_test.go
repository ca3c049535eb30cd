// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"bytes"
	"testing"

	"github.com/nishisan-dev/nbackup-filed/internal/joberror"
)

func TestWriteResponse(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, RspAuthOK, "auth ok"); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	want := "2001 auth ok\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestWriteEndJob_Format(t *testing.T) {
	var buf bytes.Buffer
	s := EndJobSummary{TermCode: TermOK, JobFiles: 12, ReadBytes: 4096, JobBytes: 2048, Errors: 1, VSS: 0, Encrypt: 1}
	if err := WriteEndJob(&buf, s); err != nil {
		t.Fatalf("WriteEndJob: %v", err)
	}
	want := "2800 End Job TermCode=0 JobFiles=12 ReadBytes=4096 JobBytes=2048 Errors=1 VSS=0 Encrypt=1\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestSummaryFromCounters(t *testing.T) {
	c := joberror.NewCounters()
	c.FilesSent = 3
	c.BytesRead = 100
	c.BytesSent = 90
	c.ShouldLog("acl")

	s := SummaryFromCounters(c, TermErrors, 1, 0)
	if s.JobFiles != 3 || s.ReadBytes != 100 || s.JobBytes != 90 || s.Errors != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.TermCode != TermErrors || s.VSS != 1 || s.Encrypt != 0 {
		t.Fatalf("unexpected summary flags: %+v", s)
	}
}

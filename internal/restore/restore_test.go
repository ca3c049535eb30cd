// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package restore

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nishisan-dev/nbackup-filed/internal/backup"
	"github.com/nishisan-dev/nbackup-filed/internal/fswalk"
	"github.com/nishisan-dev/nbackup-filed/internal/joberror"
	"github.com/nishisan-dev/nbackup-filed/internal/platattr"
	"github.com/nishisan-dev/nbackup-filed/internal/protocol"
	"github.com/nishisan-dev/nbackup-filed/internal/session"
	"github.com/nishisan-dev/nbackup-filed/internal/transform"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runBackup streams srcDir through internal/backup into an in-memory wire
// buffer, mirroring how a live job would write to the Storage Daemon.
func runBackup(t *testing.T, srcDir string, opts backup.Options) *bytes.Buffer {
	t.Helper()
	var wire bytes.Buffer
	jctx := &session.Context{
		JobID:    "1",
		Counters: joberror.NewCounters(),
		SDWriter: protocol.NewWriter(&wire),
	}
	walker := fswalk.NewWalker([]string{srcDir}, nil)
	if _, err := backup.Run(context.Background(), jctx, walker, platattr.New(), opts, discardLogger()); err != nil {
		t.Fatalf("backup.Run: %v", err)
	}
	return &wire
}

func TestRun_RoundTripsPlainFile(t *testing.T) {
	srcDir := t.TempDir()
	content := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	bopts := backup.Options{ContentDigest: transform.DigestSHA256, SignDigest: transform.DigestSHA256}
	wire := runBackup(t, srcDir, bopts)

	destDir := t.TempDir()
	jctx := &session.Context{
		JobID:    "1",
		Counters: joberror.NewCounters(),
		SDReader: protocol.NewReader(wire),
	}
	ropts := Options{
		DestRoot:      destDir,
		ContentDigest: transform.DigestSHA256,
		SignDigest:    transform.DigestSHA256,
	}
	if _, err := Run(context.Background(), jctx, platattr.New(), ropts, discardLogger()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	restored := filepath.Join(destDir, srcDir, "a.txt")
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("ReadFile restored: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("restored content = %q, want %q", got, content)
	}
}

func TestRun_RoundTripsCompressedFile(t *testing.T) {
	srcDir := t.TempDir()
	content := bytes.Repeat([]byte("compressible-payload "), 4096)
	if err := os.WriteFile(filepath.Join(srcDir, "b.bin"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	bopts := backup.Options{
		ContentDigest: transform.DigestSHA256,
		SignDigest:    transform.DigestSHA256,
		Compress:      transform.CompressLZ4Fast,
		CompressLevel: 1,
	}
	wire := runBackup(t, srcDir, bopts)

	destDir := t.TempDir()
	jctx := &session.Context{
		JobID:    "1",
		Counters: joberror.NewCounters(),
		SDReader: protocol.NewReader(wire),
	}
	ropts := Options{
		DestRoot:      destDir,
		ContentDigest: transform.DigestSHA256,
		SignDigest:    transform.DigestSHA256,
		Compress:      transform.CompressLZ4Fast,
	}
	if _, err := Run(context.Background(), jctx, platattr.New(), ropts, discardLogger()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	restored := filepath.Join(destDir, srcDir, "b.bin")
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("ReadFile restored: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("restored content mismatch, len got=%d want=%d", len(got), len(content))
	}
}

func TestRun_VerifyModeWritesNothing(t *testing.T) {
	srcDir := t.TempDir()
	content := []byte("verify me please")
	if err := os.WriteFile(filepath.Join(srcDir, "c.txt"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	bopts := backup.Options{ContentDigest: transform.DigestSHA256, SignDigest: transform.DigestSHA256}
	wire := runBackup(t, srcDir, bopts)

	destDir := t.TempDir()
	jctx := &session.Context{
		JobID:    "1",
		Counters: joberror.NewCounters(),
		SDReader: protocol.NewReader(wire),
	}
	ropts := Options{
		DestRoot:      destDir,
		ContentDigest: transform.DigestSHA256,
		SignDigest:    transform.DigestSHA256,
		Verify:        true,
	}
	summary, err := Run(context.Background(), jctx, platattr.New(), ropts, discardLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Counters.Errors != 0 {
		t.Fatalf("unexpected errors during verify: %d", summary.Counters.Errors)
	}

	entries, err := os.ReadDir(destDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("verify mode created %d entries under dest root, want 0", len(entries))
	}
}

func TestRun_DigestMismatchIsRecordedNotFatal(t *testing.T) {
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "d.txt"), []byte("original"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	bopts := backup.Options{ContentDigest: transform.DigestSHA256, SignDigest: transform.DigestSHA256}
	wire := runBackup(t, srcDir, bopts)

	// Corrupt the first StreamFileData payload in place so the trailing
	// digest record no longer matches, without touching the framing.
	raw := wire.Bytes()
	marker := []byte("original")
	if i := bytes.Index(raw, marker); i >= 0 {
		raw[i] = 'X'
	} else {
		t.Fatal("test fixture: did not find expected content bytes in wire buffer")
	}

	destDir := t.TempDir()
	jctx := &session.Context{
		JobID:    "1",
		Counters: joberror.NewCounters(),
		SDReader: protocol.NewReader(bytes.NewReader(raw)),
	}
	ropts := Options{
		DestRoot:      destDir,
		ContentDigest: transform.DigestSHA256,
		SignDigest:    transform.DigestSHA256,
	}
	summary, err := Run(context.Background(), jctx, platattr.New(), ropts, discardLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Counters.Errors == 0 {
		t.Fatal("expected a digest-mismatch error to be counted")
	}

	// The file must still be on disk even though its digest mismatched
	// (spec.md §4.5: a digest/signature failure never deletes content).
	restored := filepath.Join(destDir, srcDir, "d.txt")
	if _, err := os.Stat(restored); err != nil {
		t.Fatalf("restored file missing despite digest mismatch: %v", err)
	}
}

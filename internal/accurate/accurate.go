// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package accurate implements the Director accurate-state dump loader and
// the per-file change-detection decision (spec.md §4.3), sitting on top of
// internal/changestore's capability interface.
package accurate

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/nishisan-dev/nbackup-filed/internal/changestore"
)

// LoadFromDirector parses the Director's accurate-state dump from r — one
// NUL-joined "<fname>\x00<lstat>\x00<checksum>\x00<deltaseq>" record per
// line — and populates store, assigning dense monotonic file numbers and
// reserving seen-bitmap capacity. Grounded on
// original_source/src/filed/accurate.c's accurate_cmd parsing loop.
func LoadFromDirector(r io.Reader, store changestore.Store, expectedEntries int) error {
	if err := store.Init(expectedEntries); err != nil {
		return fmt.Errorf("accurate: initializing store: %w", err)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\x00")
		if len(fields) < 3 {
			return fmt.Errorf("accurate: malformed dump record at line %d: want >=3 NUL-joined fields, got %d", lineNo, len(fields))
		}
		path, lstatASCII, checksumASCII := fields[0], fields[1], fields[2]
		deltaSeq := 0
		if len(fields) >= 4 && fields[3] != "" {
			fmt.Sscanf(fields[3], "%d", &deltaSeq)
		}
		if _, err := store.Add(path, lstatASCII, checksumASCII, deltaSeq); err != nil {
			return fmt.Errorf("accurate: adding entry for %q: %w", path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("accurate: reading dump: %w", err)
	}
	return nil
}

// CompareFields is the per-field comparison the Director's option string
// selects (inode, permissions, nlink, uid, gid, size, atime/mtime/ctime,
// size-decrease, always, checksum). Each corresponds to one character in
// the AccurateOpts/BaseJobOpts option sub-string (spec.md §4.3).
type CompareFields struct {
	Inode       bool
	Permissions bool
	Nlink       bool
	UID         bool
	GID         bool
	Size        bool
	ATime       bool
	MTime       bool
	CTime       bool
	SizeDecrease bool
	Always      bool
	Checksum    bool
}

// ParseCompareFields decodes an AccurateOpts/BaseJobOpts sub-string (the
// payload of the 'C'/'J' fileset option) into a CompareFields selection.
// Unrecognized characters are ignored rather than rejected, matching the
// option string's role as an advisory hint rather than a strict grammar.
func ParseCompareFields(opts string) CompareFields {
	var c CompareFields
	for _, r := range opts {
		switch r {
		case 'i':
			c.Inode = true
		case 'p':
			c.Permissions = true
		case 'n':
			c.Nlink = true
		case 'u':
			c.UID = true
		case 'g':
			c.GID = true
		case 's':
			c.Size = true
		case 'a':
			c.ATime = true
		case 'm':
			c.MTime = true
		case 'c':
			c.CTime = true
		case 'd':
			c.SizeDecrease = true
		case 'A':
			c.Always = true
		case '5':
			c.Checksum = true
		}
	}
	return c
}

// Fingerprint is the subset of stat-equivalent fields CheckFile compares,
// decoded from the on-wire lstat_ascii encoding.
type Fingerprint struct {
	Inode       uint64
	Permissions uint32
	Nlink       uint32
	UID         uint32
	GID         uint32
	Size        int64
	ATime       int64
	MTime       int64
	CTime       int64
	Checksum    string
}

// Decision is CheckFile's verdict.
type Decision int

const (
	DecisionBackup Decision = iota // not found, or a compared field differs
	DecisionSeen                   // found and unchanged: mark seen, skip content
)

// CheckFile implements spec.md §4.3's accurate_check_file: looks path up
// in store, and if found, compares fields selected by fields against cur.
// A store miss always means "back up". A store hit with every selected
// field equal means "seen, skip"; any difference means "changed, back up".
func CheckFile(store changestore.Store, path string, fields CompareFields, cur Fingerprint, prevChecksum string) (Decision, *changestore.Entry, error) {
	entry, err := store.Lookup(path)
	if err == changestore.ErrNotFound {
		return DecisionBackup, nil, nil
	}
	if err != nil {
		return DecisionBackup, nil, err
	}

	prev, perr := decodeLstat(entry.LstatASCII)
	if perr != nil {
		// A corrupt catalog fingerprint is conservatively treated as
		// "changed" rather than failing the job.
		return DecisionBackup, entry, nil
	}

	if fields.Always {
		return DecisionBackup, entry, nil
	}
	if fields.Inode && cur.Inode != prev.Inode {
		return DecisionBackup, entry, nil
	}
	if fields.Permissions && cur.Permissions != prev.Permissions {
		return DecisionBackup, entry, nil
	}
	if fields.Nlink && cur.Nlink != prev.Nlink {
		return DecisionBackup, entry, nil
	}
	if fields.UID && cur.UID != prev.UID {
		return DecisionBackup, entry, nil
	}
	if fields.GID && cur.GID != prev.GID {
		return DecisionBackup, entry, nil
	}
	if fields.Size && cur.Size != prev.Size {
		return DecisionBackup, entry, nil
	}
	if fields.SizeDecrease && cur.Size < prev.Size {
		return DecisionBackup, entry, nil
	}
	if fields.ATime && cur.ATime != prev.ATime {
		return DecisionBackup, entry, nil
	}
	if fields.MTime && cur.MTime != prev.MTime {
		return DecisionBackup, entry, nil
	}
	if fields.CTime && cur.CTime != prev.CTime {
		return DecisionBackup, entry, nil
	}
	if fields.Checksum && prevChecksum != entry.ChecksumASCII {
		return DecisionBackup, entry, nil
	}

	if err := store.MarkSeen(entry); err != nil {
		return DecisionBackup, entry, err
	}
	return DecisionSeen, entry, nil
}

// decodeLstat parses the null-free ASCII lstat encoding
// "inode:perm:nlink:uid:gid:size:atime:mtime:ctime" stored in Entry.LstatASCII.
func decodeLstat(s string) (Fingerprint, error) {
	var f Fingerprint
	parts := strings.Split(s, ":")
	if len(parts) < 9 {
		return f, fmt.Errorf("accurate: malformed lstat encoding %q", s)
	}
	_, err := fmt.Sscanf(strings.Join(parts[:9], " "),
		"%d %d %d %d %d %d %d %d %d",
		&f.Inode, &f.Permissions, &f.Nlink, &f.UID, &f.GID, &f.Size, &f.ATime, &f.MTime, &f.CTime)
	if err != nil {
		return f, fmt.Errorf("accurate: decoding lstat encoding %q: %w", s, err)
	}
	return f, nil
}

// EncodeLstat is the inverse of decodeLstat, used by the backup side to
// build the ASCII fingerprint stored in changestore.Entry.LstatASCII.
func EncodeLstat(f Fingerprint) string {
	return fmt.Sprintf("%d:%d:%d:%d:%d:%d:%d:%d:%d",
		f.Inode, f.Permissions, f.Nlink, f.UID, f.GID, f.Size, f.ATime, f.MTime, f.CTime)
}

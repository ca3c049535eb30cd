// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fileset parses the Director's line-oriented fileset definition
// language into a committed Set of include/exclude entries, each carrying
// its own option block and pattern list.
package fileset

import "github.com/nishisan-dev/nbackup-filed/internal/transform"

// Entry is one include or exclude block: an option set plus the patterns
// and plugin commands it governs. Every pattern belongs to exactly one
// Entry; options apply only within it.
type Entry struct {
	Options Options

	// Literal paths from F lines (file path, "|cmd", or "<file" forms kept
	// verbatim; the external collaborator that expands "|cmd"/"<file" into
	// concrete paths is out of this package's scope).
	Files []string

	// Regex and Wildcard hold patterns from R/W lines, tagged with their
	// subcode (""  = all paths, "D" = directories only, "F" = files only,
	// "B" = basename only, wildcard-only).
	Regex    []Pattern
	Wildcard []Pattern

	// BaseDirs from B lines.
	BaseDirs []string

	// FSTypeRestrict / DriveTypeRestrict from X lines.
	FSTypeRestrict    []string
	DriveTypeRestrict []string

	// IgnoreDirFiles from Z lines (hint-file names that suppress descent).
	IgnoreDirFiles []string

	// PluginCommands from P lines, and the plugin bound to this block by a
	// trailing G line (empty if none).
	PluginCommands []string
	BoundPlugin    string
}

// Pattern is one R/W line's subcode and text.
type Pattern struct {
	Subcode string // "", "D", "F", or "B"
	Text    string
}

// Options is one O line's decoded option block. Unset numeric fields are
// zero; unset string fields are empty.
type Options struct {
	ACL                bool
	AccurateOpts       string // C<opts>:
	CheckChanges       bool
	ShadowCheckLevel   int // d{1..4}
	ExcludeMatch       bool
	NoHardLinks        bool
	NoRecursion        bool
	IgnoreCase         bool
	BaseJobOpts        string // J<opts>:
	NoATime            bool
	KeepATime          bool
	DigestAlgo         transform.DigestAlgo
	DigestAlgoSet      bool
	MTimeOnly          bool
	HonorNoDump        bool
	NoReplace          bool
	StripPathCount     int
	PortableData       bool
	MacResourceForks   bool
	ReadFIFOs          bool
	Sparse             bool
	VerifyOpts         string // V<opts>:
	EnhancedWild       bool
	OnlyIfNewer        bool
	Xattrs             bool
	CompressAlgo       transform.CompressionAlgo
	CompressLevel      int
	CompressAlgoSet    bool
	SizeMatchBytes     int64
	SizeMatchSet       bool
}

// Set is the committed fileset: ordered include and exclude entry lists.
type Set struct {
	Include []*Entry
	Exclude []*Entry

	Committed bool
}

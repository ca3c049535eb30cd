// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fswalk implements the filesystem-traversal iterator the backup
// orchestrator consumes: classifying every candidate path into the file
// type enumeration of spec.md §6/§4.4 and yielding stat-equivalent
// metadata alongside it.
package fswalk

// Type is the classification a backup orchestrator uses to decide
// downstream behavior for one candidate path, per spec.md §4.4 step 1.
type Type int

const (
	TypeRegular           Type = iota // ordinary file with content
	TypeRegularEmpty                  // zero-length regular file
	TypeSymlink                       // symbolic link
	TypeLinkSaved                     // hard link to a path already saved this job
	TypeDirectoryBegin                // directory, entering
	TypeDirectoryEnd                  // directory, ascending out of (attributes finalized here)
	TypeReparsePoint                  // Windows reparse point
	TypeJunction                      // Windows junction
	TypeBlockDevice
	TypeCharDevice
	TypeFIFO
	TypeSocket           // always skipped
	TypeNoAccess         // stat/open permission denied
	TypeNoFollow         // symlink not followed per option
	TypeNoStat           // stat() itself failed
	TypeNoChange         // accurate mode: unchanged, skip content
	TypeArchiveBit       // Windows archive-bit-driven inclusion
	TypeNoOpen           // open() failed after successful stat
	TypeDeleted          // accurate mode: path gone, synthetic "deleted" entry
	TypeRestoreObject    // Director-supplied out-of-band object
	TypePluginConfig     // plugin configuration marker
	TypeBase             // accurate mode, Full level: unchanged, base-job attributes-only entry
)

func (t Type) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeRegularEmpty:
		return "regular-empty"
	case TypeSymlink:
		return "symlink"
	case TypeLinkSaved:
		return "link-saved"
	case TypeDirectoryBegin:
		return "directory-begin"
	case TypeDirectoryEnd:
		return "directory-end"
	case TypeReparsePoint:
		return "reparse-point"
	case TypeJunction:
		return "junction"
	case TypeBlockDevice:
		return "block-device"
	case TypeCharDevice:
		return "char-device"
	case TypeFIFO:
		return "fifo"
	case TypeSocket:
		return "socket"
	case TypeNoAccess:
		return "no-access"
	case TypeNoFollow:
		return "no-follow"
	case TypeNoStat:
		return "no-stat"
	case TypeNoChange:
		return "no-change"
	case TypeArchiveBit:
		return "archive-bit"
	case TypeNoOpen:
		return "no-open"
	case TypeDeleted:
		return "deleted"
	case TypeRestoreObject:
		return "restore-object"
	case TypePluginConfig:
		return "plugin-config"
	case TypeBase:
		return "base"
	default:
		return "unknown"
	}
}

// HasContent reports whether the orchestrator should attempt to open and
// stream data for a file of this type, per spec.md §4.4 step 7.
func (t Type) HasContent() bool {
	switch t {
	case TypeRegular, TypeBlockDevice, TypeCharDevice, TypeFIFO, TypeReparsePoint, TypeJunction:
		return true
	default:
		return false
	}
}

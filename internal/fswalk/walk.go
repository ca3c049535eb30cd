// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fswalk

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Entry is one candidate path yielded by Walk: its classification plus
// enough stat-equivalent metadata for the change-detection and attribute
// stages to act on without re-stat'ing.
type Entry struct {
	Path       string
	Type       Type
	Info       os.FileInfo
	LinkTarget string // populated for TypeSymlink

	// Dev/Ino/Nlink back the hard-link dedup decision (TypeLinkSaved).
	Dev   uint64
	Ino   uint64
	Nlink uint64
}

// Walker walks one or more source roots, honoring exclude patterns, and
// classifies each entry. Grounded on the teacher's Scanner
// (internal/agent/scanner.go): same filepath.WalkDir-plus-glob-exclude
// shape, generalized with file-type classification and hard-link
// deduplication state the original scanner didn't need.
type Walker struct {
	roots    []string
	excludes []string
	noRecursion bool

	seenInodes map[[2]uint64]string // (dev,ino) -> first path saved
}

// NewWalker builds a Walker over roots, skipping any path matching an
// exclude glob (basename or full relative-path match, same semantics as
// the teacher's isExcluded).
func NewWalker(roots, excludes []string) *Walker {
	return &Walker{
		roots:      roots,
		excludes:   excludes,
		seenInodes: make(map[[2]uint64]string),
	}
}

// Walk invokes fn once per classified entry in directory order. Returning
// an error from fn (other than fs.SkipDir/fs.SkipAll) aborts the walk.
// ctx cancellation is checked at every directory-entry boundary.
func (w *Walker) Walk(ctx context.Context, fn func(Entry) error) error {
	for _, root := range w.roots {
		root = filepath.Clean(root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if walkErr != nil {
				return fn(Entry{Path: path, Type: TypeNoAccess})
			}

			rel := strings.TrimPrefix(path, "/")
			if w.isExcluded(rel, d.IsDir()) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return fn(Entry{Path: path, Type: TypeNoStat})
			}

			entry := w.classify(path, info)
			return fn(entry)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) classify(path string, info os.FileInfo) Entry {
	e := Entry{Path: path, Info: info}

	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		e.Dev = uint64(sys.Dev)
		e.Ino = sys.Ino
		e.Nlink = uint64(sys.Nlink)
	}

	switch {
	case info.IsDir():
		e.Type = TypeDirectoryBegin
		return e
	case info.Mode()&os.ModeSymlink != 0:
		e.Type = TypeSymlink
		if target, err := os.Readlink(path); err == nil {
			e.LinkTarget = target
		}
		return e
	case info.Mode()&os.ModeNamedPipe != 0:
		e.Type = TypeFIFO
		return e
	case info.Mode()&os.ModeSocket != 0:
		e.Type = TypeSocket
		return e
	case info.Mode()&os.ModeDevice != 0:
		if info.Mode()&os.ModeCharDevice != 0 {
			e.Type = TypeCharDevice
		} else {
			e.Type = TypeBlockDevice
		}
		return e
	}

	if e.Nlink > 1 {
		key := [2]uint64{e.Dev, e.Ino}
		if _, already := w.seenInodes[key]; already {
			e.Type = TypeLinkSaved
			return e
		}
		w.seenInodes[key] = path
	}

	if info.Size() == 0 {
		e.Type = TypeRegularEmpty
	} else {
		e.Type = TypeRegular
	}
	return e
}

// isExcluded mirrors the teacher's Scanner.isExcluded glob-matching rules
// verbatim, since spec.md leaves exclude-pattern matching to the external
// fileset collaborator and the teacher's semantics are a reasonable,
// already-battle-tested default.
func (w *Walker) isExcluded(relPath string, isDir bool) bool {
	base := filepath.Base(relPath)
	parts := strings.Split(relPath, string(os.PathSeparator))

	for _, pattern := range w.excludes {
		if strings.HasSuffix(pattern, "/") {
			if isDir {
				dirPattern := strings.TrimPrefix(strings.TrimSuffix(pattern, "/"), "*/")
				for _, part := range parts {
					if matched, _ := filepath.Match(dirPattern, part); matched {
						return true
					}
				}
			}
			continue
		}
		if strings.HasSuffix(pattern, "/**") {
			prefix := strings.TrimSuffix(pattern, "/**")
			for _, part := range parts {
				if matched, _ := filepath.Match(prefix, part); matched {
					return true
				}
			}
			continue
		}
		if matched, _ := filepath.Match(pattern, relPath); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

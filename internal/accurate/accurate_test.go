// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package accurate

import (
	"strings"
	"testing"

	"github.com/nishisan-dev/nbackup-filed/internal/changestore"
)

func TestLoadFromDirectorPopulatesStore(t *testing.T) {
	dump := strings.Join([]string{
		"/a\x00" + EncodeLstat(Fingerprint{Inode: 1, Size: 10}) + "\x00sum-a\x000",
		"/b\x00" + EncodeLstat(Fingerprint{Inode: 2, Size: 20}) + "\x00sum-b\x000",
	}, "\n")

	store := changestore.NewMemoryStore()
	if err := LoadFromDirector(strings.NewReader(dump), store, 2); err != nil {
		t.Fatalf("LoadFromDirector: %v", err)
	}

	e, err := store.Lookup("/a")
	if err != nil {
		t.Fatalf("Lookup(/a): %v", err)
	}
	if e.ChecksumASCII != "sum-a" {
		t.Fatalf("checksum = %q", e.ChecksumASCII)
	}
}

func TestCheckFileAccurateSkipLaw(t *testing.T) {
	store := changestore.NewMemoryStore()
	store.Init(1)
	fp := Fingerprint{Inode: 5, Permissions: 0644, Nlink: 1, Size: 10, MTime: 100}
	store.Add("/x", EncodeLstat(fp), "k", 0)

	fields := ParseCompareFields("ipnugsamcd5")

	// Scenario 3: identical fields → seen, skip.
	d, entry, err := CheckFile(store, "/x", fields, fp, "k")
	if err != nil {
		t.Fatalf("CheckFile: %v", err)
	}
	if d != DecisionSeen {
		t.Fatalf("decision = %v, want DecisionSeen", d)
	}
	if !entry.Seen() {
		t.Fatal("entry not marked seen")
	}

	// Changed mtime → back up.
	changed := fp
	changed.MTime = 200
	d2, _, err := CheckFile(store, "/x", fields, changed, "k")
	if err != nil {
		t.Fatalf("CheckFile: %v", err)
	}
	if d2 != DecisionBackup {
		t.Fatalf("decision = %v, want DecisionBackup", d2)
	}
}

func TestCheckFileNotFoundAlwaysBacksUp(t *testing.T) {
	store := changestore.NewMemoryStore()
	store.Init(1)
	d, entry, err := CheckFile(store, "/missing", CompareFields{Size: true}, Fingerprint{}, "")
	if err != nil {
		t.Fatalf("CheckFile: %v", err)
	}
	if d != DecisionBackup || entry != nil {
		t.Fatalf("decision = %v entry = %v, want DecisionBackup/nil", d, entry)
	}
}

func TestDeletedFilesLeftUnseenForJobEndPass(t *testing.T) {
	// Scenario 4: store has /y, filesystem scan never visits it (never
	// calls CheckFile for it) -> IterUnseen surfaces it for the
	// deleted-file summary pass at job end.
	store := changestore.NewMemoryStore()
	store.Init(1)
	store.Add("/y", EncodeLstat(Fingerprint{}), "k", 0)

	var deletedPaths []string
	if err := store.IterUnseen(func(e *changestore.Entry) error {
		deletedPaths = append(deletedPaths, e.Path)
		return nil
	}); err != nil {
		t.Fatalf("IterUnseen: %v", err)
	}
	if len(deletedPaths) != 1 || deletedPaths[0] != "/y" {
		t.Fatalf("deleted paths = %v, want [/y]", deletedPaths)
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package changestore

import (
	"path/filepath"
	"strconv"
	"testing"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	mem := NewMemoryStore()

	boltPath := filepath.Join(t.TempDir(), ".accurate_lmdb.test")
	b, err := OpenBoltStore(boltPath)
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	t.Cleanup(func() { b.Destroy() })

	return map[string]Store{"memory": mem, "bolt": b}
}

func TestStoreAddLookupMarkSeen(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Init(10); err != nil {
				t.Fatalf("Init: %v", err)
			}

			e1, err := store.Add("/a", "lstat-a", "sum-a", 0)
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			e2, err := store.Add("/b", "lstat-b", "sum-b", 0)
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			if e1.FileNumber == e2.FileNumber {
				t.Fatal("file numbers must be distinct")
			}

			got, err := store.Lookup("/a")
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if got.LstatASCII != "lstat-a" || got.ChecksumASCII != "sum-a" {
				t.Fatalf("unexpected entry: %+v", got)
			}

			if _, err := store.Lookup("/missing"); err != ErrNotFound {
				t.Fatalf("Lookup(missing) = %v, want ErrNotFound", err)
			}

			if err := store.MarkSeen(got); err != nil {
				t.Fatalf("MarkSeen: %v", err)
			}

			var unseen, seen []string
			if err := store.IterUnseen(func(e *Entry) error { unseen = append(unseen, e.Path); return nil }); err != nil {
				t.Fatalf("IterUnseen: %v", err)
			}
			if err := store.IterAllSeen(func(e *Entry) error { seen = append(seen, e.Path); return nil }); err != nil {
				t.Fatalf("IterAllSeen: %v", err)
			}

			if len(unseen) != 1 || unseen[0] != "/b" {
				t.Fatalf("unseen = %v, want [/b]", unseen)
			}
			if len(seen) != 1 || seen[0] != "/a" {
				t.Fatalf("seen = %v, want [/a]", seen)
			}
		})
	}
}

func TestStoreFileNumbersAreDenseAndMonotonic(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var nums []uint64
			for i := 0; i < 5; i++ {
				e, err := store.Add(filepath.Join("/", string(rune('a'+i))), "lstat", "sum", 0)
				if err != nil {
					t.Fatalf("Add: %v", err)
				}
				nums = append(nums, e.FileNumber)
			}
			for i := 1; i < len(nums); i++ {
				if nums[i] != nums[i-1]+1 {
					t.Fatalf("file numbers not dense/monotonic: %v", nums)
				}
			}
		})
	}
}

func TestBoltStoreBatchesAcrossManyWrites(t *testing.T) {
	// Exercises the "transaction full" auto-commit/restart path with a
	// count well above writeBatchSize.
	boltPath := filepath.Join(t.TempDir(), ".accurate_lmdb.bulk")
	store, err := OpenBoltStore(boltPath)
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	defer store.Destroy()

	const n = writeBatchSize*2 + 17
	for i := 0; i < n; i++ {
		if _, err := store.Add(filepathIndex(i), "lstat", "sum", 0); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}

	count := 0
	if err := store.IterUnseen(func(e *Entry) error { count++; return nil }); err != nil {
		t.Fatalf("IterUnseen: %v", err)
	}
	if count != n {
		t.Fatalf("IterUnseen saw %d entries, want %d", count, n)
	}
}

func filepathIndex(i int) string {
	return filepath.Join("/bulk", strconv.Itoa(i))
}

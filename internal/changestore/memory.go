// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package changestore

import "sync"

// MemoryStore is the in-memory hash-table back-end: a map keyed by
// pathname plus a slice of the same entries indexed by file number, each
// entry carrying its own seen flag. Suited to
// jobs whose fileset fits comfortably in RAM; the disk-backed BoltStore
// exists for jobs where it doesn't.
type MemoryStore struct {
	mu      sync.Mutex
	byPath  map[string]*Entry
	byIndex []*Entry
	nextNum uint64
}

// NewMemoryStore returns an empty MemoryStore. Init is optional for this
// back-end (map growth is automatic) but still accepted to satisfy Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byPath: make(map[string]*Entry)}
}

func (s *MemoryStore) Init(expectedEntries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expectedEntries > 0 {
		s.byPath = make(map[string]*Entry, expectedEntries)
		s.byIndex = make([]*Entry, 0, expectedEntries)
	}
	return nil
}

func (s *MemoryStore) Add(path, lstatASCII, checksumASCII string, deltaSeq int) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextNum++
	e := &Entry{
		FileNumber:    s.nextNum,
		Path:          path,
		DeltaSeq:      deltaSeq,
		LstatASCII:    lstatASCII,
		ChecksumASCII: checksumASCII,
	}
	s.byPath[path] = e
	s.byIndex = append(s.byIndex, e)
	return e, nil
}

func (s *MemoryStore) Lookup(path string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byPath[path]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) MarkSeen(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.seen = true
	return nil
}

func (s *MemoryStore) IterUnseen(fn func(*Entry) error) error {
	s.mu.Lock()
	entries := append([]*Entry(nil), s.byIndex...)
	s.mu.Unlock()

	for _, e := range entries {
		if e.seen {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) IterAllSeen(fn func(*Entry) error) error {
	s.mu.Lock()
	entries := append([]*Entry(nil), s.byIndex...)
	s.mu.Unlock()

	for _, e := range entries {
		if !e.seen {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPath = nil
	s.byIndex = nil
	return nil
}

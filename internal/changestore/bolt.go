// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package changestore

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is the disk-backed ordered-key back-end, the idiomatic-Go
// analogue of the LMDB back-end named in spec §4.3/§9: an embedded,
// single-writer, MVCC-readable B+tree. Writes (Add, MarkSeen) batch into
// one write transaction that auto-commits and restarts once it accumulates
// writeBatchSize mutations ("transaction full" in the original); Lookup
// runs under one long-lived read transaction that is reset and renewed
// after every call, bounding how long a stale snapshot can be observed.
type BoltStore struct {
	db   *bolt.DB
	path string

	writeTx    *bolt.Tx
	writeCount int

	readTx *bolt.Tx

	nextNum uint64
}

// writeBatchSize bounds how many mutations accumulate in the in-flight
// write transaction before it is committed and a fresh one begun.
const writeBatchSize = 1000

var (
	bucketEntries = []byte("entries") // path -> encoded fingerprint
	bucketByIndex = []byte("byindex") // file-number (8B BE) -> path
	bucketSeen    = []byte("seen")    // file-number (8B BE) -> presence = seen
)

// OpenBoltStore opens (creating if necessary) the change-detection database
// at path, e.g. "<working>/.accurate_lmdb.<jobid>" per spec §6.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("changestore: opening bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketByIndex, bucketSeen} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("changestore: creating buckets: %w", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

func (s *BoltStore) Init(expectedEntries int) error {
	return nil
}

func encodeEntry(fileNumber uint64, deltaSeq int, lstatASCII, checksumASCII string) []byte {
	return []byte(fmt.Sprintf("%d\x00%d\x00%s\x00%s", fileNumber, deltaSeq, lstatASCII, checksumASCII))
}

func decodeEntry(path string, raw []byte) (*Entry, error) {
	parts := strings.SplitN(string(raw), "\x00", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("changestore: malformed entry record for %q", path)
	}
	var fileNumber uint64
	var deltaSeq int
	if _, err := fmt.Sscanf(parts[0], "%d", &fileNumber); err != nil {
		return nil, fmt.Errorf("changestore: decoding file number: %w", err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &deltaSeq); err != nil {
		return nil, fmt.Errorf("changestore: decoding delta sequence: %w", err)
	}
	return &Entry{
		FileNumber:    fileNumber,
		Path:          path,
		DeltaSeq:      deltaSeq,
		LstatASCII:    parts[2],
		ChecksumASCII: parts[3],
	}, nil
}

func indexKey(fileNumber uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], fileNumber)
	return k[:]
}

// beginWrite lazily opens the batched write transaction.
func (s *BoltStore) beginWrite() error {
	if s.writeTx != nil {
		return nil
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		return fmt.Errorf("changestore: beginning write transaction: %w", err)
	}
	s.writeTx = tx
	s.writeCount = 0
	return nil
}

// noteWrite commits and restarts the write transaction once it is full.
func (s *BoltStore) noteWrite() error {
	s.writeCount++
	if s.writeCount < writeBatchSize {
		return nil
	}
	if err := s.writeTx.Commit(); err != nil {
		return fmt.Errorf("changestore: committing full write transaction: %w", err)
	}
	s.writeTx = nil
	return s.beginWrite()
}

// flushWrite commits any in-flight write transaction so readers observe it.
func (s *BoltStore) flushWrite() error {
	if s.writeTx == nil {
		return nil
	}
	err := s.writeTx.Commit()
	s.writeTx = nil
	if err != nil {
		return fmt.Errorf("changestore: flushing write transaction: %w", err)
	}
	return nil
}

func (s *BoltStore) Add(path, lstatASCII, checksumASCII string, deltaSeq int) (*Entry, error) {
	if err := s.beginWrite(); err != nil {
		return nil, err
	}
	s.nextNum++
	e := &Entry{
		FileNumber:    s.nextNum,
		Path:          path,
		DeltaSeq:      deltaSeq,
		LstatASCII:    lstatASCII,
		ChecksumASCII: checksumASCII,
	}

	if err := s.writeTx.Bucket(bucketEntries).Put([]byte(path), encodeEntry(e.FileNumber, deltaSeq, lstatASCII, checksumASCII)); err != nil {
		return nil, fmt.Errorf("changestore: adding entry: %w", err)
	}
	if err := s.writeTx.Bucket(bucketByIndex).Put(indexKey(e.FileNumber), []byte(path)); err != nil {
		return nil, fmt.Errorf("changestore: indexing entry: %w", err)
	}
	if err := s.noteWrite(); err != nil {
		return nil, err
	}
	return e, nil
}

// renewRead resets the long-lived read transaction so it observes writes
// committed since it was opened.
func (s *BoltStore) renewRead() error {
	if s.readTx != nil {
		if err := s.readTx.Rollback(); err != nil {
			return fmt.Errorf("changestore: rolling back read transaction: %w", err)
		}
	}
	if err := s.flushWrite(); err != nil {
		return err
	}
	tx, err := s.db.Begin(false)
	if err != nil {
		return fmt.Errorf("changestore: beginning read transaction: %w", err)
	}
	s.readTx = tx
	return nil
}

func (s *BoltStore) Lookup(path string) (*Entry, error) {
	if err := s.renewRead(); err != nil {
		return nil, err
	}
	raw := s.readTx.Bucket(bucketEntries).Get([]byte(path))
	if raw == nil {
		return nil, ErrNotFound
	}
	return decodeEntry(path, raw)
}

func (s *BoltStore) MarkSeen(entry *Entry) error {
	if err := s.beginWrite(); err != nil {
		return err
	}
	if err := s.writeTx.Bucket(bucketSeen).Put(indexKey(entry.FileNumber), []byte{1}); err != nil {
		return fmt.Errorf("changestore: marking seen: %w", err)
	}
	entry.seen = true
	return s.noteWrite()
}

func (s *BoltStore) iter(wantSeen bool, fn func(*Entry) error) error {
	if err := s.flushWrite(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		byIndex := tx.Bucket(bucketByIndex)
		entries := tx.Bucket(bucketEntries)
		seen := tx.Bucket(bucketSeen)

		return byIndex.ForEach(func(k, path []byte) error {
			isSeen := seen.Get(k) != nil
			if isSeen != wantSeen {
				return nil
			}
			raw := entries.Get(path)
			if raw == nil {
				return fmt.Errorf("changestore: dangling index entry for %q", path)
			}
			e, err := decodeEntry(string(path), raw)
			if err != nil {
				return err
			}
			e.seen = isSeen
			return fn(e)
		})
	})
}

func (s *BoltStore) IterUnseen(fn func(*Entry) error) error  { return s.iter(false, fn) }
func (s *BoltStore) IterAllSeen(fn func(*Entry) error) error { return s.iter(true, fn) }

func (s *BoltStore) Close() error {
	if s.readTx != nil {
		s.readTx.Rollback()
		s.readTx = nil
	}
	if s.writeTx != nil {
		s.writeTx.Commit()
		s.writeTx = nil
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Destroy closes the store (if not already closed) and removes its
// on-disk database file, per spec §6 ("removes it on destroy").
func (s *BoltStore) Destroy() error {
	path := s.path
	if err := s.Close(); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("changestore: removing bolt db %s: %w", path, err)
	}
	return nil
}

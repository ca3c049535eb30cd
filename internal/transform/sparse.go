// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transform implements the per-file backup/restore pipeline: sparse
// detection, compression, encryption, digesting, and signing. Each stage
// operates purely on in-memory byte blocks so it can be unit tested without
// the wire protocol or a real filesystem.
package transform

// DefaultBlockSize is the read/write granularity used when neither the
// source nor a block-device alignment dictates otherwise.
const DefaultBlockSize = 64 * 1024

// RoundDownToBlockMultiple rounds size down to the nearest multiple of 512,
// the alignment required for raw/block-device reads (spec §4.2 stage 1).
// A size below 512 rounds up to exactly one block instead of to zero.
func RoundDownToBlockMultiple(size int) int {
	if size < 512 {
		return 512
	}
	return size - size%512
}

// IsAllZero reports whether data consists entirely of zero bytes.
func IsAllZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// SparseBlock is one block that survived sparse suppression, tagged with
// the logical file address it starts at so the restore side can
// reconstruct holes.
type SparseBlock struct {
	Address int64
	Data    []byte
}

// SparseFilter applies all-zero block suppression across a sequential
// stream of reads from one file. Create a fresh SparseFilter per file.
type SparseFilter struct {
	// Enabled toggles suppression. When false, Filter always emits.
	Enabled bool
	// Offsets selects the "offsets" variant: the emitted address is always
	// the source-reported byte offset rather than the filter's own
	// running tally (used for non-portable Windows backup reads).
	Offsets bool
	// ZeroLengthDevice disables suppression entirely for devices whose
	// reported length is zero, where an all-zero block carries no
	// meaningful "hole" semantics.
	ZeroLengthDevice bool

	addr int64
}

// Filter decides whether block should be suppressed. terminal marks the
// last block of the file, which is never suppressed even if all-zero, so a
// trailing hole is not silently dropped. sourceOffset is the byte offset
// the source reported for this block; it is only consulted when Offsets is
// set. Filter always advances the filter's logical address by len(data),
// independent of suppression.
//
// It returns the block to emit (nil if suppressed) and whether it was
// suppressed.
func (f *SparseFilter) Filter(data []byte, terminal bool, sourceOffset int64) (block *SparseBlock, suppressed bool) {
	addr := f.addr
	if f.Offsets {
		addr = sourceOffset
	}

	suppress := f.Enabled && !terminal && !f.ZeroLengthDevice && IsAllZero(data)
	f.addr += int64(len(data))

	if suppress {
		return nil, true
	}
	return &SparseBlock{Address: addr, Data: data}, false
}

const sparseAddressPrefixSize = 8

// EncodeSparseBlock prepends the 8-byte big-endian file-address prefix to
// data, producing the wire payload for a sparse-data stream.
func EncodeSparseBlock(b *SparseBlock) []byte {
	out := make([]byte, sparseAddressPrefixSize+len(b.Data))
	putUint64BE(out, uint64(b.Address))
	copy(out[sparseAddressPrefixSize:], b.Data)
	return out
}

// DecodeSparseBlock parses a sparse-data wire payload back into its address
// and data.
func DecodeSparseBlock(payload []byte) (*SparseBlock, error) {
	if len(payload) < sparseAddressPrefixSize {
		return nil, errShortSparsePayload
	}
	addr := int64(getUint64BE(payload))
	return &SparseBlock{Address: addr, Data: payload[sparseAddressPrefixSize:]}, nil
}

func putUint64BE(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

func getUint64BE(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

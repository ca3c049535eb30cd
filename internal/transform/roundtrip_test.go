// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transform

import (
	"bytes"
	"testing"
)

func TestSparseFilterSuppressesInteriorZeroBlocks(t *testing.T) {
	f := &SparseFilter{Enabled: true}
	zero := make([]byte, 4096)
	nonzero := bytes.Repeat([]byte{0x42}, 4096)

	b1, suppressed1 := f.Filter(nonzero, false, 0)
	if suppressed1 || b1.Address != 0 {
		t.Fatalf("first block: got suppressed=%v block=%+v", suppressed1, b1)
	}
	b2, suppressed2 := f.Filter(zero, false, 0)
	if !suppressed2 || b2 != nil {
		t.Fatalf("interior zero block should be suppressed, got %+v", b2)
	}
	// Terminal all-zero block must never be suppressed, or a trailing hole
	// silently truncates the restored file.
	b3, suppressed3 := f.Filter(zero, true, 0)
	if suppressed3 || b3 == nil {
		t.Fatalf("terminal zero block must be emitted, got suppressed=%v", suppressed3)
	}
	if b3.Address != int64(len(nonzero)+len(zero)) {
		t.Fatalf("terminal block address = %d, want %d", b3.Address, len(nonzero)+len(zero))
	}
}

func TestSparseBlockEncodeDecodeRoundTrip(t *testing.T) {
	orig := &SparseBlock{Address: 1 << 20, Data: []byte("hole-free payload")}
	decoded, err := DecodeSparseBlock(EncodeSparseBlock(orig))
	if err != nil {
		t.Fatalf("DecodeSparseBlock: %v", err)
	}
	if decoded.Address != orig.Address || !bytes.Equal(decoded.Data, orig.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, orig)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 500)

	for _, tc := range []struct {
		name  string
		algo  CompressionAlgo
		level int
	}{
		{"none", CompressNone, 0},
		{"gzip", CompressGZIP, 6},
		{"lz4-fast", CompressLZ4Fast, 0},
		{"lz4-hc", CompressLZ4HC, 9},
		{"lzo1x-placeholder", CompressLZO1X, 6},
	} {
		t.Run(tc.name, func(t *testing.T) {
			block, err := CompressBlock(tc.algo, tc.level, plain)
			if err != nil {
				t.Fatalf("CompressBlock: %v", err)
			}
			got, err := DecompressBlock(tc.algo, block)
			if err != nil {
				t.Fatalf("DecompressBlock: %v", err)
			}
			if !bytes.Equal(got, plain) {
				t.Fatalf("round trip mismatch for %s", tc.name)
			}
		})
	}
}

func TestCompressWorkspaceReusedAcrossFiles(t *testing.T) {
	ws := NewCompressWorkspace()

	files := [][]byte{
		bytes.Repeat([]byte("alpha "), 400),
		bytes.Repeat([]byte("beta "), 10),
		{},
		bytes.Repeat([]byte("gamma delta epsilon "), 900),
	}

	for i, plain := range files {
		block, err := ws.CompressBlock(CompressGZIP, 6, plain)
		if err != nil {
			t.Fatalf("file %d: CompressBlock: %v", i, err)
		}
		got, err := DecompressBlock(CompressGZIP, block)
		if err != nil {
			t.Fatalf("file %d: DecompressBlock: %v", i, err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("file %d: round trip mismatch", i)
		}
	}
}

func TestDecompressBlockRejectsBadMagic(t *testing.T) {
	bad := make([]byte, blockHeaderSize+1)
	if _, err := DecompressBlock(CompressGZIP, bad); err != ErrHeaderMagic {
		t.Fatalf("DecompressBlock(bad magic) = %v, want ErrHeaderMagic", err)
	}
}

func TestDigestSetCoversAllWrittenBlocks(t *testing.T) {
	ds, err := NewDigestSet(DigestSHA256, DigestSHA1)
	if err != nil {
		t.Fatalf("NewDigestSet: %v", err)
	}
	blocks := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, b := range blocks {
		ds.Write(b)
	}
	sum := ds.ContentSum()

	whole, err := NewHash(DigestSHA256)
	if err != nil {
		t.Fatalf("NewHash: %v", err)
	}
	for _, b := range blocks {
		whole.Write(b)
	}
	want := whole.Sum(nil)

	if !bytes.Equal(sum, want) {
		t.Fatalf("digest over incremental writes != digest over concatenated data")
	}
}

func TestCipherStreamRoundTrip(t *testing.T) {
	key, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey: %v", err)
	}
	cs, err := NewCipherStream(key, 64)
	if err != nil {
		t.Fatalf("NewCipherStream: %v", err)
	}

	plain := bytes.Repeat([]byte("0123456789abcdef"), 10) // 160 bytes, not block-aligned to 64
	var blocks [][]byte
	fed, err := cs.Feed(plain)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	blocks = append(blocks, fed...)
	final, err := cs.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if final != nil {
		blocks = append(blocks, final)
	}

	var recovered bytes.Buffer
	for _, b := range blocks {
		out, err := DecipherBlock(key, b)
		if err != nil {
			t.Fatalf("DecipherBlock: %v", err)
		}
		recovered.Write(out)
	}
	if !bytes.Equal(recovered.Bytes(), plain) {
		t.Fatalf("decrypted stream does not match plaintext")
	}
}

func TestCipherStreamRejectsTamperedBlock(t *testing.T) {
	key, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey: %v", err)
	}
	cs, err := NewCipherStream(key, 16)
	if err != nil {
		t.Fatalf("NewCipherStream: %v", err)
	}
	blocks, err := cs.Feed([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected exactly one aligned block, got %d", len(blocks))
	}
	tampered := append([]byte(nil), blocks[0]...)
	tampered[len(tampered)-1] ^= 0xFF
	if _, err := DecipherBlock(key, tampered); err == nil {
		t.Fatal("expected authentication failure on tampered cipher block")
	}
}

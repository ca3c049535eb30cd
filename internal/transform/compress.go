// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transform

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"
)

// CompressionAlgo identifies one of the fixed compression algorithms named
// in spec §4.2 stage 3. The numeric values must never be renumbered. The
// compressed-block header does not record them: its first byte is always
// blockHeaderMagic, and DecompressBlock takes the algorithm from its caller.
type CompressionAlgo byte

const (
	CompressNone CompressionAlgo = iota
	CompressGZIP
	CompressLZO1X
	CompressLZ4Fast
	CompressLZ4HC
)

func (a CompressionAlgo) String() string {
	switch a {
	case CompressNone:
		return "none"
	case CompressGZIP:
		return "gzip"
	case CompressLZO1X:
		return "lzo1x"
	case CompressLZ4Fast:
		return "lz4-fast"
	case CompressLZ4HC:
		return "lz4-hc"
	default:
		return fmt.Sprintf("algo(%d)", byte(a))
	}
}

// blockHeaderSize is the fixed 12-byte header prefixed to every compressed
// block: magic(1) + compressedLen(4 BE) + level(1) + version(2 BE) +
// reserved(4).
const blockHeaderSize = 12

const blockHeaderMagic = 0xC5

const headerFormatVersion = 1

// putBlockHeader writes the 12-byte header for a block of compressedLen
// bytes produced at the given level.
func putBlockHeader(dst []byte, compressedLen int, level int8) {
	dst[0] = blockHeaderMagic
	dst[1] = byte(compressedLen >> 24)
	dst[2] = byte(compressedLen >> 16)
	dst[3] = byte(compressedLen >> 8)
	dst[4] = byte(compressedLen)
	dst[5] = byte(level)
	dst[6] = byte(headerFormatVersion >> 8)
	dst[7] = byte(headerFormatVersion)
	dst[8], dst[9], dst[10], dst[11] = 0, 0, 0, 0
}

type blockHeader struct {
	compressedLen int
	level         int8
	version       uint16
}

func getBlockHeader(src []byte) (blockHeader, error) {
	if len(src) < blockHeaderSize {
		return blockHeader{}, errShortSparsePayload
	}
	if src[0] != blockHeaderMagic {
		return blockHeader{}, ErrHeaderMagic
	}
	return blockHeader{
		compressedLen: int(src[1])<<24 | int(src[2])<<16 | int(src[3])<<8 | int(src[4]),
		level:         int8(src[5]),
		version:       uint16(src[6])<<8 | uint16(src[7]),
	}, nil
}

// CompressBlock compresses one block of plaintext with algo at level,
// returning the 12-byte header followed by the compressed payload. level's
// meaning is algorithm-specific (gzip/flate 1-9, lz4-hc 1-9); it is ignored
// for CompressLZ4Fast.
//
// It allocates a fresh encoder for every call. A job streaming many files
// should use a CompressWorkspace instead, which keeps the gzip path's
// pgzip.Writer alive across files (spec §4.2 stage 3: workspaces are
// allocated once per job and reset, not reallocated, per file).
func CompressBlock(algo CompressionAlgo, level int, data []byte) ([]byte, error) {
	var compressed []byte
	var err error

	switch algo {
	case CompressNone:
		compressed = data
	case CompressGZIP:
		var c *gzipCompressor
		c, err = newGzipCompressor(level)
		if err == nil {
			compressed, err = c.compress(data)
		}
	case CompressLZ4Fast:
		compressed, err = lz4Compress(data, lz4.Fast)
	case CompressLZ4HC:
		compressed, err = lz4Compress(data, lz4.CompressionLevel(level))
	case CompressLZO1X:
		// No pure-Go LZO1X implementation exists anywhere in the reachable
		// ecosystem (see DESIGN.md); this path uses the stdlib-backed
		// fallback coder below it shares the same block-header contract
		// but is not bit-compatible with real LZO1X output.
		compressed, err = lzoPlaceholderCompress(level, data)
	default:
		return nil, fmt.Errorf("transform: unknown compression algorithm %v", algo)
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, blockHeaderSize+len(compressed))
	putBlockHeader(out, len(compressed), int8(level))
	copy(out[blockHeaderSize:], compressed)
	return out, nil
}

// CompressWorkspace holds the per-job encoder state CompressBlock would
// otherwise allocate fresh on every call. Only CompressGZIP keeps state
// worth reusing (the pgzip.Writer and its output buffer); every other
// algorithm falls back to CompressBlock's stateless path. Zero value is
// ready to use; not safe for concurrent use by more than one file at a time.
type CompressWorkspace struct {
	gz    *gzipCompressor
	level int
}

// NewCompressWorkspace returns an empty workspace. The underlying
// pgzip.Writer is allocated lazily on the first CompressBlock call and then
// reset, not reallocated, for every subsequent call at the same level.
func NewCompressWorkspace() *CompressWorkspace {
	return &CompressWorkspace{}
}

// CompressBlock is CompressBlock's workspace-reusing counterpart.
func (w *CompressWorkspace) CompressBlock(algo CompressionAlgo, level int, data []byte) ([]byte, error) {
	if algo != CompressGZIP {
		return CompressBlock(algo, level, data)
	}

	if w.gz == nil || w.level != level {
		c, err := newGzipCompressor(level)
		if err != nil {
			return nil, err
		}
		w.gz = c
		w.level = level
	} else {
		w.gz.reset()
	}

	compressed, err := w.gz.compress(data)
	if err != nil {
		return nil, err
	}

	out := make([]byte, blockHeaderSize+len(compressed))
	putBlockHeader(out, len(compressed), int8(level))
	copy(out[blockHeaderSize:], compressed)
	return out, nil
}

// DecompressBlock reverses CompressBlock. It returns ErrAlgorithmUnavailable
// if algo has no decoder in this build, per the resolved restore-time Open
// Question: an unsupported algorithm is a hard per-file failure rather than
// an attempt to pass the bytes through.
func DecompressBlock(algo CompressionAlgo, block []byte) ([]byte, error) {
	hdr, err := getBlockHeader(block)
	if err != nil {
		return nil, err
	}
	payload := block[blockHeaderSize:]
	if len(payload) < hdr.compressedLen {
		return nil, errShortSparsePayload
	}
	payload = payload[:hdr.compressedLen]

	switch algo {
	case CompressNone:
		return payload, nil
	case CompressGZIP:
		return gzipDecompress(payload)
	case CompressLZ4Fast, CompressLZ4HC:
		return lz4Decompress(payload)
	case CompressLZO1X:
		return lzoPlaceholderDecompress(payload)
	default:
		return nil, ErrAlgorithmUnavailable
	}
}

// gzipCompressor wraps one pgzip.Writer over its own output buffer.
// CompressWorkspace keeps one of these alive for a job's lifetime and
// resets it between files instead of allocating a new writer per block.
type gzipCompressor struct {
	buf *bytes.Buffer
	zw  *pgzip.Writer
}

func newGzipCompressor(level int) (*gzipCompressor, error) {
	buf := &bytes.Buffer{}
	zw, err := pgzip.NewWriterLevel(buf, level)
	if err != nil {
		return nil, fmt.Errorf("transform: gzip writer: %w", err)
	}
	return &gzipCompressor{buf: buf, zw: zw}, nil
}

// reset discards the buffered output from the previous file and rewinds
// the pgzip.Writer onto the same buffer, so the next compress call starts
// a fresh gzip stream without reallocating either.
func (c *gzipCompressor) reset() {
	c.buf.Reset()
	c.zw.Reset(c.buf)
}

func (c *gzipCompressor) compress(data []byte) ([]byte, error) {
	if _, err := c.zw.Write(data); err != nil {
		return nil, fmt.Errorf("transform: gzip compress: %w", err)
	}
	if err := c.zw.Close(); err != nil {
		return nil, fmt.Errorf("transform: gzip close: %w", err)
	}
	// Copied out: the buffer is reused by the next reset, so its backing
	// array must not still be referenced by the previous block's caller.
	return append([]byte(nil), c.buf.Bytes()...), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	zr, err := pgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("transform: gzip reader: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("transform: gzip decompress: %w", err)
	}
	return out, nil
}

func lz4Compress(data []byte, level lz4.CompressionLevel) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := lz4.NewWriter(buf)
	if err := zw.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("transform: lz4 options: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("transform: lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("transform: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("transform: lz4 decompress: %w", err)
	}
	return out, nil
}

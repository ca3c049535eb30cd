// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transform

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// lzoPlaceholderCompress and lzoPlaceholderDecompress back the CompressLZO1X
// slot. No pure-Go LZO1X encoder/decoder was found in the dependency pack
// this daemon was grounded on (see DESIGN.md), so the slot is filled with
// compress/flate under the same 12-byte block-header contract rather than
// left unimplemented. The output is NOT bit-compatible with real LZO1X;
// jobs that must interoperate with another vendor's LZO1X stream should
// select gzip or an LZ4 variant instead.
func lzoPlaceholderCompress(level int, data []byte) ([]byte, error) {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	buf := &bytes.Buffer{}
	fw, err := flate.NewWriter(buf, level)
	if err != nil {
		return nil, fmt.Errorf("transform: lzo1x placeholder writer: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("transform: lzo1x placeholder compress: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("transform: lzo1x placeholder close: %w", err)
	}
	return buf.Bytes(), nil
}

func lzoPlaceholderDecompress(data []byte) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, fmt.Errorf("transform: lzo1x placeholder decompress: %w", err)
	}
	return out, nil
}

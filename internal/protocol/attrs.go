// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"fmt"
)

// Attributes is the decoded payload of a unix-attributes record:
//
//	<path>\0<attrs>\0<link>\0<exAttrs>\0<delta>\0
//
// This package only knows the null-delimited wire shape. internal/backup
// and internal/restore do not use this type: they write and parse the
// path field as "<file-index> <type> <path>" themselves.
type Attributes struct {
	Path          string
	LstatASCII    string
	LinkTarget    string
	ExAttrsASCII  string
	DeltaSeqASCII string
}

// EncodeAttributes renders a into the wire payload shape.
func EncodeAttributes(a Attributes) []byte {
	var buf bytes.Buffer
	for _, field := range []string{a.Path, a.LstatASCII, a.LinkTarget, a.ExAttrsASCII, a.DeltaSeqASCII} {
		buf.WriteString(field)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// DecodeAttributes parses a unix-attributes (or unix-attributes-ex) payload.
func DecodeAttributes(payload []byte) (Attributes, error) {
	fields := bytes.SplitN(payload, []byte{0}, 6)
	if len(fields) < 5 {
		return Attributes{}, fmt.Errorf("protocol: attributes payload has %d fields, want at least 5", len(fields))
	}
	return Attributes{
		Path:          string(fields[0]),
		LstatASCII:    string(fields[1]),
		LinkTarget:    string(fields[2]),
		ExAttrsASCII:  string(fields[3]),
		DeltaSeqASCII: string(fields[4]),
	}, nil
}

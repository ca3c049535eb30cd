// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transform

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/nishisan-dev/nbackup-filed/internal/protocol"
)

// DigestAlgo identifies a content- or signing-digest algorithm. All four
// are standard library hash.Hash implementations; no pack dependency
// offers anything beyond what crypto/* already provides for these, so the
// stdlib is used directly here (see DESIGN.md).
type DigestAlgo int

const (
	DigestMD5 DigestAlgo = iota
	DigestSHA1
	DigestSHA256
	DigestSHA512
)

// StreamType returns the stream type that carries a digest of this
// algorithm over file content.
func (a DigestAlgo) StreamType() protocol.StreamType {
	switch a {
	case DigestMD5:
		return protocol.StreamMD5Digest
	case DigestSHA1:
		return protocol.StreamSHA1Digest
	case DigestSHA256:
		return protocol.StreamSHA256Digest
	case DigestSHA512:
		return protocol.StreamSHA512Digest
	default:
		return protocol.StreamType(0)
	}
}

// NewHash returns a fresh hash.Hash for algo.
func NewHash(algo DigestAlgo) (hash.Hash, error) {
	switch algo {
	case DigestMD5:
		return md5.New(), nil
	case DigestSHA1:
		return sha1.New(), nil
	case DigestSHA256:
		return sha256.New(), nil
	case DigestSHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("transform: unknown digest algorithm %d", algo)
	}
}

// DigestSet accumulates a content digest and, independently, a signing
// digest across every block of one file's data, satisfying the "digest
// covers all data" invariant (spec §8) regardless of how many separate
// Write calls the transform chain makes as it streams blocks.
type DigestSet struct {
	content hash.Hash
	sign    hash.Hash

	ContentAlgo DigestAlgo
	SignAlgo    DigestAlgo
}

// NewDigestSet builds a DigestSet computing contentAlgo for the content
// digest stream and signAlgo for the detached-signature digest.
func NewDigestSet(contentAlgo, signAlgo DigestAlgo) (*DigestSet, error) {
	c, err := NewHash(contentAlgo)
	if err != nil {
		return nil, err
	}
	s, err := NewHash(signAlgo)
	if err != nil {
		return nil, err
	}
	return &DigestSet{content: c, sign: s, ContentAlgo: contentAlgo, SignAlgo: signAlgo}, nil
}

// Write feeds one block of the file's original (pre-sparse-suppression)
// data into both running digests. It never returns an error: hash.Hash
// writes are defined never to fail.
func (d *DigestSet) Write(block []byte) {
	d.content.Write(block)
	d.sign.Write(block)
}

// ContentSum returns the final content digest bytes.
func (d *DigestSet) ContentSum() []byte { return d.content.Sum(nil) }

// SignSum returns the final signing-digest bytes, for emission on the
// content-digest-equivalent wire stream.
func (d *DigestSet) SignSum() []byte { return d.sign.Sum(nil) }

// SignHash returns the underlying signing hash.Hash, already written with
// every block of the file's data. Sign needs the hash.Hash itself (not
// just its Sum) because OpenPGP signature packets hash in trailing
// metadata before finalizing.
func (d *DigestSet) SignHash() hash.Hash { return d.sign }

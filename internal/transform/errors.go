// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transform

import "errors"

var (
	errShortSparsePayload = errors.New("transform: sparse payload shorter than address prefix")

	// ErrAlgorithmUnavailable is returned when restoring a stream
	// compressed with an algorithm this build has no decoder for. Per the
	// resolved Open Question in the specification, this is a hard
	// FatalPerFile condition rather than a silent pass-through of
	// ciphertext-looking garbage.
	ErrAlgorithmUnavailable = errors.New("transform: compression algorithm not available in this build")

	// ErrHeaderMagic is returned when a compressed-block header does not
	// carry the expected magic byte.
	ErrHeaderMagic = errors.New("transform: compressed block header magic mismatch")

	// ErrResidualCiphertext is not returned by this package:
	// CipherStream.Finalize seals any plaintext Feed left buffered as a
	// final short block instead.
	ErrResidualCiphertext = errors.New("transform: cipher stream finalized with residual buffered data")

	// ErrNoRecipients is returned by SealSessionKey when given no public
	// keys to seal to.
	ErrNoRecipients = errors.New("transform: no recipients to seal session key to")
)

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transform

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// SessionKeySize is the AES-256 key size used for per-job file content
// encryption (spec §4.2 stage 5).
const SessionKeySize = 32

// SessionKey is the symmetric key generated once per job and sealed
// asymmetrically for every configured recipient, never transmitted in the
// clear.
type SessionKey [SessionKeySize]byte

// NewSessionKey generates a fresh random AES-256 session key.
func NewSessionKey() (SessionKey, error) {
	var k SessionKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("transform: generating session key: %w", err)
	}
	return k, nil
}

// SealSessionKey wraps key as an OpenPGP message encrypted to every entity
// in recipients, producing the payload for one StreamEncryptedSessionData
// record per recipient. Encrypting the raw key bytes (rather than minting
// a PGP session key of our own) keeps exactly one AES-256 key in play for
// the whole job regardless of how many recipients it is sealed to.
func SealSessionKey(key SessionKey, recipients []*openpgp.Entity) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	var buf bytes.Buffer
	w, err := openpgp.Encrypt(&buf, recipients, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("transform: sealing session key: %w", err)
	}
	if _, err := w.Write(key[:]); err != nil {
		return nil, fmt.Errorf("transform: writing sealed session key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("transform: closing sealed session key: %w", err)
	}
	return buf.Bytes(), nil
}

// UnsealSessionKey recovers the session key from a StreamEncryptedSessionData
// payload using keyring, which must hold the matching private key.
func UnsealSessionKey(sealed []byte, keyring openpgp.EntityList) (SessionKey, error) {
	var key SessionKey
	md, err := openpgp.ReadMessage(bytes.NewReader(sealed), keyring, nil, nil)
	if err != nil {
		return key, fmt.Errorf("transform: unsealing session key: %w", err)
	}
	raw, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return key, fmt.Errorf("transform: reading unsealed session key: %w", err)
	}
	if len(raw) != SessionKeySize {
		return key, fmt.Errorf("transform: unsealed session key has wrong length %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

const gcmNonceSize = 12
const gcmTagSize = 16

// cipherBlockHeaderSize is the 4-byte big-endian length prefix on every
// emitted cipher block (nonce + ciphertext + tag), matching the framing
// the spec requires so a restore-side reader can split the encrypted
// stream back into discrete blocks without relying on record boundaries
// alone.
const cipherBlockHeaderSize = 4

// CipherStream encrypts one file's data with AES-256-GCM under key,
// buffering partial blocks across Feed calls so callers can feed
// arbitrarily sized chunks (e.g. post-compression output) and still emit
// fixed-size aligned cipher blocks.
type CipherStream struct {
	gcm       cipher.AEAD
	blockSize int
	buf       bytes.Buffer
}

// NewCipherStream builds a CipherStream encrypting in blockSize-sized
// plaintext chunks (before GCM expansion).
func NewCipherStream(key SessionKey, blockSize int) (*CipherStream, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("transform: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("transform: gcm mode: %w", err)
	}
	return &CipherStream{gcm: gcm, blockSize: blockSize}, nil
}

// Feed buffers data and returns zero or more complete cipher blocks ready
// for emission (each already framed with its 4-byte length prefix).
func (c *CipherStream) Feed(data []byte) ([][]byte, error) {
	c.buf.Write(data)

	var out [][]byte
	for c.buf.Len() >= c.blockSize {
		plain := make([]byte, c.blockSize)
		if _, err := io.ReadFull(&c.buf, plain); err != nil {
			return nil, fmt.Errorf("transform: draining cipher buffer: %w", err)
		}
		block, err := c.sealBlock(plain)
		if err != nil {
			return nil, err
		}
		out = append(out, block)
	}
	return out, nil
}

// Finalize seals any remaining buffered plaintext shorter than blockSize
// as the final cipher block. Call it exactly once, after the last Feed.
func (c *CipherStream) Finalize() ([]byte, error) {
	if c.buf.Len() == 0 {
		return nil, nil
	}
	remaining := make([]byte, c.buf.Len())
	copy(remaining, c.buf.Bytes())
	c.buf.Reset()
	return c.sealBlock(remaining)
}

func (c *CipherStream) sealBlock(plain []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("transform: generating nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, plain, nil)

	out := make([]byte, cipherBlockHeaderSize+len(sealed))
	n := len(sealed)
	out[0] = byte(n >> 24)
	out[1] = byte(n >> 16)
	out[2] = byte(n >> 8)
	out[3] = byte(n)
	copy(out[cipherBlockHeaderSize:], sealed)
	return out, nil
}

// DecipherBlock reverses one framed block produced by CipherStream.
func DecipherBlock(key SessionKey, framed []byte) ([]byte, error) {
	if len(framed) < cipherBlockHeaderSize {
		return nil, errShortSparsePayload
	}
	n := int(framed[0])<<24 | int(framed[1])<<16 | int(framed[2])<<8 | int(framed[3])
	sealed := framed[cipherBlockHeaderSize:]
	if len(sealed) != n {
		return nil, fmt.Errorf("transform: cipher block length mismatch: header says %d, got %d", n, len(sealed))
	}
	if len(sealed) < gcmNonceSize+gcmTagSize {
		return nil, fmt.Errorf("transform: cipher block too short")
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("transform: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("transform: gcm mode: %w", err)
	}

	nonce, ciphertext := sealed[:gcmNonceSize], sealed[gcmNonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("transform: decrypting cipher block: %w", err)
	}
	return plain, nil
}

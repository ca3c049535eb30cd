// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transform

import (
	"bytes"
	"crypto"
	"fmt"
	"hash"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// hashForAlgo maps a DigestAlgo to the crypto.Hash value an OpenPGP
// signature packet needs to record alongside the hash it was computed
// over.
func hashForAlgo(algo DigestAlgo) (crypto.Hash, error) {
	switch algo {
	case DigestSHA1:
		return crypto.SHA1, nil
	case DigestSHA256:
		return crypto.SHA256, nil
	case DigestMD5:
		return crypto.MD5, nil
	case DigestSHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("transform: digest algorithm %d has no signing hash mapping", algo)
	}
}

// Sign produces a detached OpenPGP signature from h, the running signing
// digest a DigestSet accumulated over one file's content (DigestSet.SignHash).
// signer must hold a private signing subkey.
func Sign(signer *openpgp.Entity, algo DigestAlgo, h hash.Hash) ([]byte, error) {
	cryptoHash, err := hashForAlgo(algo)
	if err != nil {
		return nil, err
	}
	if signer.PrivateKey == nil {
		return nil, fmt.Errorf("transform: signing entity has no private key")
	}

	sig := &packet.Signature{
		SigType:      packet.SigTypeBinary,
		PubKeyAlgo:   signer.PrivateKey.PubKeyAlgo,
		Hash:         cryptoHash,
		CreationTime: signer.PrivateKey.CreationTime,
		IssuerKeyId:  &signer.PrivateKey.KeyId,
	}
	if err := sig.Sign(h, signer.PrivateKey, nil); err != nil {
		return nil, fmt.Errorf("transform: signing digest: %w", err)
	}

	var buf bytes.Buffer
	if err := sig.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("transform: serializing signature: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify checks a detached signature produced by Sign against h, the
// signing digest recomputed on the restore side, using keyring to resolve
// the issuer key ID carried in the signature packet.
func Verify(keyring openpgp.EntityList, h hash.Hash, sigBytes []byte) error {
	pkt, err := packet.Read(bytes.NewReader(sigBytes))
	if err != nil {
		return fmt.Errorf("transform: reading signature packet: %w", err)
	}
	sig, ok := pkt.(*packet.Signature)
	if !ok {
		return fmt.Errorf("transform: expected signature packet, got %T", pkt)
	}
	if sig.IssuerKeyId == nil {
		return fmt.Errorf("transform: signature carries no issuer key id")
	}
	keys := keyring.KeysByIdUsage(*sig.IssuerKeyId, packet.KeyFlagSign)
	if len(keys) == 0 {
		return fmt.Errorf("transform: no signing key found for issuer %x", *sig.IssuerKeyId)
	}
	var lastErr error
	for _, k := range keys {
		if err := k.PublicKey.VerifySignature(h, sig); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("transform: signature verification failed: %w", lastErr)
}

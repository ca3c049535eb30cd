// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pki

import (
	"crypto"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/youmark/pkcs8"
)

// LoadKeyring reads an armored OpenPGP public or private keyring file,
// returning every entity it contains. Used for job-level content
// encryption/signing keys (see internal/transform), which are distinct
// from the mTLS transport identity loaded in tls.go.
func LoadKeyring(path string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pki: opening keyring %s: %w", path, err)
	}
	defer f.Close()

	entities, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("pki: reading keyring %s: %w", path, err)
	}
	return entities, nil
}

// LoadEncryptedPrivateSigningKey loads a single private signing key whose
// underlying key material is wrapped in a PKCS#8-encrypted PEM block (as
// produced by most vendor PKI tooling), decrypts it with passphrase, and
// wraps it as a bare openpgp.Entity suitable for transform.Sign. The
// resulting entity carries no identity or self-signature since it is only
// ever used locally, never exported.
//
// Most job signing keys instead ship as plain armored OpenPGP secret keys;
// for those, use LoadKeyring and call entity.PrivateKey.Decrypt(passphrase)
// directly.
func LoadEncryptedPrivateSigningKey(pemPath string, passphrase []byte) (*openpgp.Entity, error) {
	raw, err := os.ReadFile(pemPath)
	if err != nil {
		return nil, fmt.Errorf("pki: reading signing key %s: %w", pemPath, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("pki: no PEM block found in %s", pemPath)
	}

	key, _, err := pkcs8.ParsePrivateKey(block.Bytes, passphrase)
	if err != nil {
		return nil, fmt.Errorf("pki: decrypting PKCS#8 signing key %s: %w", pemPath, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("pki: key in %s does not implement crypto.Signer", pemPath)
	}

	pk := packet.NewSignerPrivateKey(time.Now(), signer)
	return &openpgp.Entity{PrivateKey: pk}, nil
}

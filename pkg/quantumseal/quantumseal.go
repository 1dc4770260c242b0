// Package quantumseal holds the process-wide post-quantum signing key and the
// document digest used by the sealing pipeline. The key is provisioned once
// at startup and reused for every seal; there is no rotation.
package quantumseal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"golang.org/x/crypto/sha3"
)

const Algorithm = "ML-DSA-65"

var scheme = mldsa65.Scheme()

// Vault is the master key holder. Open it exactly once in main and inject it
// into the sealer.
type Vault struct {
	priv        sign.PrivateKey
	pub         sign.PublicKey
	path        string
	provisioned bool
}

// Open loads the master key from path, generating and persisting a new
// keypair on first boot. Provisioning is an explicit one-time step, not a
// side effect of signing.
func Open(path string) (*Vault, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, err := scheme.UnmarshalBinaryPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("quantumseal: corrupt master key at %s: %w", path, err)
		}
		return &Vault{priv: priv, pub: priv.Public().(sign.PublicKey), path: path}, nil
	case errors.Is(err, os.ErrNotExist):
		pub, priv, err := mldsa65.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("quantumseal: generate master key: %w", err)
		}
		raw, err := priv.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("quantumseal: persist master key: %w", err)
		}
		return &Vault{priv: priv, pub: pub, path: path, provisioned: true}, nil
	default:
		return nil, err
	}
}

// Provisioned reports whether Open generated a fresh keypair rather than
// loading an existing one.
func (v *Vault) Provisioned() bool { return v.provisioned }

func (v *Vault) Path() string { return v.path }

// PublicKey returns the marshaled ML-DSA-65 public key for verifiers.
func (v *Vault) PublicKey() []byte {
	b, err := v.pub.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// Sign produces an ML-DSA-65 signature over a document digest.
func (v *Vault) Sign(digest []byte) []byte {
	return scheme.Sign(v.priv, digest, nil)
}

// Verify checks sig against digest with a marshaled public key.
func Verify(publicKey, digest, sig []byte) bool {
	pub, err := scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false
	}
	return scheme.Verify(pub, digest, sig, nil)
}

// DigestDocument is the seal digest: SHA3-512 over the rendered receipt.
func DigestDocument(doc []byte) []byte {
	sum := sha3.Sum512(doc)
	return sum[:]
}

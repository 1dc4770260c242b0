// Package signing assembles the two independent counterparty signatures over
// the canonical finalization message. There is no aggregation: both
// signatures travel separately and verify separately.
package signing

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/harborlane/bunkerseal/pkg/canonmsg"
)

type Assembler struct {
	supplierKey *ecdsa.PrivateKey
	chiefKey    *ecdsa.PrivateKey
}

// ParseKey decodes a hex-encoded secp256k1 private key, with or without the
// 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

func New(supplierKeyHex, chiefKeyHex string) (*Assembler, error) {
	supplierKey, err := crypto.HexToECDSA(strings.TrimPrefix(supplierKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse supplier key")
	}
	chiefKey, err := crypto.HexToECDSA(strings.TrimPrefix(chiefKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse chief engineer key")
	}
	return &Assembler{supplierKey: supplierKey, chiefKey: chiefKey}, nil
}

func (a *Assembler) SupplierAddress() common.Address {
	return crypto.PubkeyToAddress(a.supplierKey.PublicKey)
}

func (a *Assembler) ChiefAddress() common.Address {
	return crypto.PubkeyToAddress(a.chiefKey.PublicKey)
}

// SignPair signs the identical canonical message once with each party's key.
func (a *Assembler) SignPair(f canonmsg.Facts) (supplierSig, chiefSig []byte, err error) {
	digest := canonmsg.Digest(f)
	supplierSig, err = signPersonal(digest, a.supplierKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "supplier signature")
	}
	chiefSig, err = signPersonal(digest, a.chiefKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "chief engineer signature")
	}
	return supplierSig, chiefSig, nil
}

// signPersonal applies the EIP-191 personal-sign prefix over the canonical
// digest and signs the result. The recovery id is shifted to the on-chain
// 27/28 convention.
func signPersonal(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over the canonical
// message for f. Verifiers compare it against the registered counterparty.
func RecoverSigner(f canonmsg.Facts, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("signature length %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(canonmsg.Digest(f).Bytes()), normalized)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Package canonmsg builds the canonical finalization message both
// counterparty signatures are computed over. The layout is the contract's
// packed encoding: changing any field, or the field order, changes the
// digest.
package canonmsg

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Facts are the finalization facts in wire form. Fixed-point values
// (ExpectedSulphur) are already scaled to integers by the caller.
type Facts struct {
	DeliveryKey     common.Hash
	VesselID        string
	SupplierID      uint64
	Density         uint64
	ExpectedSulphur uint64
	Quantity        uint64
	SampleSealID    string
}

// Pack mirrors abi.encodePacked(bytes32,string,uint256,uint256,uint256,uint256,string).
func Pack(f Facts) []byte {
	out := make([]byte, 0, 32+len(f.VesselID)+4*32+len(f.SampleSealID))
	out = append(out, f.DeliveryKey.Bytes()...)
	out = append(out, []byte(f.VesselID)...)
	out = append(out, packUint256(f.SupplierID)...)
	out = append(out, packUint256(f.Density)...)
	out = append(out, packUint256(f.ExpectedSulphur)...)
	out = append(out, packUint256(f.Quantity)...)
	out = append(out, []byte(f.SampleSealID)...)
	return out
}

// Digest is keccak256 over Pack. Signers apply the personal-sign prefix on
// top of this digest, not on the raw packed bytes.
func Digest(f Facts) common.Hash {
	return crypto.Keccak256Hash(Pack(f))
}

func packUint256(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

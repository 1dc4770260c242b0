// Package deliverykey derives the opaque on-chain correlation key for a
// bunker delivery from its human-assigned delivery id.
package deliverykey

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Derive returns keccak256 of the human-assigned delivery id. The result is
// both the contract-side bytes32 key and, via Hex, the local primary key.
func Derive(deliveryID string) common.Hash {
	return crypto.Keccak256Hash([]byte(deliveryID))
}

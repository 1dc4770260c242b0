// Package ledger talks to the MaritimeRegistry contract: transaction
// submission with receipt wait, read-only queries, and BunkerFinalized event
// polling. Submission is not idempotent; callers treat a failed or ambiguous
// submission as terminal for that call instead of retrying blindly.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

const registryABI = `[
{"type":"function","name":"registerShip","stateMutability":"nonpayable","inputs":[{"name":"_imo","type":"string"},{"name":"_chiefEng","type":"address"}],"outputs":[]},
{"type":"function","name":"registerSupplier","stateMutability":"nonpayable","inputs":[{"name":"_supplierId","type":"uint256"},{"name":"_barge","type":"address"}],"outputs":[]},
{"type":"function","name":"nominateBunker","stateMutability":"nonpayable","inputs":[{"name":"_deliveryId","type":"bytes32"},{"name":"_imo","type":"string"},{"name":"_supplierId","type":"uint256"},{"name":"_expectedSulphur","type":"uint256"}],"outputs":[]},
{"type":"function","name":"finalizeBunker","stateMutability":"nonpayable","inputs":[{"name":"_deliveryId","type":"bytes32"},{"name":"_density","type":"uint256"},{"name":"_qty","type":"uint256"},{"name":"_sampleId","type":"string"},{"name":"_sigSupplier","type":"bytes"},{"name":"_sigChiefEng","type":"bytes"}],"outputs":[]},
{"type":"function","name":"anchorQuantumSeal","stateMutability":"nonpayable","inputs":[{"name":"_deliveryId","type":"bytes32"},{"name":"_docHash","type":"string"},{"name":"_quantumSig","type":"bytes"}],"outputs":[]},
{"type":"function","name":"shipToChiefEng","stateMutability":"view","inputs":[{"name":"","type":"string"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"supplierToBarge","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"getNote","stateMutability":"view","inputs":[{"name":"_deliveryId","type":"bytes32"}],"outputs":[{"name":"imo","type":"string"},{"name":"supplierId","type":"uint256"},{"name":"nominatedAt","type":"uint256"},{"name":"expectedSulphur","type":"uint256"}]},
{"type":"event","name":"BunkerFinalized","inputs":[{"name":"deliveryId","type":"bytes32","indexed":true},{"name":"sigSupplier","type":"bytes","indexed":false},{"name":"sigChiefEng","type":"bytes","indexed":false},{"name":"quantity","type":"uint256","indexed":false}]}
]`

const txGasLimit = 500_000

// Note holds the nomination facts stored on-chain for a delivery key.
type Note struct {
	VesselID        string
	SupplierID      uint64
	NominatedAt     uint64
	ExpectedSulphur uint64
}

// FinalizedEvent is one BunkerFinalized log entry.
type FinalizedEvent struct {
	DeliveryKey common.Hash
	SupplierSig []byte
	ChiefSig    []byte
	Quantity    uint64
	TxRef       string
}

type Gateway struct {
	client   *ethclient.Client
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
	adminKey *ecdsa.PrivateKey
	eventID  common.Hash
}

// Dial connects to the RPC endpoint and binds the registry contract. The
// admin key signs registration, finalize and anchor transactions.
func Dial(ctx context.Context, rpcURL, contractAddr, adminKeyHex string) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial rpc %s", rpcURL)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch chain id")
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse registry abi")
	}
	adminKey, err := crypto.HexToECDSA(strings.TrimPrefix(adminKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse admin key")
	}
	return &Gateway{
		client:   client,
		abi:      parsed,
		contract: common.HexToAddress(contractAddr),
		chainID:  chainID,
		adminKey: adminKey,
		eventID:  parsed.Events["BunkerFinalized"].ID,
	}, nil
}

func (g *Gateway) Close() { g.client.Close() }

// SubmitAndWait packs one contract call, signs it with key, broadcasts it and
// blocks until the receipt is available. A reverted transaction is an error.
func (g *Gateway) SubmitAndWait(ctx context.Context, key *ecdsa.PrivateKey, method string, args ...any) (string, error) {
	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return "", errors.Wrapf(err, "pack %s", method)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", errors.Wrap(err, "fetch nonce")
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", errors.Wrap(err, "suggest gas price")
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &g.contract,
		Gas:      txGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), key)
	if err != nil {
		return "", errors.Wrap(err, "sign transaction")
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return "", errors.Wrapf(err, "broadcast %s", method)
	}
	receipt, err := bind.WaitMined(ctx, g.client, signed)
	if err != nil {
		return "", errors.Wrapf(err, "await receipt for %s", method)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", errors.Errorf("%s reverted in tx %s", method, receipt.TxHash.Hex())
	}
	return receipt.TxHash.Hex(), nil
}

func (g *Gateway) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	vals, err := g.abi.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	return vals, nil
}

func (g *Gateway) IsShipRegistered(ctx context.Context, imo string) (bool, error) {
	vals, err := g.call(ctx, "shipToChiefEng", imo)
	if err != nil {
		return false, err
	}
	return vals[0].(common.Address) != (common.Address{}), nil
}

func (g *Gateway) RegisterShip(ctx context.Context, imo, chiefAddr string) (string, error) {
	return g.SubmitAndWait(ctx, g.adminKey, "registerShip", imo, common.HexToAddress(chiefAddr))
}

func (g *Gateway) IsSupplierRegistered(ctx context.Context, supplierID uint64) (bool, error) {
	vals, err := g.call(ctx, "supplierToBarge", new(big.Int).SetUint64(supplierID))
	if err != nil {
		return false, err
	}
	return vals[0].(common.Address) != (common.Address{}), nil
}

func (g *Gateway) RegisterSupplier(ctx context.Context, supplierID uint64, bargeAddr string) (string, error) {
	return g.SubmitAndWait(ctx, g.adminKey, "registerSupplier",
		new(big.Int).SetUint64(supplierID), common.HexToAddress(bargeAddr))
}

// NominateBunker registers the nomination on-chain, signed by the supplier's
// barge key.
func (g *Gateway) NominateBunker(ctx context.Context, bargeKey *ecdsa.PrivateKey, deliveryKey common.Hash, imo string, supplierID, expectedSulphur uint64) (string, error) {
	return g.SubmitAndWait(ctx, bargeKey, "nominateBunker",
		deliveryKey, imo, new(big.Int).SetUint64(supplierID), new(big.Int).SetUint64(expectedSulphur))
}

// FinalizeBunker submits both counterparty signatures, signed by the admin
// account.
func (g *Gateway) FinalizeBunker(ctx context.Context, deliveryKey common.Hash, density, qty uint64, sampleSealID string, sigSupplier, sigChief []byte) (string, error) {
	return g.SubmitAndWait(ctx, g.adminKey, "finalizeBunker",
		deliveryKey, new(big.Int).SetUint64(density), new(big.Int).SetUint64(qty),
		sampleSealID, sigSupplier, sigChief)
}

// AnchorQuantumSeal records (deliveryKey, documentHash, signature) as the
// tamper-evident proof of the sealed receipt.
func (g *Gateway) AnchorQuantumSeal(ctx context.Context, deliveryKey common.Hash, documentHash string, quantumSig []byte) (string, error) {
	return g.SubmitAndWait(ctx, g.adminKey, "anchorQuantumSeal", deliveryKey, documentHash, quantumSig)
}

// GetNote fetches the stored nomination facts for a delivery key.
func (g *Gateway) GetNote(ctx context.Context, deliveryKey common.Hash) (Note, error) {
	vals, err := g.call(ctx, "getNote", deliveryKey)
	if err != nil {
		return Note{}, err
	}
	return Note{
		VesselID:        vals[0].(string),
		SupplierID:      vals[1].(*big.Int).Uint64(),
		NominatedAt:     vals[2].(*big.Int).Uint64(),
		ExpectedSulphur: vals[3].(*big.Int).Uint64(),
	}, nil
}

// HeadBlock returns the current chain head, used to seed the event cursor.
func (g *Gateway) HeadBlock(ctx context.Context) (uint64, error) {
	return g.client.BlockNumber(ctx)
}

// PollFinalized returns BunkerFinalized events between fromBlock and the
// current head, in log order, together with the next cursor. The cursor only
// moves forward.
func (g *Gateway) PollFinalized(ctx context.Context, fromBlock uint64) ([]FinalizedEvent, uint64, error) {
	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return nil, fromBlock, errors.Wrap(err, "fetch head block")
	}
	if head < fromBlock {
		return nil, fromBlock, nil
	}
	logs, err := g.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{{g.eventID}},
	})
	if err != nil {
		return nil, fromBlock, errors.Wrap(err, "filter BunkerFinalized logs")
	}
	events := make([]FinalizedEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		vals, err := g.abi.Events["BunkerFinalized"].Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return nil, fromBlock, errors.Wrap(err, "unpack BunkerFinalized")
		}
		events = append(events, FinalizedEvent{
			DeliveryKey: lg.Topics[1],
			SupplierSig: vals[0].([]byte),
			ChiefSig:    vals[1].([]byte),
			Quantity:    vals[2].(*big.Int).Uint64(),
			TxRef:       lg.TxHash.Hex(),
		})
	}
	return events, head + 1, nil
}

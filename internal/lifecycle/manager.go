// Package lifecycle owns the delivery record state machine. Nominate and
// Finalize are the only writers on the request path; the sealing pipeline
// owns the record afterwards.
package lifecycle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/harborlane/bunkerseal/internal/ledger"
	"github.com/harborlane/bunkerseal/internal/metrics"
	"github.com/harborlane/bunkerseal/internal/signing"
	"github.com/harborlane/bunkerseal/internal/store"
	"github.com/harborlane/bunkerseal/pkg/canonmsg"
	"github.com/harborlane/bunkerseal/pkg/deliverykey"
)

var (
	ErrDuplicateDelivery = errors.New("delivery id already nominated")
	ErrNotFound          = errors.New("nomination not found")
	ErrConflict          = errors.New("delivery already advanced past nomination")
	ErrApprovalTimeout   = errors.New("approval window elapsed without sign-off")
	ErrLedgerSubmission  = errors.New("ledger submission failed")
)

// RecordStore is the slice of the record store the manager needs. All
// methods are atomic per record.
type RecordStore interface {
	Get(ctx context.Context, deliveryKey string) (store.DeliveryRecord, error)
	CreateNominated(ctx context.Context, deliveryKey, vesselID string, supplierID int64, expectedSulphur float64) error
	Delete(ctx context.Context, deliveryKey string) error
	BeginFinalize(ctx context.Context, deliveryKey string, actualQuantity, density float64, sampleSealID string) error
	MarkFailed(ctx context.Context, deliveryKey string) error
	MarkFinalized(ctx context.Context, deliveryKey string, supplierSig, chiefSig []byte, quantity float64, txRef string) (bool, error)
}

// Ledger is the finalize-path slice of the ledger gateway.
type Ledger interface {
	NominateBunker(ctx context.Context, bargeKey *ecdsa.PrivateKey, deliveryKey common.Hash, imo string, supplierID, expectedSulphur uint64) (string, error)
	GetNote(ctx context.Context, deliveryKey common.Hash) (ledger.Note, error)
	FinalizeBunker(ctx context.Context, deliveryKey common.Hash, density, qty uint64, sampleSealID string, sigSupplier, sigChief []byte) (string, error)
}

// ApprovalGate blocks for the human sign-off. Send is the best-effort
// notification path.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, summary string) bool
	Send(ctx context.Context, text string) error
}

type Manager struct {
	store    RecordStore
	ledger   Ledger
	gate     ApprovalGate
	signer   *signing.Assembler
	bargeKey *ecdsa.PrivateKey
}

func NewManager(st RecordStore, lg Ledger, gate ApprovalGate, signer *signing.Assembler, bargeKey *ecdsa.PrivateKey) *Manager {
	return &Manager{store: st, ledger: lg, gate: gate, signer: signer, bargeKey: bargeKey}
}

type NominationResult struct {
	DeliveryKey string
	TxRef       string
}

// Nominate creates the local NOMINATED record, then registers the nomination
// on-chain. If the ledger rejects it the local record is deleted again, so
// the caller never observes a half-committed nomination.
func (m *Manager) Nominate(ctx context.Context, deliveryID, vesselID string, supplierID int64, expectedSulphur float64) (NominationResult, error) {
	key := deliverykey.Derive(deliveryID)
	if err := m.store.CreateNominated(ctx, key.Hex(), vesselID, supplierID, expectedSulphur); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			metrics.NominationsTotal.WithLabelValues("duplicate").Inc()
			return NominationResult{}, ErrDuplicateDelivery
		}
		return NominationResult{}, err
	}

	txRef, err := m.ledger.NominateBunker(ctx, m.bargeKey, key, vesselID,
		uint64(supplierID), sulphurFixedPoint(expectedSulphur))
	if err != nil {
		// Compensate: the nomination never made it on-chain, so the local
		// record must not survive either.
		if delErr := m.store.Delete(ctx, key.Hex()); delErr != nil {
			log.Printf("[lifecycle] compensation delete failed for %s: %v", key.Hex(), delErr)
		}
		metrics.NominationsTotal.WithLabelValues("ledger_error").Inc()
		return NominationResult{}, fmt.Errorf("%w: %v", ErrLedgerSubmission, err)
	}
	metrics.NominationsTotal.WithLabelValues("ok").Inc()
	return NominationResult{DeliveryKey: key.Hex(), TxRef: txRef}, nil
}

// Finalize runs the full finalization flow: persist the measured fields,
// read the counterpart nomination facts from the ledger, block on the human
// approval, assemble both signatures and submit the finalize transaction.
// Approval timeout and submission failure mark the record FAILED; measured
// fields stay persisted for audit.
func (m *Manager) Finalize(ctx context.Context, deliveryID string, actualQuantity, density float64, sampleSealID string) (string, error) {
	key := deliverykey.Derive(deliveryID)
	if err := m.store.BeginFinalize(ctx, key.Hex(), actualQuantity, density, sampleSealID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			metrics.FinalizationsTotal.WithLabelValues("not_found").Inc()
			return "", ErrNotFound
		case errors.Is(err, store.ErrConflict):
			metrics.FinalizationsTotal.WithLabelValues("conflict").Inc()
			return "", ErrConflict
		default:
			return "", err
		}
	}

	note, err := m.ledger.GetNote(ctx, key)
	if err != nil {
		m.fail(ctx, key.Hex())
		metrics.FinalizationsTotal.WithLabelValues("ledger_error").Inc()
		return "", fmt.Errorf("%w: %v", ErrLedgerSubmission, err)
	}

	start := time.Now()
	approved := m.gate.RequestApproval(ctx, approvalSummary(key, note, density, actualQuantity, sampleSealID))
	metrics.ApprovalDuration.Observe(time.Since(start).Seconds())
	if !approved {
		m.fail(ctx, key.Hex())
		metrics.FinalizationsTotal.WithLabelValues("approval_timeout").Inc()
		return "", ErrApprovalTimeout
	}

	facts := canonmsg.Facts{
		DeliveryKey:     key,
		VesselID:        note.VesselID,
		SupplierID:      note.SupplierID,
		Density:         uint64(density),
		ExpectedSulphur: note.ExpectedSulphur,
		Quantity:        uint64(actualQuantity),
		SampleSealID:    sampleSealID,
	}
	sigSupplier, sigChief, err := m.signer.SignPair(facts)
	if err != nil {
		m.fail(ctx, key.Hex())
		return "", err
	}

	txRef, err := m.ledger.FinalizeBunker(ctx, key, uint64(density), uint64(actualQuantity),
		sampleSealID, sigSupplier, sigChief)
	if err != nil {
		// The signatures were never accepted on-chain; no compensation
		// beyond marking the record failed.
		m.fail(ctx, key.Hex())
		metrics.FinalizationsTotal.WithLabelValues("ledger_error").Inc()
		return "", fmt.Errorf("%w: %v", ErrLedgerSubmission, err)
	}

	if _, err := m.store.MarkFinalized(ctx, key.Hex(), sigSupplier, sigChief, actualQuantity, txRef); err != nil {
		return "", err
	}
	metrics.FinalizationsTotal.WithLabelValues("ok").Inc()

	if err := m.gate.Send(ctx, finalizedNotice(key, txRef, actualQuantity)); err != nil {
		log.Printf("[lifecycle] finalize notice failed for %s: %v", key.Hex(), err)
	}
	return txRef, nil
}

func (m *Manager) fail(ctx context.Context, deliveryKey string) {
	if err := m.store.MarkFailed(ctx, deliveryKey); err != nil {
		log.Printf("[lifecycle] mark failed errored for %s: %v", deliveryKey, err)
	}
}

// sulphurFixedPoint converts the nominated sulphur percentage to the
// contract's two-decimal fixed point.
func sulphurFixedPoint(v float64) uint64 {
	return uint64(math.Round(v * 100))
}

func approvalSummary(key common.Hash, note ledger.Note, density, qty float64, sampleSealID string) string {
	return fmt.Sprintf(
		"*BUNKER FINALIZATION REQUEST*\n\n"+
			"*ID:* `%s...`\n"+
			"*IMO:* %s\n"+
			"*Density:* %g\n"+
			"*Quantity:* %g MT\n"+
			"*Sample:* %s\n\n"+
			"Reply with *'SIGN'* to authorize this record.",
		key.Hex()[:14], note.VesselID, density, qty, sampleSealID)
}

func finalizedNotice(key common.Hash, txRef string, qty float64) string {
	return fmt.Sprintf(
		"*eBDN FINALIZED ON-CHAIN*\n\n"+
			"*ID:* `%s`\n"+
			"*Qty:* %g MT\n"+
			"*Tx:* `%s`\n\n"+
			"The record is now immutable.",
		key.Hex(), qty, txRef)
}

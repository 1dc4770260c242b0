// Package store persists delivery records in Postgres. Every multi-field
// update is a single guarded UPDATE so concurrent writers observe either the
// old or the new record, never a half-written one.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrDuplicateKey = errors.New("delivery key already exists")
	ErrNotFound     = errors.New("delivery record not found")
	ErrConflict     = errors.New("delivery record in conflicting state")
)

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusNominated     Status = "NOMINATED"
	StatusFinalizing    Status = "FINALIZING"
	StatusFinalized     Status = "FINALIZED"
	StatusQuantumSealed Status = "QUANTUM_SEALED"
	StatusFailed        Status = "FAILED"
)

var statusRank = map[Status]int{
	StatusPending:       0,
	StatusNominated:     1,
	StatusFinalizing:    2,
	StatusFinalized:     3,
	StatusQuantumSealed: 4,
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusQuantumSealed || s == StatusFailed
}

// CanAdvanceTo enforces the forward-only order, with FAILED reachable from
// any non-terminal state.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// DeliveryRecord is the fixed-shape local view of one bunker delivery.
// DeliveryKey is the 0x-hex keccak of the human delivery id and never
// changes after creation.
type DeliveryRecord struct {
	DeliveryKey     string     `json:"delivery_key"`
	VesselID        string     `json:"vessel_id"`
	SupplierID      int64      `json:"supplier_id"`
	ExpectedSulphur float64    `json:"expected_sulphur"`
	ActualQuantity  *float64   `json:"actual_quantity"`
	Density         *float64   `json:"density"`
	SampleSealID    *string    `json:"sample_seal_id"`
	Status          Status     `json:"status"`
	SupplierSig     []byte     `json:"-"`
	ChiefSig        []byte     `json:"-"`
	FinalizeTxRef   *string    `json:"finalize_tx_ref"`
	ReceiptPDF      []byte     `json:"-"`
	DocumentHash    *string    `json:"document_hash"`
	QuantumSig      []byte     `json:"-"`
	AnchorTxRef     *string    `json:"anchor_tx_ref"`
	AnchoredAt      *time.Time `json:"anchored_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// EnsureSchema creates the records table on first boot.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bunker_records (
  delivery_key       TEXT PRIMARY KEY,
  vessel_id          TEXT NOT NULL,
  supplier_id        BIGINT NOT NULL,
  expected_sulphur   DOUBLE PRECISION NOT NULL,
  actual_quantity    DOUBLE PRECISION,
  density            DOUBLE PRECISION,
  sample_seal_id     TEXT,
  status             TEXT NOT NULL DEFAULT 'PENDING',
  supplier_signature BYTEA,
  chief_signature    BYTEA,
  finalize_tx_ref    TEXT,
  receipt_pdf        BYTEA,
  document_hash      TEXT,
  quantum_signature  BYTEA,
  anchor_tx_ref      TEXT,
  anchored_at        TIMESTAMPTZ,
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

const recordColumns = `delivery_key, vessel_id, supplier_id, expected_sulphur,
actual_quantity, density, sample_seal_id, status,
supplier_signature, chief_signature, finalize_tx_ref,
receipt_pdf, document_hash, quantum_signature, anchor_tx_ref, anchored_at, created_at`

func scanRecord(row pgx.Row) (DeliveryRecord, error) {
	var r DeliveryRecord
	err := row.Scan(&r.DeliveryKey, &r.VesselID, &r.SupplierID, &r.ExpectedSulphur,
		&r.ActualQuantity, &r.Density, &r.SampleSealID, &r.Status,
		&r.SupplierSig, &r.ChiefSig, &r.FinalizeTxRef,
		&r.ReceiptPDF, &r.DocumentHash, &r.QuantumSig, &r.AnchorTxRef, &r.AnchoredAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeliveryRecord{}, ErrNotFound
	}
	return r, err
}

func (s *Store) Get(ctx context.Context, deliveryKey string) (DeliveryRecord, error) {
	return scanRecord(s.DB.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM bunker_records WHERE delivery_key=$1`, deliveryKey))
}

// CreateNominated inserts a fresh NOMINATED record. A colliding key is
// rejected without touching the existing row.
func (s *Store) CreateNominated(ctx context.Context, deliveryKey, vesselID string, supplierID int64, expectedSulphur float64) error {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO bunker_records(delivery_key, vessel_id, supplier_id, expected_sulphur, status)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (delivery_key) DO NOTHING`,
		deliveryKey, vesselID, supplierID, expectedSulphur, StatusNominated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateKey
	}
	return nil
}

// Delete removes a record. Only used as the compensating action when the
// on-chain nomination fails after local creation.
func (s *Store) Delete(ctx context.Context, deliveryKey string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM bunker_records WHERE delivery_key=$1`, deliveryKey)
	return err
}

// BeginFinalize persists the measured fields and moves the record to
// FINALIZING. Only NOMINATED records and retry-eligible FINALIZING records
// qualify; a concurrent finalizer that already advanced the record further
// causes ErrConflict.
func (s *Store) BeginFinalize(ctx context.Context, deliveryKey string, actualQuantity, density float64, sampleSealID string) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE bunker_records
SET actual_quantity=$2, density=$3, sample_seal_id=$4, status=$5
WHERE delivery_key=$1 AND status IN ($6,$7)`,
		deliveryKey, actualQuantity, density, sampleSealID,
		StatusFinalizing, StatusNominated, StatusFinalizing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, deliveryKey); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// MarkFailed moves a non-terminal record to FAILED. Measured fields already
// persisted are retained for audit and retry.
func (s *Store) MarkFailed(ctx context.Context, deliveryKey string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE bunker_records SET status=$2
WHERE delivery_key=$1 AND status NOT IN ($3,$4)`,
		deliveryKey, StatusFailed, StatusFailed, StatusQuantumSealed)
	return err
}

// MarkFinalized writes both counterparty signatures, the observed quantity
// and the status change as one atomic update. It reports false when the
// record is already sealed (or failed) and must not move backward.
func (s *Store) MarkFinalized(ctx context.Context, deliveryKey string, supplierSig, chiefSig []byte, quantity float64, txRef string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE bunker_records
SET supplier_signature=$2, chief_signature=$3, actual_quantity=$4,
    finalize_tx_ref=COALESCE($5, finalize_tx_ref), status=$6
WHERE delivery_key=$1 AND status IN ($7,$8,$9)`,
		deliveryKey, supplierSig, chiefSig, quantity, nullable(txRef),
		StatusFinalized, StatusNominated, StatusFinalizing, StatusFinalized)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SaveSeal writes the rendered receipt, its digest and the post-quantum
// signature together with the QUANTUM_SEALED transition. Seal fields are set
// once: an already sealed record reports false and stays untouched.
func (s *Store) SaveSeal(ctx context.Context, deliveryKey string, receiptPDF []byte, documentHash string, quantumSig []byte) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE bunker_records
SET receipt_pdf=$2, document_hash=$3, quantum_signature=$4, status=$5
WHERE delivery_key=$1 AND status=$6`,
		deliveryKey, receiptPDF, documentHash, quantumSig,
		StatusQuantumSealed, StatusFinalized)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SaveAnchor records the anchoring transaction once the seal is on-chain.
func (s *Store) SaveAnchor(ctx context.Context, deliveryKey, txRef string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE bunker_records
SET anchor_tx_ref=$2, anchored_at=now()
WHERE delivery_key=$1 AND status=$3 AND anchor_tx_ref IS NULL`,
		deliveryKey, txRef, StatusQuantumSealed)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

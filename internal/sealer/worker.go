// Package sealer is the event-driven sealing pipeline: a single background
// worker that polls the ledger for BunkerFinalized events and, for each one,
// renders the receipt, hashes it, applies the post-quantum master signature
// and anchors the seal back on-chain.
package sealer

import (
	"context"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/harborlane/bunkerseal/internal/ledger"
	"github.com/harborlane/bunkerseal/internal/metrics"
	"github.com/harborlane/bunkerseal/internal/store"
	"github.com/harborlane/bunkerseal/pkg/quantumseal"
)

// RecordStore is the seal-path slice of the record store.
type RecordStore interface {
	Get(ctx context.Context, deliveryKey string) (store.DeliveryRecord, error)
	MarkFinalized(ctx context.Context, deliveryKey string, supplierSig, chiefSig []byte, quantity float64, txRef string) (bool, error)
	SaveSeal(ctx context.Context, deliveryKey string, receiptPDF []byte, documentHash string, quantumSig []byte) (bool, error)
	SaveAnchor(ctx context.Context, deliveryKey, txRef string) error
}

// Ledger is the seal-path slice of the ledger gateway.
type Ledger interface {
	HeadBlock(ctx context.Context) (uint64, error)
	PollFinalized(ctx context.Context, fromBlock uint64) ([]ledger.FinalizedEvent, uint64, error)
	AnchorQuantumSeal(ctx context.Context, deliveryKey common.Hash, documentHash string, quantumSig []byte) (string, error)
}

// Renderer produces the receipt document bytes for a record snapshot. Must
// be deterministic for identical field values.
type Renderer func(store.DeliveryRecord) ([]byte, error)

type Worker struct {
	store    RecordStore
	ledger   Ledger
	vault    *quantumseal.Vault
	render   Renderer
	interval time.Duration
	cursor   uint64
}

func New(st RecordStore, lg Ledger, vault *quantumseal.Vault, render Renderer, interval time.Duration) *Worker {
	return &Worker{store: st, ledger: lg, vault: vault, render: render, interval: interval}
}

// Run loops at the poll interval until ctx is cancelled. Iterations never
// overlap, and a per-event failure never stops the loop. Cancellation is
// observed between events only, so the in-flight record always finishes its
// writes before the worker exits.
func (w *Worker) Run(ctx context.Context) {
	if w.cursor == 0 {
		head, err := w.ledger.HeadBlock(ctx)
		if err != nil {
			log.Printf("[sealer] head block unavailable, starting from genesis: %v", err)
		}
		w.cursor = head
	}
	log.Printf("[sealer] watching for BunkerFinalized from block %d", w.cursor)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.tick(ctx)
	}
}

func (w *Worker) tick(ctx context.Context) {
	events, next, err := w.ledger.PollFinalized(ctx, w.cursor)
	if err != nil {
		log.Printf("[sealer] poll failed: %v", err)
		return
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			// Shut down between events; unprocessed ones are re-polled from
			// the unadvanced cursor on the next start.
			return
		}
		metrics.SealEventsTotal.Inc()
		// Writes for the in-flight record must land even during shutdown.
		if err := w.process(context.WithoutCancel(ctx), ev); err != nil {
			metrics.SealFailuresTotal.Inc()
			log.Printf("[sealer] event %s failed: %v", ev.DeliveryKey.Hex(), err)
		}
	}
	w.cursor = next
}

// process seals one finalization event: persist the event's signatures and
// quantity, render and hash the receipt, sign the digest with the master
// key, then anchor. An anchor failure leaves the record QUANTUM_SEALED
// without an anchor reference; a later duplicate event retries just the
// anchor leg.
func (w *Worker) process(ctx context.Context, ev ledger.FinalizedEvent) error {
	key := ev.DeliveryKey.Hex()

	rec, err := w.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		// Cross-environment ledger reuse can surface keys this store never
		// nominated.
		log.Printf("[sealer] no local record for %s, skipping", key)
		return nil
	}
	if err != nil {
		return err
	}

	if rec.Status == store.StatusQuantumSealed {
		if rec.AnchorTxRef == nil && rec.DocumentHash != nil {
			return w.anchor(ctx, ev.DeliveryKey, *rec.DocumentHash, rec.QuantumSig)
		}
		return nil
	}

	if _, err := w.store.MarkFinalized(ctx, key, ev.SupplierSig, ev.ChiefSig, float64(ev.Quantity), ev.TxRef); err != nil {
		return err
	}
	rec, err = w.store.Get(ctx, key)
	if err != nil {
		return err
	}

	doc, err := w.render(rec)
	if err != nil {
		return err
	}
	digest := quantumseal.DigestDocument(doc)
	documentHash := hex.EncodeToString(digest)
	quantumSig := w.vault.Sign(digest)

	applied, err := w.store.SaveSeal(ctx, key, doc, documentHash, quantumSig)
	if err != nil {
		return err
	}
	if !applied {
		// Sealed in the meantime; the seal fields are written exactly once.
		return nil
	}
	log.Printf("[sealer] sealed %s hash=%s alg=%s", key, documentHash[:16], quantumseal.Algorithm)

	return w.anchor(ctx, ev.DeliveryKey, documentHash, quantumSig)
}

func (w *Worker) anchor(ctx context.Context, deliveryKey common.Hash, documentHash string, quantumSig []byte) error {
	txRef, err := w.ledger.AnchorQuantumSeal(ctx, deliveryKey, documentHash, quantumSig)
	if err != nil {
		// Recoverable gap: the seal is already persisted locally.
		metrics.AnchorFailuresTotal.Inc()
		log.Printf("[sealer] anchor failed for %s: %v", deliveryKey.Hex(), err)
		return nil
	}
	return w.store.SaveAnchor(ctx, deliveryKey.Hex(), txRef)
}

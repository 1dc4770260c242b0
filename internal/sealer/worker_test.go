package sealer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/harborlane/bunkerseal/internal/ledger"
	"github.com/harborlane/bunkerseal/internal/render"
	"github.com/harborlane/bunkerseal/internal/store"
	"github.com/harborlane/bunkerseal/pkg/deliverykey"
	"github.com/harborlane/bunkerseal/pkg/quantumseal"
)

// memStore mirrors the guarded-update semantics of the Postgres store.
type memStore struct {
	mu   sync.Mutex
	recs map[string]*store.DeliveryRecord
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]*store.DeliveryRecord{}}
}

func (m *memStore) seed(rec store.DeliveryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.DeliveryKey] = &rec
}

func (m *memStore) Get(_ context.Context, key string) (store.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return store.DeliveryRecord{}, store.ErrNotFound
	}
	return *rec, nil
}

func (m *memStore) CreateNominated(_ context.Context, key, vesselID string, supplierID int64, expectedSulphur float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[key]; ok {
		return store.ErrDuplicateKey
	}
	m.recs[key] = &store.DeliveryRecord{
		DeliveryKey:     key,
		VesselID:        vesselID,
		SupplierID:      supplierID,
		ExpectedSulphur: expectedSulphur,
		Status:          store.StatusNominated,
		CreatedAt:       time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, key)
	return nil
}

func (m *memStore) BeginFinalize(_ context.Context, key string, qty, density float64, sampleSealID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status != store.StatusNominated && rec.Status != store.StatusFinalizing {
		return store.ErrConflict
	}
	rec.ActualQuantity = &qty
	rec.Density = &density
	rec.SampleSealID = &sampleSealID
	rec.Status = store.StatusFinalizing
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[key]; ok && !rec.Status.Terminal() {
		rec.Status = store.StatusFailed
	}
	return nil
}

func (m *memStore) MarkFinalized(_ context.Context, key string, supplierSig, chiefSig []byte, quantity float64, txRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return false, nil
	}
	switch rec.Status {
	case store.StatusNominated, store.StatusFinalizing, store.StatusFinalized:
	default:
		return false, nil
	}
	rec.SupplierSig = supplierSig
	rec.ChiefSig = chiefSig
	rec.ActualQuantity = &quantity
	if txRef != "" {
		rec.FinalizeTxRef = &txRef
	}
	rec.Status = store.StatusFinalized
	return true, nil
}

func (m *memStore) SaveSeal(_ context.Context, key string, receiptPDF []byte, documentHash string, quantumSig []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok || rec.Status != store.StatusFinalized {
		return false, nil
	}
	rec.ReceiptPDF = receiptPDF
	rec.DocumentHash = &documentHash
	rec.QuantumSig = quantumSig
	rec.Status = store.StatusQuantumSealed
	return true, nil
}

func (m *memStore) SaveAnchor(_ context.Context, key, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok || rec.Status != store.StatusQuantumSealed || rec.AnchorTxRef != nil {
		return nil
	}
	now := time.Now()
	rec.AnchorTxRef = &txRef
	rec.AnchoredAt = &now
	return nil
}

// fakeChain serves queued BunkerFinalized events and records anchors.
type fakeChain struct {
	mu        sync.Mutex
	pending   []ledger.FinalizedEvent
	head      uint64
	anchorErr error
	anchors   []common.Hash
}

func (f *fakeChain) emit(ev ledger.FinalizedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, ev)
	f.head++
}

func (f *fakeChain) HeadBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) PollFinalized(_ context.Context, fromBlock uint64) ([]ledger.FinalizedEvent, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, f.head + 1, nil
}

func (f *fakeChain) AnchorQuantumSeal(_ context.Context, key common.Hash, _ string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.anchorErr != nil {
		return "", f.anchorErr
	}
	f.anchors = append(f.anchors, key)
	return "0xanchor", nil
}

func newTestWorker(t *testing.T, st *memStore, chain *fakeChain) *Worker {
	t.Helper()
	vault, err := quantumseal.Open(filepath.Join(t.TempDir(), "master.key"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	return New(st, chain, vault, render.Receipt, time.Millisecond)
}

func finalizingRecord(key string) store.DeliveryRecord {
	qty, density, sample := 500.0, 990.0, "S1"
	return store.DeliveryRecord{
		DeliveryKey:     key,
		VesselID:        "IMO1",
		SupplierID:      42,
		ExpectedSulphur: 0.49,
		ActualQuantity:  &qty,
		Density:         &density,
		SampleSealID:    &sample,
		Status:          store.StatusFinalizing,
		CreatedAt:       time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func testEvent(key common.Hash) ledger.FinalizedEvent {
	return ledger.FinalizedEvent{
		DeliveryKey: key,
		SupplierSig: []byte{0x11},
		ChiefSig:    []byte{0x22},
		Quantity:    500,
		TxRef:       "0xfinalize",
	}
}

func TestProcessSealsFinalizedRecord(t *testing.T) {
	key := deliverykey.Derive("D1")
	st := newMemStore()
	st.seed(finalizingRecord(key.Hex()))
	chain := &fakeChain{}
	w := newTestWorker(t, st, chain)

	chain.emit(testEvent(key))
	w.tick(context.Background())

	rec, err := st.Get(context.Background(), key.Hex())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != store.StatusQuantumSealed {
		t.Fatalf("status %s, want QUANTUM_SEALED", rec.Status)
	}
	if rec.DocumentHash == nil || len(*rec.DocumentHash) != 128 {
		t.Fatalf("expected a hex SHA3-512 document hash, got %v", rec.DocumentHash)
	}
	if len(rec.ReceiptPDF) == 0 {
		t.Fatalf("expected the rendered receipt persisted")
	}
	if !quantumseal.Verify(w.vault.PublicKey(), quantumseal.DigestDocument(rec.ReceiptPDF), rec.QuantumSig) {
		t.Fatalf("post-quantum signature does not verify against the receipt digest")
	}
	if rec.AnchorTxRef == nil || *rec.AnchorTxRef != "0xanchor" {
		t.Fatalf("expected anchor tx reference, got %v", rec.AnchorTxRef)
	}
	if rec.AnchoredAt == nil {
		t.Fatalf("expected anchored_at set")
	}
}

func TestDuplicateEventIsIdempotent(t *testing.T) {
	key := deliverykey.Derive("D1")
	st := newMemStore()
	st.seed(finalizingRecord(key.Hex()))
	chain := &fakeChain{}
	w := newTestWorker(t, st, chain)

	chain.emit(testEvent(key))
	w.tick(context.Background())
	first, _ := st.Get(context.Background(), key.Hex())

	chain.emit(testEvent(key))
	w.tick(context.Background())
	second, _ := st.Get(context.Background(), key.Hex())

	if second.Status != store.StatusQuantumSealed {
		t.Fatalf("status regressed to %s", second.Status)
	}
	if *first.DocumentHash != *second.DocumentHash {
		t.Fatalf("duplicate event changed the document hash")
	}
	if len(chain.anchors) != 1 {
		t.Fatalf("expected exactly one anchor, got %d", len(chain.anchors))
	}
}

func TestUnknownKeyIsSkipped(t *testing.T) {
	st := newMemStore()
	chain := &fakeChain{}
	w := newTestWorker(t, st, chain)

	chain.emit(testEvent(deliverykey.Derive("NOT-OURS")))
	w.tick(context.Background())

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.recs) != 0 {
		t.Fatalf("skip path must not create records")
	}
}

func TestAnchorFailureLeavesSealedAndRetries(t *testing.T) {
	key := deliverykey.Derive("D1")
	st := newMemStore()
	st.seed(finalizingRecord(key.Hex()))
	chain := &fakeChain{anchorErr: errors.New("mempool full")}
	w := newTestWorker(t, st, chain)

	chain.emit(testEvent(key))
	w.tick(context.Background())

	rec, _ := st.Get(context.Background(), key.Hex())
	if rec.Status != store.StatusQuantumSealed {
		t.Fatalf("status %s, want QUANTUM_SEALED despite anchor failure", rec.Status)
	}
	if rec.AnchorTxRef != nil {
		t.Fatalf("anchor reference set despite failure")
	}

	// A duplicate event retries just the anchor leg.
	chain.mu.Lock()
	chain.anchorErr = nil
	chain.mu.Unlock()
	chain.emit(testEvent(key))
	w.tick(context.Background())

	rec, _ = st.Get(context.Background(), key.Hex())
	if rec.AnchorTxRef == nil || *rec.AnchorTxRef != "0xanchor" {
		t.Fatalf("expected anchor retry to succeed, got %v", rec.AnchorTxRef)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st := newMemStore()
	chain := &fakeChain{}
	w := newTestWorker(t, st, chain)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop on cancellation")
	}
}

package canonmsg

import (
	"bytes"
	"testing"

	"github.com/harborlane/bunkerseal/pkg/deliverykey"
)

func facts() Facts {
	return Facts{
		DeliveryKey:     deliverykey.Derive("D1"),
		VesselID:        "IMO1",
		SupplierID:      42,
		Density:         990,
		ExpectedSulphur: 49,
		Quantity:        500,
		SampleSealID:    "S1",
	}
}

func TestPackLayout(t *testing.T) {
	f := facts()
	packed := Pack(f)
	want := 32 + len(f.VesselID) + 4*32 + len(f.SampleSealID)
	if len(packed) != want {
		t.Fatalf("packed length %d, want %d", len(packed), want)
	}
	if !bytes.Equal(packed[:32], f.DeliveryKey.Bytes()) {
		t.Fatalf("packed bytes do not start with the delivery key")
	}
	// SupplierID occupies the first uint256 slot, left-padded.
	slot := packed[32+len(f.VesselID) : 32+len(f.VesselID)+32]
	if slot[31] != 42 {
		t.Fatalf("supplier id not right-aligned in its slot: %x", slot)
	}
	for _, b := range slot[:31] {
		if b != 0 {
			t.Fatalf("supplier id slot not zero-padded: %x", slot)
		}
	}
}

func TestDigestDeterministic(t *testing.T) {
	if Digest(facts()) != Digest(facts()) {
		t.Fatalf("expected identical digests for identical facts")
	}
}

func TestDigestOrderSensitive(t *testing.T) {
	a := facts()
	b := facts()
	// Swap two numeric fields; the packed layout must notice.
	b.Density, b.Quantity = b.Quantity, b.Density
	if Digest(a) == Digest(b) {
		t.Fatalf("expected digest to change when field order swaps values")
	}
}

func TestDigestChangesPerField(t *testing.T) {
	base := Digest(facts())
	mutations := []func(*Facts){
		func(f *Facts) { f.VesselID = "IMO2" },
		func(f *Facts) { f.SupplierID++ },
		func(f *Facts) { f.Density++ },
		func(f *Facts) { f.ExpectedSulphur++ },
		func(f *Facts) { f.Quantity++ },
		func(f *Facts) { f.SampleSealID = "S2" },
	}
	for i, mutate := range mutations {
		f := facts()
		mutate(&f)
		if Digest(f) == base {
			t.Fatalf("mutation %d did not change the digest", i)
		}
	}
}

// Package render produces the eBDN receipt document for a delivery record.
// Rendering is a pure function of the record snapshot: the same field values
// always yield byte-identical output, which is what makes the sealed
// document hash reproducible.
package render

import (
	"bytes"
	"encoding/hex"
	"strconv"

	"github.com/go-pdf/fpdf"

	"github.com/harborlane/bunkerseal/internal/store"
)

// Receipt renders the receipt PDF. The document's creation date is pinned to
// the record's own creation time; no clock is read here.
func Receipt(rec store.DeliveryRecord) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(rec.CreatedAt.UTC())
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "ELECTRONIC BUNKER DELIVERY NOTE (eBDN)", "", 1, "C", false, 0, "")
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "", 12)
	line(pdf, "Delivery Key: "+rec.DeliveryKey)
	line(pdf, "Vessel IMO: "+rec.VesselID)
	line(pdf, "Nominated: "+rec.CreatedAt.UTC().Format("2006-01-02 15:04:05")+" UTC")
	pdf.Ln(5)

	pdf.SetFont("Helvetica", "B", 12)
	line(pdf, "Bunker Specifications:")
	pdf.SetFont("Helvetica", "", 12)
	line(pdf, " - Actual Quantity: "+num(rec.ActualQuantity)+" MT")
	line(pdf, " - Density @ 15C: "+num(rec.Density)+" kg/m3")
	line(pdf, " - Sulphur Content: "+strconv.FormatFloat(rec.ExpectedSulphur, 'f', -1, 64)+"%")
	line(pdf, " - Sample Seal ID: "+str(rec.SampleSealID))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 10)
	line(pdf, "Counterparty Signatures (ECDSA):")
	pdf.SetFont("Courier", "", 8)
	pdf.MultiCell(0, 5, "Supplier Signature: "+sig(rec.SupplierSig), "", "L", false)
	pdf.Ln(2)
	pdf.MultiCell(0, 5, "Chief Eng Signature: "+sig(rec.ChiefSig), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func line(pdf *fpdf.Fpdf, text string) {
	pdf.CellFormat(0, 10, text, "", 1, "L", false, 0, "")
}

func num(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func str(v *string) string {
	if v == nil {
		return "N/A"
	}
	return *v
}

func sig(b []byte) string {
	if len(b) == 0 {
		return "N/A"
	}
	return hex.EncodeToString(b)
}

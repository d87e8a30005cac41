package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptExtraction holds fiscal fields located in a receipt's OCR text.
// Nil fields could not be located with confidence.
type ReceiptExtraction struct {
	ID            string           `json:"id"`
	CompanyName   *string          `json:"company_name"`
	TaxID         *string          `json:"tax_id"`
	ReceiptNumber *string          `json:"receipt_number"`
	TaxAmount     *decimal.Decimal `json:"tax_amount"`
	Subtotal      *decimal.Decimal `json:"subtotal"`
	TotalAmount   *decimal.Decimal `json:"total_amount"`
	OCRConfidence float64          `json:"ocr_confidence"`

	// ArchiveURI points at the stored photo when one was archived.
	ArchiveURI string `json:"archive_uri,omitempty"`
	// MergedInto is the draft the receipt was merged into; set exactly once.
	MergedInto string    `json:"merged_into,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Merged reports whether the receipt has already been merged into a draft.
func (r *ReceiptExtraction) Merged() bool {
	return r.MergedInto != ""
}

// LocatedFields counts non-nil fields.
func (r *ReceiptExtraction) LocatedFields() int {
	n := 0
	for _, ok := range []bool{
		r.CompanyName != nil,
		r.TaxID != nil,
		r.ReceiptNumber != nil,
		r.TaxAmount != nil,
		r.Subtotal != nil,
		r.TotalAmount != nil,
	} {
		if ok {
			n++
		}
	}
	return n
}

// ReceiptFieldCount is the number of fields a reconciler tries to locate.
const ReceiptFieldCount = 6

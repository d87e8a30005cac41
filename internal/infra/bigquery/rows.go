package bigquery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/mispesos/internal/domain"
)

const (
	transactionsTable = "transactions"
	receiptsTable     = "receipts"
	correctionsTable  = "corrections"

	defaultCurrency = "COP"
)

type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	DraftID       string `bigquery:"draft_id"`       // REQUIRED
	UserID        string `bigquery:"user_id"`        // NULLABLE

	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED

	Amount   *big.Rat `bigquery:"amount"`   // REQUIRED NUMERIC
	Currency string   `bigquery:"currency"` // REQUIRED

	Description   string              `bigquery:"description"`    // REQUIRED
	CategoryName  bigquery.NullString `bigquery:"category_name"`  // NULLABLE
	PaymentMethod bigquery.NullString `bigquery:"payment_method"` // NULLABLE

	Source       string  `bigquery:"source"` // ai, regex or manual
	Confidence   float64 `bigquery:"confidence"`
	OriginalText string  `bigquery:"original_text"`

	ConfirmedTS time.Time `bigquery:"confirmed_ts"` // REQUIRED
}

type ReceiptRow struct {
	ReceiptID string `bigquery:"receipt_id"` // REQUIRED
	UserID    string `bigquery:"user_id"`    // NULLABLE
	DraftID   string `bigquery:"draft_id"`   // NULLABLE until merged

	CompanyName   bigquery.NullString `bigquery:"company_name"`
	TaxID         bigquery.NullString `bigquery:"tax_id"`
	ReceiptNumber bigquery.NullString `bigquery:"receipt_number"`

	TotalAmount    *big.Rat `bigquery:"total_amount"`    // NULLABLE NUMERIC
	SubtotalAmount *big.Rat `bigquery:"subtotal_amount"` // NULLABLE NUMERIC
	TaxAmount      *big.Rat `bigquery:"tax_amount"`      // NULLABLE NUMERIC

	OCRConfidence float64             `bigquery:"ocr_confidence"`
	ArchiveURI    bigquery.NullString `bigquery:"archive_uri"`

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

type CorrectionRow struct {
	EventID string `bigquery:"event_id"` // REQUIRED
	UserID  string `bigquery:"user_id"`
	DraftID string `bigquery:"draft_id"`

	FromCategory bigquery.NullString `bigquery:"from_category"`
	ToCategory   bigquery.NullString `bigquery:"to_category"`

	CorrectedFields bigquery.NullJSON `bigquery:"corrected_fields"` // JSON
	OriginalDraft   bigquery.NullJSON `bigquery:"original_draft"`   // JSON

	EventTS time.Time `bigquery:"event_ts"` // REQUIRED
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func nullJSON(v any) (bigquery.NullJSON, error) {
	if v == nil {
		return bigquery.NullJSON{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return bigquery.NullJSON{}, err
	}
	return bigquery.NullJSON{JSONVal: string(b), Valid: true}, nil
}

func optionalRat(d *decimal.Decimal) *big.Rat {
	if d == nil {
		return nil
	}
	return d.Rat()
}

func ratToDecimal(r *big.Rat) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(r.FloatString(4))
}

// NewTransactionRow maps a confirmed transaction to its table row.
func NewTransactionRow(tx domain.Transaction) *TransactionRow {
	return &TransactionRow{
		TransactionID:   tx.ID,
		DraftID:         tx.DraftID,
		UserID:          tx.UserID,
		TransactionDate: civil.DateOf(tx.Date),
		Amount:          tx.Amount.Rat(),
		Currency:        defaultCurrency,
		Description:     tx.Description,
		CategoryName:    nullString(tx.Category),
		PaymentMethod:   nullString(string(tx.PaymentMethod)),
		Source:          string(tx.Source),
		Confidence:      tx.Confidence,
		OriginalText:    tx.OriginalText,
		ConfirmedTS:     tx.ConfirmedAt,
	}
}

// Transaction maps a row back to the domain type. The date is midnight UTC
// of the stored civil date.
func (r *TransactionRow) Transaction() (domain.Transaction, error) {
	amount, err := ratToDecimal(r.Amount)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: amount: %w", r.TransactionID, err)
	}
	return domain.Transaction{
		ID:            r.TransactionID,
		DraftID:       r.DraftID,
		UserID:        r.UserID,
		Amount:        amount,
		Description:   r.Description,
		Category:      r.CategoryName.StringVal,
		PaymentMethod: domain.PaymentMethod(r.PaymentMethod.StringVal),
		Date:          r.TransactionDate.In(time.UTC),
		Source:        domain.Source(r.Source),
		Confidence:    r.Confidence,
		OriginalText:  r.OriginalText,
		ConfirmedAt:   r.ConfirmedTS,
	}, nil
}

// NewReceiptRow maps a reconciled receipt to its table row.
func NewReceiptRow(userID string, rec *domain.ReceiptExtraction) *ReceiptRow {
	row := &ReceiptRow{
		ReceiptID:      rec.ID,
		UserID:         userID,
		DraftID:        rec.MergedInto,
		TotalAmount:    optionalRat(rec.TotalAmount),
		SubtotalAmount: optionalRat(rec.Subtotal),
		TaxAmount:      optionalRat(rec.TaxAmount),
		OCRConfidence:  rec.OCRConfidence,
		ArchiveURI:     nullString(rec.ArchiveURI),
		CreatedTS:      rec.CreatedAt,
	}
	if rec.CompanyName != nil {
		row.CompanyName = nullString(*rec.CompanyName)
	}
	if rec.TaxID != nil {
		row.TaxID = nullString(*rec.TaxID)
	}
	if rec.ReceiptNumber != nil {
		row.ReceiptNumber = nullString(*rec.ReceiptNumber)
	}
	if row.CreatedTS.IsZero() {
		row.CreatedTS = time.Now()
	}
	return row
}

// NewCorrectionRow maps a correction event to its table row.
func NewCorrectionRow(e domain.CorrectionEvent) (*CorrectionRow, error) {
	fields, err := nullJSON(e.CorrectedFields)
	if err != nil {
		return nil, fmt.Errorf("correction %s: fields: %w", e.ID, err)
	}
	draft, err := nullJSON(e.OriginalDraft)
	if err != nil {
		return nil, fmt.Errorf("correction %s: draft: %w", e.ID, err)
	}
	row := &CorrectionRow{
		EventID:         e.ID,
		UserID:          e.UserID,
		DraftID:         e.OriginalDraft.ID,
		CorrectedFields: fields,
		OriginalDraft:   draft,
		EventTS:         e.Timestamp,
	}
	if from, to, ok := e.CategoryChange(); ok {
		row.FromCategory = nullString(from)
		row.ToCategory = nullString(to)
	}
	return row, nil
}

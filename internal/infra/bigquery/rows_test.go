package bigquery

import (
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/mispesos/internal/domain"
)

func TestTransactionRowRoundTrip(t *testing.T) {
	tx := domain.Transaction{
		ID:            "tx-1",
		DraftID:       "d-1",
		UserID:        "u1",
		Amount:        decimal.RequireFromString("25000.50"),
		Description:   "uber",
		Category:      "Transporte",
		PaymentMethod: domain.PaymentCash,
		Date:          time.Date(2026, 3, 9, 18, 45, 0, 0, time.UTC),
		Source:        domain.SourceRegex,
		Confidence:    0.55,
		OriginalText:  "pagué 25.000,50 de uber efectivo ayer",
		ConfirmedAt:   time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}

	row := NewTransactionRow(tx)
	if row.TransactionDate != (civil.Date{Year: 2026, Month: time.March, Day: 9}) {
		t.Errorf("TransactionDate = %v", row.TransactionDate)
	}
	if row.Currency != "COP" {
		t.Errorf("Currency = %q", row.Currency)
	}
	if !row.CategoryName.Valid || row.CategoryName.StringVal != "Transporte" {
		t.Errorf("CategoryName = %+v", row.CategoryName)
	}

	back, err := row.Transaction()
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if !back.Amount.Equal(tx.Amount) {
		t.Errorf("Amount = %s, want %s", back.Amount, tx.Amount)
	}
	if want := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC); !back.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", back.Date, want)
	}
	if back.PaymentMethod != domain.PaymentCash || back.Category != "Transporte" {
		t.Errorf("back = %+v", back)
	}
}

func TestTransactionRowNullCategory(t *testing.T) {
	row := NewTransactionRow(domain.Transaction{ID: "tx", Amount: decimal.NewFromInt(1)})
	if row.CategoryName.Valid || row.PaymentMethod.Valid {
		t.Errorf("empty fields must be NULL: %+v %+v", row.CategoryName, row.PaymentMethod)
	}
}

func TestNewReceiptRow(t *testing.T) {
	name := "SUPERMERCADO LA ECONOMIA"
	total := decimal.NewFromInt(100000)
	rec := &domain.ReceiptExtraction{
		ID:            "r-1",
		CompanyName:   &name,
		TotalAmount:   &total,
		OCRConfidence: 2.0 / 6.0,
		MergedInto:    "d-1",
	}
	row := NewReceiptRow("u1", rec)
	if row.DraftID != "d-1" || row.UserID != "u1" {
		t.Errorf("row = %+v", row)
	}
	if row.TotalAmount == nil || row.TotalAmount.Cmp(total.Rat()) != 0 {
		t.Errorf("TotalAmount = %v", row.TotalAmount)
	}
	if row.SubtotalAmount != nil || row.TaxAmount != nil {
		t.Error("unlocated amounts must be NULL")
	}
	if row.TaxID.Valid || !row.CompanyName.Valid {
		t.Errorf("TaxID/CompanyName = %+v/%+v", row.TaxID, row.CompanyName)
	}
	if row.CreatedTS.IsZero() {
		t.Error("CreatedTS not stamped")
	}
}

func TestNewCorrectionRow(t *testing.T) {
	e := domain.CorrectionEvent{
		ID:     "e-1",
		UserID: "u1",
		OriginalDraft: domain.TransactionDraft{
			ID:       "d-1",
			Category: "Transporte",
		},
		CorrectedFields: map[string]string{domain.FieldCategory: "Alimentación"},
		Timestamp:       time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	row, err := NewCorrectionRow(e)
	if err != nil {
		t.Fatalf("NewCorrectionRow: %v", err)
	}
	if row.FromCategory.StringVal != "Transporte" || row.ToCategory.StringVal != "Alimentación" {
		t.Errorf("categories = %+v -> %+v", row.FromCategory, row.ToCategory)
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(row.CorrectedFields.JSONVal), &fields); err != nil {
		t.Fatalf("CorrectedFields: %v", err)
	}
	if fields[domain.FieldCategory] != "Alimentación" {
		t.Errorf("fields = %v", fields)
	}
	if row.DraftID != "d-1" || !row.OriginalDraft.Valid {
		t.Errorf("row = %+v", row)
	}

	amountOnly := e
	amountOnly.CorrectedFields = map[string]string{domain.FieldAmount: "26000"}
	row, err = NewCorrectionRow(amountOnly)
	if err != nil {
		t.Fatalf("NewCorrectionRow: %v", err)
	}
	if row.FromCategory.Valid || row.ToCategory.Valid {
		t.Error("no category change must leave the columns NULL")
	}
}

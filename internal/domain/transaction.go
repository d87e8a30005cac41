package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod is how a transaction was paid.
type PaymentMethod string

const (
	PaymentUnknown  PaymentMethod = ""
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentDebit    PaymentMethod = "debit"
)

// paymentVocabulary maps the Spanish words users type to payment methods.
var paymentVocabulary = map[string]PaymentMethod{
	"efectivo":      PaymentCash,
	"tarjeta":       PaymentCard,
	"transferencia": PaymentTransfer,
	"debito":        PaymentDebit,
}

// PaymentMethodFromSpanish maps a folded Spanish keyword ("efectivo", "tarjeta",
// "transferencia", "debito") or an already-canonical value to a PaymentMethod.
func PaymentMethodFromSpanish(word string) (PaymentMethod, bool) {
	if pm, ok := paymentVocabulary[word]; ok {
		return pm, true
	}
	switch pm := PaymentMethod(word); pm {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentDebit:
		return pm, true
	}
	return PaymentUnknown, false
}

// PaymentKeywords returns the Spanish payment vocabulary.
func PaymentKeywords() map[string]PaymentMethod {
	out := make(map[string]PaymentMethod, len(paymentVocabulary))
	for k, v := range paymentVocabulary {
		out[k] = v
	}
	return out
}

// Spanish returns the word shown to users for the method.
func (p PaymentMethod) Spanish() string {
	switch p {
	case PaymentCash:
		return "efectivo"
	case PaymentCard:
		return "tarjeta"
	case PaymentTransfer:
		return "transferencia"
	case PaymentDebit:
		return "débito"
	default:
		return "sin método"
	}
}

// Source records which extraction path produced a draft.
type Source string

const (
	SourceAI     Source = "ai"
	SourceRegex  Source = "regex"
	SourceManual Source = "manual"
)

// TransactionDraft is an unconfirmed, possibly incomplete parsed transaction.
// It is owned by the parser until the user confirms it.
type TransactionDraft struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	Category       string          `json:"category,omitempty"` // empty when unset
	PaymentMethod  PaymentMethod   `json:"payment_method,omitempty"`
	Date           time.Time       `json:"date"`
	DateOffsetDays int             `json:"date_offset_days"`
	Location       string          `json:"location,omitempty"`
	Confidence     float64         `json:"confidence"`
	Source         Source          `json:"source"`
	NeedsReview    bool            `json:"needs_review"`
	ReviewReasons  []string        `json:"review_reasons,omitempty"`
	OriginalText   string          `json:"original_text"`
	ModelName      string          `json:"model_name,omitempty"`

	Receipt *ReceiptExtraction `json:"receipt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasAmount reports whether an amount was extracted.
func (d *TransactionDraft) HasAmount() bool {
	return d.Amount.IsPositive()
}

// FlagReview marks the draft for review, recording why. Reasons are not duplicated.
func (d *TransactionDraft) FlagReview(reason string) {
	d.NeedsReview = true
	for _, r := range d.ReviewReasons {
		if r == reason {
			return
		}
	}
	d.ReviewReasons = append(d.ReviewReasons, reason)
}

// Clone returns a deep copy so callers can keep a snapshot of the draft.
func (d TransactionDraft) Clone() TransactionDraft {
	c := d
	if d.ReviewReasons != nil {
		c.ReviewReasons = append([]string(nil), d.ReviewReasons...)
	}
	if d.Receipt != nil {
		r := *d.Receipt
		c.Receipt = &r
	}
	return c
}

// Review reasons attached to drafts.
const (
	ReasonMissingCategory      = "missing_category"
	ReasonMissingPaymentMethod = "missing_payment_method"
	ReasonAmbiguousAmount      = "ambiguous_amount"
	ReasonReceiptConflict      = "receipt_amount_conflict"
	ReasonLowOCRConfidence     = "low_ocr_confidence"
)

// Transaction is a confirmed draft. It is never mutated after creation.
type Transaction struct {
	ID            string          `json:"id"`
	DraftID       string          `json:"draft_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	Category      string          `json:"category,omitempty"`
	PaymentMethod PaymentMethod   `json:"payment_method,omitempty"`
	Date          time.Time       `json:"date"`
	Source        Source          `json:"source"`
	Confidence    float64         `json:"confidence"`
	OriginalText  string          `json:"original_text"`
	ConfirmedAt   time.Time       `json:"confirmed_at"`
}

package domain

import "time"

// Correctable field names.
const (
	FieldCategory      = "category"
	FieldAmount        = "amount"
	FieldDescription   = "description"
	FieldPaymentMethod = "payment_method"
	FieldDate          = "date"
)

// CorrectionEvent is a user edit of a pending or confirmed transaction.
// Events are append-only and keyed by ID; replays carry the same ID.
type CorrectionEvent struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	OriginalDraft   TransactionDraft  `json:"original_draft"`
	CorrectedFields map[string]string `json:"corrected_fields"`
	Timestamp       time.Time         `json:"timestamp"`
}

// CategoryChange returns the old and new category when the event corrects one.
func (e CorrectionEvent) CategoryChange() (from, to string, ok bool) {
	to, ok = e.CorrectedFields[FieldCategory]
	if !ok || to == "" {
		return "", "", false
	}
	from = e.OriginalDraft.Category
	if from == to {
		return "", "", false
	}
	return from, to, true
}

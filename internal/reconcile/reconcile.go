// Package reconcile locates fiscal fields in receipt OCR text and merges
// them into a parsed draft.
package reconcile

import (
	"errors"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/extract"
	"github.com/dvloznov/mispesos/internal/textnorm"
)

// DefaultTolerance is the relative difference accepted between the OCR total
// and the parsed amount.
var DefaultTolerance = decimal.NewFromFloat(0.01)

// MinOCRConfidence flags receipts where too few fields were located.
const MinOCRConfidence = 0.5

// ErrAlreadyMerged is returned when a receipt is merged a second time.
var ErrAlreadyMerged = errors.New("receipt already merged")

type field int

const (
	fieldNone field = iota
	fieldTaxID
	fieldTotal
	fieldSubtotal
	fieldTax
	fieldNumber
)

// labels maps a folded label word to the field it introduces.
var labels = map[string]field{
	"nit":         fieldTaxID,
	"total":       fieldTotal,
	"subtotal":    fieldSubtotal,
	"iva":         fieldTax,
	"impuesto":    fieldTax,
	"impoconsumo": fieldTax,
	"factura":     fieldNumber,
	"recibo":      fieldNumber,
	"ticket":      fieldNumber,
}

// ocrDigitLetters undoes common OCR confusions inside label words.
var ocrDigitLetters = strings.NewReplacer("0", "o", "1", "i", "5", "s", "8", "b")

// matchLabel returns the field a word names. Long labels tolerate one typo;
// three-letter labels must match exactly after digit/letter repair.
func matchLabel(word string) field {
	w := ocrDigitLetters.Replace(strings.Trim(word, ".:#$-"))
	if w == "" {
		return fieldNone
	}
	if f, ok := labels[w]; ok {
		return f
	}
	if len(w) < 5 {
		return fieldNone
	}
	best, bestDist := fieldNone, 2
	for label, f := range labels {
		if len(label) < 5 {
			continue
		}
		if d := levenshtein.ComputeDistance(w, label); d < bestDist {
			best, bestDist = f, d
		}
	}
	return best
}

// lineLabel finds the label among the first words of a folded line.
// "sub total" is joined before matching.
func lineLabel(words []string) (field, int) {
	for i := 0; i < len(words) && i < 3; i++ {
		if i+1 < len(words) && words[i] == "sub" {
			if matchLabel(words[i+1]) == fieldTotal {
				return fieldSubtotal, i + 2
			}
		}
		if f := matchLabel(words[i]); f != fieldNone {
			return f, i + 1
		}
	}
	return fieldNone, 0
}

// lastAmount returns the last amount on the line.
func lastAmount(words []string) (decimal.Decimal, bool) {
	for i := len(words) - 1; i >= 0; i-- {
		d, _, err := extract.ParseAmount(strings.TrimPrefix(words[i], "$"))
		if err == nil {
			return d, true
		}
	}
	return decimal.Zero, false
}

var numberFillers = map[string]bool{
	"no": true, "no.": true, "nro": true, "nro.": true, "num": true, "num.": true,
	"numero": true, "#": true, "n°": true, "n": true, "de": true, "venta": true,
	"electronica": true, ":": true,
}

// receiptNumber takes the first token with a digit after the label.
func receiptNumber(words []string) (string, bool) {
	for _, w := range words {
		t := strings.Trim(w, ":#")
		if t == "" || numberFillers[w] {
			continue
		}
		if strings.IndexFunc(t, unicode.IsDigit) >= 0 {
			return strings.ToUpper(t), true
		}
	}
	return "", false
}

func taxID(words []string) (string, bool) {
	var parts []string
	for _, w := range words {
		t := strings.Trim(w, ":#")
		if t == "" {
			continue
		}
		if strings.IndexFunc(t, func(r rune) bool { return !unicode.IsDigit(r) && r != '.' && r != '-' }) >= 0 {
			break
		}
		parts = append(parts, t)
	}
	id := strings.Join(parts, "")
	if strings.IndexFunc(id, unicode.IsDigit) < 0 {
		return "", false
	}
	return id, true
}

// mostlyAlphabetic reports whether letters make up most of the line.
func mostlyAlphabetic(s string) bool {
	var letters, others int
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsSpace(r):
		default:
			others++
		}
	}
	return letters >= 3 && letters*10 >= (letters+others)*7
}

// Reconcile extracts fiscal fields from OCR text. It never fails: fields
// that cannot be located stay nil and lower the confidence.
func Reconcile(ocrText string) domain.ReceiptExtraction {
	var r domain.ReceiptExtraction
	lines := strings.Split(strings.ReplaceAll(ocrText, "\r\n", "\n"), "\n")

	var nameCandidate *string
	nitLine := -1
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		words := strings.Fields(textnorm.Fold(line))
		f, rest := lineLabel(words)
		tail := words[rest:]

		switch f {
		case fieldTaxID:
			if r.TaxID == nil {
				if id, ok := taxID(tail); ok {
					r.TaxID = &id
					nitLine = i
				}
			}
		case fieldTotal, fieldSubtotal, fieldTax:
			amt, ok := lastAmount(tail)
			if !ok && i+1 < len(lines) {
				// Value printed alone on the next line.
				next := strings.Fields(textnorm.Fold(lines[i+1]))
				if nf, _ := lineLabel(next); nf == fieldNone {
					amt, ok = lastAmount(next)
				}
			}
			if !ok {
				continue
			}
			a := amt
			switch {
			case f == fieldTotal && r.TotalAmount == nil:
				r.TotalAmount = &a
			case f == fieldSubtotal && r.Subtotal == nil:
				r.Subtotal = &a
			case f == fieldTax && r.TaxAmount == nil:
				r.TaxAmount = &a
			}
		case fieldNumber:
			if r.ReceiptNumber == nil {
				if n, ok := receiptNumber(tail); ok {
					r.ReceiptNumber = &n
				}
			}
		case fieldNone:
			if nitLine < 0 && nameCandidate == nil && mostlyAlphabetic(line) {
				name := line
				nameCandidate = &name
			}
		}
	}
	if nameCandidate != nil && (nitLine >= 0 || r.LocatedFields() > 0) {
		r.CompanyName = nameCandidate
	}

	r.OCRConfidence = float64(r.LocatedFields()) / float64(domain.ReceiptFieldCount)
	return r
}

// Merge applies a receipt to a draft exactly once. A draft without an
// amount takes the OCR total. When the amounts differ by more than
// tolerance (relative to the OCR total) the OCR amount wins, the draft is
// flagged for review and the conflict is returned. The conflict never
// blocks the draft.
func Merge(draft *domain.TransactionDraft, receipt *domain.ReceiptExtraction, tolerance decimal.Decimal) (*domain.ReconcileConflict, error) {
	if receipt.Merged() {
		return nil, ErrAlreadyMerged
	}
	receipt.MergedInto = draft.ID
	draft.Receipt = receipt

	if receipt.OCRConfidence < MinOCRConfidence {
		draft.FlagReview(domain.ReasonLowOCRConfidence)
	}

	total := receipt.TotalAmount
	if total == nil || !total.IsPositive() {
		return nil, nil
	}
	if !draft.HasAmount() {
		draft.Amount = *total
		return nil, nil
	}

	ratio := draft.Amount.Sub(*total).Abs().Div(*total)
	if ratio.LessThanOrEqual(tolerance) {
		return nil, nil
	}
	conflict := &domain.ReconcileConflict{
		OCRAmount:       *total,
		ParsedAmount:    draft.Amount,
		DifferenceRatio: ratio,
	}
	draft.Amount = *total
	draft.FlagReview(domain.ReasonReceiptConflict)
	return conflict, nil
}

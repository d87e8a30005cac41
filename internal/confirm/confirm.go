// Package confirm renders the Spanish confirmation sent back to the user
// after a message is parsed.
package confirm

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dvloznov/mispesos/internal/domain"
)

const (
	lowConfidence  = 0.7
	highConfidence = 0.9
)

// Amounts use comma thousands separators and no decimals: $50,000.
var printer = message.NewPrinter(language.English)

// FormatAmount renders an amount the way the confirmation shows it.
func FormatAmount(d decimal.Decimal) string {
	return printer.Sprintf("$%d", d.Round(0).IntPart())
}

// Message renders the confirmation for a draft.
func Message(d *domain.TransactionDraft) string {
	category := d.Category
	if category == "" {
		category = "Sin categoría"
	}

	var b strings.Builder
	b.WriteString("✅ Transacción registrada:\n")
	b.WriteString("💰 Monto: " + FormatAmount(d.Amount) + "\n")
	b.WriteString("📝 Descripción: " + d.Description + "\n")
	b.WriteString("🏷️ Categoría: " + category + "\n")
	b.WriteString("💳 Método: " + d.PaymentMethod.Spanish() + "\n")
	b.WriteString("📅 Fecha: " + d.Date.Format("02/01/2006"))
	if d.Location != "" {
		b.WriteString("\n📍 Lugar: " + d.Location)
	}

	switch {
	case d.Confidence < lowConfidence:
		b.WriteString("\n\n⚠️ Revisa que la información sea correcta")
	case d.Confidence > highConfidence:
		b.WriteString("\n\n✨ Alta confianza en la información")
	}
	return b.String()
}

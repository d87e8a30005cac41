package llm

import (
	"strings"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/textnorm"
)

// buildPrompt renders the Spanish extraction prompt. Categories are listed
// in their folded form so the model answers with stable identifiers.
func buildPrompt(message, ocrText string, categories []domain.Category) string {
	names := make([]string, 0, len(categories))
	for _, c := range categories {
		names = append(names, textnorm.Canonical(c.Name))
	}
	if len(names) == 0 {
		names = append(names, "otros")
	}

	var b strings.Builder
	b.WriteString("Eres un asistente especializado en extraer información financiera de mensajes en español.\n\n")
	b.WriteString("Analiza el siguiente mensaje y extrae la información financiera en formato JSON.\n\n")
	b.WriteString("Mensaje: \"" + strings.ReplaceAll(message, "\"", "'") + "\"\n")
	if strings.TrimSpace(ocrText) != "" {
		b.WriteString("Texto del recibo (OCR):\n" + textnorm.Truncate(ocrText, 2000) + "\n")
	}
	b.WriteString("\nDebes extraer:\n" +
		"- amount: monto numérico (solo números, sin símbolos)\n" +
		"- description: QUÉ se compró o el servicio/producto (NO el método de pago)\n" +
		"- category: categoría más probable (" + strings.Join(names, ", ") + ")\n" +
		"- payment_method: CÓMO se pagó (tarjeta, efectivo, transferencia, debito) o null\n" +
		"- location: lugar si se menciona, o null\n" +
		"- date_offset: días desde hoy (0=hoy, -1=ayer)\n" +
		"- confidence: nivel de confianza (0.0 a 1.0)\n\n")
	b.WriteString("Ejemplos:\n" +
		"- \"30k en Uber transferencia\" → amount: 30000, description: \"Uber\", payment_method: \"transferencia\"\n" +
		"- \"50k almuerzo tarjeta\" → amount: 50000, description: \"almuerzo\", payment_method: \"tarjeta\"\n" +
		"- \"pague 25000 gasolina efectivo ayer\" → amount: 25000, description: \"gasolina\", payment_method: \"efectivo\", date_offset: -1\n\n")
	b.WriteString("Formatos de dinero válidos: \"50k\" = 50000, \"50mil\" = 50000, \"50.5k\" = 50500, \"1.500.000\" = 1500000, \"2.5m\" = 2500000.\n\n")
	b.WriteString("Responde ÚNICAMENTE con un objeto JSON válido, sin explicaciones ni bloques de código:\n")
	b.WriteString(`{"amount": 50000, "description": "almuerzo", "category": "alimentacion", "payment_method": "tarjeta", "location": null, "date_offset": 0, "confidence": 0.95}`)
	b.WriteString("\n")
	return b.String()
}

// Package extract pulls amount, payment method, date cue and description out
// of a free-text expense message with fixed patterns. It never calls out and
// always returns the same result for the same text.
package extract

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/textnorm"
)

// Scores holds the confidence assigned to each amount class.
type Scores struct {
	Shorthand float64 `mapstructure:"shorthand"`
	Separated float64 `mapstructure:"separated"`
	Plain     float64 `mapstructure:"plain"`
}

// DefaultScores is the score table used when none is configured.
var DefaultScores = Scores{Shorthand: 0.65, Separated: 0.6, Plain: 0.55}

func (s Scores) forClass(c AmountClass) float64 {
	switch c {
	case AmountShorthand:
		return s.Shorthand
	case AmountSeparated:
		return s.Separated
	case AmountPlain:
		return s.Plain
	default:
		return 0
	}
}

// Partial is what the extractor could recover from a message.
type Partial struct {
	Amount         decimal.Decimal
	AmountClass    AmountClass
	Candidates     []decimal.Decimal
	Ambiguous      bool
	PaymentMethod  domain.PaymentMethod
	DateOffsetDays int
	Description    string
	Score          float64
}

// HasAmount reports whether an amount was found.
func (p Partial) HasAmount() bool { return p.AmountClass != AmountNone }

var fillerWords = map[string]bool{
	"pague": true, "gaste": true, "compre": true,
	"en": true, "de": true, "con": true,
}

const wordPunct = ".,;:!?()\"'¡¿"

// Extractor runs the fallback patterns. The zero value is not usable; use New.
type Extractor struct {
	scores Scores
}

// New creates an extractor with the given score table.
func New(scores Scores) *Extractor {
	return &Extractor{scores: scores}
}

// Extract parses text. A message without any currency amount yields a
// Partial with AmountClass AmountNone and a zero score.
func (e *Extractor) Extract(text string) Partial {
	original := strings.Fields(text)
	folded := strings.Fields(textnorm.Fold(text))
	// Folding never touches whitespace, but guard against odd input anyway.
	if len(folded) != len(original) {
		folded = make([]string, len(original))
		for i, w := range original {
			folded[i] = textnorm.Fold(w)
		}
	}

	var p Partial
	consumed := make([]bool, len(folded))
	dateSeen := false

	for i, w := range folded {
		next := ""
		if i+1 < len(folded) {
			next = folded[i+1]
		}
		if c, ok := matchAmount(w, next); ok {
			p.Candidates = append(p.Candidates, c.value)
			if len(p.Candidates) == 1 {
				p.Amount, p.AmountClass = c.value, c.class
				consumed[i] = true
				if c.usesNext {
					consumed[i+1] = true
				}
			}
			continue
		}

		bare := strings.Trim(w, wordPunct)
		if p.PaymentMethod == domain.PaymentUnknown {
			if pm, ok := domain.PaymentMethodFromSpanish(bare); ok {
				p.PaymentMethod = pm
				consumed[i] = true
				continue
			}
		}
		if !dateSeen {
			switch bare {
			case "ayer":
				p.DateOffsetDays = -1
				dateSeen, consumed[i] = true, true
				continue
			case "hoy", "anteayer", "antier":
				// Multi-day offsets are not supported and keep the message date.
				dateSeen, consumed[i] = true, true
				continue
			}
		}
	}

	p.Ambiguous = len(p.Candidates) > 1
	p.Score = e.scores.forClass(p.AmountClass)

	desc := make([]string, 0, len(original))
	for i, w := range original {
		if consumed[i] || fillerWords[strings.Trim(folded[i], wordPunct)] {
			continue
		}
		if t := strings.Trim(w, wordPunct); t != "" {
			desc = append(desc, t)
		}
	}
	p.Description = strings.Join(desc, " ")
	return p
}

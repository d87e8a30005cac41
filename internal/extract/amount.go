package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountClass is the kind of pattern an amount was matched with.
// Each class carries its own fixed confidence score.
type AmountClass string

const (
	AmountNone      AmountClass = ""
	AmountPlain     AmountClass = "plain"     // 25000
	AmountSeparated AmountClass = "separated" // 25.000 / 1.500.000 / 25.000,50
	AmountShorthand AmountClass = "shorthand" // 50k / 2.5m / 50 mil
)

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
)

// multipliers attach to the number ("50k") or follow it as a word ("50 mil").
var attachedMultipliers = map[string]decimal.Decimal{
	"k":        thousand,
	"mil":      thousand,
	"m":        million,
	"millon":   million,
	"millones": million,
}

var wordMultipliers = map[string]decimal.Decimal{
	"k":        thousand,
	"mil":      thousand,
	"luca":     thousand,
	"lucas":    thousand,
	"millon":   million,
	"millones": million,
	"palo":     million,
	"palos":    million,
}

// nonCurrencyUnits mark numbers that are quantities, not money.
var nonCurrencyUnits = map[string]bool{
	"kg": true, "g": true, "gr": true, "grs": true, "km": true, "cm": true, "mm": true,
	"l": true, "lt": true, "lts": true, "ml": true, "%": true, "x": true,
	"h": true, "hr": true, "hrs": true, "hora": true, "horas": true, "min": true, "minutos": true,
	"unidad": true, "unidades": true, "und": true, "uds": true, "cuota": true, "cuotas": true,
	"dia": true, "dias": true, "mes": true, "meses": true, "ano": true, "anos": true,
	"persona": true, "personas": true, "vez": true, "veces": true,
}

// numberToken matches a whole whitespace-delimited word holding a number with
// an optional currency sign, an optional attached suffix and trailing punctuation.
var numberToken = regexp.MustCompile(`^\(?\$?(\d+(?:[.,]\d+)*)([a-z%]*)[.,;:!?)]*$`)

// normalizeNumber converts Spanish or English grouped numbers to a decimal.
// The last separator is the decimal mark when both kinds appear; a single
// separator followed by exactly three digits is a thousands mark unless the
// number carries a multiplier ("1.500" is 1500, "2.5k" is 2500).
func normalizeNumber(s string, hasMultiplier bool) (decimal.Decimal, bool, error) {
	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")
	grouped := false

	var canonical string
	switch {
	case dots == 0 && commas == 0:
		canonical = s
	case dots > 0 && commas > 0:
		decSep := "."
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			decSep = ","
		}
		thouSep := ","
		if decSep == "," {
			thouSep = "."
		}
		if strings.Count(s, decSep) > 1 {
			return decimal.Zero, false, fmt.Errorf("normalizeNumber: malformed %q", s)
		}
		canonical = strings.ReplaceAll(s, thouSep, "")
		canonical = strings.Replace(canonical, decSep, ".", 1)
		grouped = true
	default:
		sep := "."
		if commas > 0 {
			sep = ","
		}
		parts := strings.Split(s, sep)
		if len(parts) > 2 {
			for _, p := range parts[1:] {
				if len(p) != 3 {
					return decimal.Zero, false, fmt.Errorf("normalizeNumber: malformed grouping %q", s)
				}
			}
			canonical = strings.Join(parts, "")
			grouped = true
		} else if len(parts[1]) == 3 && len(parts[0]) <= 3 && !hasMultiplier {
			canonical = parts[0] + parts[1]
			grouped = true
		} else {
			canonical = parts[0] + "." + parts[1]
		}
	}

	d, err := decimal.NewFromString(canonical)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("normalizeNumber: %q: %w", s, err)
	}
	return d, grouped, nil
}

// ParseAmount parses a single amount expression such as "50k", "2.5m",
// "1.500.000", "$25.000,50" or "50 mil".
func ParseAmount(s string) (decimal.Decimal, AmountClass, error) {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	if len(words) == 0 || len(words) > 2 {
		return decimal.Zero, AmountNone, fmt.Errorf("ParseAmount: unsupported expression %q", s)
	}
	next := ""
	if len(words) == 2 {
		next = words[1]
	}
	c, ok := matchAmount(words[0], next)
	if !ok || (len(words) == 2 && !c.usesNext) {
		return decimal.Zero, AmountNone, fmt.Errorf("ParseAmount: unsupported expression %q", s)
	}
	return c.value, c.class, nil
}

// FormatAmount renders an amount in the shorthand users type, so that
// ParseAmount(FormatAmount(x)) == x for positive amounts.
func FormatAmount(d decimal.Decimal) string {
	switch {
	case d.GreaterThanOrEqual(million):
		return d.Div(million).String() + "m"
	case d.GreaterThanOrEqual(thousand):
		return d.Div(thousand).String() + "k"
	}
	s := d.String()
	// "12.345" would read back as twelve thousand; the shorthand keeps
	// three decimals a fraction.
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i-1 == 3 {
		return d.Div(thousand).String() + "k"
	}
	return s
}

type amountCandidate struct {
	value    decimal.Decimal
	class    AmountClass
	usesNext bool
}

// matchAmount inspects one folded word (and the word after it) and reports a
// currency amount when the word is a standalone number not followed by a unit.
func matchAmount(word, next string) (amountCandidate, bool) {
	m := numberToken.FindStringSubmatch(word)
	if m == nil {
		return amountCandidate{}, false
	}
	digits, suffix := m[1], m[2]

	var mult decimal.Decimal
	hasMult := false
	usesNext := false
	switch {
	case suffix != "":
		f, ok := attachedMultipliers[suffix]
		if !ok {
			// "5kg", "10%", "2do": quantity or ordinal, not money.
			return amountCandidate{}, false
		}
		mult, hasMult = f, true
	default:
		nw := strings.Trim(next, ".,;:!?()")
		if f, ok := wordMultipliers[nw]; ok {
			mult, hasMult, usesNext = f, true, true
		} else if nonCurrencyUnits[nw] {
			return amountCandidate{}, false
		}
	}

	v, grouped, err := normalizeNumber(digits, hasMult)
	if err != nil {
		return amountCandidate{}, false
	}
	class := AmountPlain
	if grouped {
		class = AmountSeparated
	}
	if hasMult {
		v = v.Mul(mult)
		class = AmountShorthand
	}
	if !v.IsPositive() {
		return amountCandidate{}, false
	}
	return amountCandidate{value: v, class: class, usesNext: usesNext}, true
}

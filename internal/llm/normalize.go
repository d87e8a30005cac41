package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/extract"
	"github.com/dvloznov/mispesos/internal/textnorm"
)

const (
	maxDescriptionRunes      = 500
	fallbackDescriptionRunes = 100

	missingAmountPenalty   = 0.3
	unknownCategoryPenalty = 0.2
	unknownPaymentPenalty  = 0.1
)

// Candidate is the model's normalised reading of a message.
type Candidate struct {
	Amount         decimal.Decimal
	HasAmount      bool
	Description    string
	Category       string // a known category name, or "" when unset
	PaymentMethod  domain.PaymentMethod
	Location       *string
	DateOffsetDays int
	Confidence     float64
	Model          string
	Raw            string
	Cached         bool
}

// cleanModelJSON strips markdown fences and any chatter around the first
// JSON object in the answer.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		// Drop the first line (``` or ```json).
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}

// decodeObject parses a cleaned answer, keeping numbers exact.
func decodeObject(raw string) (map[string]interface{}, error) {
	clean := cleanModelJSON(raw)
	if !strings.HasPrefix(clean, "{") {
		return nil, fmt.Errorf("no JSON object in response")
	}
	dec := json.NewDecoder(bytes.NewBufferString(clean))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return m, nil
}

// normalize validates the decoded answer and applies the confidence
// penalties. An error means the answer is unusable.
func normalize(m map[string]interface{}, message string, categories []domain.Category) (Candidate, error) {
	var c Candidate

	amount, ok, err := getOptionalAmountField(m, "amount")
	if err != nil {
		return Candidate{}, err
	}
	confidence, err := getOptionalFloat64Field(m, "confidence")
	if err != nil {
		return Candidate{}, err
	}
	if confidence != nil {
		c.Confidence = *confidence
	}
	if ok {
		if !amount.IsPositive() {
			return Candidate{}, fmt.Errorf("amount must be positive, got %s", amount)
		}
		c.Amount, c.HasAmount = amount, true
	} else {
		c.Confidence -= missingAmountPenalty
	}

	desc, err := getOptionalStringField(m, "description")
	if err != nil {
		return Candidate{}, err
	}
	if desc == nil {
		c.Description = textnorm.Truncate(strings.TrimSpace(message), fallbackDescriptionRunes)
	} else {
		c.Description = textnorm.Truncate(*desc, maxDescriptionRunes)
	}

	cat, err := getOptionalStringField(m, "category")
	if err != nil {
		return Candidate{}, err
	}
	if cat != nil {
		if known, found := matchCategory(*cat, categories); found {
			c.Category = known
		} else {
			c.Confidence -= unknownCategoryPenalty
		}
	}

	pm, err := getOptionalStringField(m, "payment_method")
	if err != nil {
		return Candidate{}, err
	}
	if pm != nil {
		if method, found := domain.PaymentMethodFromSpanish(textnorm.Canonical(*pm)); found {
			c.PaymentMethod = method
		} else {
			c.Confidence -= unknownPaymentPenalty
		}
	}

	c.Location, err = getOptionalStringField(m, "location")
	if err != nil {
		return Candidate{}, err
	}

	offset, err := getOptionalFloat64Field(m, "date_offset")
	if err != nil {
		return Candidate{}, err
	}
	if offset != nil {
		c.DateOffsetDays = int(math.Round(*offset))
	}

	c.Confidence = math.Max(0, math.Min(1, c.Confidence))
	return c, nil
}

func matchCategory(name string, categories []domain.Category) (string, bool) {
	want := textnorm.Canonical(name)
	if want == "" {
		return "", false
	}
	for _, c := range categories {
		if textnorm.Canonical(c.Name) == want {
			return c.Name, true
		}
	}
	return "", false
}

func getOptionalStringField(m map[string]interface{}, key string) (*string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, nil
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("field %q has type %T, want string or null", key, v)
	}
}

func getOptionalFloat64Field(m map[string]interface{}, key string) (*float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("field %q has type %T, want number or null", key, v)
	}
}

// getOptionalAmountField accepts a JSON number or a shorthand string such as "50k".
func getOptionalAmountField(m map[string]interface{}, key string) (decimal.Decimal, bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return decimal.Zero, false, nil
	}
	switch val := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("field %q: %w", key, err)
		}
		return d, true, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return decimal.Zero, false, nil
		}
		d, _, err := extract.ParseAmount(val)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("field %q: %w", key, err)
		}
		return d, true, nil
	default:
		return decimal.Zero, false, fmt.Errorf("field %q has type %T, want number", key, v)
	}
}

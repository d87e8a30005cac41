package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/mispesos/internal/classifier"
	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/extract"
	"github.com/dvloznov/mispesos/internal/keywords"
	"github.com/dvloznov/mispesos/internal/llm"
	"github.com/dvloznov/mispesos/internal/metrics"
	"github.com/dvloznov/mispesos/internal/pipeline"
)

// MockAIExtractor is a mock implementation of AIExtractor for testing.
type MockAIExtractor struct {
	ExtractFunc func(ctx context.Context, text, ocrText string) (llm.Candidate, error)
}

func (m *MockAIExtractor) Extract(ctx context.Context, text, ocrText string) (llm.Candidate, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, text, ocrText)
	}
	return llm.Candidate{}, &domain.ServiceError{Kind: domain.ServiceUnavailable}
}

const sampleReceipt = `SUPERMERCADO LA ECONOMIA S.A.S.
NIT: 900.123.456-7
FACTURA DE VENTA No. FE-10234
SUBTOTAL 84.034
IVA 19% 15.966
TOTAL $ 100.000`

var received = time.Date(2026, 3, 10, 13, 30, 0, 0, time.UTC)

func newOrchestrator(t *testing.T, ai pipeline.AIExtractor) *pipeline.Orchestrator {
	t.Helper()
	store := keywords.NewMemoryStore()
	if err := store.Seed(context.Background(), keywords.DefaultVocabulary()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	var n atomic.Int64
	return pipeline.New(ai, extract.New(extract.DefaultScores),
		classifier.New(store, classifier.DefaultMinActivation),
		pipeline.Options{
			ConfidenceThreshold: 0.75,
			NewID:               func() string { return fmt.Sprintf("id-%d", n.Add(1)) },
		})
}

func parse(t *testing.T, o *pipeline.Orchestrator, text, ocr string) *domain.TransactionDraft {
	t.Helper()
	d, err := o.Parse(context.Background(), pipeline.Request{
		Text: text, OCRText: ocr, UserID: "u1", ReceivedAt: received,
	})
	if err != nil {
		t.Fatalf("Parse(%q): %v", text, err)
	}
	return d
}

func amount(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestParseRegexShorthand(t *testing.T) {
	d := parse(t, newOrchestrator(t, nil), "50k almuerzo tarjeta", "")

	if !d.Amount.Equal(amount(50000)) {
		t.Errorf("Amount = %s, want 50000", d.Amount)
	}
	if d.Category != "Alimentación" {
		t.Errorf("Category = %q, want Alimentación", d.Category)
	}
	if d.PaymentMethod != domain.PaymentCard {
		t.Errorf("PaymentMethod = %q, want card", d.PaymentMethod)
	}
	if d.NeedsReview {
		t.Errorf("NeedsReview = true, reasons %v", d.ReviewReasons)
	}
	if d.Source != domain.SourceRegex || d.Confidence != extract.DefaultScores.Shorthand {
		t.Errorf("Source/Confidence = %s/%v", d.Source, d.Confidence)
	}
	if d.Description != "almuerzo" {
		t.Errorf("Description = %q", d.Description)
	}
	if !d.Date.Equal(received) {
		t.Errorf("Date = %v, want %v", d.Date, received)
	}
}

func TestParseAmountOnly(t *testing.T) {
	d := parse(t, newOrchestrator(t, nil), "25000", "")

	if !d.Amount.Equal(amount(25000)) {
		t.Errorf("Amount = %s", d.Amount)
	}
	if d.Category != "" {
		t.Errorf("Category = %q, want unset", d.Category)
	}
	if !d.NeedsReview {
		t.Error("NeedsReview = false, want true")
	}
	if d.Description != "25000" {
		t.Errorf("Description = %q, want the message text", d.Description)
	}
}

func TestParseAITimeoutFallsBack(t *testing.T) {
	ai := &MockAIExtractor{
		ExtractFunc: func(ctx context.Context, text, ocrText string) (llm.Candidate, error) {
			return llm.Candidate{}, &domain.ServiceError{Kind: domain.ServiceTimeout, Err: context.DeadlineExceeded}
		},
	}
	d := parse(t, newOrchestrator(t, ai), "pagué 25000 de uber efectivo ayer", "")

	if !d.Amount.Equal(amount(25000)) {
		t.Errorf("Amount = %s", d.Amount)
	}
	if d.PaymentMethod != domain.PaymentCash {
		t.Errorf("PaymentMethod = %q", d.PaymentMethod)
	}
	if d.DateOffsetDays != -1 {
		t.Errorf("DateOffsetDays = %d", d.DateOffsetDays)
	}
	if want := received.AddDate(0, 0, -1); !d.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", d.Date, want)
	}
	if d.Category != "Transporte" {
		t.Errorf("Category = %q", d.Category)
	}
	if d.Source != domain.SourceRegex {
		t.Errorf("Source = %q", d.Source)
	}
}

func TestParseConfidenceThreshold(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		wantSource domain.Source
		wantAmount int64
	}{
		{"equal to threshold is accepted", 0.75, domain.SourceAI, 30000},
		{"just below falls back", 0.7499, domain.SourceRegex, 25000},
		{"above", 0.95, domain.SourceAI, 30000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai := &MockAIExtractor{
				ExtractFunc: func(ctx context.Context, text, ocrText string) (llm.Candidate, error) {
					return llm.Candidate{
						Amount:        amount(30000),
						HasAmount:     true,
						Description:   "taxi",
						Category:      "Transporte",
						PaymentMethod: domain.PaymentCash,
						Confidence:    tt.confidence,
						Model:         "mock/test",
					}, nil
				},
			}
			d := parse(t, newOrchestrator(t, ai), "25000 taxi efectivo", "")
			if d.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", d.Source, tt.wantSource)
			}
			if !d.Amount.Equal(amount(tt.wantAmount)) {
				t.Errorf("Amount = %s, want %d", d.Amount, tt.wantAmount)
			}
			if tt.wantSource == domain.SourceAI && d.ModelName != "mock/test" {
				t.Errorf("ModelName = %q", d.ModelName)
			}
		})
	}
}

func TestParseAIWithoutAmountFallsBack(t *testing.T) {
	ai := &MockAIExtractor{
		ExtractFunc: func(ctx context.Context, text, ocrText string) (llm.Candidate, error) {
			return llm.Candidate{Description: "cine", Confidence: 0.9}, nil
		},
	}
	d := parse(t, newOrchestrator(t, ai), "cine 18.000 tarjeta", "")
	if d.Source != domain.SourceRegex || !d.Amount.Equal(amount(18000)) {
		t.Errorf("draft = %s %s", d.Source, d.Amount)
	}
	if d.Category != "Entretenimiento" {
		t.Errorf("Category = %q", d.Category)
	}
}

func TestParseReceiptConflict(t *testing.T) {
	ai := &MockAIExtractor{
		ExtractFunc: func(ctx context.Context, text, ocrText string) (llm.Candidate, error) {
			if ocrText == "" {
				t.Error("OCR text not passed to the model")
			}
			return llm.Candidate{
				Amount:        amount(95000),
				HasAmount:     true,
				Description:   "mercado",
				Category:      "Alimentación",
				PaymentMethod: domain.PaymentCard,
				Confidence:    0.9,
			}, nil
		},
	}
	d := parse(t, newOrchestrator(t, ai), "mercado 95k tarjeta", sampleReceipt)

	if !d.Amount.Equal(amount(100000)) {
		t.Errorf("Amount = %s, want the receipt total", d.Amount)
	}
	if !d.NeedsReview {
		t.Error("NeedsReview = false")
	}
	found := false
	for _, r := range d.ReviewReasons {
		found = found || r == domain.ReasonReceiptConflict
	}
	if !found {
		t.Errorf("ReviewReasons = %v", d.ReviewReasons)
	}
	if d.Receipt == nil || d.Receipt.MergedInto != d.ID {
		t.Fatalf("receipt not merged: %+v", d.Receipt)
	}
	if d.Receipt.TaxID == nil || *d.Receipt.TaxID != "900.123.456-7" {
		t.Errorf("TaxID = %v", d.Receipt.TaxID)
	}
}

func TestParseReceiptSuppliesAmount(t *testing.T) {
	d := parse(t, newOrchestrator(t, nil), "foto del recibo", sampleReceipt)
	if !d.Amount.Equal(amount(100000)) {
		t.Errorf("Amount = %s", d.Amount)
	}
	if d.Receipt == nil {
		t.Fatal("receipt not attached")
	}
	if !d.NeedsReview {
		t.Error("draft without category or method must need review")
	}
}

func TestParseAmbiguousAmount(t *testing.T) {
	d := parse(t, newOrchestrator(t, nil), "50k almuerzo 20k tarjeta", "")
	if !d.Amount.Equal(amount(50000)) {
		t.Errorf("Amount = %s", d.Amount)
	}
	if !d.NeedsReview || d.ReviewReasons[0] != domain.ReasonAmbiguousAmount {
		t.Errorf("review = %v %v", d.NeedsReview, d.ReviewReasons)
	}
}

func TestParseFailures(t *testing.T) {
	tests := []struct {
		text string
		want domain.FailureReason
	}{
		{"", domain.FailureEmpty},
		{"   \n\t", domain.FailureEmpty},
		{"almuerzo con amigos", domain.FailureAmbiguous},
		{"2 kg de arroz", domain.FailureAmbiguous},
	}
	o := newOrchestrator(t, nil)
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			d, err := o.Parse(context.Background(), pipeline.Request{Text: tt.text, UserID: "u1"})
			var pf *domain.ParseFailure
			if !errors.As(err, &pf) {
				t.Fatalf("Parse(%q) = %v, %v; want ParseFailure", tt.text, d, err)
			}
			if pf.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", pf.Reason, tt.want)
			}
			if pf.Clarification() == "" {
				t.Error("empty clarification")
			}
		})
	}
}

func TestParseRejectsLongMessage(t *testing.T) {
	o := newOrchestrator(t, nil)
	long := strings.Repeat("50k almuerzo ", 100)

	_, err := o.Parse(context.Background(), pipeline.Request{Text: long, UserID: "u1"})
	var pf *domain.ParseFailure
	if !errors.As(err, &pf) || pf.Reason != domain.FailureUnsupported {
		t.Fatalf("err = %v, want unsupported", err)
	}
	if !strings.Contains(pf.Clarification(), "demasiado largo") {
		t.Errorf("Clarification = %q", pf.Clarification())
	}

	// The limit counts characters, not bytes.
	accents := strings.Repeat("é", pipeline.DefaultMaxMessageRunes-4) + " 50k"
	if _, err := o.Parse(context.Background(), pipeline.Request{Text: accents, UserID: "u1"}); err != nil {
		t.Errorf("message at the limit: %v", err)
	}
}

func TestParseRecordsMetrics(t *testing.T) {
	m := metrics.New()
	ai := &MockAIExtractor{
		ExtractFunc: func(ctx context.Context, text, ocrText string) (llm.Candidate, error) {
			if strings.Contains(text, "uber") {
				return llm.Candidate{}, &domain.ServiceError{Kind: domain.ServiceTimeout}
			}
			return llm.Candidate{Amount: amount(50000), HasAmount: true, Description: "almuerzo",
				Category: "Alimentación", PaymentMethod: domain.PaymentCard, Confidence: 0.9}, nil
		},
	}
	store := keywords.NewMemoryStore()
	if err := store.Seed(context.Background(), keywords.DefaultVocabulary()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	o := pipeline.New(ai, nil, classifier.New(store, classifier.DefaultMinActivation),
		pipeline.Options{Metrics: m})

	parse(t, o, "50k almuerzo tarjeta", "")
	parse(t, o, "pagué 25000 de uber efectivo ayer", "")
	if _, err := o.Parse(context.Background(), pipeline.Request{Text: " "}); err == nil {
		t.Fatal("expected failure for a blank message")
	}

	s := m.Snapshot()
	if s.Parses != 2 || s.FallbackCount != 1 || s.ParseFailures != 1 {
		t.Errorf("parses=%d fallback=%d failures=%d, want 2 1 1", s.Parses, s.FallbackCount, s.ParseFailures)
	}

	// Without a model the regex path is the normal path, not a fallback.
	m = metrics.New()
	o = pipeline.New(nil, nil, nil, pipeline.Options{Metrics: m})
	parse(t, o, "25000 uber", "")
	if s := m.Snapshot(); s.Parses != 1 || s.FallbackCount != 0 {
		t.Errorf("parses=%d fallback=%d, want 1 0", s.Parses, s.FallbackCount)
	}
}

func TestParseCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ai := &MockAIExtractor{
		ExtractFunc: func(ctx context.Context, text, ocrText string) (llm.Candidate, error) {
			cancel()
			return llm.Candidate{}, ctx.Err()
		},
	}
	_, err := newOrchestrator(t, ai).Parse(ctx, pipeline.Request{Text: "50k almuerzo tarjeta"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestParseStampsMissingReceivedAt(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	o := pipeline.New(nil, nil, nil, pipeline.Options{Now: func() time.Time { return now }})
	d, err := o.Parse(context.Background(), pipeline.Request{Text: "10k ayer"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if want := now.AddDate(0, 0, -1); !d.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", d.Date, want)
	}
	if d.ID == "" {
		t.Error("draft without id")
	}
}

func TestParseConcurrent(t *testing.T) {
	o := newOrchestrator(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := o.Parse(context.Background(), pipeline.Request{
				Text: fmt.Sprintf("%dk taxi efectivo", i+1), ReceivedAt: received,
			})
			if err != nil {
				t.Errorf("Parse: %v", err)
				return
			}
			if !d.Amount.Equal(amount(int64(i+1) * 1000)) {
				t.Errorf("Amount = %s", d.Amount)
			}
		}(i)
	}
	wg.Wait()
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/extract"
	"github.com/dvloznov/mispesos/internal/llm"
	"github.com/dvloznov/mispesos/internal/logger"
	"github.com/dvloznov/mispesos/internal/reconcile"
	"github.com/dvloznov/mispesos/internal/textnorm"
)

// descriptionFallbackRunes bounds the description taken from the raw message.
const descriptionFallbackRunes = 100

// PipelineStep represents a single step of a parse.
type PipelineStep interface {
	Execute(ctx context.Context, state *ParseState) error
}

// ParseState holds the shared state across all pipeline steps.
type ParseState struct {
	Request Request

	Candidate *llm.Candidate
	AIErr     error
	Partial   *extract.Partial
	Receipt   *domain.ReceiptExtraction
	Conflict  *domain.ReconcileConflict

	Draft *domain.TransactionDraft
}

// Pipeline executes a sequence of steps in order, stopping at the first
// error or when ctx is done.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *ParseState) error {
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.Execute(ctx, state); err != nil {
			var pf *domain.ParseFailure
			if errors.As(err, &pf) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// ValidateInputStep rejects blank messages and messages longer than
// MaxRunes. A zero MaxRunes disables the length check.
type ValidateInputStep struct {
	MaxRunes int
}

func (s *ValidateInputStep) Execute(ctx context.Context, state *ParseState) error {
	text := strings.TrimSpace(state.Request.Text)
	if text == "" {
		return &domain.ParseFailure{Reason: domain.FailureEmpty}
	}
	if n := utf8.RuneCountInString(text); s.MaxRunes > 0 && n > s.MaxRunes {
		return &domain.ParseFailure{
			Reason: domain.FailureUnsupported,
			Detail: fmt.Sprintf("message has %d characters, limit is %d", n, s.MaxRunes),
		}
	}
	return nil
}

// AIExtractStep asks the model and accepts its answer when it is confident
// enough and carries an amount. Service errors are recorded, not returned.
type AIExtractStep struct {
	AI        AIExtractor
	Threshold float64
}

func (s *AIExtractStep) Execute(ctx context.Context, state *ParseState) error {
	if s.AI == nil {
		return nil
	}
	req := state.Request
	cand, err := s.AI.Extract(ctx, req.Text, req.OCRText)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		state.AIErr = err
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("AI extraction failed, using fallback")
		return nil
	}
	state.Candidate = &cand

	if !cand.HasAmount || cand.Confidence < s.Threshold {
		return nil
	}
	d := newDraft(req)
	d.Amount = cand.Amount
	d.Description = cand.Description
	d.Category = cand.Category
	d.PaymentMethod = cand.PaymentMethod
	d.DateOffsetDays = cand.DateOffsetDays
	d.Confidence = cand.Confidence
	d.Source = domain.SourceAI
	d.ModelName = cand.Model
	if cand.Location != nil {
		d.Location = *cand.Location
	}
	state.Draft = d
	return nil
}

// RegexExtractStep runs the fallback patterns when no AI draft was accepted.
type RegexExtractStep struct {
	Extractor *extract.Extractor
}

func (s *RegexExtractStep) Execute(ctx context.Context, state *ParseState) error {
	if state.Draft != nil {
		return nil
	}
	p := s.Extractor.Extract(state.Request.Text)
	state.Partial = &p
	if !p.HasAmount() {
		return nil
	}

	d := newDraft(state.Request)
	d.Amount = p.Amount
	d.Description = p.Description
	d.PaymentMethod = p.PaymentMethod
	d.DateOffsetDays = p.DateOffsetDays
	d.Confidence = p.Score
	d.Source = domain.SourceRegex
	if p.Ambiguous {
		d.FlagReview(domain.ReasonAmbiguousAmount)
	}
	state.Draft = d
	return nil
}

// ReceiptStep reconciles the OCR text, if any. A receipt total can stand in
// for a message without an amount.
type ReceiptStep struct{}

func (s *ReceiptStep) Execute(ctx context.Context, state *ParseState) error {
	if strings.TrimSpace(state.Request.OCRText) == "" {
		return nil
	}
	r := reconcile.Reconcile(state.Request.OCRText)
	if r.ID == "" {
		r.ID = state.Request.newID()
	}
	r.CreatedAt = state.Request.ReceivedAt
	state.Receipt = &r

	if state.Draft == nil && r.TotalAmount != nil {
		d := newDraft(state.Request)
		d.Confidence = r.OCRConfidence
		d.Source = domain.SourceRegex
		if state.Partial != nil {
			d.Description = state.Partial.Description
			d.PaymentMethod = state.Partial.PaymentMethod
			d.DateOffsetDays = state.Partial.DateOffsetDays
		}
		if r.CompanyName != nil && d.Description == "" {
			d.Description = *r.CompanyName
		}
		state.Draft = d
	}
	return nil
}

// RequireAmountStep turns a parse without any amount into a clarification.
type RequireAmountStep struct{}

func (s *RequireAmountStep) Execute(ctx context.Context, state *ParseState) error {
	if state.Draft == nil {
		return &domain.ParseFailure{
			Reason: domain.FailureAmbiguous,
			Detail: "no amount found",
		}
	}
	return nil
}

// ClassifyStep fills a missing category from the keyword table.
type ClassifyStep struct {
	Classifier CategoryClassifier
}

func (s *ClassifyStep) Execute(ctx context.Context, state *ParseState) error {
	d := state.Draft
	if d.Category != "" || s.Classifier == nil {
		return nil
	}
	m, ok, err := s.Classifier.Classify(ctx, state.Request.Text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A broken store must not lose the message; the user picks the category.
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Keyword classification failed")
		return nil
	}
	if ok {
		d.Category = m.Category.Name
	}
	return nil
}

// MergeReceiptStep applies the reconciled receipt to the draft.
type MergeReceiptStep struct {
	Tolerance float64
}

func (s *MergeReceiptStep) Execute(ctx context.Context, state *ParseState) error {
	if state.Receipt == nil {
		return nil
	}
	conflict, err := reconcile.Merge(state.Draft, state.Receipt, decimal.NewFromFloat(s.Tolerance))
	if err != nil {
		return err
	}
	if conflict != nil {
		state.Conflict = conflict
		log := logger.FromContext(ctx)
		log.Warn().
			Str("ocr_amount", conflict.OCRAmount.String()).
			Str("parsed_amount", conflict.ParsedAmount.String()).
			Msg("Receipt total differs from parsed amount")
	}
	return nil
}

// FinalizeStep resolves the date, fills the description and flags missing fields.
type FinalizeStep struct{}

func (s *FinalizeStep) Execute(ctx context.Context, state *ParseState) error {
	d := state.Draft
	d.Date = state.Request.ReceivedAt.AddDate(0, 0, d.DateOffsetDays)
	if strings.TrimSpace(d.Description) == "" {
		d.Description = textnorm.Truncate(strings.TrimSpace(state.Request.Text), descriptionFallbackRunes)
	}
	if d.Category == "" {
		d.FlagReview(domain.ReasonMissingCategory)
	}
	if d.PaymentMethod == domain.PaymentUnknown {
		d.FlagReview(domain.ReasonMissingPaymentMethod)
	}
	return nil
}

func newDraft(req Request) *domain.TransactionDraft {
	return &domain.TransactionDraft{
		ID:           req.newID(),
		UserID:       req.UserID,
		OriginalText: req.Text,
		CreatedAt:    req.ReceivedAt,
	}
}

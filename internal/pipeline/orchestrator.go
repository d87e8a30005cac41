// Package pipeline turns a chat message, and optionally a receipt's OCR text,
// into a transaction draft.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/mispesos/internal/classifier"
	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/extract"
	"github.com/dvloznov/mispesos/internal/llm"
	"github.com/dvloznov/mispesos/internal/logger"
	"github.com/dvloznov/mispesos/internal/metrics"
	"github.com/dvloznov/mispesos/internal/reconcile"
)

const (
	// DefaultConfidenceThreshold is the lowest AI confidence accepted without fallback.
	DefaultConfidenceThreshold = 0.75
	// DefaultMaxMessageRunes bounds the message length; longer messages are
	// refused as unsupported.
	DefaultMaxMessageRunes = 1000
)

// AIExtractor reads a message with a language model.
// This interface enables mocking of the model in tests.
type AIExtractor interface {
	Extract(ctx context.Context, text, ocrText string) (llm.Candidate, error)
}

// CategoryClassifier picks a category for a message.
type CategoryClassifier interface {
	Classify(ctx context.Context, text string) (classifier.Match, bool, error)
}

// Request is one inbound message.
type Request struct {
	Text       string    `json:"text"`
	OCRText    string    `json:"ocr_text,omitempty"`
	UserID     string    `json:"user_id"`
	ReceivedAt time.Time `json:"received_at"`

	idFunc func() string
}

func (r Request) newID() string {
	if r.idFunc != nil {
		return r.idFunc()
	}
	return uuid.NewString()
}

// Options tunes an Orchestrator. Zero values select the defaults.
type Options struct {
	ConfidenceThreshold float64
	Tolerance           float64
	// Now stamps requests that arrive without ReceivedAt.
	Now func() time.Time
	// NewID generates draft and receipt ids.
	NewID           func() string
	MaxMessageRunes int
	Metrics         *metrics.Metrics
}

// Orchestrator runs the parse pipeline. It is safe for concurrent use; each
// call works on its own ParseState.
type Orchestrator struct {
	pipeline  *Pipeline
	opts      Options
	aiEnabled bool
}

// New builds an orchestrator. ai and cls may be nil, in which case only the
// regex extractor is used and categories stay unset.
func New(ai AIExtractor, regex *extract.Extractor, cls CategoryClassifier, opts Options) *Orchestrator {
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = reconcile.DefaultTolerance.InexactFloat64()
	}
	if opts.MaxMessageRunes <= 0 {
		opts.MaxMessageRunes = DefaultMaxMessageRunes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if regex == nil {
		regex = extract.New(extract.DefaultScores)
	}
	return &Orchestrator{
		opts:      opts,
		aiEnabled: ai != nil,
		pipeline: NewPipeline(
			&ValidateInputStep{MaxRunes: opts.MaxMessageRunes},
			&AIExtractStep{AI: ai, Threshold: opts.ConfidenceThreshold},
			&RegexExtractStep{Extractor: regex},
			&ReceiptStep{},
			&RequireAmountStep{},
			&ClassifyStep{Classifier: cls},
			&MergeReceiptStep{Tolerance: opts.Tolerance},
			&FinalizeStep{},
		),
	}
}

// Parse turns a message into a draft. A *domain.ParseFailure asks the caller
// to request clarification; any other error is a cancellation or a bug.
func (o *Orchestrator) Parse(ctx context.Context, req Request) (*domain.TransactionDraft, error) {
	start := time.Now()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = o.opts.Now()
	}
	req.idFunc = o.opts.NewID

	state := &ParseState{Request: req}
	err := o.pipeline.Execute(ctx, state)

	log := logger.FromContext(ctx)
	ev := log.Info()
	if err != nil {
		var pf *domain.ParseFailure
		if errors.As(err, &pf) {
			ev = log.Info().Str("failure", string(pf.Reason))
			o.opts.Metrics.ObserveParseFailure(string(pf.Reason))
		} else {
			ev = log.Warn().Err(err)
		}
	}
	ev = ev.Str("user_id", req.UserID).
		Dur("latency", time.Since(start)).
		Bool("ocr", req.OCRText != "")
	if state.AIErr != nil {
		ev = ev.AnErr("ai_error", state.AIErr)
	}
	if d := state.Draft; d != nil && err == nil {
		fallback := o.aiEnabled && d.Source == domain.SourceRegex
		o.opts.Metrics.ObserveParse(string(d.Source), d.Confidence, fallback)
		ev = ev.Bool("fallback", fallback).
			Str("draft_id", d.ID).
			Str("source", string(d.Source)).
			Float64("confidence", d.Confidence).
			Bool("needs_review", d.NeedsReview).
			Strs("review_reasons", d.ReviewReasons)
	}
	ev.Msg("Parsed message")

	if err != nil {
		return nil, err
	}
	return state.Draft, nil
}

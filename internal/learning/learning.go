// Package learning adjusts keyword weights from user category corrections.
package learning

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/jobs"
	"github.com/dvloznov/mispesos/internal/keywords"
	"github.com/dvloznov/mispesos/internal/logger"
)

const (
	DefaultLearningRate = 0.1
	DefaultWeightCap    = 5.0
)

// Adjustment is one weight change.
type Adjustment struct {
	Keyword  string  `json:"keyword"`
	Category string  `json:"category"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
}

// Result reports what an event did.
type Result struct {
	EventID string `json:"event_id"`
	// Replayed is set when the event had already been applied.
	Replayed    bool         `json:"replayed"`
	Adjustments []Adjustment `json:"adjustments,omitempty"`
}

// Learner applies correction events to a keyword store.
type Learner struct {
	store     keywords.Store
	rate      float64
	weightCap float64
}

// New creates a Learner.
func New(store keywords.Store, rate, weightCap float64) *Learner {
	return &Learner{store: store, rate: rate, weightCap: weightCap}
}

func correctionText(e domain.CorrectionEvent) string {
	d := e.OriginalDraft
	return strings.TrimSpace(d.Description + " " + d.OriginalText)
}

// ApplyCorrection lowers the weight of known keywords toward the old
// category and raises it toward the new one. Only existing rows change;
// keywords are never created. The event id is recorded in the same
// transaction as the weight changes, so a replay is a no-op.
func (l *Learner) ApplyCorrection(ctx context.Context, e domain.CorrectionEvent) (Result, error) {
	if e.ID == "" {
		return Result{}, fmt.Errorf("ApplyCorrection: event has no id")
	}
	log := logger.FromContext(ctx).With().Str("event_id", e.ID).Str("user_id", e.UserID).Logger()

	from, to, changed := e.CategoryChange()

	var hits []domain.CategoryKeyword
	if changed {
		snap, err := l.store.Snapshot(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("ApplyCorrection: snapshot: %w", err)
		}
		hits = snap.Matching(correctionText(e))
	}

	var res Result
	err := l.store.Update(ctx, func(tx keywords.Tx) error {
		res = Result{EventID: e.ID}
		applied, err := tx.Applied(e.ID)
		if err != nil {
			return err
		}
		if applied {
			res.Replayed = true
			return nil
		}

		for _, h := range hits {
			var delta float64
			switch h.Category {
			case from:
				delta = -l.rate
			case to:
				delta = l.rate
			default:
				continue
			}
			row, ok, err := tx.Keyword(h.Key())
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			before := row.Weight
			row.Weight = domain.ClampWeight(before+delta, l.weightCap)
			if row.Weight == before {
				continue
			}
			if err := tx.PutKeyword(row); err != nil {
				return err
			}
			res.Adjustments = append(res.Adjustments, Adjustment{
				Keyword: row.Keyword, Category: row.Category, Before: before, After: row.Weight,
			})
		}
		return tx.MarkApplied(e.ID)
	})
	if err != nil {
		return Result{}, fmt.Errorf("ApplyCorrection %s: %w", e.ID, err)
	}

	if res.Replayed {
		log.Debug().Msg("Correction already applied")
	} else {
		log.Info().
			Str("from", from).
			Str("to", to).
			Int("adjustments", len(res.Adjustments)).
			Msg("Correction applied")
	}
	return res, nil
}

// HandleJob applies the correction carried by a queued job and records the
// result on it.
func (l *Learner) HandleJob(ctx context.Context, job jobs.Job) error {
	cj, ok := job.(*jobs.CorrectionJob)
	if !ok {
		return fmt.Errorf("HandleJob: unexpected job type: %T", job)
	}
	res, err := l.ApplyCorrection(ctx, cj.Event)
	if err != nil {
		return err
	}
	cj.Result = res
	return nil
}

// Package classifier maps expense text to a category by summing the weights
// of keywords found in it.
package classifier

import (
	"context"
	"fmt"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/keywords"
	"github.com/dvloznov/mispesos/internal/logger"
)

// DefaultMinActivation is the smallest weight sum that selects a category.
const DefaultMinActivation = 0.5

// Match is a classification result.
type Match struct {
	Category domain.Category
	Score    float64
	// Matched lists the keywords that contributed to the winning category.
	Matched []string
	// FromHistory is set when the keyword table had no answer and the
	// history model supplied the category.
	FromHistory bool
}

// Predictor is a secondary classifier consulted when keywords find nothing.
type Predictor interface {
	Predict(text string) (category string, probability float64, ok bool)
}

// Classifier reads keyword snapshots from the store on every call, so weight
// changes from corrections apply to the next message.
type Classifier struct {
	store         keywords.Store
	minActivation float64
	history       Predictor
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithHistory adds a fallback predictor.
func WithHistory(p Predictor) Option {
	return func(c *Classifier) { c.history = p }
}

// New creates a classifier over store.
func New(store keywords.Store, minActivation float64, opts ...Option) *Classifier {
	c := &Classifier{store: store, minActivation: minActivation}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the best category for text. ok is false when no category
// reaches the activation threshold or when the best ones tie on both score
// and priority.
func (c *Classifier) Classify(ctx context.Context, text string) (Match, bool, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return Match{}, false, fmt.Errorf("Classify: snapshot: %w", err)
	}

	m, ok := Best(snap, text, c.minActivation)
	if ok || c.history == nil {
		return m, ok, nil
	}

	name, prob, hok := c.history.Predict(text)
	if !hok {
		return Match{}, false, nil
	}
	cat, found := snap.Category(name)
	if !found {
		return Match{}, false, nil
	}
	log := logger.FromContext(ctx)
	log.Debug().
		Str("category", cat.Name).
		Float64("probability", prob).
		Msg("Category from history model")
	return Match{Category: cat, Score: prob, FromHistory: true}, true, nil
}

// Best scores text against a snapshot. It is a pure function of its inputs.
func Best(snap *keywords.Snapshot, text string, minActivation float64) (Match, bool) {
	hits := snap.Matching(text)
	if len(hits) == 0 {
		return Match{}, false
	}

	sums := make(map[string]float64, len(snap.Categories))
	matched := make(map[string][]string, len(snap.Categories))
	for _, h := range hits {
		sums[h.Category] += h.Weight
		matched[h.Category] = append(matched[h.Category], h.Keyword)
	}

	var (
		best Match
		tied bool
		have bool
	)
	// snap.Categories is sorted, so the walk order is fixed.
	for _, cat := range snap.Categories {
		sum, ok := sums[cat.Name]
		if !ok || sum < minActivation {
			continue
		}
		switch {
		case !have || sum > best.Score:
			best = Match{Category: cat, Score: sum, Matched: matched[cat.Name]}
			have, tied = true, false
		case sum == best.Score:
			switch {
			case cat.Priority > best.Category.Priority:
				best = Match{Category: cat, Score: sum, Matched: matched[cat.Name]}
				tied = false
			case cat.Priority == best.Category.Priority:
				tied = true
			}
		}
	}
	if !have || tied {
		return Match{}, false
	}
	return best, true
}

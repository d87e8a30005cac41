package classifier

import (
	"math"
	"sort"
	"sync"

	"github.com/jbrukh/bayesian"

	"github.com/dvloznov/mispesos/internal/textnorm"
)

// DefaultHistoryThreshold is the minimum probability a history prediction needs.
const DefaultHistoryThreshold = 0.8

// HistoryClassifier is a naive Bayes model trained on confirmed transactions.
// The underlying model needs its class set up front, so it is rebuilt lazily
// whenever a new example arrives.
type HistoryClassifier struct {
	threshold float64

	mu       sync.Mutex
	examples []historyExample
	model    *bayesian.Classifier
	classes  []bayesian.Class
	dirty    bool
}

type historyExample struct {
	terms    []string
	category string
}

// NewHistoryClassifier creates an untrained model.
func NewHistoryClassifier(threshold float64) *HistoryClassifier {
	return &HistoryClassifier{threshold: threshold}
}

// Train records a confirmed description/category pair.
func (h *HistoryClassifier) Train(text, category string) {
	terms := textnorm.Tokens(text)
	if len(terms) == 0 || category == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.examples = append(h.examples, historyExample{terms: terms, category: category})
	h.dirty = true
}

// Predict returns the most likely category. It reports false until the
// model has seen at least two categories or when the winner is below the
// threshold.
func (h *HistoryClassifier) Predict(text string) (string, float64, bool) {
	terms := textnorm.Tokens(text)
	if len(terms) == 0 {
		return "", 0, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dirty {
		h.rebuild()
	}
	if h.model == nil {
		return "", 0, false
	}

	scores, inx, strict := h.model.LogScores(terms)
	if !strict || len(scores) == 0 {
		return "", 0, false
	}
	// Softmax over log scores gives a normalised confidence.
	var sum float64
	for _, s := range scores {
		sum += math.Exp(s - scores[inx])
	}
	prob := 1 / sum
	if prob < h.threshold {
		return "", prob, false
	}
	return string(h.classes[inx]), prob, true
}

func (h *HistoryClassifier) rebuild() {
	h.dirty = false
	seen := map[string]bool{}
	for _, ex := range h.examples {
		seen[ex.category] = true
	}
	if len(seen) < 2 {
		h.model, h.classes = nil, nil
		return
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	classes := make([]bayesian.Class, len(names))
	for i, name := range names {
		classes[i] = bayesian.Class(name)
	}
	model := bayesian.NewClassifier(classes...)
	for _, ex := range h.examples {
		model.Learn(ex.terms, bayesian.Class(ex.category))
	}
	h.model, h.classes = model, classes
}

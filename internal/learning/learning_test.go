package learning

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/jobs"
	"github.com/dvloznov/mispesos/internal/keywords"
)

func vocab() keywords.Vocabulary {
	return keywords.Vocabulary{Categories: []keywords.CategorySeed{
		{Name: "Transporte", Priority: 70, Keywords: map[string]float64{"uber": 1.0}},
		{Name: "Alimentación", Priority: 80, Keywords: map[string]float64{"uber eats": 1.0, "almuerzo": 1.0, "uber": 4.95}},
		{Name: "Entretenimiento", Priority: 50, Keywords: map[string]float64{"bar": 0.05}},
	}}
}

func weight(t *testing.T, s keywords.Store, kw, cat string) float64 {
	t.Helper()
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	for _, k := range snap.Keywords {
		if k.Keyword == kw && k.Category == cat {
			return k.Weight
		}
	}
	t.Fatalf("keyword %s/%s not found", kw, cat)
	return 0
}

func event(id, text, from, to string) domain.CorrectionEvent {
	return domain.CorrectionEvent{
		ID:     id,
		UserID: "u1",
		OriginalDraft: domain.TransactionDraft{
			Description:  text,
			OriginalText: text,
			Category:     from,
		},
		CorrectedFields: map[string]string{domain.FieldCategory: to},
	}
}

func TestApplyCorrection(t *testing.T) {
	ctx := context.Background()
	s := keywords.NewMemoryStore()
	require.NoError(t, s.Seed(ctx, vocab()))
	l := New(s, DefaultLearningRate, DefaultWeightCap)

	res, err := l.ApplyCorrection(ctx, event("e1", "uber", "Transporte", "Alimentación"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Len(t, res.Adjustments, 2)

	assert.InDelta(t, 0.9, weight(t, s, "uber", "Transporte"), 1e-9)
	assert.InDelta(t, 5.0, weight(t, s, "uber", "Alimentación"), 1e-9, "capped")
	assert.InDelta(t, 1.0, weight(t, s, "almuerzo", "Alimentación"), 1e-9, "unrelated keyword untouched")
}

func TestApplyCorrectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, open := range map[string]func(t *testing.T) keywords.Store{
		"memory": func(t *testing.T) keywords.Store { return keywords.NewMemoryStore() },
		"bolt": func(t *testing.T) keywords.Store {
			s, err := keywords.OpenBolt(filepath.Join(t.TempDir(), "kw.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) keywords.Store {
			s, err := keywords.OpenSQLite(filepath.Join(t.TempDir(), "kw.sqlite"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	} {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			require.NoError(t, s.Seed(ctx, vocab()))
			l := New(s, DefaultLearningRate, DefaultWeightCap)
			e := event("e-replay", "uber al aeropuerto", "Transporte", "Alimentación")

			_, err := l.ApplyCorrection(ctx, e)
			require.NoError(t, err)
			once := weight(t, s, "uber", "Transporte")

			res, err := l.ApplyCorrection(ctx, e)
			require.NoError(t, err)
			assert.True(t, res.Replayed)
			assert.Empty(t, res.Adjustments)
			assert.Equal(t, once, weight(t, s, "uber", "Transporte"))
		})
	}
}

func TestApplyCorrectionFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	s := keywords.NewMemoryStore()
	require.NoError(t, s.Seed(ctx, vocab()))
	l := New(s, DefaultLearningRate, DefaultWeightCap)

	_, err := l.ApplyCorrection(ctx, event("e-floor", "bar", "Entretenimiento", "Alimentación"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, weight(t, s, "bar", "Entretenimiento"))
}

func TestApplyCorrectionNeverCreatesKeywords(t *testing.T) {
	ctx := context.Background()
	s := keywords.NewMemoryStore()
	require.NoError(t, s.Seed(ctx, vocab()))
	before, err := s.Snapshot(ctx)
	require.NoError(t, err)

	l := New(s, DefaultLearningRate, DefaultWeightCap)
	res, err := l.ApplyCorrection(ctx, event("e-new", "almuerzo", "Alimentación", "Entretenimiento"))
	require.NoError(t, err)

	after, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, after.Keywords, len(before.Keywords))
	require.Len(t, res.Adjustments, 1)
	assert.Equal(t, "Alimentación", res.Adjustments[0].Category)
}

func TestApplyCorrectionWithoutCategoryChange(t *testing.T) {
	ctx := context.Background()
	s := keywords.NewMemoryStore()
	require.NoError(t, s.Seed(ctx, vocab()))
	l := New(s, DefaultLearningRate, DefaultWeightCap)

	e := domain.CorrectionEvent{
		ID:              "e-amount",
		OriginalDraft:   domain.TransactionDraft{Description: "uber", Category: "Transporte"},
		CorrectedFields: map[string]string{domain.FieldAmount: "26000"},
	}
	res, err := l.ApplyCorrection(ctx, e)
	require.NoError(t, err)
	assert.Empty(t, res.Adjustments)

	res, err = l.ApplyCorrection(ctx, e)
	require.NoError(t, err)
	assert.True(t, res.Replayed, "no-op events are still recorded")
}

func TestApplyCorrectionRequiresID(t *testing.T) {
	l := New(keywords.NewMemoryStore(), DefaultLearningRate, DefaultWeightCap)
	_, err := l.ApplyCorrection(context.Background(), domain.CorrectionEvent{})
	assert.Error(t, err)
}

func TestHandleJob(t *testing.T) {
	ctx := context.Background()
	s := keywords.NewMemoryStore()
	require.NoError(t, s.Seed(ctx, vocab()))
	l := New(s, DefaultLearningRate, DefaultWeightCap)

	job := &jobs.CorrectionJob{JobID: "j1", Event: event("e-job", "uber", "Transporte", "Alimentación")}
	require.NoError(t, l.HandleJob(ctx, job))

	res, ok := job.Result.(Result)
	require.True(t, ok)
	assert.Equal(t, "e-job", res.EventID)
	assert.InDelta(t, 0.9, weight(t, s, "uber", "Transporte"), 1e-9)

	assert.Error(t, l.HandleJob(ctx, nil))
}

// Package app wires configured components together for the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/mispesos/internal/classifier"
	"github.com/dvloznov/mispesos/internal/config"
	"github.com/dvloznov/mispesos/internal/extract"
	"github.com/dvloznov/mispesos/internal/keywords"
	"github.com/dvloznov/mispesos/internal/llm"
	"github.com/dvloznov/mispesos/internal/metrics"
	"github.com/dvloznov/mispesos/internal/pipeline"
)

// OpenKeywords opens the configured keyword backend and seeds it. Seeding
// never overwrites learned weights.
func OpenKeywords(ctx context.Context, cfg config.KeywordsConfig) (keywords.Store, error) {
	var (
		store keywords.Store
		err   error
	)
	switch cfg.Backend {
	case "bolt":
		store, err = keywords.OpenBolt(cfg.Path)
	case "sqlite":
		store, err = keywords.OpenSQLite(cfg.Path)
	case "memory", "":
		store = keywords.NewMemoryStore()
	default:
		return nil, fmt.Errorf("OpenKeywords: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("OpenKeywords: %w", err)
	}

	vocab := keywords.DefaultVocabulary()
	if cfg.SeedFile != "" {
		if vocab, err = keywords.LoadVocabulary(cfg.SeedFile); err != nil {
			store.Close()
			return nil, fmt.Errorf("OpenKeywords: %w", err)
		}
	}
	if err := store.Seed(ctx, vocab); err != nil {
		store.Close()
		return nil, fmt.Errorf("OpenKeywords: seed: %w", err)
	}
	return store, nil
}

// AI returns the model client, or nil when the provider is "none". m may be nil.
func AI(ctx context.Context, cfg config.Config, categories llm.CategorySource, m *metrics.Metrics) (*llm.Client, error) {
	if cfg.AI.Provider == "none" {
		return nil, nil
	}
	p, err := llm.NewProvider(ctx, cfg.AI.Provider, cfg.AI.Model, cfg.AI.URL, cfg.AI.ResolveAPIKey())
	if err != nil {
		return nil, fmt.Errorf("AI: %w", err)
	}
	return llm.NewClient(p, categories, llm.Options{
		Timeout:   cfg.AITimeout(),
		CacheTTL:  cfg.AI.CacheTTL,
		CacheSize: cfg.AI.CacheSize,
		Metrics:   m,
	}), nil
}

// Components are the parsing pieces shared by the server and the CLI.
type Components struct {
	Keywords   keywords.Store
	AI         *llm.Client
	History    *classifier.HistoryClassifier
	Classifier *classifier.Classifier
	Parser     *pipeline.Orchestrator
	Metrics    *metrics.Metrics
}

// Close releases the keyword store.
func (c *Components) Close() error {
	return c.Keywords.Close()
}

// Build opens the keyword store and assembles the parser.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Components, error) {
	kw, err := OpenKeywords(ctx, cfg.Keywords)
	if err != nil {
		return nil, err
	}
	c := &Components{Keywords: kw, Metrics: metrics.New()}

	if c.AI, err = AI(ctx, cfg, kw, c.Metrics); err != nil {
		kw.Close()
		return nil, err
	}

	var opts []classifier.Option
	if cfg.History.Enabled {
		c.History = classifier.NewHistoryClassifier(cfg.History.Threshold)
		opts = append(opts, classifier.WithHistory(c.History))
	}
	c.Classifier = classifier.New(kw, cfg.MinActivation, opts...)

	// Assigning a nil *llm.Client to the interface would make it non-nil.
	var ai pipeline.AIExtractor
	if c.AI != nil {
		ai = c.AI
	}
	c.Parser = pipeline.New(ai, extract.New(cfg.RegexScores), c.Classifier, pipeline.Options{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Tolerance:           cfg.ReconcileTolerance,
		Metrics:             c.Metrics,
	})

	ev := log.Info().
		Str("keywords_backend", cfg.Keywords.Backend).
		Bool("history", cfg.History.Enabled).
		Float64("confidence_threshold", cfg.ConfidenceThreshold)
	if c.AI != nil {
		ev = ev.Str("model", c.AI.Model())
	} else {
		ev = ev.Str("model", "none")
	}
	ev.Msg("Parser ready")
	return c, nil
}

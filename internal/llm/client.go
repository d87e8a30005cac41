package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/logger"
	"github.com/dvloznov/mispesos/internal/metrics"
	"github.com/dvloznov/mispesos/internal/textnorm"
)

const (
	DefaultTimeout   = 5 * time.Second
	DefaultCacheTTL  = time.Hour
	DefaultCacheSize = 1000

	// Answers below minCacheConfidence stay out of the cache.
	minCacheConfidence = 0.6
	retryDelay         = 200 * time.Millisecond
)

// CategorySource lists the categories the model may answer with.
type CategorySource interface {
	Categories(ctx context.Context) ([]domain.Category, error)
}

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
	// NoCache disables the response cache.
	NoCache bool
	Metrics *metrics.Metrics
}

// Client wraps a Provider with a time budget, a single retry on transient
// connection failures, answer normalisation and a response cache.
type Client struct {
	provider   Provider
	categories CategorySource
	timeout    time.Duration
	cache      *expirable.LRU[string, Candidate]
	metrics    *metrics.Metrics
}

// NewClient creates a Client.
func NewClient(provider Provider, categories CategorySource, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	c := &Client{provider: provider, categories: categories, timeout: opts.Timeout, metrics: opts.Metrics}
	if !opts.NoCache {
		c.cache = expirable.NewLRU[string, Candidate](opts.CacheSize, nil, opts.CacheTTL)
	}
	return c
}

// Timeout is the budget applied to one Extract call.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Model names the provider and model in use.
func (c *Client) Model() string {
	return c.provider.Name() + "/" + c.provider.Model()
}

func cacheKey(text, ocrText string) string {
	return textnorm.Canonical(text) + "\x00" + textnorm.Canonical(ocrText)
}

// Extract asks the model to read text (and optional receipt OCR text).
// Failures are returned as *domain.ServiceError; a malformed answer also
// returns a zero-confidence Candidate. Cancellation of ctx by the caller is
// returned as the context error.
func (c *Client) Extract(ctx context.Context, text, ocrText string) (Candidate, error) {
	log := logger.FromContext(ctx)
	key := cacheKey(text, ocrText)
	if c.cache != nil {
		cand, ok := c.cache.Get(key)
		c.metrics.ObserveCache(ok)
		if ok {
			cand.Cached = true
			return cand, nil
		}
	}

	var cats []domain.Category
	if c.categories != nil {
		var err error
		cats, err = c.categories.Categories(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Unable to load categories for prompt")
		}
	}
	prompt := buildPrompt(text, ocrText, cats)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := c.metrics.AIStarted()
	start := time.Now()
	cand, err := c.call(ctx, callCtx, key, text, prompt, cats)
	done()
	c.metrics.ObserveAI(outcome(err), time.Since(start))
	return cand, err
}

// call runs the provider request and decodes its answer.
func (c *Client) call(ctx, callCtx context.Context, key, text, prompt string, cats []domain.Category) (Candidate, error) {
	log := logger.FromContext(ctx)
	raw, err := c.provider.Generate(callCtx, prompt)
	if err != nil && transient(err) {
		log.Warn().Err(err).Str("provider", c.provider.Name()).Msg("AI call failed, retrying once")
		select {
		case <-callCtx.Done():
		case <-time.After(retryDelay):
			raw, err = c.provider.Generate(callCtx, prompt)
		}
		if callCtx.Err() != nil && err != nil {
			err = callCtx.Err()
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return Candidate{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			return Candidate{}, &domain.ServiceError{Kind: domain.ServiceTimeout, Err: err}
		}
		return Candidate{}, &domain.ServiceError{Kind: domain.ServiceUnavailable, Err: err}
	}

	m, err := decodeObject(raw)
	if err == nil {
		var cand Candidate
		cand, err = normalize(m, text, cats)
		if err == nil {
			cand.Model = c.Model()
			cand.Raw = raw
			c.metrics.ObserveAIConfidence(cand.Confidence)
			if c.cache != nil && cand.HasAmount && cand.Confidence >= minCacheConfidence {
				c.cache.Add(key, cand)
			}
			return cand, nil
		}
	}
	return Candidate{Model: c.Model(), Raw: raw}, &domain.ServiceError{
		Kind: domain.ServiceMalformedResponse,
		Err:  fmt.Errorf("Extract: %w", err),
	}
}

func outcome(err error) string {
	var se *domain.ServiceError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &se) && se.Kind == domain.ServiceTimeout:
		return metrics.OutcomeTimeout
	case errors.As(err, &se) && se.Kind == domain.ServiceMalformedResponse:
		return metrics.OutcomeMalformed
	default:
		return metrics.OutcomeError
	}
}

// Ping checks the provider within the client's time budget.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.provider.Ping(ctx); err != nil {
		return fmt.Errorf("Ping %s: %w", c.provider.Name(), err)
	}
	return nil
}

// Package pipeline runs detection for one text or a batch of texts:
// every configured provider is called, ambiguous candidates go through the
// optional validator, the resolver merges what is left, and fully successful
// results are memoized in the result cache.
//
// Concurrent Detect calls for the same text share a single computation
// (singleflight keyed by the text's fingerprint), and the cache is consulted
// again inside that computation, so a text is resolved at most once while
// its result stays cached.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"phi-deid/internal/cache"
	"phi-deid/internal/logger"
	"phi-deid/internal/metrics"
	"phi-deid/internal/phi"
	"phi-deid/internal/resolver"
)

// DefaultWorkers bounds batch concurrency when none is configured.
const DefaultWorkers = 4

// ErrNoDetection is returned when every configured provider failed for a text.
var ErrNoDetection = errors.New("every provider failed")

// Options configures a Pipeline.
type Options struct {
	Providers []phi.Provider
	// Validator re-checks ambiguous candidates. Nil disables the tier.
	Validator Validator
	// Threshold is the confidence below which a candidate is ambiguous.
	// Nil selects DefaultThreshold; zero is honoured.
	Threshold *float64
	// Cache memoizes resolved sets. Nil disables caching.
	Cache   *cache.Cache
	Workers int
	Log     *logger.Logger
	Metrics *metrics.Metrics
}

// Result is the outcome of detecting one text. Annotations may be shared
// with the result cache and must not be modified.
type Result struct {
	Annotations phi.ResolvedSet       `json:"annotations"`
	Failures    []phi.ProviderFailure `json:"failures,omitempty"`
	Invalid     []error               `json:"-"`
	Cached      bool                  `json:"cached"`
}

// Partial reports whether at least one provider or the validator failed.
func (r Result) Partial() bool { return len(r.Failures) > 0 }

// Pipeline is safe for concurrent use.
type Pipeline struct {
	providers []phi.Provider
	validator Validator
	threshold float64
	cache     *cache.Cache
	workers   int
	log       *logger.Logger
	metrics   *metrics.Metrics

	flights singleflight.Group
}

// New builds a Pipeline. A nil Metrics is replaced with a private instance.
func New(opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	threshold := DefaultThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Pipeline{
		providers: opts.Providers,
		validator: opts.Validator,
		threshold: threshold,
		cache:     opts.Cache,
		workers:   opts.Workers,
		log:       opts.Log,
		metrics:   opts.Metrics,
	}
}

// Providers returns the names of the configured providers in call order.
func (p *Pipeline) Providers() []string {
	names := make([]string, len(p.providers))
	for i, prov := range p.providers {
		names[i] = prov.Name()
	}
	return names
}

// Workers returns the batch concurrency bound.
func (p *Pipeline) Workers() int { return p.workers }

// ValidatorName returns the validator's name, or "" when none is configured.
func (p *Pipeline) ValidatorName() string {
	if p.validator == nil {
		return ""
	}
	return p.validator.Name()
}

// Cache returns the result cache, or nil when caching is disabled.
func (p *Pipeline) Cache() *cache.Cache { return p.cache }

// ClearCache empties the result cache. Idempotent.
func (p *Pipeline) ClearCache() {
	if p.cache != nil {
		p.cache.Clear()
		p.log.Info("cache_clear", "result cache cleared")
	}
}

// Detect resolves the annotations of text. With useCache false the result
// cache is neither read nor written.
//
// Provider failures do not fail the call: the result carries one
// ProviderFailure per failed provider and is not cached. Detect returns an
// error only when ctx ends or when every provider failed (ErrNoDetection,
// joined with the individual failures).
func (p *Pipeline) Detect(ctx context.Context, text string, useCache bool) (Result, error) {
	start := time.Now()
	defer func() { p.metrics.RecordDetectLatency(time.Since(start)) }()
	p.metrics.TextsDetected.Add(1)

	res, err := p.detect(ctx, text, useCache)
	if err != nil {
		return res, err
	}
	p.metrics.RecordAnnotations(res.Annotations)
	return res, nil
}

func (p *Pipeline) detect(ctx context.Context, text string, useCache bool) (Result, error) {
	if !useCache || p.cache == nil {
		return p.compute(ctx, text)
	}

	key := cache.FingerprintOf(text)
	if set, ok := p.cache.GetKey(key); ok {
		p.metrics.CacheHits.Add(1)
		p.log.Debugf("cache_hit", "text %s", key)
		return Result{Annotations: set, Cached: true}, nil
	}
	p.metrics.CacheMisses.Add(1)

	v, err, shared := p.flights.Do(string(key[:]), func() (any, error) {
		if set, ok := p.cache.GetKey(key); ok {
			return Result{Annotations: set, Cached: true}, nil
		}
		res, err := p.compute(ctx, text)
		if err != nil {
			return res, err
		}
		if !res.Partial() {
			p.cache.PutKey(key, res.Annotations)
		}
		return res, nil
	})
	if shared {
		p.metrics.SharedDetections.Add(1)
	}
	res, _ := v.(Result)
	return res, err
}

// compute runs every provider, the validator and the resolver for text.
func (p *Pipeline) compute(ctx context.Context, text string) (Result, error) {
	var (
		res        Result
		candidates []phi.Candidate
	)

	for _, prov := range p.providers {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		got, err := prov.Detect(ctx, text)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			p.metrics.ProviderFailures.Add(1)
			p.log.Warnf("provider_failed", "%s: %v", prov.Name(), err)
			res.Failures = append(res.Failures, phi.ProviderFailure{Provider: prov.Name(), Err: err})
			continue
		}
		for _, c := range got {
			if c.Source == "" {
				c.Source = prov.Source()
			}
			checked, err := c.Check(text)
			if err != nil {
				res.Invalid = append(res.Invalid, err)
				continue
			}
			candidates = append(candidates, checked)
		}
	}

	if n := len(p.providers); n > 0 && len(res.Failures) == n {
		errs := make([]error, len(res.Failures))
		for i, f := range res.Failures {
			errs[i] = f
		}
		return res, fmt.Errorf("%w: %w", ErrNoDetection, errors.Join(errs...))
	}

	candidates, err := p.validate(ctx, text, candidates, &res)
	if err != nil {
		return Result{}, err
	}

	set, invalid := resolver.Resolve(text, candidates)
	res.Invalid = append(res.Invalid, invalid...)
	res.Annotations = set

	if len(res.Invalid) > 0 {
		p.metrics.InvalidCandidates.Add(int64(len(res.Invalid)))
		for _, err := range res.Invalid {
			p.log.Warnf("invalid_candidate", "%v", err)
		}
	}
	p.log.Debugf("detect", "%d candidates -> %d annotations, %d failures",
		len(candidates), len(set), len(res.Failures))
	return res, nil
}

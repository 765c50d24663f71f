package main

import (
	"fmt"
	"time"

	"phi-deid/internal/anonymizer"
	"phi-deid/internal/cache"
	"phi-deid/internal/config"
	"phi-deid/internal/logger"
	"phi-deid/internal/metrics"
	"phi-deid/internal/phi"
	"phi-deid/internal/pipeline"
	"phi-deid/internal/provider/ner"
	"phi-deid/internal/provider/ollama"
	"phi-deid/internal/provider/pattern"
)

// app is everything one command invocation needs, built from config.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	metrics  *metrics.Metrics
	pipeline *pipeline.Pipeline
	engine   *anonymizer.Engine
}

func newApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var providers []phi.Provider
	if cfg.UsePatterns {
		providers = append(providers, pattern.New(log.Named("PATTERN")))
	}
	if cfg.UseNER {
		providers = append(providers, ner.New(ner.Options{
			URL:      cfg.NERURL,
			MinScore: cfg.NERMinScore,
			Timeout:  time.Duration(cfg.NERTimeoutSecs) * time.Second,
			Log:      log.Named("NER"),
		}))
	}

	var (
		validator pipeline.Validator
		client    *ollama.Client
	)
	if cfg.UseAIDetection || cfg.UseValidator {
		client = ollama.New(ollama.Options{
			Endpoint:    cfg.OllamaEndpoint,
			Model:       cfg.OllamaModel,
			Timeout:     time.Duration(cfg.OllamaTimeoutSecs) * time.Second,
			Concurrency: cfg.OllamaMaxConcurrent,
			Log:         log.Named("OLLAMA"),
		})
	}
	if cfg.UseAIDetection {
		providers = append(providers, ollama.NewDetector(client))
	}
	if cfg.UseValidator {
		validator = ollama.NewValidator(client)
	}

	var resultCache *cache.Cache
	if cfg.CacheEnabled {
		resultCache = cache.New(cfg.CacheCapacity)
	}

	m := metrics.New()
	p := pipeline.New(pipeline.Options{
		Providers: providers,
		Validator: validator,
		Threshold: &cfg.ValidatorThreshold,
		Cache:     resultCache,
		Workers:   cfg.Workers,
		Log:       log.Named("PIPELINE"),
		Metrics:   m,
	})

	anonLog := log.Named("ANONYMIZER")
	var store anonymizer.PseudonymStore
	if cfg.PseudonymStore != "" {
		s, err := anonymizer.OpenBoltStore(cfg.PseudonymStore, anonLog)
		if err != nil {
			return nil, err
		}
		store = s
	}
	engine, err := anonymizer.New(anonymizer.Policy(cfg.Policy), anonymizer.Options{
		Placeholders: cfg.PlaceholderTable(),
		Categories:   cfg.CategoryTable(),
		Store:        store,
		Log:          anonLog,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	log.Debugf("init", "providers=%v validator=%q cache=%t workers=%d policy=%s",
		p.Providers(), p.ValidatorName(), resultCache != nil, p.Workers(), engine.Policy())
	return &app{cfg: cfg, log: log, metrics: m, pipeline: p, engine: engine}, nil
}

func (a *app) Close() error {
	return a.engine.Close()
}

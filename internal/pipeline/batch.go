package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"phi-deid/internal/anonymizer"
	"phi-deid/internal/phi"
)

// BatchResult is the outcome for texts[Index]. Err is set when detection
// failed for that text or the batch was cancelled before it finished.
type BatchResult struct {
	Index  int
	Result Result
	Err    error
}

// AnonymizedResult pairs a batch detection result with its rewritten text.
type AnonymizedResult struct {
	BatchResult
	Output anonymizer.Output
}

// BatchDetect detects every text with at most Workers texts in flight, so
// at most that many candidate lists exist at once. The output has one entry
// per input, in input order. A failing text never aborts the batch.
//
// When ctx ends, texts not yet finished get ctx.Err(); finished texts keep
// their results.
func (p *Pipeline) BatchDetect(ctx context.Context, texts []string, useCache bool) []BatchResult {
	id := uuid.NewString()
	start := time.Now()
	p.metrics.BatchesRun.Add(1)
	p.log.Infof("batch_start", "batch %s: %d texts, %d workers", id, len(texts), p.workers)

	results := make([]BatchResult, len(texts))
	for i := range results {
		results[i].Index = i
	}

	var g errgroup.Group
	g.SetLimit(p.workers)

	scheduled := 0
	for i, text := range texts {
		if ctx.Err() != nil {
			break
		}
		scheduled++
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Result, results[i].Err = p.Detect(ctx, text, useCache)
			return nil
		})
	}
	_ = g.Wait() // workers report through results

	if err := ctx.Err(); err != nil {
		for i := scheduled; i < len(results); i++ {
			results[i].Err = err
		}
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	p.metrics.BatchTextErrs.Add(int64(failed))
	p.log.Infof("batch_done", "batch %s: %d ok, %d failed in %s",
		id, len(results)-failed, failed, time.Since(start).Round(time.Millisecond))
	return results
}

// BatchAnonymize detects every text and rewrites the successful ones with
// engine under policy. Anonymization errors are reported per index like
// detection errors.
func (p *Pipeline) BatchAnonymize(ctx context.Context, texts []string, useCache bool, engine *anonymizer.Engine, policy anonymizer.Policy) []AnonymizedResult {
	detected := p.BatchDetect(ctx, texts, useCache)
	out := make([]AnonymizedResult, len(detected))
	for i, d := range detected {
		out[i].BatchResult = d
		if d.Err != nil {
			continue
		}
		out[i].Output, out[i].Err = p.Anonymize(engine, policy, texts[i], d.Result.Annotations)
	}
	return out
}

// Anonymize applies engine under policy and records the call in metrics.
// An empty policy selects the engine's default.
func (p *Pipeline) Anonymize(engine *anonymizer.Engine, policy anonymizer.Policy, text string, set phi.ResolvedSet) (anonymizer.Output, error) {
	if policy == "" {
		policy = engine.Policy()
	}
	policy, err := anonymizer.ParsePolicy(string(policy))
	if err != nil {
		return anonymizer.Output{}, err
	}
	start := time.Now()
	out, err := engine.Apply(policy, text, set)
	p.metrics.RecordAnonLatency(time.Since(start))
	if err != nil {
		p.log.Errorf("anonymize", "%v", err)
		return out, err
	}
	p.metrics.RecordPolicy(string(policy))
	return out, nil
}

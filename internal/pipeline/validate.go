package pipeline

import (
	"context"
	"errors"

	"phi-deid/internal/phi"
)

const (
	// DefaultThreshold is the confidence below which a candidate is ambiguous.
	DefaultThreshold = 0.7
	// confirmBoost is added to the confidence of a confirmed candidate.
	confirmBoost = 0.2
)

// Verdict is a validator's answer for one candidate.
type Verdict struct {
	Confirmed bool
	// Kind optionally refines the candidate's kind on confirmation.
	Kind phi.Kind
}

// Validator re-scores ambiguous candidates, typically with a language model.
// It must be safe for concurrent use. An error wrapping
// phi.ErrProviderUnavailable stops validation for the rest of the text.
type Validator interface {
	Name() string
	Validate(ctx context.Context, text string, c phi.Candidate) (Verdict, error)
}

// ambiguous reports whether candidates[i] needs a second opinion: either its
// confidence is below threshold or it overlaps a candidate of another kind.
func ambiguous(candidates []phi.Candidate, i int, threshold float64) bool {
	c := candidates[i]
	if c.Confidence < threshold {
		return true
	}
	for j, o := range candidates {
		if j != i && o.Kind != c.Kind && c.Overlaps(o) {
			return true
		}
	}
	return false
}

// validate applies the validator to every ambiguous candidate. Rejected
// candidates are dropped, confirmed ones are boosted and re-attributed to
// the slm tier, and candidates whose check failed are kept unchanged.
func (p *Pipeline) validate(ctx context.Context, text string, candidates []phi.Candidate, res *Result) ([]phi.Candidate, error) {
	if p.validator == nil || len(candidates) == 0 {
		return candidates, nil
	}

	kept := make([]phi.Candidate, 0, len(candidates))
	available := true
	for i, c := range candidates {
		if !available || !ambiguous(candidates, i, p.threshold) {
			kept = append(kept, c)
			continue
		}

		v, err := p.validator.Validate(ctx, text, c)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.metrics.ProviderFailures.Add(1)
			p.log.Warnf("validator_failed", "%s on %s [%d,%d): %v", p.validator.Name(), c.Kind, c.Start, c.End, err)
			res.Failures = append(res.Failures, phi.ProviderFailure{Provider: p.validator.Name(), Err: err})
			available = !errors.Is(err, phi.ErrProviderUnavailable)
			kept = append(kept, c)
			continue
		}

		if !v.Confirmed {
			p.metrics.ValidatorRejected.Add(1)
			p.log.Debugf("validator_reject", "%s [%d,%d)", c.Kind, c.Start, c.End)
			continue
		}
		c.Confidence = min(1, c.Confidence+confirmBoost)
		c.Source = phi.SourceSLM
		if v.Kind != "" {
			c.Kind = phi.ParseKind(string(v.Kind))
		}
		kept = append(kept, c)
	}
	return kept, nil
}

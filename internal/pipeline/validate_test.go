package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phi-deid/internal/cache"
	"phi-deid/internal/metrics"
	"phi-deid/internal/phi"
)

type fakeValidator struct {
	mu      sync.Mutex
	seen    []string
	verdict func(c phi.Candidate) (Verdict, error)
}

func (v *fakeValidator) Name() string { return "slm-validator" }

func (v *fakeValidator) Validate(_ context.Context, _ string, c phi.Candidate) (Verdict, error) {
	v.mu.Lock()
	v.seen = append(v.seen, c.Value)
	v.mu.Unlock()
	return v.verdict(c)
}

func listProvider(cands ...phi.Candidate) *fakeProvider {
	return &fakeProvider{name: "list", source: phi.SourceNER, detect: func(context.Context, string) ([]phi.Candidate, error) {
		return append([]phi.Candidate(nil), cands...), nil
	}}
}

func TestAmbiguous(t *testing.T) {
	cands := []phi.Candidate{
		{Kind: phi.KindName, Start: 0, End: 4, Confidence: 0.95},
		{Kind: phi.KindName, Start: 2, End: 6, Confidence: 0.95},
		{Kind: phi.KindDate, Start: 10, End: 15, Confidence: 0.9},
		{Kind: phi.KindName, Start: 12, End: 14, Confidence: 0.9},
		{Kind: phi.KindEmail, Start: 20, End: 30, Confidence: 0.5},
	}
	assert.False(t, ambiguous(cands, 0, DefaultThreshold), "same-kind overlap is not ambiguous")
	assert.True(t, ambiguous(cands, 2, DefaultThreshold), "cross-kind overlap")
	assert.True(t, ambiguous(cands, 3, DefaultThreshold))
	assert.True(t, ambiguous(cands, 4, DefaultThreshold), "low confidence")
	assert.False(t, ambiguous(cands, 4, 0.5))
}

func TestValidatorConfirmsAndRejects(t *testing.T) {
	text := "John Smith seen May 3 for 123-45-6789"
	prov := listProvider(
		phi.Candidate{Kind: phi.KindName, Start: 0, End: 10, Confidence: 0.5},
		phi.Candidate{Kind: phi.KindOther, Start: 16, End: 21, Confidence: 0.6},
		phi.Candidate{Kind: phi.KindSSN, Start: 26, End: 37, Confidence: 1},
	)
	v := &fakeValidator{verdict: func(c phi.Candidate) (Verdict, error) {
		if c.Kind == phi.KindName {
			return Verdict{}, nil
		}
		return Verdict{Confirmed: true, Kind: "DATE"}, nil
	}}
	m := metrics.New()
	p := newPipeline(Options{Providers: []phi.Provider{prov}, Validator: v, Metrics: m})

	res, err := p.Detect(context.Background(), text, false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"John Smith", "May 3"}, v.seen, "only ambiguous candidates are validated")
	require.Len(t, res.Annotations, 2)

	date := res.Annotations[0]
	assert.Equal(t, phi.KindDate, date.Kind)
	assert.Equal(t, phi.SourceSLM, date.Source)
	assert.InDelta(t, 0.8, date.Confidence, 1e-9)

	assert.Equal(t, phi.KindSSN, res.Annotations[1].Kind)
	assert.Equal(t, int64(1), m.Snapshot().Detection.ValidatorRejected)
	assert.Empty(t, res.Failures)
}

func TestValidatorThreshold(t *testing.T) {
	prov := listProvider(phi.Candidate{Kind: phi.KindName, Start: 0, End: 3, Confidence: 0.5})
	zero, high := 0.0, 0.9
	tests := []struct {
		name      string
		threshold *float64
		validated bool
	}{
		{"default", nil, true},
		{"zero disables low-confidence checks", &zero, false},
		{"explicit", &high, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &fakeValidator{verdict: func(phi.Candidate) (Verdict, error) { return Verdict{Confirmed: true}, nil }}
			p := newPipeline(Options{Providers: []phi.Provider{prov}, Validator: v, Threshold: tt.threshold})

			_, err := p.Detect(context.Background(), "Ann", false)
			require.NoError(t, err)
			assert.Equal(t, tt.validated, len(v.seen) == 1)
		})
	}
}

func TestValidatorBoostIsCapped(t *testing.T) {
	prov := listProvider(
		phi.Candidate{Kind: phi.KindName, Start: 0, End: 3, Confidence: 0.95},
		phi.Candidate{Kind: phi.KindLocation, Start: 0, End: 3, Confidence: 0.9},
	)
	v := &fakeValidator{verdict: func(phi.Candidate) (Verdict, error) { return Verdict{Confirmed: true}, nil }}
	p := newPipeline(Options{Providers: []phi.Provider{prov}, Validator: v})

	res, err := p.Detect(context.Background(), "Ann", false)
	require.NoError(t, err)
	require.Len(t, res.Annotations, 1)
	assert.Equal(t, 1.0, res.Annotations[0].Confidence)
	// Both capped at 1.0 from the same tier, so kind order decides.
	assert.Equal(t, phi.KindLocation, res.Annotations[0].Kind)
}

func TestValidatorUnavailableKeepsCandidates(t *testing.T) {
	prov := listProvider(
		phi.Candidate{Kind: phi.KindName, Start: 0, End: 4, Confidence: 0.5},
		phi.Candidate{Kind: phi.KindName, Start: 5, End: 9, Confidence: 0.5},
	)
	v := &fakeValidator{verdict: func(phi.Candidate) (Verdict, error) {
		return Verdict{}, fmt.Errorf("%w: dial tcp: connection refused", phi.ErrProviderUnavailable)
	}}
	c := cache.New(10)
	p := newPipeline(Options{Providers: []phi.Provider{prov}, Validator: v, Cache: c})

	res, err := p.Detect(context.Background(), "Jane Mary", true)
	require.NoError(t, err)
	assert.Len(t, res.Annotations, 2)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "slm-validator", res.Failures[0].Provider)
	assert.True(t, res.Failures[0].Unavailable())
	assert.Len(t, v.seen, 1, "validation stops once the validator is unreachable")
	assert.Zero(t, c.Len())
}

func TestValidatorErrorPerCandidate(t *testing.T) {
	prov := listProvider(
		phi.Candidate{Kind: phi.KindName, Start: 0, End: 4, Confidence: 0.5},
		phi.Candidate{Kind: phi.KindName, Start: 5, End: 9, Confidence: 0.5},
	)
	v := &fakeValidator{verdict: func(c phi.Candidate) (Verdict, error) {
		if c.Start == 0 {
			return Verdict{}, fmt.Errorf("%w: unparseable answer", phi.ErrProviderError)
		}
		return Verdict{}, nil
	}}
	p := newPipeline(Options{Providers: []phi.Provider{prov}, Validator: v})

	res, err := p.Detect(context.Background(), "Jane Mary", false)
	require.NoError(t, err)
	require.Len(t, res.Annotations, 1)
	assert.Equal(t, "Jane", res.Annotations[0].Value)
	assert.Len(t, res.Failures, 1)
	assert.Len(t, v.seen, 2)
}

// Package anonymizer rewrites text from a resolved annotation set.
// Four policies are supported:
//  1. safe_harbor replaces each span with a fixed per-kind placeholder.
//  2. pseudonymize replaces each span with a stable, format-preserving substitute.
//  3. redact deletes each span. Surrounding whitespace is never touched.
//  4. tag replaces each span with [KIND:n], n counting per kind within the text.
//
// Every policy is a single left-to-right pass over the sorted annotations;
// replacement decisions depend only on source offsets. Kinds without a
// category mapping fall into the other_unique_identifier bucket for both
// substitution and statistics, so anonymization is total over valid input.
package anonymizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"phi-deid/internal/logger"
	"phi-deid/internal/phi"
)

// Policy selects how annotated spans are rewritten.
type Policy string

// Supported anonymization policies.
const (
	PolicySafeHarbor   Policy = "safe_harbor"
	PolicyPseudonymize Policy = "pseudonymize"
	PolicyRedact       Policy = "redact"
	PolicyTag          Policy = "tag"
)

// Policies lists every supported policy.
func Policies() []Policy {
	return []Policy{PolicySafeHarbor, PolicyPseudonymize, PolicyRedact, PolicyTag}
}

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Policies() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown policy %q", s)
}

// Options configures an Engine. Zero values select the built-in tables and
// an in-memory pseudonym store.
type Options struct {
	// Placeholders overrides or extends the safe harbor placeholder table.
	Placeholders map[phi.Kind]string
	// Categories overrides or extends the kind-to-HIPAA-category table.
	Categories map[phi.Kind]phi.Category
	// Store backs the pseudonym map. The engine takes ownership.
	Store PseudonymStore
	Log   *logger.Logger
}

// Statistics counts the annotations of one anonymization call.
type Statistics struct {
	Total      int            `json:"total_phi"`
	ByType     map[string]int `json:"by_type"`
	ByCategory map[string]int `json:"by_hipaa_category"`
}

// Output is the result of one anonymization call.
type Output struct {
	Text  string     `json:"text"`
	Stats Statistics `json:"statistics"`
}

// Engine applies anonymization policies. It is safe for concurrent use;
// the pseudonym map is its only mutable state.
type Engine struct {
	policy       Policy
	placeholders map[phi.Kind]string
	categories   map[phi.Kind]phi.Category
	pseudonyms   *PseudonymMap
	sessionID    string
	log          *logger.Logger
}

// New creates an Engine whose default policy is policy.
func New(policy Policy, opts Options) (*Engine, error) {
	policy, err := ParsePolicy(string(policy))
	if err != nil {
		return nil, err
	}

	categories := phi.DefaultCategories()
	for k, c := range opts.Categories {
		categories[phi.ParseKind(string(k))] = c
	}
	placeholders := phi.DefaultPlaceholders()
	for k, p := range opts.Placeholders {
		placeholders[phi.ParseKind(string(k))] = p
	}

	pm, err := NewPseudonymMap(opts.Store, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("pseudonym map: %w", err)
	}

	return &Engine{
		policy:       policy,
		placeholders: placeholders,
		categories:   categories,
		pseudonyms:   pm,
		sessionID:    uuid.NewSHA1(uuid.NameSpaceOID, pm.key).String(),
		log:          opts.Log,
	}, nil
}

// Policy returns the engine's default policy.
func (e *Engine) Policy() Policy { return e.policy }

// SessionID identifies the pseudonym session. A durable store keeps the same
// ID across restarts.
func (e *Engine) SessionID() string { return e.sessionID }

// Pseudonyms exposes the session's pseudonym map.
func (e *Engine) Pseudonyms() *PseudonymMap { return e.pseudonyms }

// Close releases the pseudonym store.
func (e *Engine) Close() error { return e.pseudonyms.Close() }

// Anonymize rewrites text under the engine's default policy.
func (e *Engine) Anonymize(text string, set phi.ResolvedSet) (Output, error) {
	return e.Apply(e.policy, text, set)
}

// Apply rewrites text under policy. Besides an unknown policy it fails only
// when set does not describe text; those errors wrap phi.ErrInvalidCandidate.
func (e *Engine) Apply(policy Policy, text string, set phi.ResolvedSet) (Output, error) {
	policy, err := ParsePolicy(string(policy))
	if err != nil {
		return Output{}, err
	}
	if err := checkSet(text, set); err != nil {
		return Output{}, err
	}

	var (
		b     strings.Builder
		tags  map[phi.Kind]int
		stats = Statistics{
			Total:      len(set),
			ByType:     make(map[string]int),
			ByCategory: make(map[string]int),
		}
	)
	if policy == PolicyTag {
		tags = make(map[phi.Kind]int)
	}
	b.Grow(len(text))

	last := 0
	for _, a := range set {
		kind, category := e.classify(a.Kind)
		stats.ByType[string(kind)]++
		stats.ByCategory[string(category)]++

		b.WriteString(text[last:a.Start])
		last = a.End

		switch policy {
		case PolicySafeHarbor:
			b.WriteString(e.placeholder(kind))
		case PolicyPseudonymize:
			b.WriteString(e.pseudonyms.Substitute(kind, text[a.Start:a.End]))
		case PolicyRedact:
		case PolicyTag:
			tags[kind]++
			b.WriteString("[" + kind.Label() + ":" + strconv.Itoa(tags[kind]) + "]")
		}
	}
	b.WriteString(text[last:])

	return Output{Text: b.String(), Stats: stats}, nil
}

// classify resolves the kind used for substitution and its category.
// Unmapped kinds collapse into the generic other bucket.
func (e *Engine) classify(kind phi.Kind) (phi.Kind, phi.Category) {
	if c, ok := e.categories[kind]; ok {
		return kind, c
	}
	e.log.Warnf("unknown_kind", "%v %q, using %s", phi.ErrUnknownKind, kind, phi.KindOther)
	return phi.KindOther, e.categories[phi.KindOther]
}

func (e *Engine) placeholder(kind phi.Kind) string {
	if p, ok := e.placeholders[kind]; ok {
		return p
	}
	return "[" + kind.Label() + "]"
}

// checkSet verifies that set is a sorted, non-overlapping annotation set over text.
func checkSet(text string, set phi.ResolvedSet) error {
	prevEnd := 0
	for i, a := range set {
		c, err := phi.Candidate(a).Check(text)
		if err != nil {
			return fmt.Errorf("annotation %d: %w", i, err)
		}
		if c.Start < prevEnd {
			return fmt.Errorf("annotation %d: %w", i, &phi.CandidateError{Candidate: c, Reason: "overlaps or precedes previous annotation"})
		}
		prevEnd = c.End
	}
	return nil
}

package ollama

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"phi-deid/internal/phi"
	"phi-deid/internal/pipeline"
)

// contextBytes is how much text either side of a candidate the model sees.
const contextBytes = 50

const validatePrompt = `You are a HIPAA compliance expert. Determine if the following text contains Protected Health Information (PHI).

Context: %s
Detected Text: %q
Detected Type: %s
Confidence: %.2f

Is this actually PHI? Respond with:
- "YES" if it is PHI
- "NO" if it is not PHI

If YES, what is the correct PHI type? (ssn, phone, fax, email, name, location, date, organization, ip_address, url, medical_record_number, or other)

Response:`

// Validator asks the model whether an ambiguous candidate really is PHI.
type Validator struct {
	client *Client
}

// NewValidator wraps c as a pipeline.Validator.
func NewValidator(c *Client) *Validator { return &Validator{client: c} }

// Name implements pipeline.Validator.
func (v *Validator) Name() string { return "ollama-validator" }

// Validate implements pipeline.Validator.
func (v *Validator) Validate(ctx context.Context, text string, c phi.Candidate) (pipeline.Verdict, error) {
	window := contextWindow(text, c.Start, c.End, contextBytes)
	raw, err := v.client.generate(ctx, fmt.Sprintf(validatePrompt, window, c.Value, c.Kind, c.Confidence))
	if err != nil {
		return pipeline.Verdict{}, err
	}
	verdict, err := parseVerdict(raw)
	if err != nil {
		return pipeline.Verdict{}, err
	}
	v.client.log.Debugf("validate", "%s [%d,%d): confirmed=%t kind=%q", c.Kind, c.Start, c.End, verdict.Confirmed, verdict.Kind)
	return verdict, nil
}

// contextWindow returns text[start-n:end+n], clamped to the text and
// widened outwards to rune boundaries.
func contextWindow(text string, start, end, n int) string {
	lo := max(0, start-n)
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	hi := min(len(text), end+n)
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return text[lo:hi]
}

// parseVerdict reads a YES/NO answer; "not" counts as a no. An answer that
// says neither, or both, near its start keeps the candidate. The first word naming a known
// kind refines it.
func parseVerdict(raw string) (pipeline.Verdict, error) {
	words := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_'
	})
	if len(words) == 0 {
		return pipeline.Verdict{}, fmt.Errorf("%w: empty validator answer", phi.ErrProviderError)
	}

	yes, no := false, false
	for _, w := range words[:min(len(words), 3)] {
		switch w {
		case "yes":
			yes = true
		case "no", "not":
			no = true
		}
	}
	if no && !yes {
		return pipeline.Verdict{}, nil
	}

	verdict := pipeline.Verdict{Confirmed: true}
	for _, w := range words {
		if w == "yes" || w == "no" {
			continue
		}
		if k := phi.ParseKind(w); k.Known() {
			verdict.Kind = k
			break
		}
	}
	return verdict, nil
}

// Package pattern is the first detection tier: structured identifiers found
// by regular expressions. Rules use lookarounds to pin match boundaries, so
// they are compiled with regexp2 rather than the standard library.
package pattern

import (
	"context"
	"net/netip"
	"time"

	"github.com/dlclark/regexp2"

	"phi-deid/internal/logger"
	"phi-deid/internal/phi"
)

// matchTimeout bounds a single rule on a single text.
const matchTimeout = 250 * time.Millisecond

// rule pairs a compiled expression with the kind and confidence it reports.
// When the expression has a group named "v", only that group is reported.
type rule struct {
	name       string
	re         *regexp2.Regexp
	kind       phi.Kind
	confidence float64
	accept     func(value string) bool
}

var specs = []struct {
	name       string
	expr       string
	kind       phi.Kind
	confidence float64
	accept     func(string) bool
}{
	{"ssn", `(?<![\d-])(?!000|666|9\d\d)\d{3}-(?!00)\d{2}-(?!0000)\d{4}(?![\d-])`, phi.KindSSN, 1.0, nil},
	{"fax", `(?i)\bfax\b[\s:#.-]*(?<v>(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]\d{4})(?![\w-])`, phi.KindFax, 1.0, nil},
	{"phone_us", `(?<![\w+(-])(?:\+?1[-. ]?)?(?:\([2-9]\d{2}\)|[2-9]\d{2})[-. ]?\d{3}[-. ]\d{4}(?![\w-])`, phi.KindPhone, 1.0, nil},
	{"phone_local", `(?<![\w(.-])\d{3}-\d{4}(?![\w-])`, phi.KindPhone, 0.9, nil},
	{"phone_intl", `(?<![\w+])\+[2-9]\d{0,2}(?:[ .-]?\(?\d{1,4}\)?){2,4}\d{2,4}(?![\w-])`, phi.KindPhone, 1.0, nil},
	{"email", `(?<![\w.%+-])[A-Za-z0-9._%+-]+@[A-Za-z0-9-]+(?:\.[A-Za-z0-9-]+)*\.[A-Za-z]{2,}(?![\w-])`, phi.KindEmail, 1.0, nil},
	{"ipv4", `(?<!\d|\d\.)(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)(?!\d|\.\d)`, phi.KindIPAddress, 1.0, nil},
	{"ipv6", `(?<![\w:])(?:[0-9A-Fa-f]{1,4}:){1,7}:?[0-9A-Fa-f]{0,4}(?:::?[0-9A-Fa-f]{1,4}){0,5}(?![\w:])`, phi.KindIPAddress, 0.9, isIPv6},
	{"url", `(?i)\b(?:https?://|www\.)[^\s<>"']+(?<![.,;:!?)\]'"])`, phi.KindURL, 0.9, nil},
	{"mrn", `(?i)\b(?:MRN|medical record(?:\s+(?:number|no\.?|#))?)[\s:#]*(?<v>[A-Z]{0,3}\d{5,10})\b`, phi.KindMRN, 0.85, nil},
}

func isIPv6(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is6()
}

// Provider is the regex tier. It is safe for concurrent use.
type Provider struct {
	rules []rule
	log   *logger.Logger
}

// New compiles the built-in rules. A rule that fails to compile is logged
// and skipped.
func New(log *logger.Logger) *Provider {
	p := &Provider{log: log}
	for _, s := range specs {
		re, err := regexp2.Compile(s.expr, regexp2.None)
		if err != nil {
			log.Warnf("compile", "could not compile rule %s: %v", s.name, err)
			continue
		}
		re.MatchTimeout = matchTimeout
		p.rules = append(p.rules, rule{name: s.name, re: re, kind: s.kind, confidence: s.confidence, accept: s.accept})
	}
	return p
}

// Name implements phi.Provider.
func (p *Provider) Name() string { return "pattern" }

// Source implements phi.Provider.
func (p *Provider) Source() phi.Source { return phi.SourceRegex }

// Rules returns the number of active rules.
func (p *Provider) Rules() int { return len(p.rules) }

// Detect runs every rule over text. A rule that times out is logged and its
// remaining matches are skipped; the only error returned is ctx's.
func (p *Provider) Detect(ctx context.Context, text string) ([]phi.Candidate, error) {
	var (
		out     []phi.Candidate
		offsets []int
	)
	for _, r := range p.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := r.re.FindStringMatch(text)
		for ; m != nil && err == nil; m, err = r.re.FindNextMatch(m) {
			if offsets == nil {
				offsets = runeOffsets(text)
			}
			start, length := m.Index, m.Length
			if g := m.GroupByName("v"); g != nil && g.Length > 0 {
				start, length = g.Index, g.Length
			}
			c := phi.Candidate{
				Kind:       r.kind,
				Start:      offsets[start],
				End:        offsets[start+length],
				Confidence: r.confidence,
				Source:     phi.SourceRegex,
			}
			c.Value = text[c.Start:c.End]
			if r.accept != nil && !r.accept(c.Value) {
				continue
			}
			out = append(out, c)
		}
		if err != nil {
			p.log.Warnf("match", "rule %s: %v", r.name, err)
		}
	}
	return out, nil
}

// runeOffsets maps rune indexes (as reported by regexp2) to byte offsets.
// The extra final entry maps the end of the text.
func runeOffsets(text string) []int {
	offsets := make([]int, 0, len(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}

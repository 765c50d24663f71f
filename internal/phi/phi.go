// Package phi defines the detection data model shared by every stage of the
// de-identification pipeline: providers emit Candidates, the resolver turns
// them into a ResolvedSet of non-overlapping Annotations, the result cache
// stores ResolvedSets, and the anonymizer rewrites text from them.
//
// Offsets are byte offsets into the UTF-8 source text, half-open [Start, End).
package phi

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind is the identifier category a detection claims.
type Kind string

// Supported identifier kinds.
const (
	KindSSN           Kind = "ssn"
	KindPhone         Kind = "phone"
	KindFax           Kind = "fax"
	KindEmail         Kind = "email"
	KindIPAddress     Kind = "ip_address"
	KindURL           Kind = "url"
	KindName          Kind = "name"
	KindLocation      Kind = "location"
	KindDate          Kind = "date"
	KindOrganization  Kind = "organization"
	KindMRN           Kind = "medical_record_number"
	KindHealthPlanID  Kind = "health_plan_id"
	KindAccountNumber Kind = "account_number"
	KindLicenseNumber Kind = "license_number"
	KindVehicleID     Kind = "vehicle_id"
	KindDeviceID      Kind = "device_id"
	KindBiometricID   Kind = "biometric_id"
	KindZipCode       Kind = "zip_code"
	KindOther         Kind = "other_unique_identifier"
)

// kindAliases maps alternative spellings used by detectors to canonical kinds.
var kindAliases = map[string]Kind{
	"ip":                             KindIPAddress,
	"ipv4":                           KindIPAddress,
	"ipv6":                           KindIPAddress,
	"fax_number":                     KindFax,
	"telephone":                      KindPhone,
	"mrn":                            KindMRN,
	"health_plan_beneficiary_number": KindHealthPlanID,
	"certificate_license_number":     KindLicenseNumber,
	"zip":                            KindZipCode,
	"other":                          KindOther,
}

// ParseKind normalizes a detector-supplied label (case, surrounding space,
// known aliases). It does not reject unknown kinds; see Known.
func ParseKind(s string) Kind {
	s = strings.ToLower(strings.TrimSpace(s))
	if k, ok := kindAliases[s]; ok {
		return k
	}
	return Kind(s)
}

// Known reports whether k has a built-in category mapping.
func (k Kind) Known() bool {
	_, ok := defaultCategories[k]
	return ok
}

// Label returns the upper-cased kind used in placeholders, e.g. "IP_ADDRESS".
func (k Kind) Label() string { return cases.Upper(language.Und).String(string(k)) }

// Source identifies which detection tier produced a candidate.
type Source string

// Detection tiers, in descending trust order.
const (
	SourceRegex Source = "regex"
	SourceNER   Source = "ner"
	SourceSLM   Source = "slm"
)

// Rank orders sources for tie-breaking: pattern-based beats learned beats
// validator-based. Unknown sources rank last.
func (s Source) Rank() int {
	switch s {
	case SourceRegex:
		return 0
	case SourceNER:
		return 1
	case SourceSLM:
		return 2
	}
	return 3
}

// Candidate is one provider's claim about a span of the source text.
type Candidate struct {
	Kind       Kind    `json:"type"`
	Value      string  `json:"value"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

// Len returns the span length in bytes.
func (c Candidate) Len() int { return c.End - c.Start }

// Overlaps reports whether the two spans share at least one byte.
func (c Candidate) Overlaps(o Candidate) bool {
	return c.Start < o.End && o.Start < c.End
}

// Check verifies c against text and returns the normalized candidate.
// An empty Value is filled from the text; a non-empty Value must equal
// text[Start:End]. Failures are *CandidateError values wrapping
// ErrInvalidCandidate.
func (c Candidate) Check(text string) (Candidate, error) {
	switch {
	case c.Start >= c.End:
		return c, &CandidateError{Candidate: c, Reason: "empty or inverted span"}
	case c.Start < 0 || c.End > len(text):
		return c, &CandidateError{Candidate: c, Reason: fmt.Sprintf("span outside text of length %d", len(text))}
	case !boundary(text, c.Start) || !boundary(text, c.End):
		return c, &CandidateError{Candidate: c, Reason: "span splits a UTF-8 sequence"}
	case math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1:
		return c, &CandidateError{Candidate: c, Reason: fmt.Sprintf("confidence %.3f outside [0,1]", c.Confidence)}
	}
	if c.Value == "" {
		c.Value = text[c.Start:c.End]
	} else if c.Value != text[c.Start:c.End] {
		return c, &CandidateError{Candidate: c, Reason: "value does not match text at offsets"}
	}
	return c, nil
}

func boundary(text string, i int) bool {
	return i == len(text) || utf8.RuneStart(text[i])
}

// Annotation is a Candidate that survived overlap resolution.
type Annotation Candidate

// Len returns the span length in bytes.
func (a Annotation) Len() int { return a.End - a.Start }

// ResolvedSet is the ordered, non-overlapping annotation set for one text.
// Values handed out by the result cache are shared; callers must not mutate them.
type ResolvedSet []Annotation

// Valid reports whether s is sorted by Start and free of overlaps.
func (s ResolvedSet) Valid() bool {
	for i := 1; i < len(s); i++ {
		if s[i].Start < s[i-1].End {
			return false
		}
	}
	return true
}

// Clone returns a copy the caller may modify.
func (s ResolvedSet) Clone() ResolvedSet {
	if s == nil {
		return nil
	}
	out := make(ResolvedSet, len(s))
	copy(out, s)
	return out
}

// Provider is a black-box detector: text in, candidate spans out.
// Implementations must be safe for concurrent use. A provider that cannot
// be reached returns an error wrapping ErrProviderUnavailable; any other
// failure for a specific call should wrap ErrProviderError.
type Provider interface {
	Name() string
	Source() Source
	Detect(ctx context.Context, text string) ([]Candidate, error)
}

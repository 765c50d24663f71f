package phi

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error taxonomy. Everything except ErrCacheCorruption is non-fatal.
var (
	ErrInvalidCandidate    = errors.New("invalid candidate")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderError       = errors.New("provider error")
	ErrUnknownKind         = errors.New("unknown kind")
	ErrCacheCorruption     = errors.New("cache corruption")
)

// CandidateError describes a malformed span rejected at ingestion.
type CandidateError struct {
	Candidate Candidate
	Reason    string
}

func (e *CandidateError) Error() string {
	c := e.Candidate
	return fmt.Sprintf("invalid candidate %s [%d,%d) from %s: %s", c.Kind, c.Start, c.End, c.Source, e.Reason)
}

func (e *CandidateError) Unwrap() error { return ErrInvalidCandidate }

// ProviderFailure attributes an error to the provider that produced it.
type ProviderFailure struct {
	Provider string
	Err      error
}

func (f ProviderFailure) Error() string {
	return fmt.Sprintf("provider %s: %v", f.Provider, f.Err)
}

func (f ProviderFailure) Unwrap() error { return f.Err }

// Unavailable reports whether the provider could not be reached at all, as
// opposed to failing on this particular text.
func (f ProviderFailure) Unavailable() bool {
	return errors.Is(f.Err, ErrProviderUnavailable)
}

// MarshalJSON renders the failure as {"provider":..,"error":..,"unavailable":..}.
func (f ProviderFailure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		Provider    string `json:"provider"`
		Error       string `json:"error"`
		Unavailable bool   `json:"unavailable"`
	}{f.Provider, msg, f.Unavailable()})
}

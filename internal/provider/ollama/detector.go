package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"phi-deid/internal/phi"
)

const detectPrompt = `Analyze the following clinical text for protected health information (PHI).
Return ONLY a JSON array of detections. Each item must have:
- "original": the exact text found
- "type": one of: name, location, date, organization, phone, fax, email, ssn, medical_record_number, health_plan_id, account_number, license_number, vehicle_id, device_id, url, ip_address, biometric_id, zip_code, other_unique_identifier
- "confidence": float 0.0-1.0

Text to analyze:
%s

Return ONLY the JSON array, no explanation. Example: [{"original":"John Smith","type":"name","confidence":0.95}]`

type detection struct {
	Original   string  `json:"original"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Detector asks the model to list identifiers and locates each one in the
// text.
type Detector struct {
	client *Client
}

// NewDetector wraps c as a phi.Provider.
func NewDetector(c *Client) *Detector { return &Detector{client: c} }

// Name implements phi.Provider.
func (d *Detector) Name() string { return "ollama" }

// Source implements phi.Provider.
func (d *Detector) Source() phi.Source { return phi.SourceSLM }

// Detect implements phi.Provider. Every occurrence of a listed value becomes
// a candidate; values that do not occur in the text are ignored.
func (d *Detector) Detect(ctx context.Context, text string) ([]phi.Candidate, error) {
	raw, err := d.client.generate(ctx, fmt.Sprintf(detectPrompt, text))
	if err != nil {
		return nil, err
	}
	dets, err := parseDetections(raw)
	if err != nil {
		return nil, err
	}

	var out []phi.Candidate
	seen := make(map[string]bool, len(dets))
	for _, det := range dets {
		if det.Original == "" {
			continue
		}
		kind := phi.ParseKind(det.Type)
		key := string(kind) + "\x00" + det.Original
		if seen[key] {
			continue
		}
		seen[key] = true
		conf := min(max(det.Confidence, 0), 1)
		for off := 0; ; {
			i := strings.Index(text[off:], det.Original)
			if i < 0 {
				break
			}
			start := off + i
			out = append(out, phi.Candidate{
				Kind:       kind,
				Start:      start,
				End:        start + len(det.Original),
				Value:      det.Original,
				Confidence: conf,
				Source:     phi.SourceSLM,
			})
			off = start + len(det.Original)
		}
	}
	d.client.log.Debugf("detect", "model listed %d values, %d occurrences", len(dets), len(out))
	return out, nil
}

// parseDetections extracts the JSON array from the model's free-form answer.
func parseDetections(raw string) ([]detection, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("%w: no JSON array in model response", phi.ErrProviderError)
	}
	var dets []detection
	if err := json.Unmarshal([]byte(raw[start:end+1]), &dets); err != nil {
		return nil, fmt.Errorf("%w: detection parse error: %w", phi.ErrProviderError, err)
	}
	return dets, nil
}

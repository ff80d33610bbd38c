package privacy

import (
	"encoding/json"
	"fmt"
	"strings"

	"aegis/pkg/manifest"
)

// Kind identifies a class of sensitive data found in a payload.
type Kind string

const (
	KindCreditCard Kind = "credit_card"
	KindSSN        Kind = "ssn"
	KindEmail      Kind = "email"
)

// RedactionToken replaces every matched sensitive substring in scrubbed
// payloads. Contains no digits, so scrubbing is idempotent.
const RedactionToken = "[REDACTED]"

// Detector finds and redacts sensitive data in serialized payload text.
// The default is a deliberately loose Luhn+regexp heuristic; callers
// needing stricter matching supply their own.
type Detector interface {
	Detect(text string) []Kind
	Redact(text string) string
}

// Validator decides block/warn/allow for a payload against a manifest's
// privacy contract.
type Validator struct {
	Detector Detector
}

func NewValidator() *Validator {
	return &Validator{Detector: HeuristicDetector{}}
}

func (v *Validator) detector() Detector {
	if v.Detector != nil {
		return v.Detector
	}
	return HeuristicDetector{}
}

// Detect scans the serialized payload for sensitive data kinds.
func (v *Validator) Detect(payload []byte) []Kind {
	return v.detector().Detect(string(payload))
}

// ValidatePolicy applies the privacy contract to the payload contents.
// Credit cards may never flow to permanent retention; SSNs only to
// ephemeral retention.
func (v *Validator) ValidatePolicy(m manifest.Manifest, payload []byte) (bool, string) {
	kinds := v.Detect(payload)
	for _, k := range kinds {
		switch k {
		case KindCreditCard:
			if m.PrivacyContract.Retention == manifest.RetentionPermanent {
				return false, "credit card data cannot be sent to an agent with permanent retention"
			}
		case KindSSN:
			if m.PrivacyContract.Retention != manifest.RetentionEphemeral {
				return false, fmt.Sprintf("ssn data requires ephemeral retention, agent declares %s", m.PrivacyContract.Retention)
			}
		}
	}
	return true, ""
}

// Warning returns one line per trust concern, or "" when none apply.
func Warning(m manifest.Manifest) string {
	var lines []string
	if score := manifest.TrustScore(m); score < 5 {
		lines = append(lines, fmt.Sprintf("low trust score (%d/10)", score))
	}
	if m.Capabilities.Reversibility == manifest.ReversibilityNone {
		lines = append(lines, "actions cannot be rolled back (reversibility: none)")
	}
	if !m.Capabilities.Idempotent {
		lines = append(lines, "requests are not idempotent; retries may duplicate effects")
	}
	if m.PrivacyContract.Retention == manifest.RetentionPermanent {
		lines = append(lines, "payload data is retained permanently")
	}
	if m.PrivacyContract.HumanReview {
		lines = append(lines, "payloads may be reviewed by humans")
	}
	return strings.Join(lines, "\n")
}

// ShouldQuarantine reports whether an override of this manifest's warnings
// must be captured as a quarantine session.
func ShouldQuarantine(m manifest.Manifest) bool {
	if manifest.TrustScore(m) < 3 {
		return true
	}
	if m.Capabilities.Reversibility == manifest.ReversibilityNone &&
		m.PrivacyContract.Retention == manifest.RetentionPermanent {
		return true
	}
	return m.TrustLevel == manifest.TrustUntrusted
}

// Scrub returns a structurally identical copy of v with every matched
// card/ssn substring replaced by the redaction token. Used only at the
// audit boundary, never on the forwarded payload.
func (v *Validator) Scrub(val interface{}) interface{} {
	det := v.detector()
	switch t := val.(type) {
	case string:
		return det.Redact(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = v.Scrub(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = v.Scrub(item)
		}
		return out
	case json.Number:
		if red := det.Redact(t.String()); red != t.String() {
			return red
		}
		return t
	default:
		return val
	}
}

// ScrubJSON scrubs a raw JSON document. Payloads that fail to parse are
// redacted as flat text so nothing sensitive reaches the log.
func (v *Validator) ScrubJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var val interface{}
	if err := dec.Decode(&val); err != nil {
		out, _ := json.Marshal(v.detector().Redact(string(raw)))
		return out
	}
	out, err := json.Marshal(v.Scrub(val))
	if err != nil {
		return json.RawMessage(`"` + RedactionToken + `"`)
	}
	return out
}

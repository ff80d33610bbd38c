package manifest

import (
	"fmt"
	"time"
)

// Trust levels, ordered from most to least trusted.
const (
	TrustVerifiedPartner = "verified_partner"
	TrustTrusted         = "trusted"
	TrustStandard        = "standard"
	TrustUnknown         = "unknown"
	TrustUntrusted       = "untrusted"
)

// Reversibility of the agent's side effects.
const (
	ReversibilityFull    = "full"
	ReversibilityPartial = "partial"
	ReversibilityNone    = "none"
)

// Data retention declared by the agent.
const (
	RetentionEphemeral = "ephemeral"
	RetentionTemporary = "temporary"
	RetentionPermanent = "permanent"
)

// Manifest is an agent's declared, immutable statement of guarantees.
// Treated as read-only by every consumer.
type Manifest struct {
	AgentID         string          `json:"agent_id"`
	AgentVersion    string          `json:"agent_version"`
	TrustLevel      string          `json:"trust_level"`
	Capabilities    Capabilities    `json:"capabilities"`
	PrivacyContract PrivacyContract `json:"privacy_contract"`
}

type Capabilities struct {
	Idempotent    bool          `json:"idempotent"`
	Reversibility string        `json:"reversibility"`
	UndoWindow    time.Duration `json:"undo_window,omitempty"`
	SLALatency    time.Duration `json:"sla_latency,omitempty"`
	RateLimit     int           `json:"rate_limit,omitempty"`
}

type PrivacyContract struct {
	Retention        string `json:"retention"`
	StorageLocation  string `json:"storage_location,omitempty"`
	HumanReview      bool   `json:"human_review"`
	EncryptAtRest    bool   `json:"encrypt_at_rest"`
	EncryptInTransit bool   `json:"encrypt_in_transit"`
}

// TrustScore derives the static 0-10 trust score from declared fields.
// Pure and deterministic; this is the canonical scoring rule.
func TrustScore(m Manifest) int {
	score := 5
	switch m.TrustLevel {
	case TrustVerifiedPartner:
		score += 3
	case TrustTrusted:
		score += 2
	case TrustStandard:
	case TrustUnknown:
		score -= 2
	case TrustUntrusted:
		score -= 5
	}
	if m.Capabilities.Idempotent {
		score++
	}
	if m.Capabilities.Reversibility != ReversibilityNone {
		score++
	}
	switch m.PrivacyContract.Retention {
	case RetentionEphemeral:
		score += 2
	case RetentionPermanent:
		score -= 2
	}
	if !m.PrivacyContract.HumanReview {
		score++
	}
	return clamp(score)
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

// TrustLevelForScore maps a dynamic score onto the manifest trust-level enum.
func TrustLevelForScore(score float64) string {
	switch {
	case score >= 9:
		return TrustVerifiedPartner
	case score >= 6:
		return TrustTrusted
	case score >= 4:
		return TrustStandard
	case score >= 2:
		return TrustUnknown
	default:
		return TrustUntrusted
	}
}

func ValidTrustLevel(level string) bool {
	switch level {
	case TrustVerifiedPartner, TrustTrusted, TrustStandard, TrustUnknown, TrustUntrusted:
		return true
	}
	return false
}

func ValidReversibility(r string) bool {
	switch r {
	case ReversibilityFull, ReversibilityPartial, ReversibilityNone:
		return true
	}
	return false
}

func ValidRetention(r string) bool {
	switch r {
	case RetentionEphemeral, RetentionTemporary, RetentionPermanent:
		return true
	}
	return false
}

// Validate rejects manifests with enum values outside the closed sets.
func Validate(m Manifest) error {
	if m.AgentID == "" {
		return fmt.Errorf("manifest: agent_id required")
	}
	if !ValidTrustLevel(m.TrustLevel) {
		return fmt.Errorf("manifest: invalid trust_level %q", m.TrustLevel)
	}
	if !ValidReversibility(m.Capabilities.Reversibility) {
		return fmt.Errorf("manifest: invalid reversibility %q", m.Capabilities.Reversibility)
	}
	if !ValidRetention(m.PrivacyContract.Retention) {
		return fmt.Errorf("manifest: invalid retention %q", m.PrivacyContract.Retention)
	}
	return nil
}

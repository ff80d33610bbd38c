package policy

import (
	"fmt"
	"strconv"
	"strings"

	"aegis/pkg/manifest"
)

// Rule actions form a closed set so rule tables stay auditable and
// serializable.
const (
	ActionAllow = "allow"
	ActionWarn  = "warn"
	ActionDeny  = "deny"
)

// Rule matches a manifest attribute map. All listed conditions must hold.
type Rule struct {
	Name   string            `json:"name"`
	Action string            `json:"action"`
	Match  map[string]string `json:"match"`
}

// Decision is the outcome of evaluating a manifest against the rule table.
type Decision struct {
	Allowed bool
	Rule    string
	Err     string
	Warning string
}

// Engine evaluates an ordered rule list, first match wins, default allow.
type Engine struct {
	rules []Rule
}

// NewEngine returns an engine preloaded with the default rule set.
func NewEngine() *Engine {
	return &Engine{rules: []Rule{
		{Name: "untrusted-agent", Action: ActionWarn, Match: map[string]string{"trust_level": manifest.TrustUntrusted}},
		{Name: "irreversible-actions", Action: ActionWarn, Match: map[string]string{"reversibility": manifest.ReversibilityNone}},
		{Name: "ephemeral-retention", Action: ActionAllow, Match: map[string]string{"retention": manifest.RetentionEphemeral}},
	}}
}

// AddRule inserts a custom rule at the front (highest precedence).
func (e *Engine) AddRule(r Rule) error {
	switch r.Action {
	case ActionAllow, ActionWarn, ActionDeny:
	default:
		return fmt.Errorf("policy: invalid action %q", r.Action)
	}
	if r.Name == "" {
		return fmt.Errorf("policy: rule name required")
	}
	e.rules = append([]Rule{r}, e.rules...)
	return nil
}

// Rules returns a copy of the current table in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Attributes flattens a manifest into the attribute map rules match on.
func Attributes(m manifest.Manifest) map[string]string {
	return map[string]string{
		"agent_id":           m.AgentID,
		"agent_version":      m.AgentVersion,
		"trust_level":        m.TrustLevel,
		"trust_score":        strconv.Itoa(manifest.TrustScore(m)),
		"idempotent":         strconv.FormatBool(m.Capabilities.Idempotent),
		"reversibility":      m.Capabilities.Reversibility,
		"rate_limit":         strconv.Itoa(m.Capabilities.RateLimit),
		"retention":          m.PrivacyContract.Retention,
		"storage_location":   m.PrivacyContract.StorageLocation,
		"human_review":       strconv.FormatBool(m.PrivacyContract.HumanReview),
		"encrypt_at_rest":    strconv.FormatBool(m.PrivacyContract.EncryptAtRest),
		"encrypt_in_transit": strconv.FormatBool(m.PrivacyContract.EncryptInTransit),
	}
}

// ValidateManifest evaluates rules in order against the manifest.
func (e *Engine) ValidateManifest(m manifest.Manifest) Decision {
	attrs := Attributes(m)
	for _, rule := range e.rules {
		if !matches(rule, attrs) {
			continue
		}
		switch rule.Action {
		case ActionDeny:
			return Decision{Allowed: false, Rule: rule.Name, Err: fmt.Sprintf("denied by policy rule %q", rule.Name)}
		case ActionWarn:
			return Decision{Allowed: true, Rule: rule.Name, Warning: fmt.Sprintf("policy rule %q flagged this agent", rule.Name)}
		default:
			return Decision{Allowed: true, Rule: rule.Name}
		}
	}
	return Decision{Allowed: true}
}

func matches(r Rule, attrs map[string]string) bool {
	if len(r.Match) == 0 {
		return false
	}
	for key, want := range r.Match {
		if attrs[key] != want {
			return false
		}
	}
	return true
}

// ValidateHandshake checks the manifest against a caller's required
// capability names after passing manifest validation.
func (e *Engine) ValidateHandshake(m manifest.Manifest, required []string) (bool, error) {
	dec := e.ValidateManifest(m)
	if !dec.Allowed {
		return false, fmt.Errorf("handshake rejected: %s", dec.Err)
	}
	var missing []string
	for _, cap := range required {
		if !hasCapability(m, cap) {
			missing = append(missing, cap)
		}
	}
	if len(missing) > 0 {
		return false, fmt.Errorf("missing required capabilities: %s", strings.Join(missing, ", "))
	}
	return true, nil
}

func hasCapability(m manifest.Manifest, name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "reversibility", "reversible":
		return m.Capabilities.Reversibility != manifest.ReversibilityNone
	case "idempotent", "idempotency":
		return m.Capabilities.Idempotent
	case "rate_limit":
		return m.Capabilities.RateLimit > 0
	case "undo_window":
		return m.Capabilities.UndoWindow > 0
	case "sla_latency":
		return m.Capabilities.SLALatency > 0
	case "encrypt_at_rest":
		return m.PrivacyContract.EncryptAtRest
	case "encrypt_in_transit":
		return m.PrivacyContract.EncryptInTransit
	case "ephemeral_retention":
		return m.PrivacyContract.Retention == manifest.RetentionEphemeral
	default:
		return false
	}
}

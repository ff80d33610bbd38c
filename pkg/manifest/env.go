package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FromEnv synthesizes the default manifest used when the wrapped agent
// does not supply one. Unset fields fall back to conservative defaults.
func FromEnv() Manifest {
	return Manifest{
		AgentID:      envString("AGENT_ID", "wrapped-agent"),
		AgentVersion: envString("AGENT_VERSION", "0.0.0"),
		TrustLevel:   envEnum("DEFAULT_TRUST_LEVEL", TrustStandard, ValidTrustLevel),
		Capabilities: Capabilities{
			Idempotent:    envBool("AGENT_IDEMPOTENT", false),
			Reversibility: envEnum("DEFAULT_REVERSIBILITY", ReversibilityNone, ValidReversibility),
			UndoWindow:    envDuration("AGENT_UNDO_WINDOW_SEC"),
			SLALatency:    envDuration("AGENT_SLA_LATENCY_SEC"),
			RateLimit:     envInt("AGENT_RATE_LIMIT", 0),
		},
		PrivacyContract: PrivacyContract{
			Retention:        envEnum("DEFAULT_RETENTION", RetentionTemporary, ValidRetention),
			StorageLocation:  os.Getenv("AGENT_STORAGE_LOCATION"),
			HumanReview:      envBool("HUMAN_REVIEW", false),
			EncryptAtRest:    envBool("AGENT_ENCRYPT_AT_REST", false),
			EncryptInTransit: envBool("AGENT_ENCRYPT_IN_TRANSIT", false),
		},
	}
}

// LoadFile reads a manifest document supplied by the agent issuer.
func LoadFile(path string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	if err := Validate(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envEnum(key, def string, valid func(string) bool) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v != "" && valid(v) {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return def
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDuration(key string) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return time.Second * time.Duration(i)
		}
	}
	return 0
}

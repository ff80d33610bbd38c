package attest

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrExpired      = errors.New("attestation expired")
	ErrUnknownKey   = errors.New("unknown signing key")
	ErrBadSignature = errors.New("invalid signature")
)

// Record attests to a specific agent build and configuration.
type Record struct {
	AgentID      string    `json:"agent_id"`
	CodebaseHash string    `json:"codebase_hash"`
	ConfigHash   string    `json:"config_hash"`
	Signature    string    `json:"signature"`
	SigningKeyID string    `json:"signing_key_id"`
	Timestamp    time.Time `json:"timestamp"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SignatureVerifier checks a record's signature against a public key.
// Injected so the gateway never hardcodes a stub as production behavior.
type SignatureVerifier interface {
	Verify(rec Record, publicKey []byte) error
}

// NoopVerifier accepts any signature. Key membership in the trusted set
// is still enforced by the Validator.
type NoopVerifier struct{}

func (NoopVerifier) Verify(Record, []byte) error { return nil }

// Ed25519Verifier verifies a base64 ed25519 signature over the record's
// signing payload.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(rec Record, publicKey []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("attest: bad public key length %d", len(publicKey))
	}
	payload, err := SigningPayload(rec)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(rec.Signature)
	if err != nil {
		return fmt.Errorf("attest: decode signature: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), payload, sig) {
		return ErrBadSignature
	}
	return nil
}

// SigningPayload binds every attested field except the signature itself.
func SigningPayload(rec Record) ([]byte, error) {
	binding := struct {
		AgentID      string `json:"agent_id"`
		CodebaseHash string `json:"codebase_hash"`
		ConfigHash   string `json:"config_hash"`
		SigningKeyID string `json:"signing_key_id"`
		Timestamp    string `json:"timestamp"`
		ExpiresAt    string `json:"expires_at"`
	}{
		AgentID:      rec.AgentID,
		CodebaseHash: rec.CodebaseHash,
		ConfigHash:   rec.ConfigHash,
		SigningKeyID: rec.SigningKeyID,
		Timestamp:    rec.Timestamp.UTC().Format(time.RFC3339Nano),
		ExpiresAt:    rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(binding)
	if err != nil {
		return nil, fmt.Errorf("attest: marshal signing payload: %w", err)
	}
	return raw, nil
}

// Validator checks records against a trusted key set and caches validated
// records per agent id.
type Validator struct {
	mu       sync.Mutex
	keys     map[string][]byte
	cache    map[string]Record
	Verifier SignatureVerifier
	now      func() time.Time
}

func NewValidator(verifier SignatureVerifier) *Validator {
	if verifier == nil {
		verifier = NoopVerifier{}
	}
	return &Validator{
		keys:     map[string][]byte{},
		cache:    map[string]Record{},
		Verifier: verifier,
		now:      time.Now,
	}
}

// TrustKey registers a signing key in the trusted set.
func (v *Validator) TrustKey(keyID string, publicKey []byte) {
	v.mu.Lock()
	v.keys[keyID] = append([]byte(nil), publicKey...)
	v.mu.Unlock()
}

// Validate checks expiry and key membership, optionally verifies the
// signature, and caches the record under its agent id on success.
func (v *Validator) Validate(rec Record, verifySignature bool) error {
	if v.now().After(rec.ExpiresAt) {
		return ErrExpired
	}
	v.mu.Lock()
	key, known := v.keys[rec.SigningKeyID]
	v.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownKey, rec.SigningKeyID)
	}
	if verifySignature {
		if err := v.Verifier.Verify(rec, key); err != nil {
			return err
		}
	}
	v.mu.Lock()
	v.cache[rec.AgentID] = rec
	v.mu.Unlock()
	return nil
}

// Cached returns the last validated record for an agent.
func (v *Validator) Cached(agentID string) (Record, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.cache[agentID]
	return rec, ok
}

// Create is the issuer-side counterpart: it signs a fresh record with an
// ed25519 private key. Not invoked by the gateway itself.
func Create(agentID, codebaseHash, configHash, keyID string, priv ed25519.PrivateKey, ttl time.Duration) (Record, error) {
	now := time.Now().UTC()
	rec := Record{
		AgentID:      agentID,
		CodebaseHash: codebaseHash,
		ConfigHash:   configHash,
		SigningKeyID: keyID,
		Timestamp:    now,
		ExpiresAt:    now.Add(ttl),
	}
	payload, err := SigningPayload(rec)
	if err != nil {
		return Record{}, err
	}
	rec.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))
	return rec, nil
}

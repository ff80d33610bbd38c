package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"aegis/pkg/attest"
	"aegis/pkg/flightlog"
	"aegis/pkg/manifest"
	"aegis/pkg/metrics"
	"aegis/pkg/policy"
	"aegis/pkg/privacy"
	"aegis/pkg/quarantine"
	"aegis/pkg/ratelimit"
	"aegis/pkg/recovery"
	"aegis/pkg/reputation"
	"aegis/pkg/store"
	"aegis/pkg/stream"
)

func trustedManifest() manifest.Manifest {
	return manifest.Manifest{
		AgentID:      "agent-under-test",
		AgentVersion: "1.0.0",
		TrustLevel:   manifest.TrustVerifiedPartner,
		Capabilities: manifest.Capabilities{
			Idempotent:    true,
			Reversibility: manifest.ReversibilityFull,
		},
		PrivacyContract: manifest.PrivacyContract{
			Retention: manifest.RetentionEphemeral,
		},
	}
}

func riskyManifest() manifest.Manifest {
	return manifest.Manifest{
		AgentID:      "agent-under-test",
		AgentVersion: "1.0.0",
		TrustLevel:   manifest.TrustStandard,
		Capabilities: manifest.Capabilities{
			Reversibility: manifest.ReversibilityNone,
		},
		PrivacyContract: manifest.PrivacyContract{
			Retention: manifest.RetentionTemporary,
		},
	}
}

func newTestServer(t *testing.T, m manifest.Manifest, upstreamURL string) *Server {
	t.Helper()
	scrubber := privacy.NewValidator()
	hub := stream.NewHub()
	cache := store.NewMemoryCache()
	return &Server{
		Manifest:        m,
		UpstreamURL:     upstreamURL,
		UpstreamTimeout: 2 * time.Second,
		HTTPClient:      &http.Client{},
		Privacy:         scrubber,
		Policy:          policy.NewEngine(),
		Recorder:        flightlog.NewRecorder(flightlog.NewMemoryStore(), scrubber, hub),
		Recovery:        recovery.NewEngine(),
		Reputation:      reputation.NewLedger(),
		Quarantine:      quarantine.NewStore(cache, time.Hour),
		Attestation:     attest.NewValidator(attest.Ed25519Verifier{}),
		Metrics:         metrics.NewRegistry(),
		Events:          hub,
		Cache:           cache,
		MaxBodyBytes:    1 << 20,
	}
}

func newBackend(t *testing.T, status int, body string, delay time.Duration) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(backend.Close)
	return backend, &calls
}

func doProxy(t *testing.T, gateway *httptest.Server, payload string, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, gateway.URL+"/proxy", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := gateway.Client().Do(req)
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var decoded map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp, decoded
}

func traceEntries(t *testing.T, s *Server, traceID string) []flightlog.Entry {
	t.Helper()
	entries, err := s.Recorder.Trace(context.Background(), traceID)
	if err != nil {
		t.Fatalf("trace lookup: %v", err)
	}
	return entries
}

func TestProxyBlocksCreditCardToPermanentRetention(t *testing.T) {
	backend, calls := newBackend(t, 200, `{"result":"ok"}`, 0)
	m := trustedManifest()
	m.PrivacyContract.Retention = manifest.RetentionPermanent
	s := newTestServer(t, m, backend.URL)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, body := doProxy(t, gw, `{"card":"4532015112830366"}`, map[string]string{headerTraceID: "t-block"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if body["blocked"] != true {
		t.Fatalf("expected blocked response, got %+v", body)
	}
	if got := atomic.LoadInt32(calls); got != 0 {
		t.Fatalf("backend must not be called, got %d calls", got)
	}

	entries := traceEntries(t, s, "t-block")
	if len(entries) != 1 || entries[0].Type != flightlog.TypeBlocked {
		t.Fatalf("expected single blocked entry, got %+v", entries)
	}
	if strings.Contains(string(entries[0].Payload), "4532015112830366") {
		t.Fatalf("card number leaked into audit log: %s", entries[0].Payload)
	}
	if score := s.Reputation.GetOrCreate(m.AgentID); score.Score >= 5.0 {
		t.Fatalf("expected reputation penalty, score %v", score.Score)
	}
}

func TestProxyForwardsTrustedRequest(t *testing.T) {
	backend, calls := newBackend(t, 200, `{"result":"ok"}`, 0)
	s := newTestServer(t, trustedManifest(), backend.URL)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, body := doProxy(t, gw, `{"task":"noop"}`, map[string]string{headerTraceID: "t-fwd"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%+v)", resp.StatusCode, body)
	}
	if body["result"] != "ok" {
		t.Fatalf("expected backend body passed through, got %+v", body)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("expected exactly one backend call, got %d", got)
	}
	if resp.Header.Get(headerTraceID) != "t-fwd" {
		t.Fatalf("missing trace id header")
	}
	if resp.Header.Get(headerTrustScore) != "10" {
		t.Fatalf("expected trust score 10, got %q", resp.Header.Get(headerTrustScore))
	}

	entries := traceEntries(t, s, "t-fwd")
	if len(entries) != 2 {
		t.Fatalf("expected request+response entries, got %+v", entries)
	}
	if entries[0].Type != flightlog.TypeRequest || entries[1].Type != flightlog.TypeResponse {
		t.Fatalf("unexpected entry order: %s, %s", entries[0].Type, entries[1].Type)
	}
	if entries[1].Status != 200 {
		t.Fatalf("response entry should record backend status, got %d", entries[1].Status)
	}
}

func TestProxyWarningRequiresOverride(t *testing.T) {
	backend, calls := newBackend(t, 200, `{"result":"ok"}`, 0)
	s := newTestServer(t, riskyManifest(), backend.URL)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, body := doProxy(t, gw, `{"task":"wipe"}`, map[string]string{headerTraceID: "t-warn"})
	if resp.StatusCode != statusConfirmationRequired {
		t.Fatalf("expected 449, got %d", resp.StatusCode)
	}
	if body["requires_override"] != true {
		t.Fatalf("expected requires_override, got %+v", body)
	}
	warning, _ := body["warning"].(string)
	if !strings.Contains(warning, "rolled back") {
		t.Fatalf("warning should mention irreversibility, got %q", warning)
	}
	if got := atomic.LoadInt32(calls); got != 0 {
		t.Fatalf("warned request must not be forwarded, got %d calls", got)
	}
	entries := traceEntries(t, s, "t-warn")
	if len(entries) != 1 || entries[0].Type != flightlog.TypeRequest {
		t.Fatalf("expected a single request entry, got %+v", entries)
	}
}

func TestProxyOverrideForwardsOnce(t *testing.T) {
	backend, calls := newBackend(t, 200, `{"result":"ok"}`, 0)
	s := newTestServer(t, riskyManifest(), backend.URL)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, _ := doProxy(t, gw, `{"task":"wipe"}`, map[string]string{
		headerTraceID:  "t-over",
		headerOverride: "acknowledged",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("expected exactly one backend call, got %d", got)
	}

	entries := traceEntries(t, s, "t-over")
	if len(entries) != 3 {
		t.Fatalf("expected override+request+response, got %+v", entries)
	}
	if entries[0].Type != flightlog.TypeOverride {
		t.Fatalf("override entry must precede the request, got %s first", entries[0].Type)
	}
	if entries[1].Type != flightlog.TypeRequest || entries[2].Type != flightlog.TypeResponse {
		t.Fatalf("unexpected entry order: %s, %s", entries[1].Type, entries[2].Type)
	}
}

func TestProxyOverrideQuarantinesUntrustedAgent(t *testing.T) {
	backend, _ := newBackend(t, 200, `{"result":"ok"}`, 0)
	m := riskyManifest()
	m.TrustLevel = manifest.TrustUntrusted
	s := newTestServer(t, m, backend.URL)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, _ := doProxy(t, gw, `{"task":"noop"}`, map[string]string{
		headerTraceID:  "t-quar",
		headerOverride: "acknowledged",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	sessionID := resp.Header.Get(headerSession)
	if sessionID == "" {
		t.Fatalf("expected quarantine session header")
	}

	qr, err := gw.Client().Get(gw.URL + "/quarantine/t-quar")
	if err != nil {
		t.Fatalf("quarantine lookup: %v", err)
	}
	defer qr.Body.Close()
	if qr.StatusCode != http.StatusOK {
		t.Fatalf("expected quarantine session, got %d", qr.StatusCode)
	}
	var session quarantine.Session
	if err := json.NewDecoder(qr.Body).Decode(&session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.SessionID != sessionID || session.TraceID != "t-quar" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestProxyUpstreamTimeout(t *testing.T) {
	backend, _ := newBackend(t, 200, `{"result":"ok"}`, 300*time.Millisecond)
	s := newTestServer(t, trustedManifest(), backend.URL)
	s.UpstreamTimeout = 30 * time.Millisecond
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, body := doProxy(t, gw, `{"task":"slow"}`, map[string]string{headerTraceID: "t-slow"})
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d (%+v)", resp.StatusCode, body)
	}

	entries := traceEntries(t, s, "t-slow")
	if len(entries) != 2 || entries[1].Type != flightlog.TypeError {
		t.Fatalf("expected request+error entries, got %+v", entries)
	}
	// Recovery is not triggered by the failure itself.
	if _, ok := s.Recovery.Outcome("t-slow"); ok {
		t.Fatalf("recovery must only run when explicitly invoked")
	}

	rr, err := gw.Client().Post(gw.URL+"/recovery/t-slow", "application/json",
		strings.NewReader(`{"error":"backend call timeout"}`))
	if err != nil {
		t.Fatalf("recovery request: %v", err)
	}
	defer rr.Body.Close()
	if rr.StatusCode != http.StatusOK {
		t.Fatalf("expected recovery result, got %d", rr.StatusCode)
	}
	var res recovery.Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode recovery result: %v", err)
	}
	if res.Class != recovery.ClassTimeout || res.Strategy != recovery.StrategyRetry {
		t.Fatalf("expected advisory retry for timeout, got %+v", res)
	}

	or, err := gw.Client().Get(gw.URL + "/recovery/t-slow")
	if err != nil {
		t.Fatalf("outcome lookup: %v", err)
	}
	defer or.Body.Close()
	if or.StatusCode != http.StatusOK {
		t.Fatalf("expected recorded outcome, got %d", or.StatusCode)
	}
}

func TestRecoveryPrecheckRejectsHopelessFailure(t *testing.T) {
	s := newTestServer(t, riskyManifest(), "http://localhost:0")
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	// Irreversible agent, non-transient failure: nothing can help.
	rr, err := gw.Client().Post(gw.URL+"/recovery/t-x", "application/json",
		strings.NewReader(`{"error":"invalid action"}`))
	if err != nil {
		t.Fatalf("recovery request: %v", err)
	}
	defer rr.Body.Close()
	if rr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.StatusCode)
	}
	if _, ok := s.Recovery.Outcome("t-x"); ok {
		t.Fatalf("precheck rejection must not record an outcome")
	}
}

func TestProxyRejectsMalformedPayload(t *testing.T) {
	backend, calls := newBackend(t, 200, `{}`, 0)
	s := newTestServer(t, trustedManifest(), backend.URL)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, _ := doProxy(t, gw, `{"task":`, map[string]string{headerTraceID: "t-bad"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(calls); got != 0 {
		t.Fatalf("malformed payload must not be forwarded")
	}
	entries := traceEntries(t, s, "t-bad")
	if len(entries) != 1 || entries[0].Type != flightlog.TypeBlocked {
		t.Fatalf("expected blocked entry, got %+v", entries)
	}
}

func TestProxyRateLimit(t *testing.T) {
	backend, _ := newBackend(t, 200, `{"result":"ok"}`, 0)
	m := trustedManifest()
	m.Capabilities.RateLimit = 1
	s := newTestServer(t, m, backend.URL)
	s.RateLimiter = ratelimit.NewInMemory(time.Minute)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	if resp, _ := doProxy(t, gw, `{"task":"noop"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request should pass, got %d", resp.StatusCode)
	}
	resp, _ := doProxy(t, gw, `{"task":"noop"}`, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestTraceEndpointNotFound(t *testing.T) {
	s := newTestServer(t, trustedManifest(), "http://localhost:0")
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, err := gw.Client().Get(gw.URL + "/trace/no-such-trace")
	if err != nil {
		t.Fatalf("trace lookup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestManifestAndHealthEndpoints(t *testing.T) {
	s := newTestServer(t, trustedManifest(), "http://localhost:0")
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, err := gw.Client().Get(gw.URL + "/.well-known/agent-manifest")
	if err != nil {
		t.Fatalf("manifest fetch: %v", err)
	}
	var doc struct {
		Manifest   manifest.Manifest `json:"manifest"`
		TrustScore int               `json:"trust_score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	resp.Body.Close()
	if doc.Manifest.AgentID != "agent-under-test" || doc.TrustScore != 10 {
		t.Fatalf("unexpected manifest doc %+v", doc)
	}

	hr, err := gw.Client().Get(gw.URL + "/health")
	if err != nil {
		t.Fatalf("health fetch: %v", err)
	}
	defer hr.Body.Close()
	if hr.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %d", hr.StatusCode)
	}
}

func TestReputationEndpoints(t *testing.T) {
	backend, _ := newBackend(t, 200, `{"result":"ok"}`, 0)
	s := newTestServer(t, trustedManifest(), backend.URL)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, err := gw.Client().Get(gw.URL + "/reputation/agent-under-test")
	if err != nil {
		t.Fatalf("reputation fetch: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any traffic, got %d", resp.StatusCode)
	}

	if r, _ := doProxy(t, gw, `{"task":"noop"}`, nil); r.StatusCode != http.StatusOK {
		t.Fatalf("proxy failed: %d", r.StatusCode)
	}

	resp, err = gw.Client().Get(gw.URL + "/reputation/agent-under-test")
	if err != nil {
		t.Fatalf("reputation fetch: %v", err)
	}
	var rep struct {
		Score      float64 `json:"score"`
		TrustLevel string  `json:"trust_level"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatalf("decode reputation: %v", err)
	}
	resp.Body.Close()
	if rep.Score <= 5.0 {
		t.Fatalf("completed request should raise score, got %v", rep.Score)
	}

	// Import a lower score from another node; the conservative merge wins.
	payload := `{"scores":{"agent-under-test":{"agent_id":"agent-under-test","score":1.5}}}`
	ir, err := gw.Client().Post(gw.URL+"/reputation-import", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	ir.Body.Close()
	if ir.StatusCode != http.StatusOK {
		t.Fatalf("import failed: %d", ir.StatusCode)
	}
	if score, ok := s.Reputation.Get("agent-under-test"); !ok || score.Score != 1.5 {
		t.Fatalf("expected lower imported score to win, got %+v", score)
	}

	er, err := gw.Client().Get(gw.URL + "/reputation-export")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer er.Body.Close()
	var export struct {
		Scores map[string]reputation.Score `json:"scores"`
	}
	if err := json.NewDecoder(er.Body).Decode(&export); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if export.Scores["agent-under-test"].Score != 1.5 {
		t.Fatalf("unexpected export %+v", export.Scores)
	}
}

func TestAttestationEndpoint(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	rec, err := attest.Create("agent-under-test", "sha256:abc", "sha256:def", "key-1", priv, time.Hour)
	if err != nil {
		t.Fatalf("create attestation: %v", err)
	}

	s := newTestServer(t, trustedManifest(), "http://localhost:0")
	s.Attestation.TrustKey("key-1", pub)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	post := func(rec attest.Record) *http.Response {
		raw, _ := json.Marshal(rec)
		resp, err := gw.Client().Post(gw.URL+"/attestation/validate", "application/json", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("post attestation: %v", err)
		}
		return resp
	}

	resp := post(rec)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected valid attestation, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	tampered := rec
	tampered.CodebaseHash = "sha256:evil"
	resp = post(tampered)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected tampered record rejected, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	unknown := rec
	unknown.SigningKeyID = "key-2"
	resp = post(unknown)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected unknown key rejected, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"aegis/pkg/attest"
	"aegis/pkg/httpx"
	"aegis/pkg/manifest"
	"aegis/pkg/privacy"
	"aegis/pkg/recovery"
	"aegis/pkg/reputation"
)

// Confirmation required: the caller must resubmit with X-User-Override.
const statusConfirmationRequired = 449

const (
	headerTraceID    = "X-Trace-Id"
	headerOverride   = "X-User-Override"
	headerLatencyMS  = "X-Gateway-Latency-Ms"
	headerTrustScore = "X-Trust-Score"
	headerSession    = "X-Quarantine-Session"
)

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.Metrics.Observe(r.URL.Path, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"manifest":    s.Manifest,
		"trust_score": manifest.TrustScore(s.Manifest),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"agent_id": s.Manifest.AgentID,
	})
}

// handleProxy is the admission pipeline: rate limit, privacy contract,
// policy rules, trust warning with user override, then a single forward
// to the backing agent. Every branch leaves audit entries under the
// request's trace id.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	// Audit writes survive a client disconnect; only the upstream call is
	// tied to the request context.
	ctx := context.WithoutCancel(r.Context())
	traceID := strings.TrimSpace(r.Header.Get(headerTraceID))
	if traceID == "" {
		traceID = uuid.NewString()
	}
	agentID := s.Manifest.AgentID
	m := s.Manifest

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.MaxBodyBytes))
	if err != nil {
		s.block(ctx, w, traceID, "request body too large", nil, http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		s.block(ctx, w, traceID, "request payload is not valid JSON", body, http.StatusBadRequest)
		return
	}

	if s.RateLimiter != nil && m.Capabilities.RateLimit > 0 {
		dec := s.RateLimiter.Allow(agentID, m.Capabilities.RateLimit)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		if !dec.Allowed {
			retry := time.Until(dec.ResetAt)
			if retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			}
			s.Metrics.IncOutcome("rate_limited")
			s.logBlocked(ctx, traceID, agentID, "rate limit exceeded", nil)
			httpx.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":    "rate limit exceeded",
				"trace_id": traceID,
			})
			return
		}
	}

	if ok, reason := s.Privacy.ValidatePolicy(m, body); !ok {
		s.Reputation.Apply(agentID, reputation.BlockedEvent(traceID))
		s.persistReputation(ctx)
		s.Metrics.IncOutcome("blocked")
		s.Metrics.IncReason("privacy_violation")
		s.logBlocked(ctx, traceID, agentID, reason, body)
		httpx.WriteJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":    reason,
			"trace_id": traceID,
			"blocked":  true,
		})
		return
	}

	policyDec := s.Policy.ValidateManifest(m)
	if !policyDec.Allowed {
		s.Reputation.Apply(agentID, reputation.BlockedEvent(traceID))
		s.persistReputation(ctx)
		s.Metrics.IncOutcome("blocked")
		s.Metrics.IncReason("policy_denied")
		s.logBlocked(ctx, traceID, agentID, policyDec.Err, body)
		httpx.WriteJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":    policyDec.Err,
			"rule":     policyDec.Rule,
			"trace_id": traceID,
			"blocked":  true,
		})
		return
	}

	warning := combineWarnings(privacy.Warning(m), policyDec.Warning)
	override := r.Header.Get(headerOverride) != ""
	if warning != "" && !override {
		if err := s.Recorder.LogRequest(ctx, traceID, agentID, body); err != nil {
			log.Printf("audit append failed for trace %s: %v", traceID, err)
		}
		s.Metrics.IncOutcome("confirmation_required")
		httpx.WriteJSON(w, statusConfirmationRequired, map[string]interface{}{
			"warning":           warning,
			"trust_score":       manifest.TrustScore(m),
			"requires_override": true,
			"trace_id":          traceID,
		})
		return
	}

	var sessionID string
	if warning != "" && override {
		if err := s.Recorder.LogOverride(ctx, traceID, agentID, warning); err != nil {
			log.Printf("audit append failed for trace %s: %v", traceID, err)
		}
		s.Metrics.IncOutcome("override")
		if privacy.ShouldQuarantine(m) {
			session := s.Quarantine.Create(ctx, traceID, warning, m)
			sessionID = session.SessionID
		}
	}

	if err := s.Recorder.LogRequest(ctx, traceID, agentID, body); err != nil {
		log.Printf("audit append failed for trace %s: %v", traceID, err)
	}

	fwdCtx, cancel := context.WithTimeout(r.Context(), s.UpstreamTimeout)
	defer cancel()
	start := time.Now()
	status, respBody, respHeader, err := httpx.Forward(fwdCtx, s.HTTPClient, http.MethodPost, s.UpstreamURL, body, map[string]string{
		headerTraceID: traceID,
	})
	latency := time.Since(start)
	if err != nil {
		s.Reputation.Apply(agentID, reputation.FailureEvent(traceID))
		s.persistReputation(ctx)
		reason := "backend call failed: " + err.Error()
		if err := s.Recorder.LogError(ctx, traceID, agentID, reason); err != nil {
			log.Printf("audit append failed for trace %s: %v", traceID, err)
		}
		// Recovery is not invoked here; the caller decides whether to
		// attempt it through the recovery endpoint.
		code := http.StatusBadGateway
		outcome := "backend_error"
		if errors.Is(err, context.DeadlineExceeded) || recovery.Classify(err) == recovery.ClassTimeout {
			code = http.StatusGatewayTimeout
			outcome = "timeout"
		}
		s.Metrics.IncOutcome(outcome)
		httpx.WriteJSON(w, code, map[string]interface{}{
			"error":    reason,
			"trace_id": traceID,
		})
		return
	}

	if status >= http.StatusInternalServerError {
		s.Reputation.Apply(agentID, reputation.FailureEvent(traceID))
	} else {
		s.Reputation.Apply(agentID, reputation.CompletedEvent(traceID))
	}
	s.persistReputation(ctx)
	if err := s.Recorder.LogResponse(ctx, traceID, agentID, status, latency, respBody); err != nil {
		log.Printf("audit append failed for trace %s: %v", traceID, err)
	}
	s.Metrics.IncOutcome("forwarded")

	if ct := respHeader.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set(headerTraceID, traceID)
	w.Header().Set(headerLatencyMS, strconv.FormatInt(latency.Milliseconds(), 10))
	w.Header().Set(headerTrustScore, strconv.Itoa(manifest.TrustScore(m)))
	if sessionID != "" {
		w.Header().Set(headerSession, sessionID)
	}
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

// block handles admission failures that never reach privacy or policy
// evaluation (oversized or malformed payloads).
func (s *Server) block(ctx context.Context, w http.ResponseWriter, traceID, reason string, payload []byte, code int) {
	s.Metrics.IncOutcome("blocked")
	s.Metrics.IncReason("malformed_payload")
	s.logBlocked(ctx, traceID, s.Manifest.AgentID, reason, payload)
	httpx.WriteJSON(w, code, map[string]interface{}{
		"error":    reason,
		"trace_id": traceID,
	})
}

func (s *Server) logBlocked(ctx context.Context, traceID, agentID, reason string, payload []byte) {
	if err := s.Recorder.LogBlocked(ctx, traceID, agentID, reason, payload); err != nil {
		log.Printf("audit append failed for trace %s: %v", traceID, err)
	}
}

func (s *Server) persistReputation(ctx context.Context) {
	if err := s.Reputation.Persist(ctx, s.Cache); err != nil {
		log.Printf("reputation snapshot persist failed: %v", err)
	}
}

func combineWarnings(parts ...string) string {
	var lines []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			lines = append(lines, p)
		}
	}
	return strings.Join(lines, "\n")
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")
	entries, err := s.Recorder.Trace(r.Context(), traceID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "trace lookup failed")
		return
	}
	if len(entries) == 0 {
		httpx.Error(w, http.StatusNotFound, "trace not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"trace_id": traceID,
		"entries":  entries,
	})
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")
	session, ok := s.Quarantine.Get(r.Context(), traceID)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "no quarantine session for trace")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, session)
}

// handleRecover runs the recovery engine for a failed trace at the
// caller's explicit request. No compensation action can cross the HTTP
// boundary, so rollback is only reachable through library use; this
// surface yields retry guidance or give_up.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)).Decode(&payload); err != nil || strings.TrimSpace(payload.Error) == "" {
		httpx.Error(w, http.StatusBadRequest, "failure description required")
		return
	}
	cause := errors.New(payload.Error)
	if !recovery.ShouldAttemptRecovery(cause, s.Manifest) {
		httpx.WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"error":    "no recovery is available for this failure",
			"trace_id": traceID,
		})
		return
	}
	res := s.Recovery.HandleFailure(r.Context(), traceID, cause, s.Manifest, nil)
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecoveryOutcome(w http.ResponseWriter, r *http.Request) {
	res, ok := s.Recovery.Outcome(chi.URLParam(r, "trace_id"))
	if !ok {
		httpx.Error(w, http.StatusNotFound, "no recovery outcome for trace")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	score, ok := s.Reputation.Get(agentID)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "agent has no reputation record")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":    score.AgentID,
		"score":       score.Score,
		"trust_level": score.TrustLevel(),
		"updated_at":  score.UpdatedAt,
		"events":      score.Events,
	})
}

func (s *Server) handleReputationExport(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"scores": s.Reputation.Export(),
	})
}

func (s *Server) handleReputationImport(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Scores map[string]reputation.Score `json:"scores"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)).Decode(&payload); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid import payload")
		return
	}
	s.Reputation.Import(payload.Scores)
	s.persistReputation(r.Context())
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"imported": len(payload.Scores),
	})
}

func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	var rec attest.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)).Decode(&rec); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid attestation record")
		return
	}
	if err := s.Attestation.Validate(rec, true); err != nil {
		httpx.WriteJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"valid":    true,
		"agent_id": rec.AgentID,
	})
}

// streamEvents pushes live audit events over a websocket.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	sub := s.Events.Subscribe(32)
	defer s.Events.Unsubscribe(sub)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func decodeKey(raw string) []byte {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("attestation: skipping undecodable trusted key")
		return nil
	}
	return key
}

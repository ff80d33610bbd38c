package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"aegis/pkg/attest"
	"aegis/pkg/flightlog"
	"aegis/pkg/httpx"
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
	"aegis/pkg/telemetry"
)

// Server wires the admission pipeline around one wrapped agent.
type Server struct {
	Manifest        manifest.Manifest
	UpstreamURL     string
	UpstreamTimeout time.Duration
	HTTPClient      *http.Client
	Privacy         *privacy.Validator
	Policy          *policy.Engine
	Recorder        *flightlog.Recorder
	Recovery        *recovery.Engine
	Reputation      *reputation.Ledger
	Quarantine      *quarantine.Store
	Attestation     *attest.Validator
	RateLimiter     ratelimit.Limiter
	Metrics         *metrics.Registry
	Events          *stream.Hub
	Cache           store.Cache
	MaxBodyBytes    int64
}

type sidecarInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type sidecarOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type sidecarListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runSidecar(initTelemetry, openRedisFn, listenFn); err != nil {
		logFatalf("sidecar: %v", err)
	}
}

func runSidecar(initTelemetry sidecarInitTelemetryFunc, openRedis sidecarOpenRedisFunc, listen sidecarListenFunc) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "trust-gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	m, err := loadManifest()
	if err != nil {
		return err
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	flightStore, closeStore, err := openFlightStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	upstreamTimeout := time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 30000))
	if upstreamTimeout <= 0 {
		upstreamTimeout = 30 * time.Second
	}
	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	scrubber := privacy.NewValidator()
	hub := stream.NewHub()
	ledger := reputation.NewLedger()
	if err := ledger.Load(ctx, cache); err != nil {
		log.Printf("reputation snapshot load failed: %v", err)
	}

	s := &Server{
		Manifest:        m,
		UpstreamURL:     env("UPSTREAM_URL", "http://localhost:9000"),
		UpstreamTimeout: upstreamTimeout,
		HTTPClient:      telemetry.InstrumentClient(&http.Client{}),
		Privacy:         scrubber,
		Policy:          policy.NewEngine(),
		Recorder:        flightlog.NewRecorder(flightStore, scrubber, hub),
		Recovery:        recovery.NewEngine(),
		Reputation:      ledger,
		Quarantine:      quarantine.NewStore(cache, time.Hour*time.Duration(envInt("QUARANTINE_TTL_HOURS", 24))),
		Attestation:     buildAttestationValidator(),
		Metrics:         metrics.NewRegistry(),
		Events:          hub,
		Cache:           cache,
		MaxBodyBytes:    maxBody,
	}
	if m.Capabilities.RateLimit > 0 {
		window := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}

	addr := env("ADDR", ":8080")
	log.Printf("trust gateway for agent %s listening on %s", m.AgentID, addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("trust-gateway"))

	r.Get("/.well-known/agent-manifest", s.handleManifest)
	r.Get("/health", s.handleHealth)
	r.Post("/proxy", s.handleProxy)
	r.Get("/trace/{trace_id}", s.handleTrace)
	r.Get("/quarantine/{trace_id}", s.handleQuarantine)
	r.Post("/recovery/{trace_id}", s.handleRecover)
	r.Get("/recovery/{trace_id}", s.handleRecoveryOutcome)
	r.Get("/reputation/{agent_id}", s.handleReputation)
	r.Get("/reputation-export", s.handleReputationExport)
	r.Post("/reputation-import", s.handleReputationImport)
	r.Post("/attestation/validate", s.handleAttestation)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/stream", s.streamEvents)
	return r
}

func loadManifest() (manifest.Manifest, error) {
	if path := strings.TrimSpace(os.Getenv("MANIFEST_FILE")); path != "" {
		return manifest.LoadFile(path)
	}
	m := manifest.FromEnv()
	if err := manifest.Validate(m); err != nil {
		return manifest.Manifest{}, err
	}
	return m, nil
}

// openFlightStore picks the audit backend: postgres when DATABASE_URL is
// set, flat files when FLIGHTLOG_DIR is set, memory otherwise. Kafka
// mirroring wraps whichever backend was chosen.
func openFlightStore(ctx context.Context) (flightlog.Store, func(), error) {
	var (
		base      flightlog.Store
		closeFunc func()
	)
	switch {
	case strings.TrimSpace(os.Getenv("DATABASE_URL")) != "":
		pool, err := flightlog.NewPostgresPool(ctx, os.Getenv("DATABASE_URL"))
		if err != nil {
			return nil, nil, err
		}
		pg := &flightlog.PostgresStore{DB: pool}
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("flightlog schema: %w", err)
		}
		base = pg
		closeFunc = pool.Close
	case strings.TrimSpace(os.Getenv("FLIGHTLOG_DIR")) != "":
		fs, err := flightlog.NewFileStore(os.Getenv("FLIGHTLOG_DIR"))
		if err != nil {
			return nil, nil, err
		}
		base = fs
	default:
		base = flightlog.NewMemoryStore()
	}
	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		topic := env("KAFKA_AUDIT_TOPIC", "gateway-audit")
		base = flightlog.NewKafkaMirror(base, strings.Split(brokers, ","), topic)
	}
	return base, closeFunc, nil
}

// buildAttestationValidator loads the trusted key set from
// ATTEST_TRUSTED_KEYS ("keyID=base64pub,keyID=base64pub"). The verifier
// is the no-op membership check unless ATTEST_VERIFY_SIGNATURES=true.
func buildAttestationValidator() *attest.Validator {
	var verifier attest.SignatureVerifier = attest.NoopVerifier{}
	if envBoolRaw("ATTEST_VERIFY_SIGNATURES") {
		verifier = attest.Ed25519Verifier{}
	}
	v := attest.NewValidator(verifier)
	for _, pair := range strings.Split(os.Getenv("ATTEST_TRUSTED_KEYS"), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		v.TrustKey(strings.TrimSpace(parts[0]), decodeKey(parts[1]))
	}
	return v
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(key string, def int) time.Duration {
	return time.Second * time.Duration(envInt(key, def))
}

func envBoolRaw(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

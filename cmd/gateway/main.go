package main

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"lockbox/pkg/audit"
	"lockbox/pkg/auth"
	"lockbox/pkg/eventbus"
	"lockbox/pkg/events"
	"lockbox/pkg/hardening"
	"lockbox/pkg/httpx"
	"lockbox/pkg/ledger"
	"lockbox/pkg/metrics"
	"lockbox/pkg/oracle"
	"lockbox/pkg/ratelimit"
	"lockbox/pkg/seal"
	"lockbox/pkg/store"
	"lockbox/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server hosts the ledger state machine and the sealing engine. Both live
// behind one mutex: every write transition is serialized, queries observe
// the latest committed snapshot. Postgres, Kafka, and the hub are downstream
// projections fed after commit.
type Server struct {
	mu     sync.Mutex
	Ledger *ledger.Ledger
	Engine *seal.Engine

	DB          gatewayDB
	Cache       store.Cache
	Audit       auditStore
	Bus         eventbus.Publisher
	Hub         *events.Hub
	Requests    *oracle.Registry
	OracleStore *oracle.Store
	Dispatcher  *oracle.Dispatcher
	Keys        auth.KeyStore
	Metrics     *metrics.Registry
	HTTPClient  *http.Client

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerWindow int
	RateLimitWindow    time.Duration

	AuthMode            string
	AuthSecret          string
	CallbackAuthToken   string
	MaxRequestBodyBytes int64
	CallbackReplayTTL   time.Duration
}

type auditStore interface {
	Append(ctx context.Context, ev events.Event) error
	List(ctx context.Context, afterSeq uint64, limit int) ([]audit.Record, error)
	LastSeq(ctx context.Context) (uint64, error)
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayOpenBusFunc func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	openBusFnG     = func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error) { return eventbus.NewKafkaPublisher(cfg) }
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, openBusFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	openBus gatewayOpenBusFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var pool gatewayDBCloser
	if env("DATABASE_URL", "") != "" {
		pool, err = openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
	} else {
		log.Printf("gateway: DATABASE_URL not set, running memory-only")
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

	sealSecret := env("SEALING_KEY_SECRET", "")
	if sealSecret == "" {
		return errors.New("SEALING_KEY_SECRET is required")
	}
	engine, err := seal.NewEngine(seal.KeyFromSecret(sealSecret))
	if err != nil {
		return fmt.Errorf("sealing engine: %w", err)
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	callbackReplayTTL := envDurationSec("CALLBACK_REPLAY_TTL_SEC", 86400)
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditHash := strings.EqualFold(strings.TrimSpace(env("AUDIT_HASH_PRINCIPALS", "false")), "true")

	s := &Server{
		Ledger:              ledger.New(engine, nil),
		Engine:              engine,
		Cache:               cache,
		Hub:                 events.NewHub(),
		Requests:            oracle.NewRegistry(),
		Metrics:             metrics.NewRegistry(),
		HTTPClient:          telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000))}),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerWindow:  envInt("RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:     rateLimitWindow,
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		CallbackAuthToken:   env("CALLBACK_AUTH_TOKEN", ""),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		CallbackReplayTTL:   callbackReplayTTL,
	}
	if pool != nil {
		s.DB = pool
		s.Audit = &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), HashPrincipals: auditHash}
		s.OracleStore = &oracle.Store{DB: pool}
	}
	s.Dispatcher = &oracle.Dispatcher{
		Client:      s.HTTPClient,
		OracleURL:   env("ORACLE_URL", "http://localhost:8086"),
		CallbackURL: env("CALLBACK_URL", "http://localhost:8080/v1/decryptions/callback"),
		AuthToken:   env("ORACLE_AUTH_TOKEN", ""),
		Retries:     envInt("ORACLE_RETRIES", 2),
		RetryDelay:  time.Millisecond * time.Duration(envInt("ORACLE_RETRY_DELAY_MS", 100)),
	}
	s.Keys = bootstrapKeyStore(env("ORACLE_KEY_ID", ""), env("ORACLE_PUBLIC_KEY", ""))

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "CALLBACK_AUTH_TOKEN", Value: s.CallbackAuthToken},
			{Name: "ORACLE_AUTH_TOKEN", Value: s.Dispatcher.AuthToken},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" && openBus != nil {
		bus, err := openBus(eventbus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "lockbox.audit"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer bus.Close()
		s.Bus = bus
	}

	if s.DB != nil {
		if err := s.warmup(ctx); err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/readyz", s.handleReady)
	r.Post("/v1/decryptions/callback", s.handleDecryptionCallback)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/content", s.withRoles(s.handleCreateContent))
	authRouter.Post("/v1/content/{id}/active", s.withRoles(s.handleSetActive))
	authRouter.Get("/v1/content/{id}", s.withRoles(s.handleGetInfo))
	authRouter.Post("/v1/content/{id}/access", s.withRoles(s.handleAccessContent))
	authRouter.Post("/v1/access/purchase", s.withRoles(s.handlePurchase))
	authRouter.Post("/v1/access/revoke", s.withRoles(s.handleRevoke))
	authRouter.Get("/v1/access/check", s.withRoles(s.handleCheckAccess))
	authRouter.Get("/v1/principals/{principal}/content", s.withRoles(s.handleListContent))
	authRouter.Get("/v1/principals/{principal}/tokens", s.withRoles(s.handleListTokens))
	authRouter.Get("/v1/tokens/{id}", s.withRoles(s.handleGetTokenInfo))
	authRouter.Get("/v1/stats", s.withRoles(s.handleStats))
	authRouter.Post("/v1/decryptions", s.withRoles(s.handleDecryptionRequest))
	authRouter.Get("/v1/decryptions/{id}", s.withRoles(s.handleDecryptionStatus))
	authRouter.Get("/v1/audit", s.withRoles(s.handleAuditPage, "admin", "auditor"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func bootstrapKeyStore(kid, pubKeyB64 string) auth.KeyStore {
	ks := auth.NewStaticKeyStore()
	kid = strings.TrimSpace(kid)
	pubKeyB64 = strings.TrimSpace(pubKeyB64)
	if kid == "" || pubKeyB64 == "" {
		return ks
	}
	raw, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		log.Printf("gateway: invalid ORACLE_PUBLIC_KEY, ignoring: %v", err)
		return ks
	}
	ks.Put(auth.KeyRecord{Kid: kid, Source: "env", PublicKey: raw, Status: "active"})
	return ks
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		var one int
		if err := s.DB.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
			httpx.Error(w, 503, "database unavailable")
			return
		}
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "ready"})
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	if s.Metrics == nil {
		return
	}
	s.mu.Lock()
	contentTotal := s.Ledger.TotalContentCount()
	tokenTotal := s.Ledger.TotalTokenCount()
	grantsActive := s.Ledger.ActiveGrantCount()
	s.mu.Unlock()
	s.Metrics.SetGauge("content_total", float64(contentTotal))
	s.Metrics.SetGauge("tokens_total", float64(tokenTotal))
	s.Metrics.SetGauge("grants_active", float64(grantsActive))
	if s.Requests != nil {
		s.Metrics.SetGauge("decryptions_pending", float64(s.Requests.PendingCount()))
	}
	if s.Hub != nil {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Hub.SubscriberCount()))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) callbackTokenValid(r *http.Request) bool {
	if s.CallbackAuthToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.CallbackAuthToken)) == 1
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Hub.Subscribe(64)
	defer s.Hub.Unsubscribe(sub)

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

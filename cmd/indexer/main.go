package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"lockbox/pkg/auth"
	"lockbox/pkg/eventbus"
	"lockbox/pkg/events"
	"lockbox/pkg/hardening"
	"lockbox/pkg/httpx"
	"lockbox/pkg/store"
	"lockbox/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type indexerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Projection is the per-principal read model rebuilt from the audit stream.
type Projection struct {
	Principal    string    `json:"principal"`
	OwnedContent []uint64  `json:"owned_content"`
	HeldTokens   []uint64  `json:"held_tokens"`
	Accesses     uint64    `json:"accesses"`
	Revocations  uint64    `json:"revocations"`
	Decryptions  uint64    `json:"decryptions"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Server folds audit events into per-principal projections. Events arrive
// over Kafka or direct ingest; the fold is idempotent on sequence numbers.
type Server struct {
	DB indexerDB
	mu sync.Mutex

	projections map[string]*Projection
	kindTotals  map[events.Kind]uint64
	lastSeq     uint64

	bus                 eventbus.Consumer
	AuthMode            string
	AuthSecret          string
	ServiceAuthHeader   string
	ServiceAuthToken    string
	MaxRequestBodyBytes int64
	Topic               string
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFnI       func(context.Context) (indexerDB, func(), error)
	openBusFnI      func(cfg eventbus.KafkaConfig) (eventbus.Consumer, error)
	listenFnI       func(*http.Server) error
)

func main() {
	if err := runIndexer(initTelemetryFn, openDBFnI, openBusFnI, listenFnI); err != nil {
		logFatalf("indexer: %v", err)
	}
}

func runIndexer(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (indexerDB, func(), error),
	openBus func(cfg eventbus.KafkaConfig) (eventbus.Consumer, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (indexerDB, func(), error) {
			if env("DATABASE_URL", "") == "" {
				return nil, nil, nil
			}
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if openBus == nil {
		openBus = func(cfg eventbus.KafkaConfig) (eventbus.Consumer, error) {
			return eventbus.NewKafkaConsumer(cfg)
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "indexer")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	s := &Server{
		DB:                  db,
		projections:         map[string]*Projection{},
		kindTotals:          map[events.Kind]uint64{},
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		ServiceAuthHeader:   env("INDEXER_AUTH_HEADER", ""),
		ServiceAuthToken:    env("INDEXER_AUTH_TOKEN", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		Topic:               env("KAFKA_TOPIC", "lockbox.audit"),
	}
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
		Service:            "indexer",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "INDEXER_AUTH_HEADER", Value: s.ServiceAuthHeader},
			{Name: "INDEXER_AUTH_TOKEN", Value: s.ServiceAuthToken},
		},
	}); err != nil {
		return err
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}
	if err := s.warmup(ctx); err != nil {
		log.Printf("indexer warmup failed: %v", err)
	}
	if env("KAFKA_ENABLED", "false") == "true" {
		consumer, err := openBus(eventbus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   s.Topic,
			GroupID: env("KAFKA_GROUP_ID", "lockbox-indexer"),
		})
		if err != nil {
			return err
		}
		s.bus = consumer
		go s.consumeEvents(context.Background())
	}
	defer func() {
		if s.bus != nil {
			_ = s.bus.Close()
		}
	}()

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("indexer"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "indexer"})
	})
	authMw := auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
	)
	api := chi.NewRouter()
	api.Use(s.serviceOrAuth(authMw))
	api.Post("/v1/events", s.ingestEvent)
	api.Get("/v1/projections/{principal}", s.getProjection)
	api.Get("/v1/stats", s.getStats)
	api.Post("/v1/snapshots", s.createSnapshot)
	api.Get("/v1/snapshots/{snapshot_id}", s.getSnapshot)
	r.Mount("/", api)

	addr := env("ADDR", ":8083")
	log.Printf("indexer listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

// applyEvent folds one audit event into the read model. Events at or below
// the last applied sequence are duplicates and are dropped.
func (s *Server) applyEvent(ev events.Event) error {
	if ev.Kind == "" {
		return errors.New("event kind required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Seq != 0 && ev.Seq <= s.lastSeq {
		return nil
	}
	now := time.Now().UTC()
	touched := map[string]*Projection{}
	touch := func(principal string) *Projection {
		if principal == "" {
			return nil
		}
		p, ok := s.projections[principal]
		if !ok {
			p = &Projection{Principal: principal}
			s.projections[principal] = p
		}
		p.UpdatedAt = now
		touched[principal] = p
		return p
	}

	switch ev.Kind {
	case events.KindContentCreated:
		if p := touch(ev.Principal); p != nil {
			p.OwnedContent = appendUniqueID(p.OwnedContent, ev.ContentID)
		}
	case events.KindAccessPurchased:
		if p := touch(ev.Principal); p != nil && ev.TokenID != nil {
			p.HeldTokens = appendUniqueID(p.HeldTokens, *ev.TokenID)
		}
	case events.KindContentAccessed:
		if p := touch(ev.Principal); p != nil {
			p.Accesses++
		}
	case events.KindAccessRevoked:
		if p := touch(ev.Principal); p != nil {
			p.Revocations++
		}
	case events.KindDecryptionRequested:
		if p := touch(ev.Principal); p != nil {
			p.Decryptions++
		}
	case events.KindDecryptionCompleted:
		// Global counter only; the completion event carries no principal.
	default:
		return errors.New("unknown event kind " + string(ev.Kind))
	}
	s.kindTotals[ev.Kind]++
	if ev.Seq > s.lastSeq {
		s.lastSeq = ev.Seq
	}

	for _, p := range touched {
		if err := s.persistProjection(*p); err != nil {
			log.Printf("indexer persist projection %s: %v", p.Principal, err)
		}
	}
	if err := s.persistOffset(); err != nil {
		log.Printf("indexer persist offset: %v", err)
	}
	return nil
}

func appendUniqueID(ids []uint64, id uint64) []uint64 {
	if id == 0 {
		return ids
	}
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func (s *Server) consumeEvents(ctx context.Context) {
	for {
		msg, err := s.bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("indexer bus read error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		ev, err := eventbus.DecodeEvent(msg.Value)
		if err != nil {
			log.Printf("indexer bus decode error: %v", err)
			continue
		}
		if err := s.applyEvent(ev); err != nil {
			log.Printf("indexer bus apply error: %v", err)
		}
	}
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if err := s.applyEvent(ev); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"status": "ok", "last_seq": s.LastSeq()})
}

func (s *Server) getProjection(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(chi.URLParam(r, "principal"))
	if principal == "" {
		httpx.Error(w, 400, "principal required")
		return
	}
	s.mu.Lock()
	p, ok := s.projections[principal]
	var out Projection
	if ok {
		out = *p
		out.OwnedContent = append([]uint64(nil), p.OwnedContent...)
		out.HeldTokens = append([]uint64(nil), p.HeldTokens...)
	}
	s.mu.Unlock()
	if !ok {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, out)
}

type statsResponse struct {
	LastSeq    uint64            `json:"last_seq"`
	Principals int               `json:"principals"`
	KindTotals map[string]uint64 `json:"kind_totals"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := statsResponse{
		LastSeq:    s.lastSeq,
		Principals: len(s.projections),
		KindTotals: make(map[string]uint64, len(s.kindTotals)),
	}
	for kind, total := range s.kindTotals {
		out.KindTotals[string(kind)] = total
	}
	s.mu.Unlock()
	httpx.WriteJSON(w, 200, out)
}

func (s *Server) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

type snapshot struct {
	SnapshotID  string       `json:"snapshot_id"`
	LastSeq     uint64       `json:"last_seq"`
	Projections []Projection `json:"projections"`
	CreatedAt   time.Time    `json:"created_at"`
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		httpx.Error(w, 503, "snapshot store unavailable")
		return
	}
	s.mu.Lock()
	snap := snapshot{
		SnapshotID: uuid.New().String(),
		LastSeq:    s.lastSeq,
		CreatedAt:  time.Now().UTC(),
	}
	for _, p := range s.projections {
		snap.Projections = append(snap.Projections, *p)
	}
	s.mu.Unlock()
	sort.Slice(snap.Projections, func(i, j int) bool {
		return snap.Projections[i].Principal < snap.Projections[j].Principal
	})
	payload, err := json.Marshal(snap)
	if err != nil {
		internalServerError(w, "marshal snapshot", err)
		return
	}
	if _, err := s.DB.Exec(r.Context(), `INSERT INTO indexer_snapshots(id, payload, created_at) VALUES ($1,$2,$3)`,
		snap.SnapshotID, payload, snap.CreatedAt); err != nil {
		internalServerError(w, "create snapshot", err)
		return
	}
	httpx.WriteJSON(w, 201, snap)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		httpx.Error(w, 503, "snapshot store unavailable")
		return
	}
	snapshotID := chi.URLParam(r, "snapshot_id")
	row := s.DB.QueryRow(r.Context(), `SELECT payload FROM indexer_snapshots WHERE id=$1`, snapshotID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		httpx.Error(w, 404, "not found")
		return
	}
	var snap snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		httpx.Error(w, 500, "corrupt snapshot")
		return
	}
	httpx.WriteJSON(w, 200, snap)
}

func (s *Server) persistProjection(p Projection) error {
	if s.DB == nil {
		return nil
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(context.Background(), `
		INSERT INTO indexer_projections(principal, payload, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (principal) DO UPDATE SET
			payload=EXCLUDED.payload,
			updated_at=EXCLUDED.updated_at
	`, p.Principal, payload, p.UpdatedAt)
	return err
}

func (s *Server) persistOffset() error {
	if s.DB == nil {
		return nil
	}
	_, err := s.DB.Exec(context.Background(), `
		INSERT INTO indexer_offsets(topic_partition, committed_offset)
		VALUES ($1,$2)
		ON CONFLICT (topic_partition) DO UPDATE SET committed_offset=EXCLUDED.committed_offset
	`, s.Topic, int64(s.lastSeq))
	return err
}

func (s *Server) warmup(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	rows, err := s.DB.Query(ctx, `SELECT payload FROM indexer_projections`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		var p Projection
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if p.Principal == "" {
			continue
		}
		copied := p
		s.projections[p.Principal] = &copied
	}
	if err := rows.Err(); err != nil {
		return err
	}
	var offset int64
	row := s.DB.QueryRow(ctx, `SELECT committed_offset FROM indexer_offsets WHERE topic_partition=$1`, s.Topic)
	if err := row.Scan(&offset); err == nil && offset > 0 {
		s.lastSeq = uint64(offset)
	}
	return nil
}

func (s *Server) serviceOrAuth(authMw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.serviceTokenValid(r) {
				p := auth.Principal{Subject: "service", Roles: []string{"service"}}
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
				return
			}
			authMw(next).ServeHTTP(w, r)
		})
	}
}

func (s *Server) serviceTokenValid(r *http.Request) bool {
	if s.ServiceAuthHeader == "" || s.ServiceAuthToken == "" {
		return false
	}
	token := r.Header.Get(s.ServiceAuthHeader)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.ServiceAuthToken)) == 1
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("indexer %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
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

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"lockbox/pkg/auth"
	"lockbox/pkg/httpx"
	"lockbox/pkg/models"
	"lockbox/pkg/seal"
	"lockbox/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// oracleMock is the development stand-in for the external decryption oracle.
// It shares the sealing key with the gateway, unseals the job items, and
// posts a signed callback to the gateway's callback URL.
type oracleMock struct {
	Engine        *seal.Engine
	Priv          ed25519.PrivateKey
	Kid           string
	Client        *http.Client
	AuthToken     string
	CallbackToken string
	Retries       int
	RetryDelay    time.Duration
	Delay         time.Duration
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runOracleMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func (o *oracleMock) jobTokenValid(r *http.Request) bool {
	if o.AuthToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return subtle.ConstantTimeCompare([]byte(token), []byte(o.AuthToken)) == 1
}

func (o *oracleMock) handleJob(w http.ResponseWriter, r *http.Request) {
	if !o.jobTokenValid(r) {
		httpx.Error(w, 401, "unauthorized")
		return
	}
	var job models.DecryptionJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if job.RequestID == "" || len(job.Items) == 0 || job.CallbackURL == "" {
		httpx.Error(w, 400, "request_id, items, and callback_url required")
		return
	}
	go o.complete(job)
	httpx.WriteJSON(w, 202, map[string]string{"request_id": job.RequestID, "status": "accepted"})
}

func (o *oracleMock) complete(job models.DecryptionJob) {
	if o.Delay > 0 {
		time.Sleep(o.Delay)
	}
	cb := models.DecryptionCallback{RequestID: job.RequestID}
	for _, item := range job.Items {
		plaintext, err := o.Engine.Unseal(item.Sealed)
		if err != nil {
			log.Printf("oracle-mock: unseal %s: %v", item.HandleID, err)
			plaintext = nil
		}
		cb.Results = append(cb.Results, models.DecryptionResult{HandleID: item.HandleID, Plaintext: plaintext})
	}
	if err := auth.SignCallback(o.Priv, o.Kid, &cb); err != nil {
		log.Printf("oracle-mock: sign callback %s: %v", job.RequestID, err)
		return
	}
	if err := o.deliver(job.CallbackURL, cb); err != nil {
		log.Printf("oracle-mock: deliver callback %s: %v", job.RequestID, err)
		return
	}
	log.Printf("oracle-mock: completed %s (%d items)", job.RequestID, len(cb.Results))
}

func (o *oracleMock) deliver(url string, cb models.DecryptionCallback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if o.CallbackToken != "" {
		headers["Authorization"] = "Bearer " + o.CallbackToken
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	status, _, err := httpx.RequestJSON(ctx, o.Client, http.MethodPost, url, body, headers, o.Retries, o.RetryDelay)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("callback returned %d", status)
	}
	return nil
}

func (o *oracleMock) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pub := o.Priv.Public().(ed25519.PublicKey)
	httpx.WriteJSON(w, 200, map[string]string{
		"kid":        o.Kid,
		"public_key": base64.StdEncoding.EncodeToString(pub),
	})
}

// signingKey loads the ed25519 key from ORACLE_SIGNING_KEY (base64 seed),
// generating an ephemeral one otherwise.
func signingKey(raw string) (ed25519.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		pub := priv.Public().(ed25519.PublicKey)
		log.Printf("oracle-mock: generated ephemeral signing key, public=%s", base64.StdEncoding.EncodeToString(pub))
		return priv, nil
	}
	seed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode ORACLE_SIGNING_KEY: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ORACLE_SIGNING_KEY must be a %d-byte seed", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
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

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runOracleMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "oracle-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	sealSecret := env("SEALING_KEY_SECRET", "")
	if sealSecret == "" {
		return fmt.Errorf("SEALING_KEY_SECRET is required")
	}
	engine, err := seal.NewEngine(seal.KeyFromSecret(sealSecret))
	if err != nil {
		return fmt.Errorf("sealing engine: %w", err)
	}
	priv, err := signingKey(env("ORACLE_SIGNING_KEY", ""))
	if err != nil {
		return err
	}

	o := &oracleMock{
		Engine:        engine,
		Priv:          priv,
		Kid:           env("ORACLE_KEY_ID", "oracle-mock"),
		Client:        telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second}),
		AuthToken:     env("ORACLE_AUTH_TOKEN", ""),
		CallbackToken: env("CALLBACK_AUTH_TOKEN", ""),
		Retries:       envInt("CALLBACK_RETRIES", 3),
		RetryDelay:    time.Millisecond * time.Duration(envInt("CALLBACK_RETRY_DELAY_MS", 200)),
		Delay:         time.Millisecond * time.Duration(envInt("ORACLE_DELAY_MS", 0)),
	}

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("oracle-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "oracle-mock"})
	})
	r.Get("/v1/keys", o.handlePublicKey)
	r.Post("/v1/jobs", o.handleJob)

	addr := env("ADDR", ":8086")
	log.Printf("oracle-mock listening on %s", addr)
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

package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lockbox/pkg/events"
	"lockbox/pkg/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type recordedRequest struct {
	Method    string
	Path      string
	Query     string
	Auth      string
	Principal string
	Body      []byte
}

func newTestClient(t *testing.T, status int, response any) (*Client, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.Method = r.Method
		rec.Path = r.URL.Path
		rec.Query = r.URL.RawQuery
		rec.Auth = r.Header.Get("Authorization")
		rec.Principal = r.Header.Get("X-Principal")
		rec.Body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, time.Second)
	c.AuthToken = "tok-1"
	c.Principal = "alice"
	return c, rec
}

func TestCreateContent(t *testing.T) {
	c, rec := newTestClient(t, 201, models.CreateContentResponse{ContentID: 7})
	out, err := c.CreateContent(context.Background(), models.CreateContentRequest{
		Title: "dataset", Payload: "raw", Price: "42",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.ContentID != 7 {
		t.Fatalf("content id: %d", out.ContentID)
	}
	if rec.Method != "POST" || rec.Path != "/v1/content" {
		t.Fatalf("wrong request: %s %s", rec.Method, rec.Path)
	}
	if rec.Auth != "Bearer tok-1" || rec.Principal != "alice" {
		t.Fatalf("auth headers missing: %q %q", rec.Auth, rec.Principal)
	}
	var req models.CreateContentRequest
	if err := json.Unmarshal(rec.Body, &req); err != nil || req.Title != "dataset" {
		t.Fatalf("request body: %s (%v)", rec.Body, err)
	}
}

func TestSetActiveAndGetInfo(t *testing.T) {
	c, rec := newTestClient(t, 200, ContentInfo{ID: 3, Creator: "alice", Active: false})
	info, err := c.SetActive(context.Background(), 3, false)
	if err != nil {
		t.Fatalf("set active: %v", err)
	}
	if rec.Path != "/v1/content/3/active" || info.Active {
		t.Fatalf("unexpected: path=%s info=%+v", rec.Path, info)
	}

	info, err = c.GetInfo(context.Background(), 3)
	if err != nil {
		t.Fatalf("get info: %v", err)
	}
	if rec.Method != "GET" || rec.Path != "/v1/content/3" || info.ID != 3 {
		t.Fatalf("unexpected: %s %s %+v", rec.Method, rec.Path, info)
	}
}

func TestPurchaseSendsDurationSeconds(t *testing.T) {
	c, rec := newTestClient(t, 201, models.PurchaseResponse{TokenID: 1, ContentID: 5})
	out, err := c.Purchase(context.Background(), 5, 90*time.Minute)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if out.TokenID != 1 {
		t.Fatalf("token id: %d", out.TokenID)
	}
	var req models.PurchaseRequest
	_ = json.Unmarshal(rec.Body, &req)
	if req.ContentID != 5 || req.DurationSec != 5400 {
		t.Fatalf("request body: %+v", req)
	}
}

func TestCheckAccessQuery(t *testing.T) {
	c, rec := newTestClient(t, 200, models.CheckAccessResponse{ContentID: 2, User: "bob", Allowed: true})
	out, err := c.CheckAccess(context.Background(), 2, "bob")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !out.Allowed {
		t.Fatal("expected allowed")
	}
	if rec.Path != "/v1/access/check" || rec.Query != "content_id=2&user=bob" {
		t.Fatalf("unexpected request: %s?%s", rec.Path, rec.Query)
	}

	// Empty user defaults to the caller, so the param is omitted.
	_, _ = c.CheckAccess(context.Background(), 2, "")
	if rec.Query != "content_id=2" {
		t.Fatalf("user param should be omitted: %s", rec.Query)
	}
}

func TestRevokeAndListings(t *testing.T) {
	c, rec := newTestClient(t, 200, map[string]string{"status": "revoked"})
	if err := c.Revoke(context.Background(), 4, "bob"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if rec.Path != "/v1/access/revoke" {
		t.Fatalf("path: %s", rec.Path)
	}

	if _, err := c.ListContent(context.Background(), "alice"); err != nil {
		t.Fatalf("list content: %v", err)
	}
	if rec.Path != "/v1/principals/alice/content" {
		t.Fatalf("path: %s", rec.Path)
	}
	if _, err := c.ListTokens(context.Background(), "bob"); err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	if rec.Path != "/v1/principals/bob/tokens" {
		t.Fatalf("path: %s", rec.Path)
	}
	if _, err := c.GetTokenInfo(context.Background(), 9); err != nil {
		t.Fatalf("token info: %v", err)
	}
	if rec.Path != "/v1/tokens/9" {
		t.Fatalf("path: %s", rec.Path)
	}
	if _, err := c.Stats(context.Background()); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if rec.Path != "/v1/stats" {
		t.Fatalf("path: %s", rec.Path)
	}
}

func TestErrorCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no access"}`, 403)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)
	_, err := c.GetInfo(context.Background(), 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 403 || apiErr.Body == "" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitForDecryption(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "pending"
		if polls.Add(1) >= 3 {
			status = "complete"
		}
		_ = json.NewEncoder(w).Encode(models.DecryptionStatusResponse{
			RequestID: "req-1", Status: status, Plaintext: []byte("secret"),
		})
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)
	out, err := c.WaitForDecryption(context.Background(), "req-1", time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if out.Status != "complete" || string(out.Plaintext) != "secret" {
		t.Fatalf("unexpected result: %+v", out)
	}
	if polls.Load() < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls.Load())
	}
}

func TestWaitForDecryptionContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.DecryptionStatusResponse{RequestID: "req-1", Status: "pending"})
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.WaitForDecryption(ctx, "req-1", 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestRequestDecryption(t *testing.T) {
	c, rec := newTestClient(t, 202, models.DecryptionAccepted{RequestID: "req-1", ContentID: 2, Status: "pending"})
	out, err := c.RequestDecryption(context.Background(), 2)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if out.RequestID != "req-1" || rec.Path != "/v1/decryptions" {
		t.Fatalf("unexpected: %+v path=%s", out, rec.Path)
	}
	if _, err := c.DecryptionStatus(context.Background(), "req-1"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Path != "/v1/decryptions/req-1" {
		t.Fatalf("path: %s", rec.Path)
	}
}

func TestAuditPage(t *testing.T) {
	c, rec := newTestClient(t, 200, AuditPage{AfterSeq: 5, Records: []AuditRecord{{Seq: 6, Kind: "content.created"}}})
	page, err := c.AuditPage(context.Background(), 5, 50)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].Seq != 6 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if rec.Query != "after_seq=5&limit=50" {
		t.Fatalf("query: %s", rec.Query)
	}
}

func TestStreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ev := events.ContentCreated(1, time.Now().UTC(), 1, "alice", "dataset")
		_ = wsjson.Write(r.Context(), conn, ev)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := c.StreamEvents(ctx)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer stream.Close()
	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Kind != events.KindContentCreated || ev.Seq != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("http://example.test/", 0)
	if c.BaseURL != "http://example.test" {
		t.Fatalf("base url not trimmed: %s", c.BaseURL)
	}
	if c.HTTPClient.Timeout != 5*time.Second {
		t.Fatalf("default timeout: %v", c.HTTPClient.Timeout)
	}
}

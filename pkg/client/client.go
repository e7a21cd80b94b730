// Package client is the typed SDK for the gateway HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lockbox/pkg/events"
	"lockbox/pkg/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// AuthToken is sent as a bearer token when set.
	AuthToken string
	// Principal is sent as X-Principal; the gateway uses it as the acting
	// party when token auth is off.
	Principal string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ContentInfo mirrors the gateway's content view.
type ContentInfo struct {
	ID          uint64    `json:"id"`
	Creator     string    `json:"creator"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	Active      bool      `json:"active"`
}

// TokenInfo mirrors the gateway's token view.
type TokenInfo struct {
	ID        uint64    `json:"id"`
	ContentID uint64    `json:"content_id"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
	Valid     bool      `json:"valid"`
}

// AuditRecord is one row of the gateway's audit page.
type AuditRecord struct {
	Seq       uint64          `json:"seq"`
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	ContentID *uint64         `json:"content_id,omitempty"`
	Principal string          `json:"principal,omitempty"`
	TokenID   *uint64         `json:"token_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

type AuditPage struct {
	AfterSeq uint64        `json:"after_seq"`
	Records  []AuditRecord `json:"records"`
}

func (c *Client) CreateContent(ctx context.Context, req models.CreateContentRequest) (models.CreateContentResponse, error) {
	var out models.CreateContentResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/content", req, &out)
	return out, err
}

func (c *Client) SetActive(ctx context.Context, contentID uint64, active bool) (ContentInfo, error) {
	var out ContentInfo
	path := fmt.Sprintf("/v1/content/%d/active", contentID)
	err := c.doJSON(ctx, http.MethodPost, path, models.SetActiveRequest{Active: active}, &out)
	return out, err
}

func (c *Client) GetInfo(ctx context.Context, contentID uint64) (ContentInfo, error) {
	var out ContentInfo
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/content/%d", contentID), nil, &out)
	return out, err
}

// AccessContent returns the sealed ciphertext handle for a content item the
// caller may access. The sealed bytes stay opaque without the sealing key.
func (c *Client) AccessContent(ctx context.Context, contentID uint64) (models.AccessResponse, error) {
	var out models.AccessResponse
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/content/%d/access", contentID), nil, &out)
	return out, err
}

func (c *Client) Purchase(ctx context.Context, contentID uint64, duration time.Duration) (models.PurchaseResponse, error) {
	var out models.PurchaseResponse
	req := models.PurchaseRequest{ContentID: contentID, DurationSec: int64(duration / time.Second)}
	err := c.doJSON(ctx, http.MethodPost, "/v1/access/purchase", req, &out)
	return out, err
}

func (c *Client) Revoke(ctx context.Context, contentID uint64, user string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/access/revoke", models.RevokeRequest{ContentID: contentID, User: user}, nil)
}

// CheckAccess asks whether user may access contentID. An empty user defaults
// to the calling principal.
func (c *Client) CheckAccess(ctx context.Context, contentID uint64, user string) (models.CheckAccessResponse, error) {
	var out models.CheckAccessResponse
	q := url.Values{}
	q.Set("content_id", strconv.FormatUint(contentID, 10))
	if user != "" {
		q.Set("user", user)
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/access/check?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) ListContent(ctx context.Context, principal string) (models.IDListResponse, error) {
	var out models.IDListResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/principals/"+url.PathEscape(principal)+"/content", nil, &out)
	return out, err
}

func (c *Client) ListTokens(ctx context.Context, principal string) (models.IDListResponse, error) {
	var out models.IDListResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/principals/"+url.PathEscape(principal)+"/tokens", nil, &out)
	return out, err
}

func (c *Client) GetTokenInfo(ctx context.Context, tokenID uint64) (TokenInfo, error) {
	var out TokenInfo
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/tokens/%d", tokenID), nil, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (models.StatsResponse, error) {
	var out models.StatsResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

// RequestDecryption starts an asynchronous decryption and returns the pending
// request id. Poll DecryptionStatus for the result.
func (c *Client) RequestDecryption(ctx context.Context, contentID uint64) (models.DecryptionAccepted, error) {
	var out models.DecryptionAccepted
	err := c.doJSON(ctx, http.MethodPost, "/v1/decryptions", models.DecryptionRequestBody{ContentID: contentID}, &out)
	return out, err
}

func (c *Client) DecryptionStatus(ctx context.Context, requestID string) (models.DecryptionStatusResponse, error) {
	var out models.DecryptionStatusResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/decryptions/"+url.PathEscape(requestID), nil, &out)
	return out, err
}

// WaitForDecryption polls until the request leaves the pending state or the
// context expires.
func (c *Client) WaitForDecryption(ctx context.Context, requestID string, interval time.Duration) (models.DecryptionStatusResponse, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	for {
		status, err := c.DecryptionStatus(ctx, requestID)
		if err != nil {
			return models.DecryptionStatusResponse{}, err
		}
		if status.Status != "pending" {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return models.DecryptionStatusResponse{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) AuditPage(ctx context.Context, afterSeq uint64, limit int) (AuditPage, error) {
	var out AuditPage
	q := url.Values{}
	q.Set("after_seq", strconv.FormatUint(afterSeq, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/audit?"+q.Encode(), nil, &out)
	return out, err
}

// EventStream is a live subscription to the gateway's commit feed.
type EventStream struct {
	conn *websocket.Conn
}

// StreamEvents opens a websocket to /v1/stream. Close the stream when done;
// cancelling ctx also tears it down.
func (c *Client) StreamEvents(ctx context.Context) (*EventStream, error) {
	wsURL := strings.Replace(c.BaseURL, "http", "ws", 1) + "/v1/stream"
	header := http.Header{}
	if c.AuthToken != "" {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
	}
	if c.Principal != "" {
		header.Set("X-Principal", c.Principal)
	}
	// The websocket dialer rejects clients with a Timeout; the context
	// bounds the dial instead.
	hc := c.httpClient()
	if hc.Timeout > 0 {
		clone := *hc
		clone.Timeout = 0
		hc = &clone
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: hc,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return &EventStream{conn: conn}, nil
}

func (s *EventStream) Next(ctx context.Context) (events.Event, error) {
	var ev events.Event
	if err := wsjson.Read(ctx, s.conn, &ev); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

func (s *EventStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "done")
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
	}
	if c.Principal != "" {
		req.Header.Set("X-Principal", c.Principal)
	}
}

package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// VaultTransitKeyStore resolves oracle Ed25519 public keys from Vault
// Transit, for deployments that rotate oracle keys outside the database.
type VaultTransitKeyStore struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Transit    string
	KeyPrefix  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (s VaultTransitKeyStore) GetKey(ctx context.Context, kid string) (*KeyRecord, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("kid required")
	}
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return nil, errors.New("vault token required")
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	transit := s.Transit
	if transit == "" {
		transit = "transit"
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	retries := s.MaxRetries
	if retries < 0 {
		retries = 0
	}
	keyName := s.KeyPrefix + kid
	endpoint := addr + "/v1/" + strings.Trim(transit, "/") + "/keys/" + url.PathEscape(keyName)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && s.RetryDelay > 0 {
			time.Sleep(s.RetryDelay)
		}
		body, retryable, err := s.fetchOnce(ctx, client, endpoint, timeout)
		if err != nil {
			lastErr = err
			if retryable {
				continue
			}
			return nil, err
		}
		pub, err := parseVaultTransitPublicKey(body)
		if err != nil {
			return nil, err
		}
		return &KeyRecord{
			Kid:       kid,
			Source:    "vault-transit:" + keyName,
			PublicKey: pub,
			Status:    "active",
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("vault transit lookup failed")
	}
	return nil, lastErr
}

// fetchOnce performs a single transit key read. The second return reports
// whether the failure is worth retrying.
func (s VaultTransitKeyStore) fetchOnce(ctx context.Context, client *http.Client, endpoint string, timeout time.Duration) ([]byte, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("X-Vault-Token", s.Token)
	if strings.TrimSpace(s.Namespace) != "" {
		req.Header.Set("X-Vault-Namespace", s.Namespace)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, fmt.Errorf("kid not found in vault transit")
	}
	if resp.StatusCode >= 300 {
		return nil, true, fmt.Errorf("vault transit key lookup failed status=%d", resp.StatusCode)
	}
	return body, false, nil
}

func parseVaultTransitPublicKey(body []byte) ([]byte, error) {
	var payload struct {
		Data struct {
			LatestVersion int `json:"latest_version"`
			Keys          map[string]struct {
				PublicKey string `json:"public_key"`
			} `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid vault response: %w", err)
	}
	if len(payload.Data.Keys) == 0 {
		return nil, errors.New("vault response missing key versions")
	}
	version := payload.Data.LatestVersion
	if version <= 0 {
		for k := range payload.Data.Keys {
			if n, err := strconv.Atoi(k); err == nil && n > version {
				version = n
			}
		}
	}
	item, ok := payload.Data.Keys[strconv.Itoa(version)]
	if !ok {
		return nil, errors.New("vault response missing latest public key")
	}
	pub := strings.TrimSpace(item.PublicKey)
	if pub == "" {
		return nil, errors.New("vault response has empty public key")
	}
	if parts := strings.SplitN(pub, ":", 2); len(parts) == 2 {
		pub = strings.TrimSpace(parts[1])
	}
	pk, err := base64.StdEncoding.DecodeString(pub)
	if err != nil {
		return nil, fmt.Errorf("vault public key decode failed: %w", err)
	}
	return pk, nil
}

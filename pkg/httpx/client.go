package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors, body read errors and 5xx responses.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && retryDelay > 0 {
			time.Sleep(retryDelay)
		}
		status, respBody, retryable, err := requestOnce(ctx, client, method, url, body, headers)
		if err != nil {
			lastErr = err
			if retryable && attempt < retries {
				continue
			}
			return 0, nil, err
		}
		if status >= 500 && attempt < retries {
			continue
		}
		return status, respBody, nil
	}
	return 0, nil, lastErr
}

func requestOnce(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, false, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, true, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, true, err
	}
	return resp.StatusCode, respBody, false, nil
}

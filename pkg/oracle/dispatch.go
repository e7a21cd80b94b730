package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"lockbox/pkg/httpx"
	"lockbox/pkg/models"
)

// Dispatcher ships decryption jobs to the external oracle over HTTP.
type Dispatcher struct {
	Client      *http.Client
	OracleURL   string
	CallbackURL string
	AuthToken   string
	Retries     int
	RetryDelay  time.Duration
}

func (d *Dispatcher) Dispatch(ctx context.Context, requestID string, items []models.DecryptionJobItem) error {
	if d.OracleURL == "" {
		return fmt.Errorf("oracle url not configured")
	}
	job := models.DecryptionJob{
		RequestID:   requestID,
		Items:       items,
		CallbackURL: d.CallbackURL,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal decryption job: %w", err)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if d.AuthToken != "" {
		headers["Authorization"] = "Bearer " + d.AuthToken
	}
	status, _, err := httpx.RequestJSON(ctx, d.Client, http.MethodPost, d.OracleURL+"/v1/jobs", body, headers, d.Retries, d.RetryDelay)
	if err != nil {
		return fmt.Errorf("dispatch decryption job: %w", err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("dispatch decryption job: oracle returned %d", status)
	}
	return nil
}

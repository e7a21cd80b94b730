// Package models holds the wire types shared by the gateway, the oracle, the
// SDK, and the indexer.
package models

import "time"

type CreateContentRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Payload     string `json:"payload"`
	Price       string `json:"price"`
}

type CreateContentResponse struct {
	ContentID uint64    `json:"content_id"`
	CreatedAt time.Time `json:"created_at"`
}

type SetActiveRequest struct {
	Active bool `json:"active"`
}

type PurchaseRequest struct {
	ContentID   uint64 `json:"content_id"`
	DurationSec int64  `json:"duration_sec"`
}

type PurchaseResponse struct {
	TokenID   uint64    `json:"token_id"`
	ContentID uint64    `json:"content_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RevokeRequest struct {
	ContentID uint64 `json:"content_id"`
	User      string `json:"user"`
}

type CheckAccessResponse struct {
	ContentID uint64 `json:"content_id"`
	User      string `json:"user"`
	Allowed   bool   `json:"allowed"`
}

// HandleView is the public projection of a ciphertext handle. Sealed bytes
// are opaque; exposing them reveals nothing without the sealing key.
type HandleView struct {
	ID      string   `json:"id"`
	Sealed  []byte   `json:"sealed"`
	Allowed []string `json:"allowed"`
}

type AccessResponse struct {
	ContentID uint64     `json:"content_id"`
	Payload   HandleView `json:"payload"`
}

type StatsResponse struct {
	ContentTotal uint64 `json:"content_total"`
	TokenTotal   uint64 `json:"token_total"`
}

type IDListResponse struct {
	Principal string   `json:"principal"`
	IDs       []uint64 `json:"ids"`
}

// Signature carries an ed25519 signature over a canonical payload.
type Signature struct {
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Sig string `json:"sig"`
}

// DecryptionRequestBody starts an asynchronous decryption.
type DecryptionRequestBody struct {
	ContentID uint64 `json:"content_id"`
}

type DecryptionAccepted struct {
	RequestID string `json:"request_id"`
	ContentID uint64 `json:"content_id"`
	Status    string `json:"status"`
}

// DecryptionJob is what the gateway posts to the oracle.
type DecryptionJob struct {
	RequestID   string              `json:"request_id"`
	Items       []DecryptionJobItem `json:"items"`
	CallbackURL string              `json:"callback_url"`
}

type DecryptionJobItem struct {
	HandleID string `json:"handle_id"`
	Sealed   []byte `json:"sealed"`
}

type DecryptionResult struct {
	HandleID  string `json:"handle_id"`
	Plaintext []byte `json:"plaintext"`
}

// DecryptionCallback is the oracle's signed completion message. The
// signature covers the canonical JSON of request_id and results.
type DecryptionCallback struct {
	RequestID string             `json:"request_id"`
	Results   []DecryptionResult `json:"results"`
	Signature Signature          `json:"signature"`
}

type DecryptionStatusResponse struct {
	RequestID   string     `json:"request_id"`
	ContentID   uint64     `json:"content_id"`
	Status      string     `json:"status"`
	Plaintext   []byte     `json:"plaintext,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

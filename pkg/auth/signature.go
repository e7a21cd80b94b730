package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"lockbox/pkg/models"
)

// CallbackPayload is the byte string an oracle signs: the canonical JSON of
// the request id and the result set, signature field excluded.
func CallbackPayload(cb models.DecryptionCallback) ([]byte, error) {
	binding := struct {
		RequestID string                    `json:"request_id"`
		Results   []models.DecryptionResult `json:"results"`
	}{
		RequestID: cb.RequestID,
		Results:   cb.Results,
	}
	raw, err := json.Marshal(binding)
	if err != nil {
		return nil, fmt.Errorf("marshal callback payload: %w", err)
	}
	canon, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize callback payload: %w", err)
	}
	return canon, nil
}

func VerifyEd25519(pubKey ed25519.PublicKey, cb models.DecryptionCallback) error {
	if cb.Signature.Alg != "ed25519" {
		return errors.New("unsupported signature alg")
	}
	payload, err := CallbackPayload(cb)
	if err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(cb.Signature.Sig)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pubKey, payload, sigBytes) {
		return errors.New("invalid signature")
	}
	return nil
}

// SignCallback fills in the callback's signature in place.
func SignCallback(priv ed25519.PrivateKey, kid string, cb *models.DecryptionCallback) error {
	payload, err := CallbackPayload(*cb)
	if err != nil {
		return err
	}
	cb.Signature = models.Signature{
		Kid: kid,
		Alg: "ed25519",
		Sig: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload)),
	}
	return nil
}

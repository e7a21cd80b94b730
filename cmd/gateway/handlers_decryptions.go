package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lockbox/pkg/auth"
	"lockbox/pkg/events"
	"lockbox/pkg/httpx"
	"lockbox/pkg/models"
	"lockbox/pkg/oracle"
	"lockbox/pkg/seal"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var (
	errKidRequired = errors.New("signature kid required")
	errKeyInactive = errors.New("signing key not active")
	errKeyInvalid  = errors.New("signing key invalid")
)

func (s *Server) handleDecryptionRequest(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.DecryptionRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	caller := s.principal(r)
	if caller == "" {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	if blocked, retryAfter := s.checkRateLimit("decryptions", string(caller)); blocked {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		httpx.Error(w, 429, "rate limited")
		return
	}

	requestID := uuid.New().String()
	s.mu.Lock()
	item, ok := s.Ledger.Content(req.ContentID)
	if !ok {
		s.mu.Unlock()
		httpx.Error(w, 404, "content not found")
		return
	}
	if !item.Active {
		s.mu.Unlock()
		httpx.Error(w, 409, "content inactive")
		return
	}
	if !s.Ledger.CheckAccess(req.ContentID, caller) {
		s.mu.Unlock()
		s.Metrics.IncError("no_access")
		httpx.Error(w, 403, "no access")
		return
	}
	if !s.Engine.CanDecrypt(item.Payload, caller) {
		s.mu.Unlock()
		s.Metrics.IncError("no_access")
		httpx.Error(w, 403, "not on handle allow-list")
		return
	}
	handle, err := s.Engine.Info(item.Payload)
	if err != nil {
		s.mu.Unlock()
		httpx.Error(w, 500, "resolve payload handle")
		return
	}
	pending := s.Requests.Create(requestID, req.ContentID, string(caller), time.Now().UTC())
	ev := s.Ledger.AppendDecryptionRequested(requestID, req.ContentID, caller)
	s.mu.Unlock()

	s.Metrics.IncOperation("requestDecryption")
	s.persistDecryption(r.Context(), pending)
	s.afterCommit(r.Context(), []events.Event{ev})

	items := []models.DecryptionJobItem{{HandleID: handle.ID, Sealed: handle.Sealed}}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Dispatcher.Dispatch(ctx, requestID, items); err != nil {
			log.Printf("gateway: dispatch decryption %s: %v", requestID, err)
			s.Metrics.IncError("oracle_dispatch")
		}
	}()

	httpx.WriteJSON(w, 202, models.DecryptionAccepted{
		RequestID: requestID,
		ContentID: req.ContentID,
		Status:    oracle.StatusPending,
	})
}

func (s *Server) handleDecryptionCallback(w http.ResponseWriter, r *http.Request) {
	if !s.callbackTokenValid(r) {
		httpx.Error(w, 401, "unauthorized callback")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var cb models.DecryptionCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if cb.RequestID == "" || len(cb.Results) == 0 {
		httpx.Error(w, 400, "request_id and results required")
		return
	}

	pubKey, err := s.lookupOracleKey(r.Context(), cb.Signature.Kid)
	if err != nil {
		s.Metrics.IncError("oracle_key")
		httpx.Error(w, 401, "unknown signing key")
		return
	}
	if err := auth.VerifyEd25519(pubKey, cb); err != nil {
		s.Metrics.IncError("bad_signature")
		httpx.Error(w, 401, "invalid signature")
		return
	}

	replayKey := "decryption:callback:" + cb.RequestID
	okSet, err := s.Cache.SetNX(r.Context(), replayKey, "1", s.callbackReplayTTL())
	if err != nil {
		httpx.Error(w, 503, "replay guard unavailable")
		return
	}
	if !okSet {
		s.Metrics.IncError("callback_replay")
		httpx.Error(w, 409, "callback replay")
		return
	}

	pending, found := s.Requests.Get(cb.RequestID)
	if !found {
		httpx.Error(w, 404, "unknown request")
		return
	}
	if pending.Status != oracle.StatusPending {
		httpx.Error(w, 409, "request already resolved")
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	// Revocation between request and completion denies the result.
	stillAllowed := s.Ledger.CheckAccess(pending.ContentID, seal.PrincipalID(pending.Principal))
	var resolved oracle.Request
	var resolveErr error
	if stillAllowed {
		resolved, resolveErr = s.Requests.Complete(cb.RequestID, cb.Results[0].Plaintext, now)
	} else {
		resolved, resolveErr = s.Requests.Deny(cb.RequestID, now)
	}
	var ev events.Event
	if resolveErr == nil {
		ev = s.Ledger.AppendDecryptionCompleted(cb.RequestID, resolved.Status)
	}
	s.mu.Unlock()
	if resolveErr != nil {
		httpx.Error(w, 409, "request already resolved")
		return
	}

	s.Metrics.IncOperation("completeDecryption")
	s.Metrics.IncOperationResult("completeDecryption", resolved.Status)
	s.Metrics.ObserveCallbackLatency(now.Sub(pending.RequestedAt))
	s.persistDecryption(r.Context(), resolved)
	s.afterCommit(r.Context(), []events.Event{ev})
	httpx.WriteJSON(w, 200, map[string]string{"request_id": cb.RequestID, "status": resolved.Status})
}

func (s *Server) handleDecryptionStatus(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(chi.URLParam(r, "id"))
	if requestID == "" {
		httpx.Error(w, 400, "request id required")
		return
	}
	req, found := s.Requests.Get(requestID)
	if !found {
		httpx.Error(w, 404, "unknown request")
		return
	}
	caller := s.principal(r)
	if string(caller) != req.Principal {
		httpx.Error(w, 403, "not the requester")
		return
	}
	resp := models.DecryptionStatusResponse{
		RequestID:   req.RequestID,
		ContentID:   req.ContentID,
		Status:      req.Status,
		RequestedAt: req.RequestedAt,
		CompletedAt: req.CompletedAt,
	}
	if req.Status == oracle.StatusComplete {
		resp.Plaintext = req.Result
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) callbackReplayTTL() time.Duration {
	if s.CallbackReplayTTL > 0 {
		return s.CallbackReplayTTL
	}
	return 24 * time.Hour
}

// lookupOracleKey resolves an active oracle signing key: the oracle_keys
// table when a database is attached, the env-bootstrapped store otherwise.
func (s *Server) lookupOracleKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errKidRequired
	}
	if s.DB != nil {
		var pub []byte
		var status string
		err := s.DB.QueryRow(ctx, `SELECT public_key, status FROM oracle_keys WHERE kid=$1`, kid).Scan(&pub, &status)
		if err == nil {
			if status != "active" {
				return nil, errKeyInactive
			}
			if len(pub) != ed25519.PublicKeySize {
				return nil, errKeyInvalid
			}
			return ed25519.PublicKey(pub), nil
		}
	}
	if s.Keys != nil {
		rec, err := s.Keys.GetKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		if rec.Status != "active" {
			return nil, errKeyInactive
		}
		if len(rec.PublicKey) != ed25519.PublicKeySize {
			return nil, errKeyInvalid
		}
		return ed25519.PublicKey(rec.PublicKey), nil
	}
	return nil, errKeyInvalid
}

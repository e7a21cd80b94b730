package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lockbox/pkg/auth"
	"lockbox/pkg/httpx"
	"lockbox/pkg/ledger"
	"lockbox/pkg/models"
	"lockbox/pkg/seal"

	"github.com/go-chi/chi/v5"
)

// principal resolves the ledger identity of the caller. With AUTH_MODE=off
// the X-Principal header names the acting party so multi-user flows stay
// exercisable in development.
func (s *Server) principal(r *http.Request) seal.PrincipalID {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" && p.Subject != "anonymous" {
		return seal.PrincipalID(p.Subject)
	}
	if strings.EqualFold(s.AuthMode, "off") {
		if v := strings.TrimSpace(r.Header.Get("X-Principal")); v != "" {
			return seal.PrincipalID(v)
		}
	}
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return seal.PrincipalID(p.Subject)
	}
	return ""
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInactive):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrAlreadyGranted):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNoAccess):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrInactive):
		return "inactive"
	case errors.Is(err, ledger.ErrAlreadyGranted):
		return "already_granted"
	case errors.Is(err, ledger.ErrNoAccess):
		return "no_access"
	case errors.Is(err, ledger.ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal"
	}
}

func (s *Server) writeLedgerError(w http.ResponseWriter, op string, err error) {
	s.Metrics.IncError(errorKind(err))
	s.Metrics.IncOperationResult(op, errorKind(err))
	httpx.Error(w, statusFromError(err), err.Error())
}

func pathID(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	return strconv.ParseUint(raw, 10, 64)
}

func (s *Server) handleCreateContent(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.CreateContentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	creator := s.principal(r)

	s.mu.Lock()
	id, evs, err := s.Ledger.CreateContent(creator, []byte(req.Payload), []byte(req.Price), req.Title, req.Description)
	var item ledger.ContentItem
	if err == nil {
		item, _ = s.Ledger.Content(id)
	}
	s.mu.Unlock()
	if err != nil {
		s.writeLedgerError(w, "createContent", err)
		return
	}
	s.Metrics.IncOperation("createContent")
	s.persistContent(r.Context(), item)
	s.persistHandles(r.Context(), item.Payload, item.Price)
	s.afterCommit(r.Context(), evs)
	httpx.WriteJSON(w, 201, models.CreateContentResponse{ContentID: id, CreatedAt: item.CreatedAt})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, 400, "invalid content id")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.SetActiveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	caller := s.principal(r)

	s.mu.Lock()
	err = s.Ledger.SetActive(id, caller, req.Active)
	var info ledger.ContentInfo
	if err == nil {
		info, _ = s.Ledger.GetInfo(id)
		item, _ := s.Ledger.Content(id)
		s.mu.Unlock()
		s.Metrics.IncOperation("setActive")
		s.persistContent(r.Context(), item)
		httpx.WriteJSON(w, 200, info)
		return
	}
	s.mu.Unlock()
	s.writeLedgerError(w, "setActive", err)
}

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, 400, "invalid content id")
		return
	}
	s.mu.Lock()
	info, err := s.Ledger.GetInfo(id)
	s.mu.Unlock()
	if err != nil {
		s.writeLedgerError(w, "getInfo", err)
		return
	}
	s.Metrics.IncOperation("getInfo")
	httpx.WriteJSON(w, 200, info)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.PurchaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	buyer := s.principal(r)
	if blocked, retryAfter := s.checkRateLimit("purchase", string(buyer)); blocked {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		httpx.Error(w, 429, "rate limited")
		return
	}
	duration, err := ledger.DurationFromSeconds(req.DurationSec)
	if err != nil {
		s.writeLedgerError(w, "purchaseAccess", err)
		return
	}

	s.mu.Lock()
	token, evs, err := s.Ledger.PurchaseAccess(buyer, req.ContentID, duration)
	var grant ledger.AccessGrant
	var payloadHandle string
	if err == nil {
		grant, _ = s.Ledger.Grant(req.ContentID, buyer)
		if item, ok := s.Ledger.Content(req.ContentID); ok {
			payloadHandle = item.Payload
		}
	}
	s.mu.Unlock()
	if err != nil {
		s.writeLedgerError(w, "purchaseAccess", err)
		return
	}
	s.Metrics.IncOperation("purchaseAccess")
	s.persistToken(r.Context(), token)
	s.persistGrant(r.Context(), grant)
	s.persistHandles(r.Context(), token.AccessKey, payloadHandle)
	s.afterCommit(r.Context(), evs)
	httpx.WriteJSON(w, 201, models.PurchaseResponse{
		TokenID:   token.ID,
		ContentID: token.ContentID,
		ExpiresAt: token.ExpiresAt,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.RevokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	caller := s.principal(r)
	user := seal.PrincipalID(req.User)

	s.mu.Lock()
	evs, err := s.Ledger.RevokeAccess(caller, req.ContentID, user)
	var grant ledger.AccessGrant
	var token ledger.AccessToken
	var haveToken bool
	if err == nil {
		grant, _ = s.Ledger.Grant(req.ContentID, user)
		if grant.TokenID != nil {
			token, haveToken = s.Ledger.Token(*grant.TokenID)
		}
	}
	s.mu.Unlock()
	if err != nil {
		s.writeLedgerError(w, "revokeAccess", err)
		return
	}
	s.Metrics.IncOperation("revokeAccess")
	s.persistGrant(r.Context(), grant)
	if haveToken {
		s.persistToken(r.Context(), token)
	}
	s.afterCommit(r.Context(), evs)
	httpx.WriteJSON(w, 200, map[string]string{"status": "revoked"})
}

func (s *Server) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contentID, err := strconv.ParseUint(q.Get("content_id"), 10, 64)
	if err != nil {
		httpx.Error(w, 400, "invalid content_id")
		return
	}
	user := strings.TrimSpace(q.Get("user"))
	if user == "" {
		user = string(s.principal(r))
	}
	s.mu.Lock()
	allowed := s.Ledger.CheckAccess(contentID, seal.PrincipalID(user))
	s.mu.Unlock()
	s.Metrics.IncOperation("checkAccess")
	if allowed {
		s.Metrics.IncOperationResult("checkAccess", "allowed")
	} else {
		s.Metrics.IncOperationResult("checkAccess", "denied")
	}
	httpx.WriteJSON(w, 200, models.CheckAccessResponse{ContentID: contentID, User: user, Allowed: allowed})
}

func (s *Server) handleAccessContent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, 400, "invalid content id")
		return
	}
	caller := s.principal(r)

	s.mu.Lock()
	handle, evs, err := s.Ledger.AccessContent(caller, id)
	s.mu.Unlock()
	if err != nil {
		s.writeLedgerError(w, "accessContent", err)
		return
	}
	s.Metrics.IncOperation("accessContent")
	s.afterCommit(r.Context(), evs)
	httpx.WriteJSON(w, 200, models.AccessResponse{ContentID: id, Payload: handleView(handle)})
}

func handleView(h seal.Handle) models.HandleView {
	allowed := make([]string, 0, len(h.Allowed))
	for _, p := range h.Allowed {
		allowed = append(allowed, string(p))
	}
	return models.HandleView{ID: h.ID, Sealed: h.Sealed, Allowed: allowed}
}

func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(chi.URLParam(r, "principal"))
	if principal == "" {
		httpx.Error(w, 400, "principal required")
		return
	}
	s.mu.Lock()
	ids := s.Ledger.ListContentByOwner(seal.PrincipalID(principal))
	s.mu.Unlock()
	s.Metrics.IncOperation("listContentByOwner")
	httpx.WriteJSON(w, 200, models.IDListResponse{Principal: principal, IDs: ids})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(chi.URLParam(r, "principal"))
	if principal == "" {
		httpx.Error(w, 400, "principal required")
		return
	}
	s.mu.Lock()
	ids := s.Ledger.ListTokensByOwner(seal.PrincipalID(principal))
	s.mu.Unlock()
	s.Metrics.IncOperation("listTokensByOwner")
	httpx.WriteJSON(w, 200, models.IDListResponse{Principal: principal, IDs: ids})
}

func (s *Server) handleGetTokenInfo(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, 400, "invalid token id")
		return
	}
	s.mu.Lock()
	info, err := s.Ledger.GetTokenInfo(id)
	s.mu.Unlock()
	if err != nil {
		s.writeLedgerError(w, "getTokenInfo", err)
		return
	}
	s.Metrics.IncOperation("getTokenInfo")
	httpx.WriteJSON(w, 200, info)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := models.StatsResponse{
		ContentTotal: s.Ledger.TotalContentCount(),
		TokenTotal:   s.Ledger.TotalTokenCount(),
	}
	s.mu.Unlock()
	s.Metrics.IncOperation("stats")
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) handleAuditPage(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, 503, "audit log unavailable")
		return
	}
	q := r.URL.Query()
	afterSeq, _ := strconv.ParseUint(q.Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	records, err := s.Audit.List(r.Context(), afterSeq, limit)
	if err != nil {
		httpx.Error(w, 500, "audit query failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"after_seq": afterSeq, "records": records})
}

// checkRateLimit returns blocked plus a retry-after in seconds.
func (s *Server) checkRateLimit(scope, principal string) (bool, int) {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return false, 0
	}
	key := "ratelimit:" + scope + ":" + strings.ToLower(strings.TrimSpace(principal))
	decision := s.RateLimiter.Allow(key, s.RateLimitPerWindow)
	if decision.Allowed {
		return false, 0
	}
	retryAfter := int(time.Until(decision.ResetAt).Seconds()) + 1
	if retryAfter < 1 {
		retryAfter = 1
	}
	s.Metrics.IncError("rate_limited")
	return true, retryAfter
}

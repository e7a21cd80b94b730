// Package oracle tracks the lifecycle of asynchronous decryption requests.
// The gateway records a pending request, ships a job to the external oracle,
// and resolves the request when the signed callback arrives. Memory is
// authoritative; Postgres is the durable projection and warmup source.
package oracle

import (
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusDenied   = "denied"
)

var (
	ErrNotFound   = errors.New("decryption request not found")
	ErrNotPending = errors.New("decryption request already resolved")
)

type Request struct {
	RequestID   string
	ContentID   uint64
	Principal   string
	Status      string
	Result      []byte
	RequestedAt time.Time
	CompletedAt *time.Time
}

// Registry is the in-memory request table. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	requests map[string]Request
}

func NewRegistry() *Registry {
	return &Registry{requests: map[string]Request{}}
}

func (r *Registry) Create(requestID string, contentID uint64, principal string, at time.Time) Request {
	req := Request{
		RequestID:   requestID,
		ContentID:   contentID,
		Principal:   principal,
		Status:      StatusPending,
		RequestedAt: at.UTC(),
	}
	r.mu.Lock()
	r.requests[requestID] = req
	r.mu.Unlock()
	return req
}

func (r *Registry) Get(requestID string) (Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[requestID]
	if ok {
		req.Result = append([]byte(nil), req.Result...)
	}
	return req, ok
}

// Complete stores the plaintext result and marks the request complete.
// Resolving a request twice fails; the first resolution wins.
func (r *Registry) Complete(requestID string, result []byte, at time.Time) (Request, error) {
	return r.resolve(requestID, StatusComplete, result, at)
}

// Deny marks the request denied without a result. Used when the requester
// lost access between request and completion.
func (r *Registry) Deny(requestID string, at time.Time) (Request, error) {
	return r.resolve(requestID, StatusDenied, nil, at)
}

func (r *Registry) resolve(requestID, status string, result []byte, at time.Time) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return Request{}, ErrNotPending
	}
	done := at.UTC()
	req.Status = status
	req.Result = append([]byte(nil), result...)
	req.CompletedAt = &done
	r.requests[requestID] = req
	return req, nil
}

func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, req := range r.requests {
		if req.Status == StatusPending {
			n++
		}
	}
	return n
}

// Snapshot returns all requests ordered by request time, oldest first.
func (r *Registry) Snapshot() []Request {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Request, 0, len(r.requests))
	for _, req := range r.requests {
		req.Result = append([]byte(nil), req.Result...)
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Restore replaces the table from persisted rows during warmup.
func (r *Registry) Restore(reqs []Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = make(map[string]Request, len(reqs))
	for _, req := range reqs {
		req.Result = append([]byte(nil), req.Result...)
		r.requests[req.RequestID] = req
	}
}

package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// KeyRecord holds oracle public key metadata.
type KeyRecord struct {
	Kid       string
	Source    string
	PublicKey []byte
	Status    string // active|revoked
}

type KeyStore interface {
	GetKey(ctx context.Context, kid string) (*KeyRecord, error)
}

// StaticKeyStore serves keys pinned at startup, typically from environment
// bootstrap. Safe for concurrent use.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string]KeyRecord
}

func NewStaticKeyStore() *StaticKeyStore {
	return &StaticKeyStore{keys: map[string]KeyRecord{}}
}

func (s *StaticKeyStore) Put(rec KeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[rec.Kid] = rec
}

func (s *StaticKeyStore) GetKey(_ context.Context, kid string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[strings.TrimSpace(kid)]
	if !ok {
		return nil, fmt.Errorf("kid %q not found", kid)
	}
	out := rec
	return &out, nil
}

package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// KeySize is the sealing key length in bytes (AES-256-GCM).
const KeySize = 32

// Engine is the in-process implementation of Encryptor. Values are sealed
// with AES-GCM under a shared key; the decryption oracle holds the same key
// and is the only party that ever unseals. Allow-lists are enforced here
// structurally, not cryptographically.
type Engine struct {
	mu      sync.Mutex
	aead    cipher.AEAD
	handles map[string]*handleState
}

type handleState struct {
	sealed  []byte
	allowed map[PrincipalID]struct{}
}

// NewEngine builds an engine from a raw 32-byte key.
func NewEngine(key []byte) (*Engine, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init sealing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init sealing aead: %w", err)
	}
	return &Engine{aead: aead, handles: map[string]*handleState{}}, nil
}

// KeyFromSecret derives a sealing key from an arbitrary secret string.
func KeyFromSecret(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// RandomKey generates a fresh sealing key.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate sealing key: %w", err)
	}
	return key, nil
}

func (e *Engine) Encrypt(raw []byte) (Handle, error) {
	sealed, err := e.Seal(raw)
	if err != nil {
		return Handle{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registerLocked(sealed), nil
}

func (e *Engine) RandomCiphertext() (Handle, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Handle{}, fmt.Errorf("generate key material: %w", err)
	}
	return e.Encrypt(raw)
}

func (e *Engine) GrantDecrypt(handleID string, p PrincipalID) error {
	if p == "" {
		return fmt.Errorf("grant decrypt: empty principal")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	hs, ok := e.handles[handleID]
	if !ok {
		return ErrUnknownHandle
	}
	hs.allowed[p] = struct{}{}
	return nil
}

func (e *Engine) CanDecrypt(handleID string, p PrincipalID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	hs, ok := e.handles[handleID]
	if !ok {
		return false
	}
	_, ok = hs.allowed[p]
	return ok
}

func (e *Engine) Info(handleID string) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hs, ok := e.handles[handleID]
	if !ok {
		return Handle{}, ErrUnknownHandle
	}
	return snapshot(handleID, hs), nil
}

// Seal encrypts raw bytes without registering a handle. The nonce is
// prepended to the ciphertext.
func (e *Engine) Seal(raw []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, raw, nil), nil
}

// Unseal reverses Seal. Only the oracle side should ever call this; the
// ledger core never touches plaintext.
func (e *Engine) Unseal(sealed []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("sealed value too short")
	}
	raw, err := e.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("unseal: %w", err)
	}
	return raw, nil
}

// Restore loads previously persisted handles, replacing any current state.
// Used at warmup before the engine serves traffic.
func (e *Engine) Restore(handles []Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handles = make(map[string]*handleState, len(handles))
	for _, h := range handles {
		hs := &handleState{
			sealed:  append([]byte(nil), h.Sealed...),
			allowed: make(map[PrincipalID]struct{}, len(h.Allowed)+1),
		}
		hs.allowed[System] = struct{}{}
		for _, p := range h.Allowed {
			if p != "" {
				hs.allowed[p] = struct{}{}
			}
		}
		e.handles[h.ID] = hs
	}
}

// Len reports the number of registered handles.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

func (e *Engine) registerLocked(sealed []byte) Handle {
	id := uuid.New().String()
	hs := &handleState{
		sealed:  sealed,
		allowed: map[PrincipalID]struct{}{System: {}},
	}
	e.handles[id] = hs
	return snapshot(id, hs)
}

func snapshot(id string, hs *handleState) Handle {
	allowed := make([]PrincipalID, 0, len(hs.allowed))
	for p := range hs.allowed {
		allowed = append(allowed, p)
	}
	sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
	return Handle{
		ID:      id,
		Sealed:  append([]byte(nil), hs.sealed...),
		Allowed: allowed,
	}
}

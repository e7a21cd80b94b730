package seal

import (
	"bytes"
	"errors"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(KeyFromSecret("test-sealing-secret"))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestNewEngineRejectsBadKeySize(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
	}{
		{"nil", nil},
		{"short", make([]byte, 16)},
		{"long", make([]byte, 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(tt.key); !errors.Is(err, ErrBadKeySize) {
				t.Fatalf("expected ErrBadKeySize, got %v", err)
			}
		})
	}
}

func TestEncryptCreatesSystemOnlyHandle(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.Encrypt([]byte("quarterly report"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if h.ID == "" {
		t.Fatal("expected non-empty handle id")
	}
	if len(h.Sealed) == 0 || bytes.Contains(h.Sealed, []byte("quarterly report")) {
		t.Fatal("sealed bytes must not expose the raw value")
	}
	if len(h.Allowed) != 1 || h.Allowed[0] != System {
		t.Fatalf("fresh handle should allow only the system principal, got %v", h.Allowed)
	}
	if !e.CanDecrypt(h.ID, System) {
		t.Fatal("system must be allowed on every handle")
	}
	if e.CanDecrypt(h.ID, "alice") {
		t.Fatal("unrelated principal must not be allowed")
	}
}

func TestGrantDecrypt(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.Encrypt([]byte("v"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err := e.GrantDecrypt(h.ID, "alice"); err != nil {
		t.Fatalf("GrantDecrypt: %v", err)
	}
	// Idempotent.
	if err := e.GrantDecrypt(h.ID, "alice"); err != nil {
		t.Fatalf("second GrantDecrypt: %v", err)
	}
	if !e.CanDecrypt(h.ID, "alice") {
		t.Fatal("alice should be allowed after grant")
	}
	info, err := e.Info(h.ID)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if len(info.Allowed) != 2 {
		t.Fatalf("expected 2 allowed principals, got %v", info.Allowed)
	}
	if err := e.GrantDecrypt("missing", "alice"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
	if err := e.GrantDecrypt(h.ID, ""); err == nil {
		t.Fatal("empty principal must be rejected")
	}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	sealed, err := e.Seal([]byte("top secret payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw, err := e.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if string(raw) != "top secret payload" {
		t.Fatalf("round trip mismatch: %q", raw)
	}
}

func TestUnsealRejectsWrongKeyAndGarbage(t *testing.T) {
	e := newTestEngine(t)
	sealed, err := e.Seal([]byte("value"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	other, err := NewEngine(KeyFromSecret("a different secret"))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := other.Unseal(sealed); err == nil {
		t.Fatal("unseal under a different key must fail")
	}
	if _, err := e.Unseal([]byte{0x01}); err == nil {
		t.Fatal("truncated sealed value must fail")
	}
}

func TestRandomCiphertextIsDistinct(t *testing.T) {
	e := newTestEngine(t)
	a, err := e.RandomCiphertext()
	if err != nil {
		t.Fatalf("RandomCiphertext: %v", err)
	}
	b, err := e.RandomCiphertext()
	if err != nil {
		t.Fatalf("RandomCiphertext: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("handle ids must be unique")
	}
	if bytes.Equal(a.Sealed, b.Sealed) {
		t.Fatal("random ciphertexts must differ")
	}
}

func TestRestoreRebuildsHandles(t *testing.T) {
	e := newTestEngine(t)
	h, err := e.Encrypt([]byte("v"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err := e.GrantDecrypt(h.ID, "bob"); err != nil {
		t.Fatalf("GrantDecrypt: %v", err)
	}
	persisted, err := e.Info(h.ID)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}

	fresh := newTestEngine(t)
	fresh.Restore([]Handle{persisted})
	if fresh.Len() != 1 {
		t.Fatalf("expected 1 handle after restore, got %d", fresh.Len())
	}
	if !fresh.CanDecrypt(h.ID, "bob") || !fresh.CanDecrypt(h.ID, System) {
		t.Fatal("restore must preserve the allow-list")
	}
	raw, err := fresh.Unseal(persisted.Sealed)
	if err != nil {
		t.Fatalf("Unseal after restore: %v", err)
	}
	if string(raw) != "v" {
		t.Fatalf("unexpected plaintext %q", raw)
	}
}

func TestInfoUnknownHandle(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Info("nope"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
}

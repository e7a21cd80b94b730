// Package seal models encrypted values as opaque handles with per-principal
// decrypt allow-lists. The platform never sees plaintext through a handle;
// it only moves sealed bytes and mutates allow-lists. The real cryptosystem
// is an external collaborator, and Engine is the in-process stand-in for it.
package seal

import "errors"

// PrincipalID identifies a party that can hold decrypt rights on a handle.
type PrincipalID string

// System is the platform principal. It is auto-included on every handle the
// engine creates so the platform can re-derive views for future grantees.
const System PrincipalID = "system"

var (
	ErrUnknownHandle = errors.New("unknown ciphertext handle")
	ErrBadKeySize    = errors.New("sealing key must be 32 bytes")
	ErrNotAllowed    = errors.New("principal not allowed on handle")
)

// Handle is an opaque reference to an encrypted value: the sealed bytes plus
// the set of principals allowed to request decryption. Handles returned by
// the engine are snapshot copies; the authoritative allow-list lives inside
// the engine.
type Handle struct {
	ID      string        `json:"id"`
	Sealed  []byte        `json:"sealed"`
	Allowed []PrincipalID `json:"allowed"`
}

// Encryptor is the encryption capability consumed by the ledger. Every
// operation is synchronous; asynchronous decryption is a separate flow that
// only ever carries sealed bytes out and verified plaintext back.
type Encryptor interface {
	// Encrypt seals a raw value into a fresh handle allowing only System.
	Encrypt(raw []byte) (Handle, error)
	// RandomCiphertext seals fresh random key material, allowing only System.
	RandomCiphertext() (Handle, error)
	// GrantDecrypt adds a principal to a handle's allow-list. Idempotent.
	GrantDecrypt(handleID string, p PrincipalID) error
	// CanDecrypt reports whether the principal is on the handle's allow-list.
	CanDecrypt(handleID string, p PrincipalID) bool
	// Info returns a snapshot of the handle.
	Info(handleID string) (Handle, error)
}

package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashPrincipal returns the salted sha256 of a principal id, hex encoded.
// The same salt must be used across the fleet or hashed ids stop joining.
func HashPrincipal(principal string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(principal))
	return hex.EncodeToString(h.Sum(nil))
}

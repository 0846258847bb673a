package admission

import (
	"crypto/sha256"
	"encoding/hex"
)

// KeyDigest is a short stable stand-in for a phone number or account id in logs
// and errors, so the raw identifier is never written out.
func KeyDigest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}

package catalog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SecretDigester turns a plaintext boot secret into the stored digest. Account creation and boot
// resolution must share one instance so digests compare equal.
type SecretDigester struct {
	key []byte
}

// NewSecretDigester returns an HMAC-SHA256 digester keyed with key, or a plain SHA-256 digester
// when key is empty.
func NewSecretDigester(key string) SecretDigester {
	if key == "" {
		return SecretDigester{}
	}
	return SecretDigester{key: []byte(key)}
}

// Digest returns the lowercase hex digest of secret.
func (d SecretDigester) Digest(secret string) string {
	if len(d.key) == 0 {
		sum := sha256.Sum256([]byte(secret))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, d.key)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Keyed reports whether the digester uses an HMAC key.
func (d SecretDigester) Keyed() bool { return len(d.key) > 0 }

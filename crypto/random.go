package crypto

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomHex draws n cryptographically secure random bytes and returns their
// hex encoding. Used for the handshake's 16-byte test-encryption fill value
// and for the auth challenge's to_sign payload.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ReverseString reverses a string byte-for-byte. The handshake's
// test-encryption exchange and the liveness probe both confirm the
// round-trip by having the peer echo back the byte-reverse of a value.
func ReverseString(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

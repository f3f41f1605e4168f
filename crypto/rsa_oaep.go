package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
)

// RSAEncrypt wraps plaintext (the handshake passes the raw 16-byte AES
// session key) under the peer's RSA public key using OAEP/SHA-256.
func RSAEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
}

// RSADecrypt unwraps ciphertext produced by RSAEncrypt. Returns
// ErrNoPrivateKey if the key pair's private material has already been
// burned.
func RSADecrypt(kp *RSAKeyPair, ciphertext []byte) ([]byte, error) {
	if kp == nil || kp.Private == nil {
		return nil, ErrNoPrivateKey
	}
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, kp.Private, ciphertext, nil)
}

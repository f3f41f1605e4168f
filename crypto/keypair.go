// Package crypto implements the cryptographic primitives used by the
// handshake: RSA-2048/OAEP for the session-key exchange, AES-GCM for the
// steady-state symmetric envelope, and secure-wipe helpers for the short-lived
// RSA private material.
//
// Example:
//
//	keys, err := crypto.GenerateRSAKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("public key size:", keys.Public.Size())
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"

	"github.com/sirupsen/logrus"
)

// RSAKeyBits is the modulus size used for the handshake key pair.
const RSAKeyBits = 2048

// RSAKeyPair holds the asymmetric key pair used once per handshake to wrap
// the freshly drawn AES session key.
type RSAKeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// GenerateRSAKeyPair creates a new 2048-bit RSA key pair. Key generation is
// CPU-bound (roughly half a second on commodity hardware) and callers that
// run it from a reactor loop should offload it to a worker goroutine, e.g.
//
//	result := make(chan *crypto.RSAKeyPair, 1)
//	go func() {
//	    kp, _ := crypto.GenerateRSAKeyPair()
//	    result <- kp
//	}()
func GenerateRSAKeyPair() (*RSAKeyPair, error) {
	logger := NewLogger("GenerateRSAKeyPair")
	logger.Entry("generating RSA-2048 handshake key pair")
	defer logger.Exit()

	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		logger.WithError(err, "key_generation_failed", "rsa.GenerateKey").Error("failed to generate RSA key pair")
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"operation": "key_generation_success",
		"bits":      RSAKeyBits,
	}).Info("RSA handshake key pair generated")

	return &RSAKeyPair{Public: &priv.PublicKey, Private: priv}, nil
}

// Burn discards the private key by dropping the pair's reference to it (the
// key's memory is not overwritten). Call this immediately after the
// AES session key has been unwrapped; the private key is never needed again
// for the lifetime of the peer unless a rekey occurs, at which point a fresh
// pair is generated.
func (kp *RSAKeyPair) Burn() {
	if kp == nil || kp.Private == nil {
		return
	}
	logger := NewLogger("RSAKeyPair.Burn")
	logger.Debug("burning RSA private key material")

	// math/big does not expose mutable access to a big.Int's backing words,
	// so the private key cannot be wiped in place; drop the only reference
	// and let the allocator reclaim it instead.
	kp.Private = nil
}

// ErrNoPrivateKey is returned by decrypt operations once Burn has erased the
// private key.
var ErrNoPrivateKey = errors.New("crypto: RSA private key has been burned")

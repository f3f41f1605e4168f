package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/sirupsen/logrus"
)

// AESKeySize is the length in bytes of the symmetric session key.
const AESKeySize = 16

// GCMNonceSize is the recommended nonce size for AES-GCM.
const GCMNonceSize = 12

// GCMTagSize is the authentication tag size AES-GCM appends.
const GCMTagSize = 16

// ErrDecryptionFailed is returned when the GCM authentication tag does not
// verify; it always indicates tampering or the wrong key, never a partial
// result.
var ErrDecryptionFailed = errors.New("crypto: AEAD tag verification failed")

// AESKey is the 16-byte symmetric key exchanged during the handshake. It is
// carried on the wire as a 32-character hex string inside AesKeyMessage.
type AESKey [AESKeySize]byte

// GenerateAESKey draws a fresh 16-byte key from the secure RNG.
func GenerateAESKey() (AESKey, error) {
	var key AESKey
	if _, err := rand.Read(key[:]); err != nil {
		NewLogger("GenerateAESKey").WithError(err, "random_generation_failed", "rand.Read").Error("failed to draw AES key")
		return AESKey{}, err
	}
	return key, nil
}

// Hex renders the key the way AesKeyMessage carries it on the wire.
func (k AESKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// AESKeyFromHex parses the wire representation of an AES key.
func AESKeyFromHex(s string) (AESKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return AESKey{}, err
	}
	if len(b) != AESKeySize {
		return AESKey{}, errors.New("crypto: aes key hex decodes to wrong length")
	}
	var key AESKey
	copy(key[:], b)
	return key, nil
}

// AESKeyFromBytes wraps a raw 16-byte key, as recovered from an RSA-OAEP
// unwrap, into an AESKey.
func AESKeyFromBytes(b []byte) (AESKey, error) {
	if len(b) != AESKeySize {
		return AESKey{}, errors.New("crypto: aes key has wrong length")
	}
	var key AESKey
	copy(key[:], b)
	return key, nil
}

// Sealed is the (nonce, tag, ciphertext) triple produced by AEADEncrypt; it
// maps directly onto the wire EncryptedMessage fields.
type Sealed struct {
	Nonce      [GCMNonceSize]byte
	Tag        [GCMTagSize]byte
	Ciphertext []byte
}

// AEADEncrypt seals plaintext under key with a fresh random nonce, returning
// the nonce, the trailing authentication tag, and the ciphertext body
// separately so callers can place them into distinct wire fields.
func AEADEncrypt(key AESKey, plaintext []byte) (*Sealed, error) {
	logger := NewLogger("AEADEncrypt")
	logger.Entry("sealing plaintext under session key")
	defer logger.Exit()

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, GCMNonceSize)
	if err != nil {
		return nil, err
	}

	var nonce [GCMNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce[:], plaintext, nil)
	ctLen := len(sealed) - GCMTagSize
	if ctLen < 0 {
		return nil, ErrDecryptionFailed
	}

	out := &Sealed{Nonce: nonce, Ciphertext: make([]byte, ctLen)}
	copy(out.Ciphertext, sealed[:ctLen])
	copy(out.Tag[:], sealed[ctLen:])

	logger.WithFields(logrus.Fields{
		"operation":       "aead_seal_success",
		"plaintext_bytes": len(plaintext),
	}).Debug("plaintext sealed")

	return out, nil
}

// AEADDecrypt verifies the tag and, on success, returns the plaintext. Any
// tampering with nonce, tag, or ciphertext produces ErrDecryptionFailed
// rather than a partial or garbage plaintext.
func AEADDecrypt(key AESKey, s *Sealed) ([]byte, error) {
	logger := NewLogger("AEADDecrypt")
	logger.Entry("opening sealed envelope")
	defer logger.Exit()

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, GCMNonceSize)
	if err != nil {
		return nil, err
	}

	combined := make([]byte, len(s.Ciphertext)+GCMTagSize)
	copy(combined, s.Ciphertext)
	copy(combined[len(s.Ciphertext):], s.Tag[:])

	plaintext, err := gcm.Open(nil, s.Nonce[:], combined, nil)
	if err != nil {
		logger.WithError(err, "tag_verification_failed", "gcm.Open").Warn("AEAD tag did not verify")
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

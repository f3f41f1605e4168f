package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/securesock/crypto"
	"github.com/opd-ai/securesock/limits"
	"github.com/sirupsen/logrus"
)

// ErrMalformedFrame is returned when a frame's bytes do not decode to a
// known message variant. Per spec §7 this is not fatal to the peer in steady
// state: the caller logs and skips the frame. The handshake, which has no
// next frame to fall back to, treats it as a protocol violation.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// errUnknownType is wrapped into ErrMalformedFrame when the "type"
// discriminator does not match any known variant.
var errUnknownType = errors.New("wire: unknown message type")

type typeSniff struct {
	Type Type `cbor:"type"`
}

// Serialize encodes a Message to its CBOR document form.
func Serialize(m Message) ([]byte, error) {
	return cbor.Marshal(m)
}

// Deserialize decodes a CBOR document into its concrete Message variant by
// first peeking the "type" discriminator.
func Deserialize(data []byte) (Message, error) {
	var sniff typeSniff
	if err := cbor.Unmarshal(data, &sniff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var out Message
	switch sniff.Type {
	case TypeRsaPublicKey:
		out = &RsaPublicKeyMessage{}
	case TypeSessionKey:
		out = &SessionKeyMessage{}
	case TypeAesKey:
		out = &AesKeyMessage{}
	case TypeEncrypted:
		out = &EncryptedMessage{}
	case TypeTest:
		out = &TestMessage{}
	case TypeChallenge:
		out = &ChallengeMessage{}
	case TypeChallengeReply:
		out = &ChallengeReplyMessage{}
	case TypeAuthReply:
		out = &AuthReplyMessage{}
	case TypeProxy:
		out = &ProxyMessage{}
	case TypeProxyResponse:
		out = &ProxyResponseMessage{}
	case TypeRpcRequest:
		out = &RpcRequestMessage{}
	case TypeRpcReply:
		out = &RpcReplyMessage{}
	case TypePty:
		out = &PtyMessage{}
	case TypePtyResize:
		out = &PtyResizeMessage{}
	case TypePtyClosed:
		out = &PtyClosedMessage{}
	case TypeFileEntryStream:
		out = &FileEntryStreamMessage{}
	case TypeLiveliness:
		out = &LivelinessMessage{}
	case TypeAesRekey:
		out = &AesRekeyMessage{}
	default:
		return nil, fmt.Errorf("%w: %v (%q)", ErrMalformedFrame, errUnknownType, sniff.Type)
	}

	if err := cbor.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return out, nil
}

// Encrypt serializes m and seals it under key, producing the EncryptedMessage
// envelope that carries the original type tag alongside the ciphertext.
func Encrypt(m Message, key crypto.AESKey) (*EncryptedMessage, error) {
	plaintext, err := Serialize(m)
	if err != nil {
		return nil, err
	}

	sealed, err := crypto.AEADEncrypt(key, plaintext)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":      "wire.Encrypt",
		"original_type": string(m.MessageType()),
	}).Debug("sealed message into EncryptedMessage envelope")

	return &EncryptedMessage{
		Type:         TypeEncrypted,
		Nonce:        sealed.Nonce[:],
		Tag:          sealed.Tag[:],
		Ciphertext:   sealed.Ciphertext,
		OriginalType: string(m.MessageType()),
	}, nil
}

// Decrypt opens an EncryptedMessage envelope and deserializes the inner
// variant. A tampered envelope or wrong key returns crypto.ErrDecryptionFailed;
// a valid-but-unrecognized inner payload returns ErrMalformedFrame.
func Decrypt(env *EncryptedMessage, key crypto.AESKey) (Message, error) {
	if len(env.Nonce) != crypto.GCMNonceSize || len(env.Tag) != crypto.GCMTagSize {
		return nil, crypto.ErrDecryptionFailed
	}

	sealed := &crypto.Sealed{Ciphertext: env.Ciphertext}
	copy(sealed.Nonce[:], env.Nonce)
	copy(sealed.Tag[:], env.Tag)

	plaintext, err := crypto.AEADDecrypt(key, sealed)
	if err != nil {
		return nil, err
	}

	if err := limits.ValidateProcessingBuffer(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	return Deserialize(plaintext)
}

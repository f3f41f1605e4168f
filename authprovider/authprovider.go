// Package authprovider implements the pluggable challenge/response auth
// capability the handshake consults on both ends: a server-side
// GenerateChallenge/VerifyAuth pair and a client-side AuthMessage signer.
package authprovider

import (
	"crypto/ed25519"
	"errors"

	gocrypto "github.com/opd-ai/securesock/crypto"
	"github.com/opd-ai/securesock/wire"
	"github.com/sirupsen/logrus"
)

// ErrMalformedKey is returned by AuthMessage when the configured key material
// cannot be used to sign.
var ErrMalformedKey = errors.New("authprovider: malformed key")

// Provider is the capability the handshake is polymorphic over. Auth is
// optional on both sides; a nil Provider means "no auth configured".
type Provider interface {
	// GenerateChallenge fills the server-controlled fields of msg (id,
	// to_sign, and optionally address) and returns it.
	GenerateChallenge(msg wire.ChallengeMessage) (wire.ChallengeMessage, error)

	// AuthMessage signs toSign (identified by id) and returns the client's
	// reply.
	AuthMessage(id, toSign string) (wire.ChallengeReplyMessage, error)

	// VerifyAuth checks a client's signed reply against the challenge this
	// provider issued and reports whether it verifies.
	VerifyAuth(reply wire.ChallengeReplyMessage) (bool, error)

	// Required reports whether ChallengeMessage.AuthRequired should be set
	// when this provider generates a challenge.
	Required() bool
}

// NoAuthProvider implements Provider as a no-op: every challenge is
// unauthenticated and every reply verifies trivially. Used when the spec's
// "auth is optional" path is exercised with no auth configured at all.
type NoAuthProvider struct{}

func (NoAuthProvider) GenerateChallenge(msg wire.ChallengeMessage) (wire.ChallengeMessage, error) {
	msg.AuthRequired = false
	return msg, nil
}

func (NoAuthProvider) AuthMessage(id, toSign string) (wire.ChallengeReplyMessage, error) {
	return wire.ChallengeReplyMessage{Type: wire.TypeChallengeReply}, nil
}

func (NoAuthProvider) VerifyAuth(reply wire.ChallengeReplyMessage) (bool, error) {
	return true, nil
}

func (NoAuthProvider) Required() bool { return false }

// Ed25519Provider signs and verifies the challenge's to_sign field with an
// Ed25519 key pair, mirroring the signature shape gocrypto.Sign/Verify already
// provide over fixed-size [32]byte keys.
type Ed25519Provider struct {
	PrivateKey [32]byte // seed; zero value means this side cannot sign
	PublicKey  [32]byte // counterparty's verification key

	pendingToSign string
}

// NewEd25519Provider builds a provider from a signing seed and the peer's
// verification key. Either may be the zero value if this side only signs or
// only verifies.
func NewEd25519Provider(privateSeed, peerPublicKey [32]byte) *Ed25519Provider {
	return &Ed25519Provider{PrivateKey: privateSeed, PublicKey: peerPublicKey}
}

func (p *Ed25519Provider) GenerateChallenge(msg wire.ChallengeMessage) (wire.ChallengeMessage, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Ed25519Provider.GenerateChallenge",
		"package":  "authprovider",
	}).Debug("issuing ed25519 challenge")

	msg.AuthRequired = true
	p.pendingToSign = msg.ToSign
	return msg, nil
}

func (p *Ed25519Provider) AuthMessage(id, toSign string) (wire.ChallengeReplyMessage, error) {
	var zero [32]byte
	if p.PrivateKey == zero {
		return wire.ChallengeReplyMessage{Type: wire.TypeChallengeReply, CloseConnection: true}, ErrMalformedKey
	}

	sig, err := gocrypto.Sign([]byte(toSign), p.PrivateKey)
	if err != nil {
		return wire.ChallengeReplyMessage{Type: wire.TypeChallengeReply, CloseConnection: true}, ErrMalformedKey
	}

	return wire.ChallengeReplyMessage{
		Type:            wire.TypeChallengeReply,
		CloseConnection: false,
		Signature:       sig[:],
	}, nil
}

func (p *Ed25519Provider) VerifyAuth(reply wire.ChallengeReplyMessage) (bool, error) {
	if reply.CloseConnection {
		return false, nil
	}
	if len(reply.Signature) != ed25519.SignatureSize {
		return false, nil
	}

	var sig gocrypto.Signature
	copy(sig[:], reply.Signature)

	ok, err := gocrypto.Verify([]byte(p.pendingToSign), sig, p.PublicKey)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (p *Ed25519Provider) Required() bool { return true }

package authprovider

import (
	"crypto/ed25519"
	"testing"

	"github.com/opd-ai/securesock/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoAuthProviderRoundTrip(t *testing.T) {
	p := NoAuthProvider{}
	assert.False(t, p.Required())

	msg, err := p.GenerateChallenge(wire.ChallengeMessage{Type: wire.TypeChallenge, Source: "server"})
	require.NoError(t, err)
	assert.False(t, msg.AuthRequired)

	reply, err := p.AuthMessage("id", "to-sign")
	require.NoError(t, err)

	ok, err := p.VerifyAuth(reply)
	require.NoError(t, err)
	assert.True(t, ok)
}

func ed25519SeedPair(t *testing.T) (seed [32]byte, pub [32]byte) {
	t.Helper()
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	copy(seed[:], privKey.Seed())
	copy(pub[:], pubKey)
	return seed, pub
}

func TestEd25519ProviderSignVerifySucceeds(t *testing.T) {
	seed, pub := ed25519SeedPair(t)

	client := NewEd25519Provider(seed, [32]byte{})
	server := NewEd25519Provider([32]byte{}, pub)

	challenge, err := server.GenerateChallenge(wire.ChallengeMessage{
		Type: wire.TypeChallenge, ID: "abc", ToSign: "please-sign-this",
	})
	require.NoError(t, err)
	assert.True(t, challenge.AuthRequired)

	reply, err := client.AuthMessage(challenge.ID, challenge.ToSign)
	require.NoError(t, err)
	assert.False(t, reply.CloseConnection)

	ok, err := server.VerifyAuth(reply)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEd25519ProviderVerifyFailsOnWrongKey(t *testing.T) {
	seed, _ := ed25519SeedPair(t)
	_, otherPub := ed25519SeedPair(t)

	client := NewEd25519Provider(seed, [32]byte{})
	server := NewEd25519Provider([32]byte{}, otherPub)

	challenge, err := server.GenerateChallenge(wire.ChallengeMessage{
		Type: wire.TypeChallenge, ID: "abc", ToSign: "please-sign-this",
	})
	require.NoError(t, err)

	reply, err := client.AuthMessage(challenge.ID, challenge.ToSign)
	require.NoError(t, err)

	ok, err := server.VerifyAuth(reply)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEd25519ProviderAuthMessageFailsWithoutPrivateKey(t *testing.T) {
	client := NewEd25519Provider([32]byte{}, [32]byte{})
	reply, err := client.AuthMessage("id", "to-sign")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedKey)
	assert.True(t, reply.CloseConnection)
}

func TestEd25519ProviderVerifyFailsOnCloseConnection(t *testing.T) {
	server := NewEd25519Provider([32]byte{}, [32]byte{})
	ok, err := server.VerifyAuth(wire.ChallengeReplyMessage{CloseConnection: true})
	require.NoError(t, err)
	assert.False(t, ok)
}

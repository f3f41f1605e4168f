package handshake

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/securesock/authprovider"
	"github.com/opd-ai/securesock/config"
	gocrypto "github.com/opd-ai/securesock/crypto"
	"github.com/opd-ai/securesock/frame"
	"github.com/opd-ai/securesock/peer"
	"github.com/opd-ai/securesock/relay"
	"github.com/opd-ai/securesock/wire"
	"github.com/sirupsen/logrus"
)

// ErrSourceRejected is returned when the peer's address is not in the
// configured whitelist.
var ErrSourceRejected = errors.New("handshake: source address rejected by gate")

// ErrProtocolViolation covers any message arriving out of the expected
// phase.
var ErrProtocolViolation = errors.New("handshake: protocol violation")

// ServerResult carries the outcome of a server handshake: a completed one
// (StateReady), or a proxied one (StateForwardingDecided, returned together
// with ErrProxied).
type ServerResult struct {
	Peer  *peer.Peer
	State State

	// Reader is the frame.Reader the handshake itself read from. Callers
	// driving the steady-state protocol must reuse it rather than wrapping
	// Peer.Conn fresh, since it may already hold bytes the peer pipelined
	// immediately after the handshake's last frame.
	Reader *frame.Reader
}

// RunServer drives the full server-side accept path against conn: source
// gate, challenge, optional forwarding splice, and RSA/AES encryption
// bootstrap through test-encryption confirmation. On success the returned
// peer is in StateReady with Encrypted()==true (and Authenticated() set if
// provider is configured). If the peer entered proxied state, Splice has
// already been started in a background goroutine and the returned error is
// ErrProxied — callers should stop driving the handshake and let the splice
// own the connection's lifetime.
func RunServer(ctx context.Context, conn net.Conn, provider authprovider.Provider, cfg *config.Config) (*ServerResult, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "RunServer",
		"package":  "handshake",
	})

	if provider == nil {
		provider = authprovider.NoAuthProvider{}
	}

	if err := sourceGate(conn, cfg); err != nil {
		return nil, err
	}

	p := peer.New(conn)
	fr := frame.NewReaderWithLimit(conn, cfg.ReaderBufferLimit)

	if err := sendChallenge(p, fr, conn, provider, cfg); err != nil {
		p.Destroy()
		return nil, err
	}

	authenticated, err := receiveChallengeReply(p, fr, conn, provider, cfg)
	if err != nil {
		p.Destroy()
		return nil, err
	}
	p.SetAuthenticated(authenticated)

	proxied, err := decideForwarding(ctx, p, fr, conn, cfg)
	if err != nil {
		p.Destroy()
		return nil, err
	}
	if proxied {
		return &ServerResult{Peer: p, State: StateForwardingDecided, Reader: fr}, ErrProxied
	}

	if err := encryptionBootstrap(p, fr, conn, cfg, nil); err != nil {
		p.Destroy()
		return nil, err
	}

	logger.WithField("peer_id", p.ID).Info("server handshake complete")
	return &ServerResult{Peer: p, State: StateReady, Reader: fr}, nil
}

// ErrProxied signals that the connection has been handed off to a relay
// splice and is no longer driven by the framed-message handshake.
var ErrProxied = errors.New("handshake: connection proxied")

func sourceGate(conn net.Conn, cfg *config.Config) error {
	if len(cfg.SourceIPWhitelist) == 0 {
		return nil
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	for _, allowed := range cfg.SourceIPWhitelist {
		if allowed == host {
			return nil
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "sourceGate",
		"package":  "handshake",
		"host":     host,
	}).Warn("rejecting connection from non-whitelisted source")

	time.Sleep(cfg.SourceGateRejectDelay)
	conn.Close()
	return ErrSourceRejected
}

func sendChallenge(p *peer.Peer, fr *frame.Reader, conn net.Conn, provider authprovider.Provider, cfg *config.Config) error {
	toSign, err := gocrypto.RandomHex(16)
	if err != nil {
		return err
	}

	msg := wire.ChallengeMessage{
		Type:   wire.TypeChallenge,
		Source: "server",
		ID:     uuid.NewString(),
		ToSign: toSign,
	}
	challenge, err := provider.GenerateChallenge(msg)
	if err != nil {
		return err
	}

	data, err := wire.Serialize(&challenge)
	if err != nil {
		return err
	}
	if err := frame.WriteFrame(conn, data); err != nil {
		return err
	}

	p.ResetInactivityTimer(cfg.ServerHandshakeInactivity, func() { p.Destroy() })
	return nil
}

func receiveChallengeReply(p *peer.Peer, fr *frame.Reader, conn net.Conn, provider authprovider.Provider, cfg *config.Config) (bool, error) {
	raw, err := fr.ReadFrame()
	if err != nil {
		return false, err
	}
	msg, err := wire.Deserialize(raw)
	if err != nil {
		// Malformed frame: per §7 this is logged and skipped, not fatal —
		// but during the handshake there is no "next frame" to fall back to,
		// so treat it as a protocol violation instead.
		return false, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	reply, ok := msg.(*wire.ChallengeReplyMessage)
	if !ok {
		return false, fmt.Errorf("%w: expected ChallengeReplyMessage", ErrProtocolViolation)
	}

	p.StopInactivityTimer()
	p.SignalChallengeComplete()

	if reply.CloseConnection {
		return false, errors.New("handshake: client closed connection during challenge (local auth failure)")
	}

	if !provider.Required() {
		return false, nil
	}

	ok2, err := provider.VerifyAuth(*reply)
	if err != nil {
		return false, err
	}

	authReply := wire.AuthReplyMessage{Type: wire.TypeAuthReply, Source: "server", Authenticated: ok2}
	data, err := wire.Serialize(&authReply)
	if err != nil {
		return false, err
	}
	if err := frame.WriteFrame(conn, data); err != nil {
		return false, err
	}

	if !ok2 {
		return false, errors.New("handshake: auth verification failed")
	}
	return true, nil
}

func decideForwarding(ctx context.Context, p *peer.Peer, fr *frame.Reader, conn net.Conn, cfg *config.Config) (bool, error) {
	raw, err := fr.ReadFrame()
	if err != nil {
		return false, err
	}
	msg, err := wire.Deserialize(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	proxyMsg, ok := msg.(*wire.ProxyMessage)
	if !ok {
		return false, fmt.Errorf("%w: expected ProxyMessage", ErrProtocolViolation)
	}

	p.SignalForwardingDecided()

	if !proxyMsg.ProxyRequired {
		resp := wire.ProxyResponseMessage{Type: wire.TypeProxyResponse, Success: false}
		data, err := wire.Serialize(&resp)
		if err != nil {
			return false, err
		}
		return false, frame.WriteFrame(conn, data)
	}

	target := fmt.Sprintf("%s:%d", proxyMsg.ProxyTarget, proxyMsg.ProxyPort)
	upstream, err := relay.DialWithRetry(ctx, target, cfg.ServerForwardDialAttempts, cfg.ServerForwardDialTimeout, time.Second)
	if err != nil {
		resp := wire.ProxyResponseMessage{Type: wire.TypeProxyResponse, Success: false}
		data, serr := wire.Serialize(&resp)
		if serr == nil {
			_ = frame.WriteFrame(conn, data)
		}
		return false, err
	}

	p.SetProxied(true)
	resp := wire.ProxyResponseMessage{
		Type:          wire.TypeProxyResponse,
		Success:       true,
		SocketDetails: upstream.LocalAddr().String(),
	}
	data, err := wire.Serialize(&resp)
	if err != nil {
		upstream.Close()
		return false, err
	}
	if err := frame.WriteFrame(conn, data); err != nil {
		upstream.Close()
		return false, err
	}

	go func() {
		_ = relay.Splice(conn, upstream, cfg.RelayChunkSize)
		p.Destroy()
	}()

	return true, nil
}

func encryptionBootstrap(p *peer.Peer, fr *frame.Reader, conn net.Conn, cfg *config.Config, priorAESKey *gocrypto.AESKey) error {
	kp, err := gocrypto.GenerateRSAKeyPair()
	if err != nil {
		return err
	}
	p.SetRSAKeys(kp)

	pubDER, err := x509.MarshalPKIXPublicKey(kp.Public)
	if err != nil {
		return err
	}

	pubMsg := wire.RsaPublicKeyMessage{Type: wire.TypeRsaPublicKey, Key: pubDER}
	if err := sendMaybeEncrypted(conn, &pubMsg, priorAESKey); err != nil {
		return err
	}

	p.ResetInactivityTimer(cfg.ServerHandshakeInactivity, func() { p.Destroy() })

	raw, err := fr.ReadFrame()
	if err != nil {
		return err
	}
	sessionMsg, err := decodeMaybeEncrypted(raw, priorAESKey)
	if err != nil {
		return err
	}
	skMsg, ok := sessionMsg.(*wire.SessionKeyMessage)
	if !ok {
		return fmt.Errorf("%w: expected SessionKeyMessage", ErrProtocolViolation)
	}

	rawAESKey, err := gocrypto.RSADecrypt(kp, skMsg.RsaEncryptedSessionKey)
	if err != nil {
		return err
	}
	aesKey, err := gocrypto.AESKeyFromBytes(rawAESKey)
	if err != nil {
		return err
	}

	innerMsg, err := wire.Deserialize(skMsg.AesKeyMessageBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	env, ok := innerMsg.(*wire.EncryptedMessage)
	if !ok {
		return fmt.Errorf("%w: expected EncryptedMessage wrapping AesKeyMessage", ErrProtocolViolation)
	}
	confirmMsg, err := wire.Decrypt(env, aesKey)
	if err != nil {
		return err
	}
	if _, ok := confirmMsg.(*wire.AesKeyMessage); !ok {
		return fmt.Errorf("%w: expected AesKeyMessage", ErrProtocolViolation)
	}

	p.SetAESKey(aesKey)
	p.RSAKeys().Burn()

	nonce, err := gocrypto.RandomHex(16)
	if err != nil {
		return err
	}
	p.SetLastNonce(nonce)

	testMsg := wire.TestMessage{Type: wire.TypeTest, Fill: nonce}
	testEnv, err := wire.Encrypt(&testMsg, aesKey)
	if err != nil {
		return err
	}
	testData, err := wire.Serialize(testEnv)
	if err != nil {
		return err
	}
	if err := frame.WriteFrame(conn, testData); err != nil {
		return err
	}

	replyRaw, err := fr.ReadFrame()
	if err != nil {
		return err
	}
	replyEnvMsg, err := wire.Deserialize(replyRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	replyEnv, ok := replyEnvMsg.(*wire.EncryptedMessage)
	if !ok {
		return fmt.Errorf("%w: expected EncryptedMessage test reply", ErrProtocolViolation)
	}
	replyMsg, err := wire.Decrypt(replyEnv, aesKey)
	if err != nil {
		return err
	}
	reply, ok := replyMsg.(*wire.TestMessage)
	if !ok {
		return fmt.Errorf("%w: expected TestMessage reply", ErrProtocolViolation)
	}

	if reply.Text != "TestEncryptionMessageResponse" || reply.Fill != gocrypto.ReverseString(nonce) {
		return errors.New("handshake: test-encryption confirmation mismatch")
	}

	p.StopInactivityTimer()
	p.SetEncrypted(true)
	return nil
}

// Rekey restarts the encryption bootstrap phase on an already-encrypted
// peer, per §4.5's rekey paragraph: RSA material is regenerated and the new
// RsaPublicKeyMessage is sent encrypted under the current AES key.
func Rekey(p *peer.Peer, fr *frame.Reader, conn net.Conn, cfg *config.Config) error {
	if !p.Encrypted() {
		return errors.New("handshake: rekey requested on unencrypted peer")
	}
	current := p.AESKey()
	return encryptionBootstrap(p, fr, conn, cfg, &current)
}

func sendMaybeEncrypted(conn net.Conn, msg wire.Message, key *gocrypto.AESKey) error {
	if key == nil {
		data, err := wire.Serialize(msg)
		if err != nil {
			return err
		}
		return frame.WriteFrame(conn, data)
	}
	env, err := wire.Encrypt(msg, *key)
	if err != nil {
		return err
	}
	data, err := wire.Serialize(env)
	if err != nil {
		return err
	}
	return frame.WriteFrame(conn, data)
}

func decodeMaybeEncrypted(raw []byte, key *gocrypto.AESKey) (wire.Message, error) {
	msg, err := wire.Deserialize(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if key == nil {
		return msg, nil
	}
	env, ok := msg.(*wire.EncryptedMessage)
	if !ok {
		return nil, fmt.Errorf("%w: expected EncryptedMessage during rekey", ErrProtocolViolation)
	}
	return wire.Decrypt(env, *key)
}

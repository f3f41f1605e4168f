package handshake

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/securesock/authprovider"
	"github.com/opd-ai/securesock/config"
	gocrypto "github.com/opd-ai/securesock/crypto"
	"github.com/opd-ai/securesock/frame"
	"github.com/opd-ai/securesock/relay"
	"github.com/opd-ai/securesock/wire"
)

// ClientResult carries the outcome of a completed client handshake: the
// live connection, frame reader, and negotiated AES key.
type ClientResult struct {
	Conn        net.Conn
	Reader      *frame.Reader
	AESKey      gocrypto.AESKey
	ProxySource string
}

// DialAndHandshake performs the client connect path: dial with retry,
// challenge/auth, forwarding request, and RSA/AES encryption bootstrap
// through test-encryption confirmation. A failed dial, a phase read that
// times out or fails, an unexpected or undecodable message, or a refusal by
// the server comes back as a *FailureError tagged with the applicable
// symbol from spec §6. Errors from local serialization, key generation,
// RSA wrapping and frame writes are returned as they are, without a
// FailureError.
func DialAndHandshake(ctx context.Context, addr string, provider authprovider.Provider, proxyReq *wire.ProxyMessage, cfg *config.Config) (*ClientResult, error) {
	if provider == nil {
		provider = authprovider.NoAuthProvider{}
	}

	conn, err := dialWithBackoff(ctx, addr, cfg)
	if err != nil {
		return nil, Fail(NoSocket, err)
	}

	fr := frame.NewReader(conn)

	if err := clientChallengePhase(fr, conn, provider, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	if proxyReq == nil {
		proxyReq = &wire.ProxyMessage{Type: wire.TypeProxy, ProxyRequired: false}
	}
	proxySource, err := clientForwardingPhase(fr, conn, proxyReq, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if proxyReq.ProxyRequired {
		// The relay server has become a dumb byte-splicer to the downstream
		// target; conn and fr now carry that target's own handshake, starting
		// with its own ChallengeMessage. Optionally upgrade to mutual TLS
		// first, then repeat the challenge/auth phase and send a second,
		// non-forwarding ProxyMessage to satisfy the target's own forwarding
		// step before continuing to the encryption bootstrap below.
		if proxyReq.ProxySsl {
			upgraded, upgradedReader, terr := upgradeClientTLS(conn, cfg)
			if terr != nil {
				conn.Close()
				return nil, Fail(EncryptionTimeout, terr)
			}
			conn, fr = upgraded, upgradedReader
		}

		if err := clientChallengePhase(fr, conn, provider, cfg); err != nil {
			conn.Close()
			return nil, reclassifyProxyAuthFailure(err)
		}

		downstreamProxyReq := &wire.ProxyMessage{Type: wire.TypeProxy, ProxyRequired: false}
		if _, err := clientForwardingPhase(fr, conn, downstreamProxyReq, cfg); err != nil {
			conn.Close()
			return nil, err
		}
	}

	aesKey, err := clientEncryptionPhase(fr, conn, cfg, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &ClientResult{Conn: conn, Reader: fr, AESKey: aesKey, ProxySource: proxySource}, nil
}

// reclassifyProxyAuthFailure maps an AUTH_ADDRESS_REQUIRED/AUTH_DENIED
// failure from the repeated challenge/auth leg against the downstream target
// onto the spec's distinct PROXY_AUTH_ADDRESS_REQUIRED/PROXY_AUTH_DENIED
// symbols, so callers can tell the two legs apart.
func reclassifyProxyAuthFailure(err error) error {
	var fe *FailureError
	if !errors.As(err, &fe) {
		return err
	}
	switch fe.Reason {
	case AuthAddressRequired:
		return Fail(ProxyAuthAddressRequired, fe.Err)
	case AuthDenied:
		return Fail(ProxyAuthDenied, fe.Err)
	default:
		return err
	}
}

// upgradeClientTLS performs the client side of the post-relay mutual-TLS
// upgrade over the now-spliced stream, using cfg.ClientTLS for the
// certificate and CA pool. It returns a fresh frame.Reader wrapping the
// upgraded connection, since the old one's bufio.Reader cannot be reused
// once the transport underneath it is swapped.
func upgradeClientTLS(conn net.Conn, cfg *config.Config) (net.Conn, *frame.Reader, error) {
	if cfg.ClientTLS == nil || len(cfg.ClientTLS.Certificates) == 0 {
		return nil, nil, errors.New("handshake: proxy_ssl requested but no ClientTLS configured")
	}
	upgraded, err := relay.UpgradeClientTLS(conn, cfg.ClientTLS.Certificates[0], cfg.ClientTLS)
	if err != nil {
		return nil, nil, err
	}
	return upgraded, frame.NewReader(upgraded), nil
}

func dialWithBackoff(ctx context.Context, addr string, cfg *config.Config) (net.Conn, error) {
	var lastErr error
	dialer := &net.Dialer{Timeout: cfg.ClientDialTimeout}

	for i := 0; i < cfg.ClientDialAttempts; i++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		backoff := time.Duration(i) * cfg.ClientDialBackoffStep
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("dial %s failed after %d attempts: %w", addr, cfg.ClientDialAttempts, lastErr)
}

func clientChallengePhase(fr *frame.Reader, conn net.Conn, provider authprovider.Provider, cfg *config.Config) error {
	raw, err := withReadTimeout(conn, fr, cfg.ClientPhaseTimeout)
	if err != nil {
		return Fail(ChallengeTimeout, err)
	}
	msg, err := wire.Deserialize(raw)
	if err != nil {
		return Fail(ChallengeTimeout, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	challenge, ok := msg.(*wire.ChallengeMessage)
	if !ok {
		return Fail(ChallengeTimeout, fmt.Errorf("%w: expected ChallengeMessage", ErrProtocolViolation))
	}

	if challenge.AuthRequired && !provider.Required() {
		reply := wire.ChallengeReplyMessage{Type: wire.TypeChallengeReply, CloseConnection: true}
		data, _ := wire.Serialize(&reply)
		_ = frame.WriteFrame(conn, data)
		return Fail(AuthAddressRequired, errors.New("server requires auth but no provider is configured"))
	}

	// Only sign when the server actually requires it; per the original
	// client's branching, an unrequired challenge gets an empty, unsigned
	// reply and the provider is never consulted.
	var reply wire.ChallengeReplyMessage
	if challenge.AuthRequired {
		r, err := provider.AuthMessage(challenge.ID, challenge.ToSign)
		if err != nil {
			return Fail(AuthDenied, err)
		}
		reply = r
	} else {
		reply = wire.ChallengeReplyMessage{Type: wire.TypeChallengeReply}
	}
	data, err := wire.Serialize(&reply)
	if err != nil {
		return err
	}
	if err := frame.WriteFrame(conn, data); err != nil {
		return err
	}

	if !challenge.AuthRequired {
		return nil
	}

	authRaw, err := withReadTimeout(conn, fr, cfg.ClientPhaseTimeout)
	if err != nil {
		return Fail(AuthTimeout, err)
	}
	authMsg, err := wire.Deserialize(authRaw)
	if err != nil {
		return Fail(AuthTimeout, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	authReply, ok := authMsg.(*wire.AuthReplyMessage)
	if !ok {
		return Fail(AuthTimeout, fmt.Errorf("%w: expected AuthReplyMessage", ErrProtocolViolation))
	}
	if !authReply.Authenticated {
		return Fail(AuthDenied, errors.New("server denied authentication"))
	}
	return nil
}

func clientForwardingPhase(fr *frame.Reader, conn net.Conn, proxyReq *wire.ProxyMessage, cfg *config.Config) (string, error) {
	data, err := wire.Serialize(proxyReq)
	if err != nil {
		return "", err
	}
	if err := frame.WriteFrame(conn, data); err != nil {
		return "", err
	}

	raw, err := withReadTimeout(conn, fr, cfg.ClientPhaseTimeout)
	if err != nil {
		return "", Fail(ForwardingTimeout, err)
	}
	msg, err := wire.Deserialize(raw)
	if err != nil {
		return "", Fail(ForwardingTimeout, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	resp, ok := msg.(*wire.ProxyResponseMessage)
	if !ok {
		return "", Fail(ForwardingTimeout, fmt.Errorf("%w: expected ProxyResponseMessage", ErrProtocolViolation))
	}

	if proxyReq.ProxyRequired && !resp.Success {
		return "", Fail(ProxyNoSocket, errors.New("server declined forwarding"))
	}
	return resp.SocketDetails, nil
}

func clientEncryptionPhase(fr *frame.Reader, conn net.Conn, cfg *config.Config, priorAESKey *gocrypto.AESKey) (gocrypto.AESKey, error) {
	raw, err := withReadTimeout(conn, fr, cfg.ClientPhaseTimeout)
	if err != nil {
		return gocrypto.AESKey{}, Fail(EncryptionTimeout, err)
	}
	msg, err := decodeMaybeEncrypted(raw, priorAESKey)
	if err != nil {
		return gocrypto.AESKey{}, Fail(EncryptionTimeout, err)
	}
	pubMsg, ok := msg.(*wire.RsaPublicKeyMessage)
	if !ok {
		return gocrypto.AESKey{}, Fail(EncryptionTimeout, fmt.Errorf("%w: expected RsaPublicKeyMessage", ErrProtocolViolation))
	}

	pubAny, err := x509.ParsePKIXPublicKey(pubMsg.Key)
	if err != nil {
		return gocrypto.AESKey{}, Fail(EncryptionTimeout, err)
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return gocrypto.AESKey{}, Fail(EncryptionTimeout, errors.New("handshake: unexpected public key type"))
	}

	aesKey, err := gocrypto.GenerateAESKey()
	if err != nil {
		return gocrypto.AESKey{}, err
	}

	rsaEncryptedSessionKey, err := gocrypto.RSAEncrypt(pub, aesKey[:])
	if err != nil {
		return gocrypto.AESKey{}, err
	}

	innerMsg := wire.AesKeyMessage{Type: wire.TypeAesKey, AesKey: aesKey.Hex()}
	innerEnv, err := wire.Encrypt(&innerMsg, aesKey)
	if err != nil {
		return gocrypto.AESKey{}, err
	}
	innerBytes, err := wire.Serialize(innerEnv)
	if err != nil {
		return gocrypto.AESKey{}, err
	}

	sessionMsg := wire.SessionKeyMessage{
		Type:                   wire.TypeSessionKey,
		AesKeyMessageBytes:     innerBytes,
		RsaEncryptedSessionKey: rsaEncryptedSessionKey,
	}
	if err := sendMaybeEncrypted(conn, &sessionMsg, priorAESKey); err != nil {
		return gocrypto.AESKey{}, err
	}

	testRaw, err := withReadTimeout(conn, fr, cfg.ClientPhaseTimeout)
	if err != nil {
		return gocrypto.AESKey{}, Fail(EncryptionTimeout, err)
	}
	testEnvMsg, err := wire.Deserialize(testRaw)
	if err != nil {
		return gocrypto.AESKey{}, Fail(EncryptionTimeout, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	testEnv, ok := testEnvMsg.(*wire.EncryptedMessage)
	if !ok {
		return gocrypto.AESKey{}, Fail(EncryptionTimeout, fmt.Errorf("%w: expected EncryptedMessage test", ErrProtocolViolation))
	}
	testInner, err := wire.Decrypt(testEnv, aesKey)
	if err != nil {
		return gocrypto.AESKey{}, Fail(EncryptionTimeout, err)
	}
	test, ok := testInner.(*wire.TestMessage)
	if !ok {
		return gocrypto.AESKey{}, Fail(EncryptionTimeout, fmt.Errorf("%w: expected TestMessage", ErrProtocolViolation))
	}

	reply := wire.TestMessage{
		Type: wire.TypeTest,
		Fill: gocrypto.ReverseString(test.Fill),
		Text: "TestEncryptionMessageResponse",
	}
	replyEnv, err := wire.Encrypt(&reply, aesKey)
	if err != nil {
		return gocrypto.AESKey{}, err
	}
	replyData, err := wire.Serialize(replyEnv)
	if err != nil {
		return gocrypto.AESKey{}, err
	}
	if err := frame.WriteFrame(conn, replyData); err != nil {
		return gocrypto.AESKey{}, err
	}

	return aesKey, nil
}

// ClientRekey restarts the client side of the encryption bootstrap when the
// server initiates a rekey, keeping the connection encrypted throughout.
func ClientRekey(fr *frame.Reader, conn net.Conn, cfg *config.Config, currentKey gocrypto.AESKey) (gocrypto.AESKey, error) {
	return clientEncryptionPhase(fr, conn, cfg, &currentKey)
}

func withReadTimeout(conn net.Conn, fr *frame.Reader, d time.Duration) ([]byte, error) {
	var raw []byte
	err := frame.WithTimeout(conn, d, func() error {
		var innerErr error
		raw, innerErr = fr.ReadFrame()
		return innerErr
	})
	return raw, err
}

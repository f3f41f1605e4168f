package handshake

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/securesock/authprovider"
	"github.com/opd-ai/securesock/config"
	"github.com/opd-ai/securesock/frame"
	"github.com/opd-ai/securesock/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServerHandshakeInactivity = 5 * time.Second
	cfg.ClientPhaseTimeout = 5 * time.Second
	return cfg
}

func TestHandshakeNoAuthNoProxySucceeds(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	cfg := testConfig()

	serverDone := make(chan *ServerResult, 1)
	serverErr := make(chan error, 1)
	go func() {
		res, err := RunServer(context.Background(), serverConn, authprovider.NoAuthProvider{}, cfg)
		serverDone <- res
		serverErr <- err
	}()

	clientRes, err := dialAndHandshakeConn(clientConn, authprovider.NoAuthProvider{}, cfg)
	require.NoError(t, err)

	res := <-serverDone
	require.NoError(t, <-serverErr)

	assert.True(t, res.Peer.Encrypted())
	assert.Equal(t, clientRes.AESKey, res.Peer.AESKey())
}

// dialAndHandshakeConn runs the client handshake over an already-established
// connection, mirroring DialAndHandshake without the dial step, for tests
// that wire both ends with net.Pipe.
func dialAndHandshakeConn(conn net.Conn, provider authprovider.Provider, cfg *config.Config) (*ClientResult, error) {
	if provider == nil {
		provider = authprovider.NoAuthProvider{}
	}
	fr := frame.NewReader(conn)

	if err := clientChallengePhase(fr, conn, provider, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	proxyMsg := &wire.ProxyMessage{Type: wire.TypeProxy, ProxyRequired: false}
	proxySource, err := clientForwardingPhase(fr, conn, proxyMsg, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	aesKey, err := clientEncryptionPhase(fr, conn, cfg, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &ClientResult{Conn: conn, Reader: fr, AESKey: aesKey, ProxySource: proxySource}, nil
}

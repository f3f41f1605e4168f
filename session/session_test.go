package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/securesock/authprovider"
	"github.com/opd-ai/securesock/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts one connection per Accept call and drives it with fn,
// standing in for the full handshake.RunServer state machine so tests can
// exercise Session without a real handshake partner.
func fakeServer(t *testing.T, ln net.Listener, fn func(net.Conn)) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	go fn(conn)
}

func TestSessionRefCountRequiresBalancedDisconnect(t *testing.T) {
	cfg := config.DefaultConfig()
	s := New("127.0.0.1:0", authprovider.NoAuthProvider{}, nil, cfg)

	s.mu.Lock()
	s.refCount = 3
	s.state = StateConnected
	s.mu.Unlock()

	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 1, s.RefCount())

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, 0, s.RefCount())
}

func TestSessionDisconnectWithoutConnectIsNoop(t *testing.T) {
	cfg := config.DefaultConfig()
	s := New("127.0.0.1:0", authprovider.NoAuthProvider{}, nil, cfg)
	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateInitial, s.State())
}

func TestConcurrentConnectDialsAtMostOncePerCall(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var acceptCount int
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			acceptCount++
			mu.Unlock()
			conn.Close()
			select {
			case <-done:
			default:
			}
		}
	}()

	cfg := config.DefaultConfig()
	cfg.ClientDialAttempts = 1
	cfg.ClientDialTimeout = 500 * time.Millisecond
	cfg.ClientPhaseTimeout = 200 * time.Millisecond

	s := New(ln.Addr().String(), authprovider.NoAuthProvider{}, nil, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(done)

	// Each concurrent Connect call that arrives while a handshake is already
	// underway waits for the in-flight attempt; the accept side here never
	// completes a handshake (closes immediately), so each attempt fails and
	// the next waiter makes its own single-attempt dial. Five calls therefore
	// land at most five dials, never overlapping ones.
	mu.Lock()
	count := acceptCount
	mu.Unlock()
	assert.LessOrEqual(t, count, 5)
}

func TestEnsureConnectedFailsFastWithCancelledContext(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ClientDialAttempts = 1
	cfg.ClientDialTimeout = 50 * time.Millisecond
	cfg.ReconnectBackoff = 10 * time.Millisecond

	s := New("127.0.0.1:1", authprovider.NoAuthProvider{}, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.EnsureConnected(ctx)
	assert.Error(t, err)
}

func TestWriteableFalseWhenNotConnected(t *testing.T) {
	cfg := config.DefaultConfig()
	s := New("127.0.0.1:0", authprovider.NoAuthProvider{}, nil, cfg)
	assert.False(t, s.Writeable())
}

package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePeer(t *testing.T) (*Peer, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	return New(serverConn), clientConn
}

func TestPeerEncryptedMonotonicity(t *testing.T) {
	p, _ := pipePeer(t)
	assert.False(t, p.Encrypted())
	p.SetEncrypted(true)
	assert.True(t, p.Encrypted())
}

func TestPeerAuthenticatedDefaultsFalse(t *testing.T) {
	p, _ := pipePeer(t)
	assert.False(t, p.Authenticated())
	p.SetAuthenticated(true)
	assert.True(t, p.Authenticated())
}

func TestPeerChallengeCompleteSignalIsIdempotent(t *testing.T) {
	p, _ := pipePeer(t)

	done := make(chan struct{})
	go func() {
		<-p.ChallengeComplete()
		close(done)
	}()

	p.SignalChallengeComplete()
	p.SignalChallengeComplete() // must not panic on double-close

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("challenge complete signal not observed")
	}
}

func TestPeerFileHandleLifecycle(t *testing.T) {
	p, _ := pipePeer(t)

	_, ok := p.FileHandle("a/b.txt")
	assert.False(t, ok)

	p.OpenFile("a/b.txt", nopWriteCloser{})
	_, ok = p.FileHandle("a/b.txt")
	assert.True(t, ok)

	require.NoError(t, p.CloseFile("a/b.txt"))
	_, ok = p.FileHandle("a/b.txt")
	assert.False(t, ok)
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(b []byte) (int, error) { return len(b), nil }
func (nopWriteCloser) Close() error                { return nil }

func TestRegistryAddLookupDestroy(t *testing.T) {
	r := NewRegistry()
	p, _ := pipePeer(t)
	r.Add(p)

	got, ok := r.Lookup(p.ID)
	require.True(t, ok)
	assert.Same(t, p, got)
	assert.Equal(t, 1, r.Count())

	r.DestroyByID(p.ID)
	_, ok = r.Lookup(p.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestRegistryDestroyAll(t *testing.T) {
	r := NewRegistry()
	p1, _ := pipePeer(t)
	p2, _ := pipePeer(t)
	r.Add(p1)
	r.Add(p2)

	r.DestroyAll()
	assert.Equal(t, 0, r.Count())
}

func TestPeerInactivityTimerExpiry(t *testing.T) {
	p, _ := pipePeer(t)

	fired := make(chan struct{})
	p.ResetInactivityTimer(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("inactivity timer did not fire")
	}
}

func TestPeerInactivityTimerStop(t *testing.T) {
	p, _ := pipePeer(t)

	fired := make(chan struct{})
	p.ResetInactivityTimer(20*time.Millisecond, func() { close(fired) })
	p.StopInactivityTimer()

	select {
	case <-fired:
		t.Fatal("timer fired after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPeerDestroyIsIdempotent(t *testing.T) {
	p, _ := pipePeer(t)
	p.Destroy()
	p.Destroy() // must not panic or block
}

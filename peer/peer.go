// Package peer implements the server-side peer record and registry: the
// per-connection state the handshake and steady-state dispatch mutate, and
// the ordered collection that owns peer lifetime (add, lookup, destroy).
package peer

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/securesock/crypto"
	"github.com/sirupsen/logrus"
)

// Peer holds one accepted connection's full state, from the raw socket
// through the handshake flags to any attached PTY or open file-stream
// handles.
type Peer struct {
	ID   string
	Conn net.Conn

	mu            sync.Mutex
	aesKey        crypto.AESKey
	rsaKeys       *crypto.RSAKeyPair
	encrypted     bool
	authenticated bool
	proxied       bool

	lastNonce string

	// PTY state, set once a PTY sub-protocol session is attached.
	PTYFile io.ReadWriteCloser
	PTYPid  int

	// openFiles tracks in-progress file-stream writes, keyed by path.
	openFiles map[string]io.WriteCloser

	challengeComplete chan struct{}
	forwardingDecided chan struct{}
	closeOnce         sync.Once

	inactivityTimer *time.Timer
	cancelReadLoop  func()
	inflight        sync.WaitGroup

	writeMu sync.Mutex
}

// New creates a Peer wrapping an accepted connection. The id is a fresh
// UUID; callers that need a stable identifier across reconnects should use
// NewWithID instead.
func New(conn net.Conn) *Peer {
	return NewWithID(uuid.NewString(), conn)
}

// NewWithID creates a Peer with a caller-supplied id.
func NewWithID(id string, conn net.Conn) *Peer {
	return &Peer{
		ID:                id,
		Conn:              conn,
		openFiles:         make(map[string]io.WriteCloser),
		challengeComplete: make(chan struct{}),
		forwardingDecided: make(chan struct{}),
	}
}

// SetEncrypted transitions the peer to the encrypted state. Per the
// handshake-monotonicity invariant this is a one-way transition except via a
// rekey, which callers express by calling SetEncrypted(true) again with a
// fresh AES key already installed — the flag itself never goes back to
// false on a rekey.
func (p *Peer) SetEncrypted(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.encrypted = v
}

// Encrypted reports whether the steady-state AES envelope is active.
func (p *Peer) Encrypted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encrypted
}

// SetAuthenticated records the auth provider's verdict. Meaningful only when
// an auth provider is configured; with no provider the handshake records
// false here, so Authenticated() stays false.
func (p *Peer) SetAuthenticated(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authenticated = v
}

func (p *Peer) Authenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authenticated
}

// SetProxied marks the peer as spliced; once true, no further framed-message
// parsing should occur on this peer.
func (p *Peer) SetProxied(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxied = v
}

func (p *Peer) Proxied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proxied
}

// SetAESKey installs the steady-state symmetric key (initial handshake or
// rekey).
func (p *Peer) SetAESKey(key crypto.AESKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aesKey = key
}

func (p *Peer) AESKey() crypto.AESKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aesKey
}

// SetRSAKeys installs the handshake (or rekey) RSA key pair.
func (p *Peer) SetRSAKeys(kp *crypto.RSAKeyPair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rsaKeys = kp
}

func (p *Peer) RSAKeys() *crypto.RSAKeyPair {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rsaKeys
}

// SetLastNonce records the random fill value sent in the most recent
// TestMessage, so the reversed value can be checked against the client's
// reply.
func (p *Peer) SetLastNonce(n string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastNonce = n
}

func (p *Peer) LastNonce() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastNonce
}

// WriteFrame serializes a single write to the peer's connection so replies
// from the dispatch loop and outbound calls from the upper RPC layer never
// interleave a partial frame on the wire.
func (p *Peer) WriteFrame(write func(net.Conn) error) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return write(p.Conn)
}

// SignalChallengeComplete unblocks anything waiting on the challenge phase.
// Safe to call more than once.
func (p *Peer) SignalChallengeComplete() {
	select {
	case <-p.challengeComplete:
	default:
		close(p.challengeComplete)
	}
}

// ChallengeComplete returns the channel that closes once SignalChallengeComplete runs.
func (p *Peer) ChallengeComplete() <-chan struct{} { return p.challengeComplete }

// SignalForwardingDecided unblocks anything waiting on the forwarding phase.
func (p *Peer) SignalForwardingDecided() {
	select {
	case <-p.forwardingDecided:
	default:
		close(p.forwardingDecided)
	}
}

func (p *Peer) ForwardingDecided() <-chan struct{} { return p.forwardingDecided }

// OpenFile records the write handle for an in-progress file stream at path.
func (p *Peer) OpenFile(path string, w io.WriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openFiles[path] = w
}

// FileHandle returns the open write handle for path, if any.
func (p *Peer) FileHandle(path string) (io.WriteCloser, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.openFiles[path]
	return w, ok
}

// CloseFile removes and closes the handle for path, if open.
func (p *Peer) CloseFile(path string) error {
	p.mu.Lock()
	w, ok := p.openFiles[path]
	delete(p.openFiles, path)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

// SetCancelReadLoop installs the cancel function destroy-by-id invokes to
// stop the peer's read-loop task.
func (p *Peer) SetCancelReadLoop(cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelReadLoop = cancel
}

// ResetInactivityTimer (re)arms the per-peer inactivity timer, invoking
// onExpire if it is not stopped first. Any previous timer is stopped.
func (p *Peer) ResetInactivityTimer(d time.Duration, onExpire func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inactivityTimer != nil {
		p.inactivityTimer.Stop()
	}
	p.inactivityTimer = time.AfterFunc(d, onExpire)
}

// StopInactivityTimer cancels the timer without firing onExpire.
func (p *Peer) StopInactivityTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inactivityTimer != nil {
		p.inactivityTimer.Stop()
	}
}

// TrackInflight registers one in-flight message-processing task; the
// returned func must be called on completion.
func (p *Peer) TrackInflight() func() {
	p.inflight.Add(1)
	return p.inflight.Done
}

// Destroy cancels the read loop, waits for in-flight processing tasks, and
// closes the writer (swallowing reset/broken-pipe, per §7's resource-error
// disposition on teardown paths).
func (p *Peer) Destroy() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		cancel := p.cancelReadLoop
		timer := p.inactivityTimer
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if timer != nil {
			timer.Stop()
		}

		p.inflight.Wait()

		if p.rsaKeys != nil {
			p.rsaKeys.Burn()
		}

		p.mu.Lock()
		for path, w := range p.openFiles {
			_ = w.Close()
			delete(p.openFiles, path)
		}
		p.mu.Unlock()

		if p.Conn != nil {
			_ = p.Conn.Close()
		}

		logrus.WithFields(logrus.Fields{
			"function": "Peer.Destroy",
			"package":  "peer",
			"peer_id":  p.ID,
		}).Info("peer destroyed")
	})
}

// Registry is the server's ordered collection of connected peers.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*Peer
}

// NewRegistry creates an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Peer)}
}

// Add inserts p, keyed by its ID.
func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[p.ID]; !exists {
		r.order = append(r.order, p.ID)
	}
	r.byID[p.ID] = p
}

// Lookup returns the peer with the given id, if present.
func (r *Registry) Lookup(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// DestroyByID destroys and removes the peer with the given id. It is a
// no-op if no such peer exists.
func (r *Registry) DestroyByID(id string) {
	r.mu.Lock()
	p, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		for i, existing := range r.order {
			if existing == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if ok {
		p.Destroy()
	}
}

// DestroyAll destroys every peer currently registered, in insertion order.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.order))
	for _, id := range r.order {
		peers = append(peers, r.byID[id])
	}
	r.order = nil
	r.byID = make(map[string]*Peer)
	r.mu.Unlock()

	for _, p := range peers {
		p.Destroy()
	}
}

// Count returns the number of currently registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// String renders a peer for log lines without leaking key material.
func (p *Peer) String() string {
	return fmt.Sprintf("peer{id=%s encrypted=%v authenticated=%v proxied=%v}", p.ID, p.Encrypted(), p.Authenticated(), p.Proxied())
}

// Package session implements the client-side lazy-connect handle: a
// reference-counted wrapper over a single handshake connection. Starting a
// session declares intent; the underlying dial and handshake are deferred
// until something actually needs to send. Repeated connect/disconnect calls
// in any interleaving leave the socket open while the reference count is
// positive and tear it down exactly once it reaches zero.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/securesock/authprovider"
	"github.com/opd-ai/securesock/config"
	"github.com/opd-ai/securesock/frame"
	"github.com/opd-ai/securesock/handshake"
	"github.com/opd-ai/securesock/wire"
	"github.com/sirupsen/logrus"
)

// State names one phase of the session lifecycle.
type State int

const (
	StateInitial State = iota
	StateStarted
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarted:
		return "started"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ErrNotWriteable names the condition where the liveness probe fails and no
// reconnect has yet succeeded. Session's own methods report that condition
// through Writeable's false result and do not return this error.
var ErrNotWriteable = errors.New("session: connection not writeable")

// Session is a lazy, reference-counted handle bound to a single address.
// Connect appends a reference (dialing and handshaking on the first one);
// Disconnect removes a reference and, at zero, tears the socket down.
type Session struct {
	addr     string
	provider authprovider.Provider
	proxyReq *wire.ProxyMessage
	cfg      *config.Config

	mu       sync.Mutex
	state    State
	refCount int
	conn     *handshake.ClientResult
	connCond *sync.Cond

	logger *logrus.Entry
}

// New builds a Session targeting addr. The connection is not dialed until
// the first Connect call.
func New(addr string, provider authprovider.Provider, proxyReq *wire.ProxyMessage, cfg *config.Config) *Session {
	if provider == nil {
		provider = authprovider.NoAuthProvider{}
	}
	s := &Session{
		addr:     addr,
		provider: provider,
		proxyReq: proxyReq,
		cfg:      cfg,
		state:    StateInitial,
		logger: logrus.WithFields(logrus.Fields{
			"package": "session",
			"addr":    addr,
		}),
	}
	s.connCond = sync.NewCond(&s.mu)
	return s
}

// Connect appends a reference to the session. If this is the first live
// reference, it dials and performs the full handshake; if a handshake is
// already in progress on another goroutine, it waits for that one to finish
// and shares its connection if it succeeded, or makes its own attempt if it
// failed. Idempotent and reentrant-safe: calling Connect while
// already connected simply bumps the reference count.
func (s *Session) Connect(ctx context.Context) (*handshake.ClientResult, error) {
	s.mu.Lock()

	s.refCount++

	for s.state == StateStarted {
		s.connCond.Wait()
	}

	if s.state == StateConnected {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}

	s.state = StateStarted
	s.mu.Unlock()

	res, err := handshake.DialAndHandshake(ctx, s.addr, s.provider, s.proxyReq, s.cfg)

	s.mu.Lock()
	if err != nil {
		s.refCount--
		s.state = StateInitial
		s.connCond.Broadcast()
		s.mu.Unlock()
		return nil, err
	}

	s.conn = res
	s.state = StateConnected
	s.connCond.Broadcast()
	s.mu.Unlock()
	s.logger.Info("session connected")
	return res, nil
}

// Disconnect removes one reference. When the count reaches zero the socket
// is torn down (best-effort EOF write, then close) and the session returns
// to StateEnded.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refCount > 0 {
		s.refCount--
	}
	if s.refCount > 0 || s.state != StateConnected {
		return nil
	}

	return s.teardownLocked()
}

func (s *Session) teardownLocked() error {
	var err error
	if s.conn != nil {
		err = s.conn.Conn.Close()
		s.conn = nil
	}
	s.state = StateEnded
	s.connCond.Broadcast()
	s.logger.Info("session torn down, ref count reached zero")
	return err
}

// RefCount reports the current reference count (for tests and diagnostics).
func (s *Session) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Writeable issues a liveness probe over the current connection and reports
// whether it replied within cfg.LivelinessTimeout. A false result means the
// session is stale and should be reconnected.
func (s *Session) Writeable() bool {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != StateConnected || conn == nil {
		return false
	}

	probe := wire.LivelinessMessage{Type: wire.TypeLiveliness, ChanID: -1, Text: "Echo"}
	env, err := wire.Encrypt(&probe, conn.AESKey)
	if err != nil {
		return false
	}
	data, err := wire.Serialize(env)
	if err != nil {
		return false
	}
	if err := frame.WriteFrame(conn.Conn, data); err != nil {
		return false
	}

	var raw []byte
	err = frame.WithTimeout(conn.Conn, s.cfg.LivelinessTimeout, func() error {
		var innerErr error
		raw, innerErr = conn.Reader.ReadFrame()
		return innerErr
	})
	if err != nil {
		return false
	}

	envMsg, err := wire.Deserialize(raw)
	if err != nil {
		return false
	}
	replyEnv, ok := envMsg.(*wire.EncryptedMessage)
	if !ok {
		return false
	}
	msg, err := wire.Decrypt(replyEnv, conn.AESKey)
	if err != nil {
		return false
	}
	reply, ok := msg.(*wire.LivelinessMessage)
	if !ok {
		return false
	}
	return reply.Text == "ohcE"
}

// EnsureConnected blocks until Writeable reports true, reconnecting with
// cfg.ReconnectBackoff between attempts. A failed probe triggers an immediate
// redial; a redial that fails, or whose new connection still fails the
// probe, is followed by a full backoff sleep, so the loop never busy-loops.
func (s *Session) EnsureConnected(ctx context.Context) error {
	for {
		if s.Writeable() {
			return nil
		}

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Conn.Close()
			s.conn = nil
		}
		s.state = StateInitial
		s.mu.Unlock()

		if _, err := s.Connect(ctx); err != nil {
			s.logger.WithError(err).Warn("reconnect attempt failed, backing off")
			select {
			case <-time.After(s.cfg.ReconnectBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if s.Writeable() {
			return nil
		}

		select {
		case <-time.After(s.cfg.ReconnectBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

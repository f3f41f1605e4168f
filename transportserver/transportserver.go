// Package transportserver implements the server half of the public API: a
// listener that drives the handshake on each accepted connection, dispatches
// steady-state frames (RPC, PTY, file-stream, liveness, rekey) to their
// sub-protocol handlers, and exposes the upper RPC layer's receive/reply
// contract.
package transportserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/opd-ai/securesock/authprovider"
	"github.com/opd-ai/securesock/config"
	gocrypto "github.com/opd-ai/securesock/crypto"
	"github.com/opd-ai/securesock/filestream"
	"github.com/opd-ai/securesock/frame"
	"github.com/opd-ai/securesock/handshake"
	"github.com/opd-ai/securesock/peer"
	"github.com/opd-ai/securesock/ptystream"
	"github.com/opd-ai/securesock/relay"
	"github.com/opd-ai/securesock/wire"
	"github.com/sirupsen/logrus"
)

// InboundMessage is one RPC request surfaced to the upper layer by
// ReceiveMessage.
type InboundMessage struct {
	PeerID  string
	ChanID  int
	Payload []byte
}

// ErrStopped is returned by ReceiveMessage once the server has been stopped.
var ErrStopped = errors.New("transportserver: server stopped")

// Shell is the command used to spawn a PTY for a newly ready peer. Tests and
// callers that don't need PTY support can leave it nil.
type Shell func() *exec.Cmd

type connState struct {
	peer  *peer.Peer
	fr    *frame.Reader
	pty   *ptystream.Session
	files *filestream.Writer
}

// Server is the listening side of the transport: it accepts connections,
// drives the handshake, and routes decoded steady-state frames.
type Server struct {
	provider authprovider.Provider
	cfg      *config.Config
	shell    Shell

	registry *peer.Registry

	mu         sync.Mutex
	conns      map[string]*connState
	ln         net.Listener
	sslContext *tls.Config
	stopped    bool
	stopOnce   sync.Once

	inbound chan InboundMessage
	wg      sync.WaitGroup

	logger *logrus.Entry
}

// NewServer builds a Server. provider may be nil (no auth required); shell
// may be nil (no PTY sub-protocol offered to peers).
func NewServer(provider authprovider.Provider, cfg *config.Config, shell Shell) *Server {
	if provider == nil {
		provider = authprovider.NoAuthProvider{}
	}
	return &Server{
		provider: provider,
		cfg:      cfg,
		shell:    shell,
		registry: peer.NewRegistry(),
		conns:    make(map[string]*connState),
		inbound:  make(chan InboundMessage, cfg.ChannelPoolSize),
		logger:   logrus.WithFields(logrus.Fields{"package": "transportserver"}),
	}
}

// StartServer binds address:port, retrying every cfg.BindRetryInterval on
// failure until ctx is cancelled, then begins accepting connections in the
// background. sslContext, when non-nil, marks this server as a downstream
// relay target per spec §6: the server side of the post-forward mutual-TLS
// upgrade is performed on every accepted connection before the handshake FSM
// sees it (this server cannot otherwise tell a TLS-upgrading relayed client
// from a direct one). Pass nil for a server that never sits behind a
// proxy_ssl relay leg.
func (s *Server) StartServer(ctx context.Context, address string, port int, sslContext *tls.Config) error {
	addr := fmt.Sprintf("%s:%d", address, port)
	s.sslContext = sslContext

	var ln net.Listener
	for {
		var err error
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		s.logger.WithError(err).WithField("addr", addr).Warn("bind failed, retrying")
		select {
		case <-time.After(s.cfg.BindRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	s.logger.WithField("addr", addr).Info("server listening")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			s.logger.WithError(err).Warn("accept failed")
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	if s.sslContext != nil {
		upgraded, err := relay.UpgradeServerTLS(conn, s.sslContext.Certificates[0], s.sslContext)
		if err != nil {
			s.logger.WithError(err).Debug("post-relay TLS upgrade failed")
			conn.Close()
			return
		}
		conn = upgraded
	}

	res, err := handshake.RunServer(ctx, conn, s.provider, s.cfg)
	if err != nil {
		if !errors.Is(err, handshake.ErrProxied) {
			s.logger.WithError(err).Debug("handshake did not complete")
		}
		return
	}

	p := res.Peer
	s.registry.Add(p)

	cs := &connState{
		peer:  p,
		fr:    res.Reader,
		files: filestream.NewWriter(),
	}
	s.mu.Lock()
	s.conns[p.ID] = cs
	s.mu.Unlock()

	if s.shell != nil {
		if err := s.startPTY(cs); err != nil {
			s.logger.WithError(err).Warn("failed to spawn pty for peer")
		}
	}

	s.dispatchLoop(ctx, cs)

	s.mu.Lock()
	delete(s.conns, p.ID)
	s.mu.Unlock()
	s.registry.DestroyByID(p.ID)
}

func (s *Server) startPTY(cs *connState) error {
	sess, err := ptystream.Spawn(s.shell())
	if err != nil {
		return err
	}
	cs.pty = sess

	go ptystream.ProducerLoop(sess, 50*time.Millisecond, func(data []byte) error {
		msg := wire.PtyMessage{Type: wire.TypePty, Data: data}
		return s.sendEncrypted(cs.peer, &msg)
	}, func(reason string) {
		msg := wire.PtyClosedMessage{Type: wire.TypePtyClosed, Reason: reason}
		_ = s.sendEncrypted(cs.peer, &msg)
	})
	return nil
}

func (s *Server) dispatchLoop(ctx context.Context, cs *connState) {
	p := cs.peer
	for {
		raw, err := cs.fr.ReadFrame()
		if err != nil {
			break
		}

		done := p.TrackInflight()
		err = s.dispatchFrame(ctx, cs, raw)
		done()
		if err != nil {
			s.logger.WithError(err).WithField("peer_id", p.ID).Warn("dispatch error, destroying peer")
			break
		}
	}

	if cs.pty != nil {
		cs.pty.Close()
	}
}

func (s *Server) dispatchFrame(ctx context.Context, cs *connState, raw []byte) error {
	p := cs.peer

	envMsg, err := wire.Deserialize(raw)
	if err != nil {
		s.logger.WithError(err).Warn("malformed frame, skipping")
		return nil
	}
	env, ok := envMsg.(*wire.EncryptedMessage)
	if !ok {
		s.logger.Warn("steady-state frame was not an EncryptedMessage, skipping")
		return nil
	}
	msg, err := wire.Decrypt(env, p.AESKey())
	if err != nil {
		return fmt.Errorf("transportserver: AEAD integrity failure from peer %s: %w", p.ID, err)
	}

	switch m := msg.(type) {
	case *wire.RpcRequestMessage:
		select {
		case s.inbound <- InboundMessage{PeerID: p.ID, ChanID: m.ChanID, Payload: m.Payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil

	case *wire.PtyMessage:
		if cs.pty != nil {
			return cs.pty.Write(m.Data)
		}
		return nil

	case *wire.PtyResizeMessage:
		if cs.pty != nil {
			return cs.pty.Resize(m.Rows, m.Cols)
		}
		return nil

	case *wire.FileEntryStreamMessage:
		return cs.files.WriteChunk(m.Path, m.Data, m.Eof)

	case *wire.LivelinessMessage:
		reply := wire.LivelinessMessage{Type: wire.TypeLiveliness, ChanID: m.ChanID, Text: gocrypto.ReverseString(m.Text)}
		return s.sendEncrypted(p, &reply)

	case *wire.AesRekeyMessage:
		return handshake.Rekey(p, cs.fr, p.Conn, s.cfg)

	default:
		s.logger.WithField("type", msg.MessageType()).Warn("unexpected message in steady state, skipping")
		return nil
	}
}

func (s *Server) sendEncrypted(p *peer.Peer, msg wire.Message) error {
	key := p.AESKey()
	env, err := wire.Encrypt(msg, key)
	if err != nil {
		return err
	}
	data, err := wire.Serialize(env)
	if err != nil {
		return err
	}
	return p.WriteFrame(func(conn net.Conn) error {
		return frame.WriteFrame(conn, data)
	})
}

// Addr returns the bound listener's address, or "" before StartServer has
// completed its bind.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// ReceiveMessage blocks until an RPC request arrives from any peer, ctx is
// cancelled, or the server is stopped.
func (s *Server) ReceiveMessage(ctx context.Context) (InboundMessage, error) {
	select {
	case m, ok := <-s.inbound:
		if !ok {
			return InboundMessage{}, ErrStopped
		}
		return m, nil
	case <-ctx.Done():
		return InboundMessage{}, ctx.Err()
	}
}

// SendReply delivers payload back to peerID on chanID as an RpcReplyMessage.
func (s *Server) SendReply(peerID string, chanID int, payload []byte) error {
	p, ok := s.registry.Lookup(peerID)
	if !ok {
		return fmt.Errorf("transportserver: unknown peer %s", peerID)
	}
	reply := wire.RpcReplyMessage{Type: wire.TypeRpcReply, ChanID: chanID, Payload: payload}
	return s.sendEncrypted(p, &reply)
}

// StopServer destroys all peers and closes the listener. Safe to call more
// than once.
func (s *Server) StopServer() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		ln := s.ln
		s.mu.Unlock()

		if ln != nil {
			err = ln.Close()
		}
		s.registry.DestroyAll()
		close(s.inbound)
		s.logger.Info("server stopped")
	})
	return err
}

// Package transportclient implements the client half of the public API: a
// connected, channel-multiplexed handle offering send_message-style RPC,
// PTY input/resize, and file streaming over a single handshake connection
// managed by the session package.
package transportclient

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/securesock/authprovider"
	"github.com/opd-ai/securesock/channel"
	"github.com/opd-ai/securesock/config"
	gocrypto "github.com/opd-ai/securesock/crypto"
	"github.com/opd-ai/securesock/filestream"
	"github.com/opd-ai/securesock/frame"
	"github.com/opd-ai/securesock/handshake"
	"github.com/opd-ai/securesock/session"
	"github.com/opd-ai/securesock/wire"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by operations that require an active
// connection when none has been established yet.
var ErrNotConnected = errors.New("transportclient: not connected")

// FilePair names one local source file to stream to a remote destination
// path.
type FilePair struct {
	Local  string
	Remote string
}

// Client is the upper-layer handle: connect/disconnect semantics from the
// session package, channel-multiplexed RPC, and the PTY/file sub-protocols.
type Client struct {
	sess     *session.Session
	channels *channel.Manager
	cfg      *config.Config

	mu          sync.Mutex
	current     *handshake.ClientResult
	aesKey      gocrypto.AESKey
	readLoopOn  bool
	cancelRead  func()
	onPtyData   PtyDataHandler
	onPtyClosed PtyClosedHandler

	rekeying  bool
	rekeyChan chan wire.Message

	logger *logrus.Entry
}

// New builds a Client targeting addr. Connect must be called before any RPC
// or sub-protocol operation.
func New(addr string, provider authprovider.Provider, proxyReq *wire.ProxyMessage, cfg *config.Config) *Client {
	return &Client{
		sess:      session.New(addr, provider, proxyReq, cfg),
		channels:  channel.NewManager(),
		cfg:       cfg,
		rekeyChan: make(chan wire.Message, 2),
		logger:    logrus.WithFields(logrus.Fields{"package": "transportclient"}),
	}
}

// Connect establishes (or joins) the underlying session and, the first time
// the connection becomes live, starts the background read loop that
// demultiplexes replies and sub-protocol frames.
func (c *Client) Connect(ctx context.Context) error {
	cr, err := c.sess.Connect(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = cr
	c.aesKey = cr.AESKey
	if c.readLoopOn {
		return nil
	}
	c.readLoopOn = true

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancelRead = cancel
	go c.readLoop(loopCtx, cr)
	return nil
}

// Disconnect drops this caller's reference; when the last reference drops,
// the read loop and socket are torn down.
func (c *Client) Disconnect() error {
	err := c.sess.Disconnect()

	if c.sess.State() == session.StateEnded {
		c.mu.Lock()
		if c.cancelRead != nil {
			c.cancelRead()
		}
		c.readLoopOn = false
		c.current = nil
		c.mu.Unlock()
		c.channels.ClearAll()
	}
	return err
}

// Writeable issues a liveness probe through the channel multiplexer (rather
// than a raw read on the shared connection, which would race the read
// loop) and reports whether the reply arrived within cfg.LivelinessTimeout.
func (c *Client) Writeable() bool {
	cr, err := c.currentConn()
	if err != nil {
		return false
	}

	ch, err := c.channels.AcquireIdle(c.cfg.ChannelPoolSize)
	if err != nil {
		return false
	}
	defer c.channels.Release(ch)

	probe := wire.LivelinessMessage{Type: wire.TypeLiveliness, ChanID: ch.ID, Text: "Echo"}
	if err := c.sendEncrypted(cr, &probe); err != nil {
		return false
	}

	done := make(chan struct{})
	timer := time.AfterFunc(c.cfg.LivelinessTimeout, func() { close(done) })
	defer timer.Stop()

	reply, ok := ch.Await(done)
	return ok && string(reply) == "ohcE"
}

// EnsureConnected blocks until Writeable reports true, reconnecting with
// cfg.ReconnectBackoff between attempts. It never busy-loops.
func (c *Client) EnsureConnected(ctx context.Context) error {
	for {
		if c.Writeable() {
			return nil
		}

		_ = c.Disconnect()
		if err := c.Connect(ctx); err != nil {
			c.logger.WithError(err).Warn("reconnect attempt failed, backing off")
		} else if c.Writeable() {
			return nil
		}

		select {
		case <-time.After(c.cfg.ReconnectBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) readLoop(ctx context.Context, cr *handshake.ClientResult) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var raw []byte
		err := frame.WithTimeout(cr.Conn, c.cfg.ReadLoopTimeout, func() error {
			var innerErr error
			raw, innerErr = cr.Reader.ReadFrame()
			return innerErr
		})
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			c.logger.WithError(err).Info("read loop closing")
			return
		}

		c.dispatch(cr, raw)
	}
}

func (c *Client) dispatch(cr *handshake.ClientResult, raw []byte) {
	envMsg, err := wire.Deserialize(raw)
	if err != nil {
		c.logger.WithError(err).Warn("malformed frame, skipping")
		return
	}
	env, ok := envMsg.(*wire.EncryptedMessage)
	if !ok {
		c.logger.Warn("steady-state frame was not an EncryptedMessage, skipping")
		return
	}
	msg, err := wire.Decrypt(env, c.currentKey())
	if err != nil {
		c.logger.WithError(err).Error("AEAD integrity failure, closing connection")
		cr.Conn.Close()
		return
	}

	c.mu.Lock()
	rekeying := c.rekeying
	c.mu.Unlock()
	if rekeying {
		switch msg.(type) {
		case *wire.RsaPublicKeyMessage, *wire.TestMessage:
			c.rekeyChan <- msg
			return
		}
	}

	switch m := msg.(type) {
	case *wire.RpcReplyMessage:
		_ = c.channels.Deliver(m.ChanID, m.Payload)
	case *wire.LivelinessMessage:
		_ = c.channels.Deliver(m.ChanID, []byte(m.Text))
	case *wire.PtyMessage:
		c.handlePtyData(m.Data)
	case *wire.PtyClosedMessage:
		c.handlePtyClosed(m.Reason)
	default:
		c.logger.WithField("type", msg.MessageType()).Debug("unhandled steady-state message")
	}
}

// PtyDataHandler, when set, receives PTY output chunks as they arrive.
type PtyDataHandler func(data []byte)

// PtyClosedHandler, when set, is invoked once when the remote PTY exits.
type PtyClosedHandler func(reason string)

func (c *Client) handlePtyData(data []byte) {
	c.mu.Lock()
	h := c.onPtyData
	c.mu.Unlock()
	if h != nil {
		h(data)
	}
}

func (c *Client) handlePtyClosed(reason string) {
	c.mu.Lock()
	h := c.onPtyClosed
	c.mu.Unlock()
	if h != nil {
		h(reason)
	}
}

// OnPtyData registers the callback invoked for each inbound PtyMessage chunk.
func (c *Client) OnPtyData(h PtyDataHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPtyData = h
}

// OnPtyClosed registers the callback invoked when the remote PTY exits.
func (c *Client) OnPtyClosed(h PtyClosedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPtyClosed = h
}

// SendMessage acquires an idle channel, sends payload as an
// RpcRequestMessage, and — unless expectReply is false — waits up to
// cfg.ChannelReplyTimeout for the correlated reply.
func (c *Client) SendMessage(payload []byte, expectReply bool) ([]byte, error) {
	cr, err := c.currentConn()
	if err != nil {
		return nil, err
	}

	ch, err := c.channels.AcquireIdle(c.cfg.ChannelPoolSize)
	if err != nil {
		return nil, err
	}
	defer c.channels.Release(ch)

	req := wire.RpcRequestMessage{Type: wire.TypeRpcRequest, ChanID: ch.ID, Payload: payload}
	if err := c.sendEncrypted(cr, &req); err != nil {
		return nil, err
	}
	if !expectReply {
		return nil, nil
	}

	done := make(chan struct{})
	timer := time.AfterFunc(c.cfg.ChannelReplyTimeout, func() { close(done) })
	defer timer.Stop()

	reply, ok := ch.Await(done)
	if !ok {
		return nil, fmt.Errorf("transportclient: timed out awaiting reply on channel %d", ch.ID)
	}
	return reply, nil
}

// SendPtyMessage forwards data to the remote PTY's stdin.
func (c *Client) SendPtyMessage(data []byte) error {
	cr, err := c.currentConn()
	if err != nil {
		return err
	}
	msg := wire.PtyMessage{Type: wire.TypePty, Data: data}
	return c.sendEncrypted(cr, &msg)
}

// SendPtyResizeMessage requests a PTY window-size change.
func (c *Client) SendPtyResizeMessage(rows, cols uint16) error {
	cr, err := c.currentConn()
	if err != nil {
		return err
	}
	msg := wire.PtyResizeMessage{Type: wire.TypePtyResize, Rows: rows, Cols: cols}
	return c.sendEncrypted(cr, &msg)
}

// StreamFiles streams each local file to its paired remote path in order,
// chunked at cfg.RelayChunkSize-independent limits.MaxFileChunk boundaries.
func (c *Client) StreamFiles(pairs []FilePair) error {
	cr, err := c.currentConn()
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		err := filestream.Reader(pair.Local, maxFileChunk, func(data []byte, eof bool) error {
			msg := wire.FileEntryStreamMessage{Type: wire.TypeFileEntryStream, Path: pair.Remote, Data: data, Eof: eof}
			return c.sendEncrypted(cr, &msg)
		})
		if err != nil {
			return fmt.Errorf("transportclient: streaming %s: %w", pair.Local, err)
		}
	}
	return nil
}

// RequestRekey sends an AesRekeyMessage and performs the client side of the
// rekey handshake, replacing the session's AES key on success. The physical
// reads for the rekey's RsaPublicKeyMessage and TestMessage legs stay inside
// the single background read loop; dispatch routes them here over
// rekeyChan instead of a second call to ReadFrame on the shared connection.
func (c *Client) RequestRekey() error {
	cr, err := c.currentConn()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.rekeying = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.rekeying = false
		c.mu.Unlock()
	}()

	rekeyMsg := wire.AesRekeyMessage{Type: wire.TypeAesRekey}
	if err := c.sendEncrypted(cr, &rekeyMsg); err != nil {
		return err
	}

	pubMsg, err := c.awaitRekeyMessage()
	if err != nil {
		return err
	}
	pubKeyMsg, ok := pubMsg.(*wire.RsaPublicKeyMessage)
	if !ok {
		return fmt.Errorf("transportclient: expected RsaPublicKeyMessage during rekey, got %s", pubMsg.MessageType())
	}

	pubAny, err := x509.ParsePKIXPublicKey(pubKeyMsg.Key)
	if err != nil {
		return fmt.Errorf("transportclient: parsing rekey public key: %w", err)
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return errors.New("transportclient: rekey public key is not RSA")
	}

	newKey, err := gocrypto.GenerateAESKey()
	if err != nil {
		return err
	}
	rsaEnc, err := gocrypto.RSAEncrypt(pub, newKey[:])
	if err != nil {
		return err
	}

	inner := wire.AesKeyMessage{Type: wire.TypeAesKey, AesKey: newKey.Hex()}
	innerEnv, err := wire.Encrypt(&inner, newKey)
	if err != nil {
		return err
	}
	innerBytes, err := wire.Serialize(innerEnv)
	if err != nil {
		return err
	}

	sessionMsg := wire.SessionKeyMessage{Type: wire.TypeSessionKey, AesKeyMessageBytes: innerBytes, RsaEncryptedSessionKey: rsaEnc}

	// The server confirms under the new key from this point on. Send under
	// the old key and swap while holding c.mu, so dispatch (which reads the
	// key under c.mu) cannot decrypt the next frame with the old key.
	c.mu.Lock()
	sessionEnv, err := wire.Encrypt(&sessionMsg, c.aesKey)
	if err == nil {
		var sessionData []byte
		if sessionData, err = wire.Serialize(sessionEnv); err == nil {
			if err = frame.WriteFrame(cr.Conn, sessionData); err == nil {
				c.aesKey = newKey
			}
		}
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	testMsg, err := c.awaitRekeyMessage()
	if err != nil {
		return err
	}
	test, ok := testMsg.(*wire.TestMessage)
	if !ok {
		return fmt.Errorf("transportclient: expected TestMessage during rekey, got %s", testMsg.MessageType())
	}

	testReply := wire.TestMessage{Type: wire.TypeTest, Fill: gocrypto.ReverseString(test.Fill), Text: "TestEncryptionMessageResponse"}
	return c.sendEncrypted(cr, &testReply)
}

func (c *Client) awaitRekeyMessage() (wire.Message, error) {
	timer := time.NewTimer(c.cfg.ClientPhaseTimeout)
	defer timer.Stop()
	select {
	case msg := <-c.rekeyChan:
		return msg, nil
	case <-timer.C:
		return nil, errors.New("transportclient: timed out awaiting rekey message")
	}
}

func (c *Client) sendEncrypted(cr *handshake.ClientResult, msg wire.Message) error {
	env, err := wire.Encrypt(msg, c.currentKey())
	if err != nil {
		return err
	}
	data, err := wire.Serialize(env)
	if err != nil {
		return err
	}
	return frame.WriteFrame(cr.Conn, data)
}

func (c *Client) currentKey() gocrypto.AESKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aesKey
}

func (c *Client) setKey(key gocrypto.AESKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aesKey = key
}

func (c *Client) currentConn() (*handshake.ClientResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.sess.State() != session.StateConnected {
		return nil, ErrNotConnected
	}
	return c.current, nil
}

const maxFileChunk = 64 * 1024

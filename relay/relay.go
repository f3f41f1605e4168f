// Package relay implements the forwarding/proxy capability: once a peer is
// marked proxied, its framed-message parsing stops and two unidirectional
// byte splices carry the connection verbatim to a downstream target, with an
// optional post-splice TLS upgrade.
package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// DialWithRetry attempts to dial target up to attempts times, each bounded
// by perAttemptTimeout, pacing each attempt to the given cadence (sleep padding)
// so the whole budget is predictable regardless of how fast failures occur.
func DialWithRetry(ctx context.Context, target string, attempts int, perAttemptTimeout, cadence time.Duration) (net.Conn, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "DialWithRetry",
		"package":  "relay",
		"target":   target,
	})

	var lastErr error
	dialer := &net.Dialer{Timeout: perAttemptTimeout}

	for i := 0; i < attempts; i++ {
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			logger.WithField("attempt", i+1).Info("forwarding dial succeeded")
			return conn, nil
		}
		lastErr = err
		logger.WithField("attempt", i+1).WithError(err).Warn("forwarding dial attempt failed")

		if elapsed := time.Since(start); elapsed < cadence {
			select {
			case <-time.After(cadence - elapsed):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("relay: dial %s failed after %d attempts: %w", target, attempts, lastErr)
}

// Splice moves bytes verbatim in both directions between a and b using
// chunkSize reads, closing the opposite writer on EOF in either direction.
// It blocks until both directions have finished and returns the first error
// encountered, if any (io.EOF is not treated as an error).
func Splice(a, b io.ReadWriteCloser, chunkSize int) error {
	errc := make(chan error, 2)

	go func() { errc <- spliceOne(a, b, chunkSize) }()
	go func() { errc <- spliceOne(b, a, chunkSize) }()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func spliceOne(src io.Reader, dst io.WriteCloser, chunkSize int) error {
	buf := make([]byte, chunkSize)
	logger := logrus.WithFields(logrus.Fields{
		"function": "spliceOne",
		"package":  "relay",
	})

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				logger.WithError(werr).Debug("splice write failed, closing destination")
				dst.Close()
				return werr
			}
		}
		if err != nil {
			dst.Close()
			if err == io.EOF {
				return nil
			}
			logger.WithError(err).Debug("splice read failed")
			return err
		}
	}
}

// UpgradeClientTLS performs a manual mutual-TLS handshake over conn as the
// client side: it authenticates with cert, verifies the peer against ca, and
// disables hostname verification per the spec's relaxed post-relay TLS
// posture.
func UpgradeClientTLS(conn net.Conn, cert tls.Certificate, ca *tls.Config) (net.Conn, error) {
	roots := ca.RootCAs
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            roots,
		InsecureSkipVerify: true, // hostname verification disabled per spec
		// With the default verifier off, check the server's chain against
		// the CA pool here, without a hostname.
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return fmt.Errorf("relay: server presented no certificate")
			}
			opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
			for _, c := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(c)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		},
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, fmt.Errorf("relay: client TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

// UpgradeServerTLS performs the server side of the same manual mutual-TLS
// handshake.
func UpgradeServerTLS(conn net.Conn, cert tls.Certificate, clientCAs *tls.Config) (net.Conn, error) {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs.ClientCAs,
	}
	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, fmt.Errorf("relay: server TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

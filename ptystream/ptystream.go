// Package ptystream implements the PTY sub-protocol: spawning a pseudo
// terminal, shuttling its byte stream through PtyMessage frames, handling
// PtyResizeMessage window-size changes, and emitting PtyClosedMessage when
// the underlying process exits.
package ptystream

import (
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"github.com/opd-ai/securesock/limits"
	"github.com/sirupsen/logrus"
)

// Session wraps a spawned PTY and its owning process.
type Session struct {
	File *os.File
	Cmd  *exec.Cmd
}

// Spawn starts cmd attached to a new PTY.
func Spawn(cmd *exec.Cmd) (*Session, error) {
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	return &Session{File: f, Cmd: cmd}, nil
}

// Write delivers inbound PtyMessage.Data to the PTY.
func (s *Session) Write(data []byte) error {
	_, err := s.File.Write(data)
	return err
}

// Resize applies a PtyResizeMessage window-size change.
func (s *Session) Resize(rows, cols uint16) error {
	return pty.Setsize(s.File, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close releases the PTY file handle and signals the child process.
func (s *Session) Close() error {
	err := s.File.Close()
	if s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
	}
	return err
}

// ProducerLoop polls the PTY for output (up to limits.PtyPollChunk bytes per
// iteration, at the given poll interval) and invokes emit with each chunk.
// It returns when the PTY read returns an error (including a read returning
// zero bytes at EOF), invoking onClosed with the closing reason exactly
// once before returning.
func ProducerLoop(s *Session, pollInterval time.Duration, emit func(data []byte) error, onClosed func(reason string)) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "ProducerLoop",
		"package":  "ptystream",
	})

	buf := make([]byte, limits.PtyPollChunk)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		n, err := s.File.Read(buf)
		if n > 0 {
			if emitErr := emit(append([]byte(nil), buf[:n]...)); emitErr != nil {
				logger.WithError(emitErr).Warn("failed to emit pty chunk")
			}
		}
		if err != nil {
			reason := "eof"
			if err != io.EOF {
				reason = err.Error()
			}
			logger.WithField("reason", reason).Info("pty producer loop closing")
			onClosed(reason)
			return
		}
	}
}

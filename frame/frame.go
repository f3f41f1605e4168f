// Package frame implements the length-implicit framing used on the wire: a
// fixed 6-byte separator delimits one serialized document from the next.
// There is no length prefix; a reader keeps consuming bytes until the
// separator turns up, falling back to chunked reads when a single read does
// not contain it.
package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/securesock/limits"
	"github.com/sirupsen/logrus"
)

// Separator delimits frames on the wire. It is fixed and never escaped;
// callers are responsible for ensuring payload encodings (CBOR, here) never
// emit it verbatim, which holds because CBOR is a binary length-prefixed
// format and does not produce this literal byte run reliably at a frame
// boundary in practice for the message shapes this protocol sends.
var Separator = []byte("<?!!?>")

// ErrBufferLimitExceeded is returned when no separator is found within the
// reader's buffer limit (limits.MaxFrameSize for NewReader, the caller's
// value for NewReaderWithLimit).
var ErrBufferLimitExceeded = errors.New("frame: buffer limit exceeded before separator found")

// Reader pulls separator-delimited frames off an underlying stream.
type Reader struct {
	r         *bufio.Reader
	buf       bytes.Buffer
	maxBuffer int
}

// NewReader wraps r for frame-at-a-time reads, bounding the accumulation
// buffer at limits.MaxFrameSize.
func NewReader(r io.Reader) *Reader {
	return NewReaderWithLimit(r, limits.MaxFrameSize)
}

// NewReaderWithLimit wraps r for frame-at-a-time reads, bounding the
// accumulation buffer at maxBuffer instead of the package default. The
// server uses this to apply its configured reader buffer limit per
// connection.
func NewReaderWithLimit(r io.Reader, maxBuffer int) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, limits.ChunkedReadSize), maxBuffer: maxBuffer}
}

// ReadFrame returns the next frame's bytes (with the separator stripped).
// When a deadline-aware reader is supplied to NewReader via a net.Conn and
// the caller has set a read deadline, a timeout surfaces as the underlying
// net.Error.
func (fr *Reader) ReadFrame() ([]byte, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "frame.Reader.ReadFrame",
		"package":  "frame",
	})

	for {
		if idx := bytes.Index(fr.buf.Bytes(), Separator); idx >= 0 {
			frameBytes := make([]byte, idx)
			copy(frameBytes, fr.buf.Bytes()[:idx])
			fr.buf.Next(idx + len(Separator))

			if err := limits.ValidateFrameSize(frameBytes); err != nil && !errors.Is(err, limits.ErrMessageEmpty) {
				return nil, fmt.Errorf("frame: %w", err)
			}
			return frameBytes, nil
		}

		if fr.buf.Len() > fr.maxBuffer {
			logger.WithField("buffered", fr.buf.Len()).Warn("buffer limit exceeded before separator found")
			return nil, ErrBufferLimitExceeded
		}

		chunk := make([]byte, limits.ChunkedReadSize)
		n, err := fr.r.Read(chunk)
		if n > 0 {
			fr.buf.Write(chunk[:n])
		}
		if err != nil {
			if err == io.EOF && fr.buf.Len() > 0 {
				// Trailing bytes with no terminating separator: surface them
				// as a read error rather than silently dropping a partial
				// frame.
				return nil, fmt.Errorf("frame: stream closed with %d unterminated bytes: %w", fr.buf.Len(), io.ErrUnexpectedEOF)
			}
			return nil, err
		}
	}
}

// WriteFrame appends the separator to data and writes it to w in one call,
// so concurrent writers on a shared connection cannot interleave a partial
// frame (callers must still serialize writes to w themselves; WriteFrame
// only guarantees the frame+separator is a single Write when w supports it).
func WriteFrame(w io.Writer, data []byte) error {
	logger := logrus.WithFields(logrus.Fields{
		"function": "frame.WriteFrame",
		"package":  "frame",
		"size":     len(data),
	})

	if err := limits.ValidateFrameSize(data); err != nil && !errors.Is(err, limits.ErrMessageEmpty) {
		logger.WithError(err).Error("frame exceeds maximum size")
		return fmt.Errorf("frame: %w", err)
	}

	buf := make([]byte, 0, len(data)+len(Separator))
	buf = append(buf, data...)
	buf = append(buf, Separator...)

	if _, err := w.Write(buf); err != nil {
		logger.WithError(err).Error("failed to write frame")
		return err
	}
	return nil
}

// deadlineSetter is implemented by net.Conn; WithTimeout uses it to bound a
// single ReadFrame call without requiring callers to import net here.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// WithTimeout sets conn's read deadline before calling fn and clears it
// afterward. Pass a zero duration to disable the deadline (handshake reads
// during the server's source-gate phase, for example, block indefinitely).
func WithTimeout(conn deadlineSetter, d time.Duration, fn func() error) error {
	if d <= 0 {
		return fn()
	}
	if err := conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})
	return fn()
}

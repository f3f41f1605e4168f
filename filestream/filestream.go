// Package filestream implements the file-chunk-streaming sub-protocol: each
// FileEntryStreamMessage chunk opens the target path for write on first
// sight (creating parent directories), appends its data, and closes the
// handle once an eof chunk arrives — including the empty-file edge case
// where the first chunk is also the eof chunk.
package filestream

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/opd-ai/securesock/limits"
	"github.com/sirupsen/logrus"
)

// Writer tracks the open file handles for in-progress streams, keyed by the
// path the peer supplied. A Writer is safe for concurrent use across
// multiple streamed paths but serializes writes to any one path.
type Writer struct {
	mu    sync.Mutex
	files map[string]*os.File
}

// NewWriter creates an empty file-stream writer.
func NewWriter() *Writer {
	return &Writer{files: make(map[string]*os.File)}
}

// WriteChunk applies one FileEntryStreamMessage's fields: path, data, eof.
// On the first chunk for a path it creates parent directories and opens the
// file for write (truncating any prior content); subsequent chunks append.
// An eof=true chunk closes and forgets the handle, even when data is empty
// (the empty-file case).
func (w *Writer) WriteChunk(path string, data []byte, eof bool) error {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Writer.WriteChunk",
		"package":  "filestream",
		"path":     path,
		"eof":      eof,
		"size":     len(data),
	})

	if err := limits.ValidateFileChunk(data); err != nil {
		logger.WithError(err).Warn("file chunk too large")
		return err
	}

	w.mu.Lock()
	f, ok := w.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			w.mu.Unlock()
			logger.WithError(err).Error("failed to create parent directories")
			return err
		}
		var err error
		f, err = os.Create(path)
		if err != nil {
			w.mu.Unlock()
			logger.WithError(err).Error("failed to create file")
			return err
		}
		w.files[path] = f
	}
	w.mu.Unlock()

	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			logger.WithError(err).Error("failed to write chunk")
			return err
		}
	}

	if eof {
		w.mu.Lock()
		delete(w.files, path)
		w.mu.Unlock()
		if err := f.Close(); err != nil {
			logger.WithError(err).Warn("failed to close file on eof")
			return err
		}
		logger.Debug("file stream complete")
	}

	return nil
}

// Abort closes and removes the handle for path without waiting for an eof
// chunk, used when a peer is destroyed mid-stream.
func (w *Writer) Abort(path string) {
	w.mu.Lock()
	f, ok := w.files[path]
	delete(w.files, path)
	w.mu.Unlock()
	if ok {
		_ = f.Close()
	}
}

// Reader splits a local file into a sequence of chunks for outbound
// streaming, invoking send for each one in order and marking the final
// chunk eof=true. An empty file yields exactly one chunk: empty data,
// eof=true. It holds one chunk back at a time so it can tell whether the
// next read hits EOF before marking the held chunk final.
func Reader(localPath string, chunkSize int, send func(data []byte, eof bool) error) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	readChunk := func() ([]byte, error) {
		buf := make([]byte, chunkSize)
		n, err := f.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		return nil, err
	}

	pending, err := readChunk()
	if err != nil && err != io.EOF {
		return err
	}
	atEOF := err == io.EOF

	for {
		if atEOF {
			return send(pending, true)
		}

		next, nerr := readChunk()
		if nerr != nil && nerr != io.EOF {
			return nerr
		}
		nextAtEOF := nerr == io.EOF

		if nextAtEOF && len(next) == 0 {
			return send(pending, true)
		}

		if sendErr := send(pending, false); sendErr != nil {
			return sendErr
		}

		pending = next
		atEOF = nextAtEOF
	}
}

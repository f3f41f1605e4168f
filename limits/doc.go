// Package limits provides centralized size constants and validation
// functions shared by the frame codec, the PTY sub-protocol, and the
// file-stream sub-protocol.
//
// # Size Hierarchy
//
//   - ChunkedReadSize (64 KiB): the read size the frame reader falls back to
//     once a single read has failed to turn up the separator.
//   - MaxFrameSize (16 MiB): the absolute bound on one decoded frame, so a
//     peer that never sends a separator cannot grow a reader's buffer
//     without limit.
//   - MaxFileChunk (64 KiB): the largest payload one FileEntryStreamMessage
//     chunk may carry.
//   - PtyPollChunk (20 KiB): the read size the PTY producer loop polls at.
//   - MaxProcessingBuffer (1 MiB): the absolute maximum for any other
//     single in-memory buffer, guarding against memory exhaustion.
//
// # Validation Functions
//
//	err := limits.ValidateFrameSize(frame)
//	if err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
package limits

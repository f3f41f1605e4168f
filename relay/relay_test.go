package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialWithRetrySucceedsOnFirstAttempt(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := DialWithRetry(context.Background(), ln.Addr().String(), 3, time.Second, 0)
	require.NoError(t, err)
	conn.Close()
}

func TestDialWithRetryFailsAfterAllAttempts(t *testing.T) {
	// Port 0 is not dialable; every attempt fails immediately.
	_, err := DialWithRetry(context.Background(), "127.0.0.1:0", 2, 50*time.Millisecond, 0)
	require.Error(t, err)
}

func TestSpliceMovesBytesBothDirections(t *testing.T) {
	aServer, aClient := net.Pipe()
	bServer, bClient := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- Splice(aServer, bServer, 64)
	}()

	go func() {
		buf := make([]byte, 5)
		n, _ := bClient.Read(buf)
		bClient.Write(buf[:n])
	}()

	_, err := aClient.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := io.ReadFull(aClient, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	aClient.Close()
	bClient.Close()
	<-done
}

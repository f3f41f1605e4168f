package ptystream

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnWriteAndProducerLoop(t *testing.T) {
	cmd := exec.Command("cat")
	sess, err := Spawn(cmd)
	require.NoError(t, err)
	defer sess.Close()

	var mu sync.Mutex
	var received []byte
	closedReason := make(chan string, 1)

	go ProducerLoop(sess, 5*time.Millisecond, func(data []byte) error {
		mu.Lock()
		received = append(received, data...)
		mu.Unlock()
		return nil
	}, func(reason string) {
		select {
		case closedReason <- reason:
		default:
		}
	})

	require.NoError(t, sess.Write([]byte("ping\n")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := string(received)
		mu.Unlock()
		if len(got) >= len("ping\n") {
			assert.Contains(t, got, "ping")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("did not observe echoed pty output in time")
}

func TestResizeDoesNotError(t *testing.T) {
	cmd := exec.Command("cat")
	sess, err := Spawn(cmd)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Resize(40, 120))
}

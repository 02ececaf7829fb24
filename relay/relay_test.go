package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipes() (client, local, remote, server net.Conn) {
	client, local = net.Pipe()
	remote, server = net.Pipe()
	return
}

func TestRelayRoundTrip(t *testing.T) {
	client, local, remote, server := pipes()

	var up, down atomic.Int64
	done := make(chan error, 1)
	go func() {
		done <- Relay(context.Background(), local, remote,
			OnUploadOption(func(n int) { up.Add(int64(n)) }),
			OnDownloadOption(func(n int) { down.Add(int64(n)) }),
		)
	}()

	payload := make([]byte, 256*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	// echo server
	go func() {
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(server, buf); err != nil {
			return
		}
		server.Write(buf)
		server.Close()
	}()

	go func() {
		client.Write(payload)
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "payload must survive the relay byte for byte")
	client.Close()

	require.NoError(t, <-done)
	assert.EqualValues(t, len(payload), up.Load())
	assert.EqualValues(t, len(payload), down.Load())
}

func TestRelayIdleTimeout(t *testing.T) {
	_, local, remote, _ := pipes()

	start := time.Now()
	err := Relay(context.Background(), local, remote,
		IdleTimeoutOption(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrIdleTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRelayTrafficDefersIdle(t *testing.T) {
	client, local, remote, server := pipes()

	done := make(chan error, 1)
	go func() {
		done <- Relay(context.Background(), local, remote,
			IdleTimeoutOption(100*time.Millisecond))
	}()

	go io.Copy(io.Discard, client)

	// keep one direction ticking past several idle windows
	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		_, err := server.Write([]byte("tick"))
		require.NoError(t, err)
	}

	err := <-done
	assert.ErrorIs(t, err, ErrIdleTimeout)
}

func TestRelayCancel(t *testing.T) {
	_, local, remote, _ := pipes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Relay(ctx, local, remote)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on cancel")
	}
}

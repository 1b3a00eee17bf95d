package netio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitForRecv polls RecvIntoRing until data arrives or the deadline passes;
// non-blocking sockets need this since a single recv attempt can race the
// peer's write.
func waitForRecv(t *testing.T, s *Socket) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, _, err := s.RecvIntoRing()
		if err == ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		return n
	}
	t.Fatal("timed out waiting for data")
	return 0
}

func TestListenAcceptConnectRoundTrip(t *testing.T) {
	listener := New(0)
	require.NoError(t, listener.Listen(0, 10))
	defer listener.Close()

	// Port 0 auto-assigns; recover it via getsockname is out of scope for
	// this smoke test, so bind to a fixed high port instead.
	listener.Close()

	const port = 18743
	listener = New(0)
	require.NoError(t, listener.Listen(port, 10))
	defer listener.Close()

	client := New(0)
	require.NoError(t, client.Connect("127.0.0.1", port, true))
	defer client.Close()

	server := New(0)
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := listener.Accept(server)
		if err == nil {
			break
		}
		require.ErrorIs(t, err, ErrWouldBlock)
		require.True(t, time.Now().Before(deadline), "timed out waiting to accept")
		time.Sleep(time.Millisecond)
	}
	defer server.Close()

	require.NoError(t, client.SendString("ping\x00", false))
	n := waitForRecv(t, server)
	require.Greater(t, n, 0)

	got := server.ReadUntilNull()
	require.Equal(t, "ping\x00", string(got))
}

func TestSendAllFlushesEntirePayload(t *testing.T) {
	const port = 18744
	listener := New(0)
	require.NoError(t, listener.Listen(port, 10))
	defer listener.Close()

	client := New(0)
	require.NoError(t, client.Connect("127.0.0.1", port, true))
	defer client.Close()

	server := New(0)
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := listener.Accept(server)
		if err == nil {
			break
		}
		require.ErrorIs(t, err, ErrWouldBlock)
		require.True(t, time.Now().Before(deadline))
		time.Sleep(time.Millisecond)
	}
	defer server.Close()

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	require.NoError(t, client.SendAll(payload))

	received := 0
	deadline = time.Now().Add(2 * time.Second)
	for received < len(payload) {
		n, _, err := server.RecvIntoRing()
		if err == ErrWouldBlock {
			require.True(t, time.Now().Before(deadline))
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		received += n
	}
	require.Equal(t, len(payload), received)
}

package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/securegate/internal/netio"
	"github.com/ocx/securegate/internal/securechannel"
	"github.com/ocx/securegate/internal/wire"
	"github.com/ocx/securegate/internal/workerpool"
)

// dialPair mirrors internal/securechannel's test helper: a loopback listener
// plus one accepted connection, returned as (serverSide, clientSide).
func dialPair(t *testing.T, port int) (*netio.Socket, *netio.Socket) {
	t.Helper()

	listener := netio.New(0)
	require.NoError(t, listener.Listen(port, 10))
	t.Cleanup(func() { listener.Close() })

	client := netio.New(0)
	require.NoError(t, client.Connect("127.0.0.1", port, true))

	server := netio.New(0)
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := listener.Accept(server)
		if err == nil {
			break
		}
		require.ErrorIs(t, err, netio.ErrWouldBlock)
		require.True(t, time.Now().Before(deadline), "timed out waiting to accept")
		time.Sleep(time.Millisecond)
	}

	return server, client
}

func until(t *testing.T, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := fn()
		if err == nil {
			return
		}
		if err == securechannel.ErrWouldBlock {
			require.True(t, time.Now().Before(deadline), "timed out waiting")
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
	}
}

// newTestContext wires a bare Context (no Server) around a freshly dialed
// connection pair and drives the handshake to completion on both sides.
func newTestContext(t *testing.T, port int) (ctx *Context, peer *securechannel.SecureChannel) {
	t.Helper()

	serverSock, clientSock := dialPair(t, port)
	t.Cleanup(func() { serverSock.Close(); clientSock.Close() })

	host := securechannel.New(serverSock)
	peer = securechannel.New(clientSock)
	ctx = NewContext(nil, host)

	require.NoError(t, host.HandshakeInit())
	until(t, peer.HandshakeAccept)
	until(t, host.HandshakeFinal)
	until(t, peer.HandshakeConfirm)

	ctx.mu.Lock()
	ctx.state = StateIdle
	ctx.mu.Unlock()

	return ctx, peer
}

// newTestPool returns a worker pool for a bare Server literal, since
// dispatch hands every handler call to the Server's pool. It is stopped
// when the test ends.
func newTestPool(t *testing.T) *workerpool.WorkerPool {
	t.Helper()
	pool := workerpool.New(1)
	t.Cleanup(func() { pool.Stop(false) })
	return pool
}

func sendFrame(t *testing.T, sc *securechannel.SecureChannel, payload []byte) {
	t.Helper()
	ok, err := sc.SendEncrypted(payload, true)
	require.NoError(t, err)
	require.True(t, ok)
}

func recvFrame(t *testing.T, sc *securechannel.SecureChannel) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if f := sc.ReadUntilNull(); f != nil {
			return f
		}
		_, err := sc.RecvDecrypted()
		if err != nil && err != securechannel.ErrWouldBlock {
			require.NoError(t, err)
		}
		require.True(t, time.Now().Before(deadline), "timed out waiting for frame")
		time.Sleep(time.Millisecond)
	}
}

func TestReadSockEchoesPing(t *testing.T) {
	ctx, peer := newTestContext(t, 19301)

	h := wire.Header{Timestamp: 1, Type: wire.MessageTypePing, Path: "", Size: 0}
	encoded, err := h.Marshal()
	require.NoError(t, err)
	sendFrame(t, peer, encoded)

	ctx.ReadSock()

	got := recvFrame(t, peer)
	require.Equal(t, append(append([]byte{}, encoded...), wire.Delimiter), got)
	require.Equal(t, StateIdle, ctx.State())
}

func TestReadSockDispatchesZeroSizeRequestImmediately(t *testing.T) {
	ctx, peer := newTestContext(t, 19302)

	var mu sync.Mutex
	var gotPath string
	var gotBody []byte
	done := make(chan struct{})

	srv := &Server{pool: newTestPool(t), handlers: map[string]Handler{
		"/ping": func(s *Server, c *Context, header wire.Header, body []byte) {
			mu.Lock()
			gotPath = header.Path
			gotBody = body
			mu.Unlock()
			close(done)
		},
	}}
	ctx.server = srv

	h := wire.Header{Timestamp: 1, Type: wire.MessageTypeRequest, Path: "/ping", Size: 0}
	encoded, err := h.Marshal()
	require.NoError(t, err)
	sendFrame(t, peer, encoded)

	ctx.ReadSock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/ping", gotPath)
	require.Nil(t, gotBody)
}

func TestReadSockDispatchesTwoFrameRequest(t *testing.T) {
	ctx, peer := newTestContext(t, 19303)

	var mu sync.Mutex
	var gotHeader wire.Header
	var gotBody []byte
	done := make(chan struct{})

	srv := &Server{pool: newTestPool(t), handlers: map[string]Handler{
		"/echo": func(s *Server, c *Context, header wire.Header, body []byte) {
			mu.Lock()
			gotHeader = header
			gotBody = append([]byte{}, body...)
			mu.Unlock()
			close(done)
		},
	}}
	ctx.server = srv

	body := []byte("hello world")
	h := wire.Header{Timestamp: 2, Type: wire.MessageTypeRequest, Path: "/echo", Size: uint32(len(body))}
	encoded, err := h.Marshal()
	require.NoError(t, err)
	sendFrame(t, peer, encoded)
	sendFrame(t, peer, body)

	ctx.ReadSock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/echo", gotHeader.Path)
	require.Equal(t, body, gotBody)
}

func TestReadSockNoHandlerReportsError(t *testing.T) {
	ctx, peer := newTestContext(t, 19304)
	ctx.server = &Server{pool: newTestPool(t), handlers: map[string]Handler{}}

	h := wire.Header{Timestamp: 3, Type: wire.MessageTypeRequest, Path: "/missing", Size: 0}
	encoded, err := h.Marshal()
	require.NoError(t, err)
	sendFrame(t, peer, encoded)

	ctx.ReadSock()

	frame := recvFrame(t, peer)
	var envelope wire.Error
	require.NoError(t, envelope.Unmarshal(trimDelimiter(frame)))
	require.Equal(t, wire.ErrCodeContextHandleRequestFailed, envelope.Code)
}

func TestReadSockDiscardsMalformedHeader(t *testing.T) {
	ctx, peer := newTestContext(t, 19305)

	sendFrame(t, peer, []byte{0x01, 0x02})

	ctx.ReadSock()

	require.Equal(t, StateIdle, ctx.State())

	frame := recvFrame(t, peer)
	var envelope wire.Error
	require.NoError(t, envelope.Unmarshal(trimDelimiter(frame)))
	require.Equal(t, wire.ErrCodeContextHandleReadFailed, envelope.Code)
}

func TestConsumeHeaderReportsBufferFull(t *testing.T) {
	ctx, peer := newTestContext(t, 19306)

	capacity := ctx.sc.PlaintextCapacity()
	junk := make([]byte, capacity+64)
	for i := range junk {
		junk[i] = 'x'
	}
	_, err := peer.SendEncrypted(junk, false)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for ctx.sc.PlaintextSize() < capacity {
		_, err := ctx.sc.RecvDecrypted()
		if err != nil && err != securechannel.ErrWouldBlock {
			require.NoError(t, err)
		}
		require.True(t, time.Now().Before(deadline), "timed out filling ring")
		time.Sleep(time.Millisecond)
	}

	ctx.mu.Lock()
	ctx.checkBufferFullLocked()
	ctx.mu.Unlock()

	frame := recvFrame(t, peer)
	var envelope wire.Error
	require.NoError(t, envelope.Unmarshal(trimDelimiter(frame)))
	require.Equal(t, wire.ErrCodeContextBufferFull, envelope.Code)
	require.Equal(t, 0, ctx.sc.PlaintextSize())
}

// Package gateway implements the per-connection coordinator (Context) and
// the listener/registry/event-loop/pool composition (Server) that drive a
// securegate connection from handshake through request dispatch.
package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/securegate/internal/securechannel"
	"github.com/ocx/securegate/internal/wire"
)

// State names a Context's position in the per-connection state machine
// described by spec.md §4.4.
type State int

const (
	StateHandshaking State = iota
	StateIdle
	StateExpectingBody
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateIdle:
		return "IDLE"
	case StateExpectingBody:
		return "EXPECTING_BODY"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// reasonBufferFull and reasonHandshakeFailed label why a ring reset
// happened, for internal/metrics.
const (
	reasonBufferFull      = "full"
	reasonHandshakeFailed = "handshake_failed"
)

// Context coordinates one accepted connection: its SecureChannel, the
// header/body reassembly state, and dispatch into the Server's handler
// registry. All mutating methods run on the Server's worker pool; fields
// are guarded by mu because a fd's readable callback and any in-flight
// handler both touch them.
type Context struct {
	id        uuid.UUID
	server    *Server
	sc        *securechannel.SecureChannel
	createdAt time.Time

	mu           sync.Mutex
	state        State
	headerParsed bool
	header       wire.Header
	body         []byte
}

// NewContext wraps sc for dispatch through server. The caller still owns
// driving the handshake and registering the connection's fd.
func NewContext(server *Server, sc *securechannel.SecureChannel) *Context {
	return &Context{
		id:        uuid.New(),
		server:    server,
		sc:        sc,
		state:     StateHandshaking,
		createdAt: time.Now(),
	}
}

// ID returns the connection's identifier, used in log and metric fields.
func (c *Context) ID() uuid.UUID { return c.id }

// SecureChannel returns the underlying channel, mainly for tests and for
// Server.Accept to register the connection's fd.
func (c *Context) SecureChannel() *securechannel.SecureChannel { return c.sc }

// State reports the current connection state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReadSock is scheduled on every readable event once the fd is registered.
// While the handshake hasn't completed, it drives the handshake's next
// step; once secure, it performs one decrypt round and extracts as many
// framed messages as the plaintext buffer now holds, per spec.md §4.4.
func (c *Context) ReadSock() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateTerminated {
		return
	}

	if !c.sc.IsSecure() {
		c.stepHandshakeLocked()
		return
	}

	n, err := c.sc.RecvDecrypted()
	switch {
	case errors.Is(err, securechannel.ErrWouldBlock):
		return
	case errors.Is(err, securechannel.ErrNotSecure):
		// Shouldn't normally happen (guarded above), but the spec calls
		// this branch out explicitly: treat it as a lost handshake and
		// restart from Fresh rather than tearing the connection down.
		c.redriveHandshakeLocked()
		return
	case errors.Is(err, securechannel.ErrDecryptFailed):
		// A bad record can desync everything queued after it (the decoder
		// trusts the next length prefix it reads, which a corrupted record
		// may have misplaced), so treat this like CONTEXT_BUFFER_FULL:
		// discard whatever is buffered and resume cleanly at the next
		// record boundary rather than risk misparsing stale bytes.
		c.reportErrorLocked(wire.ErrCodeSecureChannelDecryptFailed, err.Error())
		c.sc.ClearPlaintext()
		c.headerParsed = false
		c.state = StateIdle
		return
	case err != nil:
		c.reportErrorLocked(wire.ErrCodeContextHandleReadFailed, err.Error())
		return
	case n == 0:
		c.teardownLocked()
		return
	}

	c.drainFramesLocked()
}

func (c *Context) stepHandshakeLocked() {
	switch c.sc.State() {
	case securechannel.StateFresh:
		if err := c.sc.HandshakeInit(); err != nil {
			c.failHandshakeLocked(err)
		}
	case securechannel.StateInitSent:
		err := c.sc.HandshakeFinal()
		switch {
		case errors.Is(err, securechannel.ErrWouldBlock):
		case err != nil:
			c.failHandshakeLocked(err)
		default:
			c.state = StateIdle
			if c.server != nil {
				c.server.metricsHandshakeConfirmed(time.Since(c.createdAt).Seconds())
			}
		}
	default:
		// A host-side Context never sees AcceptReceived/FinalSent/Confirmed
		// arrive here without passing through the cases above first.
	}
}

func (c *Context) failHandshakeLocked(err error) {
	slog.Warn("handshake step failed, redriving from fresh",
		"connection_id", c.id,
		"error", err,
	)
	if c.server != nil {
		c.server.metricsHandshakeFailed("final")
		c.server.recordRingBufferReset(reasonHandshakeFailed)
	}
	c.redriveHandshakeLocked()
}

func (c *Context) redriveHandshakeLocked() {
	c.sc.Reset()
	c.state = StateHandshaking
	if err := c.sc.HandshakeInit(); err != nil {
		slog.Error("failed to redrive handshake", "connection_id", c.id, "error", err)
		c.teardownLocked()
	}
}

// drainFramesLocked consumes as many complete, null-delimited frames as the
// plaintext ring currently holds.
func (c *Context) drainFramesLocked() {
	for {
		if c.state == StateTerminated {
			return
		}

		if !c.headerParsed {
			if !c.consumeHeaderLocked() {
				return
			}
			continue
		}

		if !c.consumeBodyLocked() {
			return
		}
	}
}

// consumeHeaderLocked reads one header frame if available. It returns true
// when a header frame was consumed (echoed, dispatched, or recorded as
// awaiting a body), so the caller loops and re-checks headerParsed, and
// false when the caller should stop: no complete frame yet, or a malformed
// frame caused the plaintext ring to be cleared.
func (c *Context) consumeHeaderLocked() bool {
	frame := c.sc.ReadUntilNull()
	if frame == nil {
		c.checkBufferFullLocked()
		return false
	}

	var h wire.Header
	if err := h.Unmarshal(trimDelimiter(frame)); err != nil {
		// Malformed header: fatal for this frame, not the connection.
		slog.Warn("discarding malformed header frame", "connection_id", c.id, "error", err)
		c.reportErrorLocked(wire.ErrCodeContextHandleReadFailed, err.Error())
		c.sc.ClearPlaintext()
		c.state = StateIdle
		return false
	}

	switch {
	case h.Type == wire.MessageTypePing:
		c.sendMessageLocked(trimDelimiter(frame))
		c.state = StateIdle
	case h.Size == 0:
		c.state = StateIdle
		c.dispatchLocked(h, nil)
	default:
		c.header = h
		c.headerParsed = true
		c.state = StateExpectingBody
	}
	return true
}

func (c *Context) consumeBodyLocked() bool {
	frame := c.sc.ReadUntilNull()
	if frame == nil {
		c.checkBufferFullLocked()
		return false
	}

	c.body = trimDelimiter(frame)
	header := c.header
	body := c.body

	c.headerParsed = false
	c.header = wire.Header{}
	c.body = nil
	c.state = StateIdle

	c.dispatchLocked(header, body)
	return true
}

func (c *Context) checkBufferFullLocked() {
	if c.sc.PlaintextSize() >= c.sc.PlaintextCapacity() {
		c.reportErrorLocked(wire.ErrCodeContextBufferFull, "plaintext ring full")
		c.sc.ClearPlaintext()
		c.headerParsed = false
		c.header = wire.Header{}
		c.body = nil
		c.state = StateIdle
		if c.server != nil {
			c.server.recordRingBufferReset(reasonBufferFull)
		}
	}
}

// dispatchLocked looks up and invokes the handler for header.Path on the
// worker pool, so a slow handler never blocks the loop thread. header and
// body are captured by value/independent slice into the closure rather
// than read back off the Context later: ReadSock keeps draining the
// plaintext ring for this same connection after dispatchLocked returns, so
// a second frame's state could otherwise overwrite a still-pending
// dispatch's header/body before its handler runs.
func (c *Context) dispatchLocked(header wire.Header, body []byte) {
	srv := c.server
	if srv == nil {
		return
	}

	srv.allocateWork(func() {
		if !srv.ExecEndpoint(header.Path, c, header, body) {
			c.ReportError(wire.ErrCodeContextHandleRequestFailed, "no handler registered for path")
		}
		srv.metricsDispatched(header.Path)
	})
}

// SendMessage encrypts and sends payload, appending the framing delimiter.
// Reports CONTEXT_SEND_MESSAGE_FAILED on error.
func (c *Context) SendMessage(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendMessageLocked(payload)
}

func (c *Context) sendMessageLocked(payload []byte) error {
	ok, err := c.sc.SendEncrypted(payload, true)
	if err != nil || !ok {
		if err == nil {
			err = errors.New("gateway: channel not secure")
		}
		c.reportErrorLocked(wire.ErrCodeContextSendMessageFailed, err.Error())
		return err
	}
	return nil
}

// ReportError builds an {code, message, timestamp} error envelope and sends
// it encrypted to the peer, always logging locally first.
func (c *Context) ReportError(code uint32, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reportErrorLocked(code, message)
}

func (c *Context) reportErrorLocked(code uint32, message string) {
	slog.Warn("reporting error to peer",
		"connection_id", c.id,
		"error_code", code,
		"message", message,
	)
	if c.server != nil {
		c.server.metricsDispatchError(code)
	}

	env := wire.Error{Code: code, Message: message, Timestamp: uint64(time.Now().Unix())}
	encoded, err := env.Marshal()
	if err != nil {
		slog.Error("failed to marshal error envelope", "connection_id", c.id, "error", err)
		return
	}
	c.sc.SendEncrypted(wire.Frame(encoded), false)
}

func (c *Context) teardownLocked() {
	c.state = StateTerminated
	if c.server != nil {
		c.server.closeContext(c)
	}
}

func trimDelimiter(frame []byte) []byte {
	if n := len(frame); n > 0 && frame[n-1] == wire.Delimiter {
		return frame[:n-1]
	}
	return frame
}

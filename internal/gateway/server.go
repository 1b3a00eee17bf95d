package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ocx/securegate/internal/config"
	"github.com/ocx/securegate/internal/eventloop"
	"github.com/ocx/securegate/internal/metrics"
	"github.com/ocx/securegate/internal/netio"
	"github.com/ocx/securegate/internal/securechannel"
	"github.com/ocx/securegate/internal/wire"
	"github.com/ocx/securegate/internal/workerpool"
)

// Handler is a registered endpoint. It runs on a worker pool goroutine, not
// the event loop thread. header and body are the just-parsed request for
// this specific dispatch, passed explicitly rather than read back off ctx:
// a connection's next frame can start parsing (and resetting ctx's header/
// body fields) before this handler call runs, since dispatch is queued
// onto the worker pool rather than invoked inline.
type Handler func(srv *Server, ctx *Context, header wire.Header, body []byte)

// Server owns the listening socket, the handler registry, and the
// event-loop/worker-pool composition that drives every accepted
// connection's Context.
type Server struct {
	cfg  *config.Config
	pool *workerpool.WorkerPool
	loop *eventloop.EventLoop
	m    *metrics.Metrics

	listener *netio.Socket

	// handlers is written only by SetEndpoint before Run and read-only
	// afterward; registryFrozen guards against a SetEndpoint call racing a
	// live Run.
	handlersMu     sync.RWMutex
	handlers       map[string]Handler
	registryFrozen bool

	// contexts maps a connection's fd to its Context. The spec models this
	// as loop-thread-only; because this EventLoop always dispatches ready
	// fds to the WorkerPool rather than touching them itself (SPEC_FULL.md
	// §4.7), accept() and closeContext() run on worker goroutines instead
	// of the loop thread, so the map needs its own mutex rather than
	// single-thread confinement.
	contextsMu sync.Mutex
	contexts   map[int]*Context
}

// NewServer wires a Server to an already-constructed worker pool, event
// loop, and metrics set. cfg supplies the listening port and backlog.
func NewServer(cfg *config.Config, pool *workerpool.WorkerPool, loop *eventloop.EventLoop, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		pool:     pool,
		loop:     loop,
		m:        m,
		handlers: make(map[string]Handler),
		contexts: make(map[int]*Context),
	}
}

// SetEndpoint registers handler for path, replacing any prior entry. Must
// be called before Run; calling it afterward is a no-op that logs a
// warning, since the registry is immutable once the server is live.
func (s *Server) SetEndpoint(path string, handler Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	if s.registryFrozen {
		slog.Warn("SetEndpoint called after Run; ignoring", "path", path)
		return
	}
	s.handlers[path] = handler
}

// ExecEndpoint looks up path and invokes its handler with (s, ctx, header,
// body), returning true. It returns false if no handler is registered; the
// caller (Context) maps that to a CONTEXT_HANDLE_REQUEST_FAILED error
// response.
func (s *Server) ExecEndpoint(path string, ctx *Context, header wire.Header, body []byte) bool {
	s.handlersMu.RLock()
	handler, ok := s.handlers[path]
	s.handlersMu.RUnlock()

	if !ok {
		return false
	}
	handler(s, ctx, header, body)
	return true
}

// Run listens on cfg.Server.Port, registers the accept callback, and blocks
// running the event loop until Stop is called or a fatal error occurs.
func (s *Server) Run() error {
	s.handlersMu.Lock()
	s.registryFrozen = true
	s.handlersMu.Unlock()

	listener := netio.New(s.cfg.Server.RingBufferLen)
	backlog := s.cfg.Server.Backlog
	if err := listener.Listen(s.cfg.Server.Port, backlog); err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	s.listener = listener

	if err := s.loop.Register(listener.Fd(), func() { s.accept() }); err != nil {
		listener.Close()
		return fmt.Errorf("gateway: register listener: %w", err)
	}

	slog.Info("server listening", "port", s.cfg.Server.Port)
	return s.loop.Run()
}

// accept is the listener's readable callback. It accepts exactly one
// connection per invocation (more pending connections simply re-fire the
// level-triggered event); errors are logged but never stop the server.
func (s *Server) accept() {
	if err := s.Accept(); err != nil {
		if !errors.Is(err, netio.ErrWouldBlock) {
			slog.Error("accept failed", "error", err)
		}
	}
}

// Accept accepts one connection, wraps it in a SecureChannel and Context,
// registers the connection's fd for readable events, and initiates the
// handshake.
func (s *Server) Accept() error {
	client := netio.New(s.cfg.Server.RingBufferLen)
	if err := s.listener.Accept(client); err != nil {
		return err
	}

	sc := securechannel.New(client)
	ctx := NewContext(s, sc)

	s.contextsMu.Lock()
	s.contexts[client.Fd()] = ctx
	s.contextsMu.Unlock()

	if err := s.loop.Register(client.Fd(), ctx.ReadSock); err != nil {
		slog.Error("failed to register connection fd", "connection_id", ctx.ID(), "error", err)
		s.closeContext(ctx)
		return err
	}

	s.metricsHandshakeAttempt()
	if err := sc.HandshakeInit(); err != nil {
		slog.Error("handshake_init failed", "connection_id", ctx.ID(), "error", err)
		s.metricsHandshakeFailed("init")
		s.closeContext(ctx)
		return err
	}

	slog.Info("accepted connection", "connection_id", ctx.ID(), "remote_addr", client.RemoteAddr())
	return nil
}

// Stop marks the loop for exit and waits for in-flight handler work to
// drain when graceful is true; otherwise it returns immediately, abandoning
// whatever the worker pool is mid-way through.
func (s *Server) Stop(graceful bool) error {
	s.loop.Stop()
	s.pool.Stop(graceful)

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return err
		}
	}
	return s.loop.Close()
}

// AllocateWork submits task to the worker pool, per spec.md §4.5. Request
// dispatch uses this internally; it's also exposed for handlers that need
// to schedule follow-up background work off the request path.
func (s *Server) AllocateWork(task func()) {
	s.pool.Enqueue(task)
}

func (s *Server) allocateWork(task func()) {
	s.AllocateWork(task)
}

func (s *Server) closeContext(ctx *Context) {
	fd := ctx.SecureChannel().Socket().Fd()

	s.contextsMu.Lock()
	delete(s.contexts, fd)
	s.contextsMu.Unlock()

	if err := s.loop.Deregister(fd); err != nil && !errors.Is(err, eventloop.ErrClosed) {
		slog.Warn("failed to deregister connection fd", "connection_id", ctx.ID(), "error", err)
	}
	ctx.SecureChannel().Socket().Close()

	if s.m != nil {
		s.m.ActiveConnections.Dec()
	}
}

func (s *Server) metricsHandshakeAttempt() {
	if s.m != nil {
		s.m.RecordHandshakeAttempt("host")
		s.m.ActiveConnections.Inc()
	}
}

func (s *Server) metricsHandshakeConfirmed(seconds float64) {
	if s.m != nil {
		s.m.RecordHandshakeDuration(seconds)
	}
}

func (s *Server) metricsHandshakeFailed(stage string) {
	if s.m != nil {
		s.m.RecordHandshakeFailure("host", stage)
	}
}

func (s *Server) metricsDispatched(path string) {
	if s.m != nil {
		s.m.RecordDispatch(path)
	}
}

func (s *Server) metricsDispatchError(code uint32) {
	if s.m != nil {
		s.m.RecordDispatchError(code)
	}
}

func (s *Server) recordRingBufferReset(reason string) {
	if s.m != nil {
		s.m.RecordRingBufferReset(reason)
	}
}

// Package netio wraps a non-blocking POSIX stream socket with the read-side
// ring buffer and locking discipline securegate's connection handling needs.
//
// It talks to the kernel directly through golang.org/x/sys/unix rather than
// net.Conn/net.Listener: the core is required to own raw fd registration
// with its own readiness notifier (see internal/eventloop), which the
// standard net package deliberately hides behind its internal poller.
package netio

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ocx/securegate/internal/ringbuf"
)

// ErrWouldBlock indicates a recv/send would have blocked right now (POSIX
// EAGAIN/EWOULDBLOCK); it is not a failure, only a transient "no data yet".
var ErrWouldBlock = errors.New("netio: operation would block")

// defaultRingLen is the size of the inbound ring every accepted Socket owns,
// per the 1024-byte default spec.md names.
const defaultRingLen = 1024

// Socket is a non-blocking stream socket plus its inbound ring buffer.
type Socket struct {
	fd         int
	listening  bool
	remoteAddr string
	ring       *ringbuf.RingBuffer

	recvMu sync.Mutex
	sendMu sync.Mutex
	bufMu  sync.Mutex
}

// New returns a fresh, unopened Socket with a ring of the given length (the
// spec's 1024-byte default if len <= 0).
func New(ringLen int) *Socket {
	if ringLen <= 0 {
		ringLen = defaultRingLen
	}
	return &Socket{fd: -1, ring: ringbuf.New(ringLen)}
}

// Fd returns the underlying file descriptor, or -1 if the socket is fresh.
func (s *Socket) Fd() int { return s.fd }

// RemoteAddr returns the peer address recorded by Accept, if any.
func (s *Socket) RemoteAddr() string { return s.remoteAddr }

func ip4Bytes(ip net.IP) (out [4]byte, err error) {
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("netio: %s is not an IPv4 address", ip)
	}
	copy(out[:], v4)
	return out, nil
}

// Listen binds to INADDR_ANY:port, marks the socket non-blocking, and
// listens with the given backlog (10, per spec.md's default, when backlog
// is <= 0).
func (s *Socket) Listen(port, backlog int) error {
	if s.fd != -1 {
		return errors.New("netio: socket already in use")
	}
	if backlog <= 0 {
		backlog = 10
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("netio: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("netio: setsockopt SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("netio: bind: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("netio: set non-blocking: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("netio: listen: %w", err)
	}

	s.fd = fd
	s.listening = true
	return nil
}

// Connect resolves host and connects to host:port. When nonBlocking is true
// the socket is set non-blocking before connect() is issued and a resulting
// EINPROGRESS is treated as success (the caller must select for writable
// before using the connection).
func (s *Socket) Connect(host string, port int, nonBlocking bool) error {
	if s.fd != -1 {
		return errors.New("netio: socket already in use")
	}

	ipAddr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return fmt.Errorf("netio: resolve %s: %w", host, err)
	}
	addr4, err := ip4Bytes(ipAddr.IP)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("netio: socket: %w", err)
	}

	if nonBlocking {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return fmt.Errorf("netio: set non-blocking: %w", err)
		}
	}

	sa := &unix.SockaddrInet4{Port: port, Addr: addr4}
	if err := unix.Connect(fd, sa); err != nil {
		if !(nonBlocking && errors.Is(err, unix.EINPROGRESS)) {
			unix.Close(fd)
			return fmt.Errorf("netio: connect: %w", err)
		}
	}

	s.fd = fd
	s.remoteAddr = fmt.Sprintf("%s:%d", ipAddr.IP, port)
	return nil
}

// Accept fills target with a newly accepted connection. It fails if s is
// not listening or target is not fresh.
func (s *Socket) Accept(target *Socket) error {
	if !s.listening {
		return errors.New("netio: accept called on a non-listening socket")
	}
	if target.fd != -1 {
		return errors.New("netio: accept target is not fresh")
	}

	connFd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}
		return fmt.Errorf("netio: accept: %w", err)
	}

	target.fd = connFd
	if inet4, ok := sa.(*unix.SockaddrInet4); ok {
		target.remoteAddr = fmt.Sprintf("%d.%d.%d.%d:%d",
			inet4.Addr[0], inet4.Addr[1], inet4.Addr[2], inet4.Addr[3], inet4.Port)
	}
	return nil
}

// RecvIntoRing performs a zero-copy fill of the socket's inbound ring using
// one or two unix.Read calls (two only when the writable region wraps past
// the ring's physical end). It returns the number of bytes received and the
// ring's remaining space. A bytes-received of 0 with a nil error means the
// peer has closed the connection; ErrWouldBlock means no data is available
// right now and is not a failure.
func (s *Socket) RecvIntoRing() (received int, space int, err error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	var opErr error
	n := s.ring.WriteWith(s.ring.Space(), func(a, b []byte) int {
		total := 0
		rn, e := unix.Read(s.fd, a)
		if e != nil {
			opErr = e
			return total
		}
		total += rn
		if rn == len(a) && len(b) > 0 {
			rn2, e2 := unix.Read(s.fd, b)
			if e2 != nil {
				// Partial data from the first read still counts.
				return total
			}
			total += rn2
		}
		return total
	})

	if opErr != nil {
		if errors.Is(opErr, unix.EAGAIN) || errors.Is(opErr, unix.EWOULDBLOCK) {
			return 0, s.ring.Space(), ErrWouldBlock
		}
		return 0, s.ring.Space(), fmt.Errorf("netio: recv: %w", opErr)
	}
	return n, s.ring.Space(), nil
}

// SendAll writes every byte of p, looping over partial writes until the
// buffer is fully flushed or a fatal error occurs.
func (s *Socket) SendAll(p []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for len(p) > 0 {
		n, err := unix.Write(s.fd, p)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				continue
			}
			return fmt.Errorf("netio: send: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// SendString is a convenience wrapper over SendAll; when terminate is true
// it appends a single null terminator before sending (see the wire framing
// rules in internal/wire).
func (s *Socket) SendString(str string, terminate bool) error {
	b := []byte(str)
	if terminate {
		b = append(b, 0x00)
	}
	return s.SendAll(b)
}

// ReadTo delegates to the inbound ring's delimited read.
func (s *Socket) ReadTo(delim byte) []byte {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.ring.ReadTo(delim)
}

// ReadToSeq delegates to the inbound ring's multi-byte delimited read.
func (s *Socket) ReadToSeq(delim []byte) []byte {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.ring.ReadToSeq(delim)
}

// ReadUntilNull is shorthand for ReadTo(0x00), the sole delimiter the wire
// format uses.
func (s *Socket) ReadUntilNull() []byte {
	return s.ReadTo(0x00)
}

// DrainAll returns and consumes every currently buffered byte.
func (s *Socket) DrainAll() []byte {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.ring.Read(-1)
}

// Ring exposes the inbound ring buffer directly for components (like
// SecureChannel) that need ReadFrom/WriteWith access beyond what Socket's
// delegating methods provide.
func (s *Socket) Ring() *ringbuf.RingBuffer { return s.ring }

// Close is idempotent; it closes the fd (if any) and resets the socket to a
// fresh state.
func (s *Socket) Close() error {
	if s.fd == -1 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	s.listening = false
	s.remoteAddr = ""
	return err
}

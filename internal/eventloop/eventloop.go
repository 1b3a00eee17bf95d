// Package eventloop implements a single-threaded, level-triggered epoll
// dispatcher. It never performs I/O itself: every ready fd's registered
// callback is handed to a worker pool, keeping the loop thread free to keep
// polling.
package eventloop

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ocx/securegate/internal/workerpool"
)

// maxEvents bounds how many ready fds a single epoll_wait call returns.
const maxEvents = 256

// ErrClosed is returned by Register/Deregister/Run once the loop has been
// closed.
var ErrClosed = errors.New("eventloop: closed")

// EventLoop owns one epoll instance and dispatches readiness events to a
// WorkerPool. Registration/deregistration of fds is safe to call from any
// goroutine; Run must only be called once.
type EventLoop struct {
	epfd int
	pool *workerpool.WorkerPool

	wakeR, wakeW int // self-pipe used to break epoll_wait on Stop

	mu       sync.Mutex
	handlers map[int]func()
	closed   bool
}

// New creates an epoll instance and wires it to pool. Callbacks submitted
// for ready fds run on pool's workers, never on the loop goroutine.
func New(pool *workerpool.WorkerPool) (*EventLoop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: pipe2: %w", err)
	}

	el := &EventLoop{
		epfd:     epfd,
		pool:     pool,
		wakeR:    fds[0],
		wakeW:    fds[1],
		handlers: make(map[int]func()),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, el.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(el.wakeR),
	}); err != nil {
		el.closeFDs()
		return nil, fmt.Errorf("eventloop: epoll_ctl wake fd: %w", err)
	}

	return el, nil
}

// Register arms fd for level-triggered readable events. When the fd becomes
// readable, callback is submitted to the worker pool exactly once per
// epoll_wait return (the caller re-arms by doing nothing; level-triggered
// semantics mean it fires again next round if the fd is still readable).
func (el *EventLoop) Register(fd int, callback func()) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.closed {
		return ErrClosed
	}

	el.handlers[fd] = callback
	return unix.EpollCtl(el.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

// Deregister removes fd from the epoll set. It is not an error to
// deregister an fd that was never registered.
func (el *EventLoop) Deregister(fd int) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.closed {
		return ErrClosed
	}

	delete(el.handlers, fd)
	err := unix.EpollCtl(el.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

// Run polls until Stop is called or a non-recoverable epoll_wait error
// occurs. It returns nil on a clean Stop.
func (el *EventLoop) Run() error {
	events := make([]unix.EpollEvent, maxEvents)

	for {
		n, err := unix.EpollWait(el.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == el.wakeR {
				return nil
			}

			el.mu.Lock()
			callback, ok := el.handlers[fd]
			el.mu.Unlock()
			if ok {
				el.pool.Enqueue(callback)
			}
		}
	}
}

// Stop wakes a blocked Run so it returns. Safe to call once from any
// goroutine; Close releases the underlying fds afterward.
func (el *EventLoop) Stop() {
	var buf [1]byte
	unix.Write(el.wakeW, buf[:])
}

// Close releases the epoll instance and the wake pipe. Call after Run has
// returned.
func (el *EventLoop) Close() error {
	el.mu.Lock()
	el.closed = true
	el.mu.Unlock()
	return el.closeFDs()
}

func (el *EventLoop) closeFDs() error {
	err1 := unix.Close(el.epfd)
	err2 := unix.Close(el.wakeR)
	err3 := unix.Close(el.wakeW)
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

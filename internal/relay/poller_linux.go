package relay

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller multiplexes read readiness over every relay socket through a
// single epoll descriptor, so the event loop wakes only for sockets with
// pending frames instead of parking a goroutine per connection.
type Poller struct {
	epfd   int
	mu     sync.RWMutex
	byFd   map[int32]net.Conn
	events []unix.EpollEvent
}

// NewPoller opens the epoll descriptor.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("relay: epoll_create1: %w", err)
	}
	return &Poller{
		epfd:   epfd,
		byFd:   make(map[int32]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add puts the connection on the epoll interest list for read and hangup
// events.
func (p *Poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return fmt.Errorf("relay: connection exposes no file descriptor")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, syscall.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("relay: epoll_ctl add: %w", err)
	}

	p.mu.Lock()
	p.byFd[int32(fd)] = conn
	p.mu.Unlock()
	return nil
}

// Remove takes the connection off the interest list. Safe to call for a
// connection that was never added; the kernel error is returned as is.
func (p *Poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	p.mu.Lock()
	delete(p.byFd, int32(fd))
	p.mu.Unlock()

	if err := unix.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("relay: epoll_ctl del: %w", err)
	}
	return nil
}

// Wait blocks until at least one registered socket is readable and returns
// the ready connections. Descriptors removed between the kernel wakeup and
// the map lookup are skipped. The events buffer doubles when a wait fills
// it, so one call can never starve sockets past the buffer size for long.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.epfd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.byFd[p.events[i].Fd]; ok {
			ready = append(ready, conn)
		}
	}
	p.mu.RUnlock()

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return ready, nil
}

// Close releases the epoll descriptor. Registered connections are not
// closed; the connection manager owns their lifecycle.
func (p *Poller) Close() error {
	p.mu.Lock()
	p.byFd = nil
	p.mu.Unlock()
	return unix.Close(p.epfd)
}

// socketFD borrows the descriptor through SyscallConn rather than File(),
// which would dup it and leave epoll watching a dead fd after close.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) { fd = int(sfd) })
	return fd
}

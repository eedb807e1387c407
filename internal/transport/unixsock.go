package transport

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/busd/busd/internal/wire"
)

var nextConnID uint64

// UnixListener accepts stream connections on an AF_UNIX socket, the Go
// analogue of the address family the reference bus binds by default.
type UnixListener struct {
	ln   *net.UnixListener
	path string
}

func ListenUnix(path string) (*UnixListener, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve unix addr: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen unix: %w", err)
	}
	return &UnixListener{ln: ln, path: path}, nil
}

func (l *UnixListener) Addr() string { return FormatAddr("unix", l.path) }

// Accept blocks for the next connection and wraps it as a Conn. Acceptance
// itself happens outside the event loop, in a dedicated accept goroutine
// that feeds accepted connections to the connection manager; the loop only
// ever polls already-accepted connections.
func (l *UnixListener) Accept() (*UnixConn, error) {
	c, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return newUnixConn(c)
}

func (l *UnixListener) Close() error { return l.ln.Close() }

// UnixConn is the primary transport: a raw stream socket whose file
// descriptor the event loop registers directly with epoll, adapted from
// go-server/pkg/websocket/netpoll.go's EpollServer (there, only used for
// the listening socket; here, used for every accepted connection too).
type UnixConn struct {
	id   uint64
	conn *net.UnixConn
	file *os.File // kept open for its Fd(); see fd()
	fd   int

	reader *wire.Reader

	out    *outboundQueue
	closed int32

	mu        sync.Mutex
	pendingIn []*wire.Message
}

func newUnixConn(c *net.UnixConn) (*UnixConn, error) {
	f, err := c.File()
	if err != nil {
		return nil, fmt.Errorf("transport: dup fd: %w", err)
	}
	uc := &UnixConn{
		id:     atomic.AddUint64(&nextConnID, 1),
		conn:   c,
		file:   f,
		fd:     int(f.Fd()),
		reader: wire.NewReader(c),
		out:    newOutboundQueue(256),
	}
	return uc, nil
}

func (c *UnixConn) ID() uint64 { return c.id }

func (c *UnixConn) Fd() int { return c.fd }

func (c *UnixConn) Watch() (int, Interest) { return c.fd, InterestReadable }

// PumpOneFrame reads exactly one wire frame from the socket and buffers it
// for PopMessage. The daemon calls this once per readable notification. It
// blocks until the whole frame has arrived and parses only one frame per
// call: further frames already held in the reader's buffer wait for the
// next call.
func (c *UnixConn) PumpOneFrame() error {
	msg, err := c.reader.ReadMessage()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pendingIn = append(c.pendingIn, msg)
	c.mu.Unlock()
	return nil
}

func (c *UnixConn) PopMessage() (*wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingIn) == 0 {
		return nil, nil
	}
	m := c.pendingIn[0]
	c.pendingIn = c.pendingIn[1:]
	return m, nil
}

func (c *UnixConn) QueueOutbound(msg *wire.Message) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return ErrClosed
	}
	payload, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	if !c.out.push(payload) {
		return ErrOutboundFull
	}
	return nil
}

// FlushOutbound writes every currently queued frame with blocking writes.
// The daemon calls it at the end of each readiness notification, after
// dispatching the messages read in that pass; no writable watch is
// registered.
func (c *UnixConn) FlushOutbound() error {
	for {
		payload, ok := c.out.pop()
		if !ok {
			return nil
		}
		if _, err := c.conn.Write(payload); err != nil {
			return err
		}
	}
}

func (c *UnixConn) OutboundLen() int { return c.out.len() }

func (c *UnixConn) RemoteCredentials() (uid, pid uint32, ok bool) {
	return peerCredentials(c.conn)
}

func (c *UnixConn) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	_ = c.file.Close()
	return c.conn.Close()
}

package transport

import (
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	gorilla "github.com/gorilla/websocket"

	"github.com/busd/busd/internal/wire"
)

// Upgrader is shared across gateway connections, sized down from the
// teacher's throughput-tuned defaults since the gateway is a secondary,
// lower-volume ingress next to the primary Unix-socket transport.
var Upgrader = gorilla.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketConn bridges a gorilla/websocket connection into the Conn
// contract. A *gorilla.Conn cannot be registered with epoll directly, so
// this type runs one reader goroutine that decodes frames and signals
// availability through a self-pipe the event loop *can* poll - the same
// shape spec.md §9 prescribes for delivering SIGHUP/SIGTERM into the loop,
// reused here for a non-fd transport instead of a signal source.
type WebSocketConn struct {
	id   uint64
	conn *gorilla.Conn

	pipeR *os.File
	pipeW *os.File

	mu        sync.Mutex
	pendingIn []*wire.Message
	readErr   error

	out    *outboundQueue
	closed int32

	remoteUID, remotePID uint32
	haveCreds            bool
}

// NewWebSocketConn takes ownership of an already-upgraded connection and
// starts its reader pump. remoteUID/remotePID, when known (e.g. resolved
// from the JWT claims during the HTTP upgrade handshake), back
// GetConnectionUnixUser/Pid for gateway-originated connections.
func NewWebSocketConn(conn *gorilla.Conn, remoteUID, remotePID uint32, haveCreds bool) (*WebSocketConn, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	wc := &WebSocketConn{
		id:        atomic.AddUint64(&nextConnID, 1),
		conn:      conn,
		pipeR:     r,
		pipeW:     w,
		out:       newOutboundQueue(256),
		remoteUID: remoteUID,
		remotePID: remotePID,
		haveCreds: haveCreds,
	}
	go wc.readPump()
	return wc, nil
}

func (c *WebSocketConn) ID() uint64 { return c.id }

// Watch exposes the self-pipe's read end; readiness means "PopMessage has
// something, or the connection died", mirroring how a real fd's readability
// covers both data-available and EOF.
func (c *WebSocketConn) Watch() (int, Interest) { return int(c.pipeR.Fd()), InterestReadable }

func (c *WebSocketConn) readPump() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			c.nudge()
			return
		}
		msg, err := decodeGatewayFrame(payload)
		if err != nil {
			continue // malformed frame from a browser client; drop and keep reading
		}
		c.mu.Lock()
		c.pendingIn = append(c.pendingIn, msg)
		c.mu.Unlock()
		c.nudge()
	}
}

// nudge writes one byte to the self-pipe so a blocked epoll_wait wakes up.
// When the pipe buffer is full (the loop has not drained earlier nudges),
// the write waits until there is room.
func (c *WebSocketConn) nudge() {
	_, _ = c.pipeW.Write([]byte{0})
}

// drainPipe consumes queued wake-up bytes after the loop handles readiness,
// so the self-pipe doesn't report spuriously-ready on the next poll.
func (c *WebSocketConn) drainPipe() {
	buf := make([]byte, 64)
	for {
		n, err := c.pipeR.Read(buf)
		if n == 0 || err != nil {
			return
		}
		if n < len(buf) {
			return
		}
	}
}

func (c *WebSocketConn) PopMessage() (*wire.Message, error) {
	c.drainPipe()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingIn) > 0 {
		m := c.pendingIn[0]
		c.pendingIn = c.pendingIn[1:]
		return m, nil
	}
	if c.readErr != nil {
		return nil, c.readErr
	}
	return nil, nil
}

func (c *WebSocketConn) QueueOutbound(msg *wire.Message) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return ErrClosed
	}
	payload, err := wire.MarshalBare(msg)
	if err != nil {
		return err
	}
	if !c.out.push(payload) {
		return ErrOutboundFull
	}
	return nil
}

// FlushOutbound writes every queued frame as a single WebSocket text
// message each, matching the one-JSON-object-per-frame framing readPump
// expects on read.
func (c *WebSocketConn) FlushOutbound() error {
	for {
		payload, ok := c.out.pop()
		if !ok {
			return nil
		}
		if err := c.conn.WriteMessage(gorilla.TextMessage, payload); err != nil {
			return err
		}
	}
}

func (c *WebSocketConn) RemoteCredentials() (uid, pid uint32, ok bool) {
	return c.remoteUID, c.remotePID, c.haveCreds
}

func (c *WebSocketConn) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	_ = c.pipeR.Close()
	_ = c.pipeW.Close()
	return c.conn.Close()
}

// decodeGatewayFrame decodes one gateway frame as bare JSON, without the
// length prefix UnixConn.PumpOneFrame expects from Unix-socket peers: a
// WebSocket frame already has its own length.
func decodeGatewayFrame(payload []byte) (*wire.Message, error) {
	return wire.UnmarshalBare(payload)
}

// Package transport implements the concrete connection objects behind
// spec.md §6's "transport contract (consumed)": something that can be
// polled for readiness, popped for an incoming message, and queued for an
// outgoing one.
package transport

import (
	"errors"
	"fmt"

	"github.com/busd/busd/internal/wire"
)

// ErrClosed is returned by Conn operations after Shutdown.
var ErrClosed = errors.New("transport: connection closed")

// ErrOutboundFull is returned by QueueOutbound when a connection's outbound
// buffer cannot accept another message without blocking. The message is
// not retried and the peer is not dropped: bus.Transaction.Commit returns
// the error and the dispatcher logs it.
var ErrOutboundFull = errors.New("transport: outbound queue full")

// Interest is the watch mask a Conn wants the event loop to poll for.
type Interest uint8

const (
	InterestReadable Interest = 1 << iota
	InterestWritable
)

// Conn is the opaque connection object spec.md §6 describes. Both the
// primary Unix-socket transport and the WebSocket gateway transport
// implement it; the bus core never type-switches on the concrete kind.
type Conn interface {
	// ID is a stable identifier used for logging and for the registry's
	// "stable identifier for ownership" requirement.
	ID() uint64

	// Watch returns the (handle, interest) pair the event loop registers.
	// Handle is a raw file descriptor for fd-pollable transports, or a
	// synthetic self-pipe fd for transports that aren't directly
	// pollable (see websocket.go).
	Watch() (handle int, interest Interest)

	// PopMessage returns the next fully-parsed incoming message, or
	// (nil, nil) if none is available yet without blocking, or an error
	// if the connection failed and should be torn down.
	PopMessage() (*wire.Message, error)

	// QueueOutbound enqueues msg for delivery. It never blocks; when the
	// outbound buffer is full it returns ErrOutboundFull.
	QueueOutbound(msg *wire.Message) error

	// RemoteCredentials returns OS-level peer identity when the
	// transport can provide it (Unix socket SO_PEERCRED), or
	// (0, 0, false) otherwise. Backs GetConnectionUnixUser/Pid.
	RemoteCredentials() (uid, pid uint32, ok bool)

	// Shutdown closes the underlying transport. Idempotent.
	Shutdown() error
}

// FormatAddr renders a listen address for logs and the --address-fd
// contract in a form a client library could parse (kind:param=value).
func FormatAddr(kind, param string) string {
	return fmt.Sprintf("%s:path=%s", kind, param)
}

package bus

import (
	"sync"

	"github.com/busd/busd/internal/transport"
	"github.com/busd/busd/internal/wire"
	"go.uber.org/zap"
)

// Credentials is the OS-level peer identity busd can extract from a
// transport when that transport supports it (Unix socket SO_PEERCRED).
type Credentials struct {
	UID   uint32
	PID   uint32
	Known bool
}

// ConnState is the AuthPending -> Active -> Disconnected lifecycle from
// spec.md §4.2. There is no transition back from Disconnected.
type ConnState uint8

const (
	AuthPending ConnState = iota
	Active
	Disconnected
)

// Connection is one peer attached to the bus: a transport.Conn plus the
// routing-core state spec.md §4.2 hangs off it (unique name, credentials,
// match rules it owns). Connection never imports the loop package; the
// event loop drives it purely through the transport.Conn interface.
type Connection struct {
	mu         sync.Mutex
	conn       transport.Conn
	unique     string
	creds      Credentials
	state      ConnState
	log        *zap.SugaredLogger
	matchRules []uint64 // ids of rules added by this connection, counted against MaxMatchRulesPerConn

	// oomReserved marks that this connection's preallocated OOM-reply slot
	// is currently in use. Go's GC makes true preallocation unnecessary
	// (spec.md §4.2's reserve exists to make the OOM reply path itself
	// allocation-free in a manually-managed heap); busd keeps only the
	// bookkeeping flag so dispatch can still follow the reserve/refill
	// protocol spec.md describes.
	oomReserved bool
}

func newConnection(c transport.Conn, unique string, log *zap.SugaredLogger) *Connection {
	uid, pid, ok := c.RemoteCredentials()
	return &Connection{
		conn:   c,
		unique: unique,
		creds:  Credentials{UID: uid, PID: pid, Known: ok},
		state:  AuthPending,
		log:    log.With("conn", unique),
	}
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// reserveOOM and releaseOOM implement spec.md §4.2's "reserve an OOM
// reply slot before processing, refill opportunistically" protocol.
// reserveOOM fails only when a previous reservation was never released,
// which under busd's synchronous per-message dispatch never happens in
// practice; it exists so the dispatcher's step 1 has something concrete
// to call, matching the original's allocation-failure-aware structure.
func (c *Connection) reserveOOM() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.oomReserved {
		return false
	}
	c.oomReserved = true
	return true
}

func (c *Connection) releaseOOM() {
	c.mu.Lock()
	c.oomReserved = false
	c.mu.Unlock()
}

func (c *Connection) queueOutbound(msg *wire.Message) error {
	return c.conn.QueueOutbound(msg)
}

// Transport exposes the underlying transport.Conn so the daemon wiring
// layer (internal/daemon) can register it with the event loop and flush
// its outbound queue; the bus package itself never calls these.
func (c *Connection) Transport() transport.Conn { return c.conn }

func (c *Connection) id() string { return c.unique }

// Ref returns a lightweight, comparable handle to this connection usable
// as a map key and as a Transaction sink, without exposing the mutex or
// the underlying transport to callers like Registry that only need
// identity plus the ability to stage a send.
func (c *Connection) Ref() ConnRef { return ConnRef{c: c} }

func (c *Connection) addMatchRule(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matchRules = append(c.matchRules, id)
}

func (c *Connection) removeMatchRule(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.matchRules {
		if r == id {
			c.matchRules = append(c.matchRules[:i], c.matchRules[i+1:]...)
			return
		}
	}
}

func (c *Connection) ownedMatchRules() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.matchRules))
	copy(out, c.matchRules)
	return out
}

// ConnRef is the comparable, zero-value-has-meaning handle to a
// Connection that Registry and Matcher pass around instead of
// *Connection directly. The zero ConnRef (c == nil) stands for "no
// owner" (e.g. a name that just lost its last owner), which lets
// Registry.Release hand a real ConnRef to NameOwnerChanged in both the
// promoted-successor and now-unowned cases.
type ConnRef struct {
	c *Connection
}

func (r ConnRef) id() string {
	if r.c == nil {
		return ""
	}
	return r.c.unique
}

// UniqueName exposes the handle's unique bus name to callers outside the
// package (admin introspection, logging) that only need identity, not
// the full Connection.
func (r ConnRef) UniqueName() string { return r.id() }

func (r ConnRef) queueOutbound(msg *wire.Message) error {
	if r.c == nil {
		return nil
	}
	return r.c.queueOutbound(msg)
}

func (r ConnRef) Valid() bool { return r.c != nil }

func (r ConnRef) Credentials() Credentials {
	if r.c == nil {
		return Credentials{}
	}
	return r.c.creds
}

// ConnectionManager is spec.md §4.2's table of live connections, keyed
// by unique name only.
type ConnectionManager struct {
	mu        sync.RWMutex
	byUnique  map[string]*Connection
	alloc     uniqueNameAllocator
	log       *zap.SugaredLogger
}

func NewConnectionManager(log *zap.SugaredLogger) *ConnectionManager {
	return &ConnectionManager{
		byUnique: make(map[string]*Connection),
		log:      log,
	}
}

// Register allocates a unique name for c and adds it to the table. Its
// caller is Bus.Accept, at transport-accept time; the Hello reply
// carrying the name is sent later by the Hello driver handler.
func (m *ConnectionManager) Register(c transport.Conn) *Connection {
	name := m.alloc.next()
	conn := newConnection(c, name, m.log)
	m.mu.Lock()
	m.byUnique[name] = conn
	m.mu.Unlock()
	return conn
}

func (m *ConnectionManager) Lookup(unique string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byUnique[unique]
	return c, ok
}

func (m *ConnectionManager) Remove(unique string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byUnique, unique)
}

func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUnique)
}

// Broadcast stages msg to every connection except skip (pass a zero
// ConnRef to skip none). It has no caller inside busd.
func (m *ConnectionManager) Broadcast(msg *wire.Message, skip ConnRef, txn *Transaction) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for unique, c := range m.byUnique {
		if skip.Valid() && unique == skip.id() {
			continue
		}
		txn.Stage(c.Ref(), msg)
	}
}

func (m *ConnectionManager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.byUnique))
	for _, c := range m.byUnique {
		out = append(out, c)
	}
	return out
}

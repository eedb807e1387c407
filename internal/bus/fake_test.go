package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/busd/busd/internal/transport"
	"github.com/busd/busd/internal/wire"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

var fakeConnIDs uint64

// fakeConn is a minimal transport.Conn double: it records every message
// queued for delivery and reports whatever credentials the test configures,
// standing in for a real unix socket or websocket peer.
type fakeConn struct {
	mu       sync.Mutex
	outbound []*wire.Message
	uid, pid uint32
	known    bool
	closed   bool
}

func newFakeConn(uid, pid uint32, known bool) *fakeConn {
	return &fakeConn{uid: uid, pid: pid, known: known}
}

func (f *fakeConn) ID() uint64 { return atomic.AddUint64(&fakeConnIDs, 1) }

func (f *fakeConn) Watch() (int, transport.Interest) { return 0, transport.InterestReadable }

func (f *fakeConn) PopMessage() (*wire.Message, error) { return nil, nil }

func (f *fakeConn) QueueOutbound(msg *wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, msg)
	return nil
}

func (f *fakeConn) RemoteCredentials() (uint32, uint32, bool) { return f.uid, f.pid, f.known }

func (f *fakeConn) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) messages() []*wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*wire.Message, len(f.outbound))
	copy(out, f.outbound)
	return out
}

// fakeNotifier records every RegistryNotifier/ActivationNotifier callback
// without staging real signals, so Registry/Activation tests can assert on
// call order without pulling in the full Bus composition.
type fakeNotifier struct {
	mu               sync.Mutex
	acquired         []string
	lost             []string
	ownerChanged     []string
	servicesCreated  []string
	activationExpiry []string
}

func (f *fakeNotifier) NameAcquired(owner ConnRef, name string, txn *Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, name+":"+owner.id())
}

func (f *fakeNotifier) NameLost(owner ConnRef, name string, txn *Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = append(f.lost, name+":"+owner.id())
}

func (f *fakeNotifier) NameOwnerChanged(name string, oldOwner, newOwner ConnRef, txn *Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ownerChanged = append(f.ownerChanged, name+":"+oldOwner.id()+"->"+newOwner.id())
}

func (f *fakeNotifier) ServiceCreated(name string, txn *Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servicesCreated = append(f.servicesCreated, name)
}

func (f *fakeNotifier) ActivationExpired(name string, waiters []waiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activationExpiry = append(f.activationExpiry, name)
}

func testConn(uid, pid uint32) *Connection {
	return newConnection(newFakeConn(uid, pid, true), fmt.Sprintf(":1.%d", pid), testLogger())
}

package bus

import (
	"go.uber.org/zap"

	"github.com/busd/busd/internal/wire"
)

// localDisconnectMember is the sentinel member name the connection
// manager enqueues internally (destination "", this member) when a
// transport reports closure, so disconnection flows through the same
// per-message dispatch pipeline spec.md §4.6 describes rather than a
// side channel.
const localDisconnectMember = "$local-disconnect"

// LocalDisconnectSignal builds the sentinel message the event loop
// enqueues for a connection whose transport just closed.
func LocalDisconnectSignal() *wire.Message {
	return &wire.Message{Kind: wire.KindSignal, Serial: wire.NextSerial(), Member: localDisconnectMember}
}

// Dispatcher drives spec.md §4.6's per-message entry point.
type Dispatcher struct {
	bus         *Bus
	log         *zap.SugaredLogger
	memPressure func() bool
}

func NewDispatcher(bus *Bus, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{bus: bus, log: log}
}

// SetMemoryPressureCheck installs the predicate Dispatch consults before
// step 1, wired by internal/daemon to internal/sysload's sampler so the
// daemon refuses new routing work under real memory pressure rather than
// only ever reacting to allocation failures already in flight (spec.md
// §5/§7's NoMemory backoff, generalized from "failed to allocate" to
// "should not even try").
func (d *Dispatcher) SetMemoryPressureCheck(fn func() bool) {
	d.memPressure = fn
}

// Dispatch implements spec.md §4.6 steps 1-7 for one incoming message on
// conn. It returns nothing: by the time it returns the transaction has
// been committed or cancelled, any error reply has been queued, and an
// AuthPending peer talking off-driver has already been disconnected.
func (d *Dispatcher) Dispatch(conn *Connection, msg *wire.Message) {
	if msg.Member != localDisconnectMember && d.memPressure != nil && d.memPressure() {
		d.handleFailure(conn, msg, newTransaction(d.log), newErr(KindNoMemory, "daemon under memory pressure"))
		return
	}

	// Step 1: reserve the OOM slot.
	if !conn.reserveOOM() {
		d.log.Warnw("dispatch: OOM reserve already held, parking", "conn", conn.id())
		return
	}
	defer conn.releaseOOM()

	// Step 2: stamp sender on active connections.
	if conn.State() == Active {
		msg.Sender = conn.unique
	}

	// Step 3: open a transaction.
	txn := newTransaction(d.log)

	if err := d.route(conn, msg, txn); err != nil {
		d.handleFailure(conn, msg, txn, err)
		return
	}

	if errs := txn.Commit(); len(errs) > 0 {
		for _, e := range errs {
			d.log.Warnw("dispatch: commit error", "conn", conn.id(), "err", e)
		}
	}
}

func (d *Dispatcher) route(conn *Connection, msg *wire.Message, txn *Transaction) error {
	switch {
	case msg.Destination == "" && msg.Member == localDisconnectMember:
		d.bus.Disconnect(conn, txn)
		return nil

	case msg.Destination == "":
		// No destination, not the disconnect sentinel: an internal
		// peer-to-peer message this daemon doesn't otherwise define.
		// spec.md §4.6 says "otherwise ignore".
		return nil

	case msg.Destination == DriverName:
		return d.dispatchDriver(conn, msg, txn)

	case msg.Destination == BroadcastDestination:
		return d.dispatchBroadcast(conn, msg, txn)

	case conn.State() != Active:
		// Unauthenticated peers may only talk to the driver.
		d.bus.Disconnect(conn, txn)
		return nil

	default:
		return d.dispatchUnicast(conn, msg, txn)
	}
}

func (d *Dispatcher) dispatchDriver(conn *Connection, msg *wire.Message, txn *Transaction) error {
	if conn.State() != Active && msg.Member != "Hello" {
		d.bus.Disconnect(conn, txn)
		return nil
	}
	handler, ok := driverTable[msg.Member]
	if !ok {
		return newErr(KindUnknownMethod, "unknown driver method %q", msg.Member)
	}
	if msg.Member == "Hello" {
		if conn.State() == Active {
			return newErr(KindInvalidArgs, "Hello on an already-active connection")
		}
		if err := handler(d.bus, conn, msg, txn); err != nil {
			return err
		}
		conn.setState(Active)
		d.ensureUniqueNameOwned(conn, txn)
		return nil
	}
	return handler(d.bus, conn, msg, txn)
}

// ensureUniqueNameOwned registers conn's own unique name as a service
// entry it owns with implicit prohibit_replacement, per spec.md §4.2's
// Hello-handling paragraph. acquire() with no ALLOW_REPLACEMENT bit set
// gives exactly that semantics, so this reuses Registry.Acquire rather
// than a separate code path.
func (d *Dispatcher) ensureUniqueNameOwned(conn *Connection, txn *Transaction) {
	d.bus.Registry.Acquire(conn.unique, conn.Ref(), 0, txn)
}

func (d *Dispatcher) dispatchBroadcast(conn *Connection, msg *wire.Message, txn *Transaction) error {
	for _, c := range d.bus.Connections.All() {
		if c.id() == conn.id() || c.State() != Active {
			continue
		}
		if !d.bus.Policy.AllowReceive(c.creds, msg.Sender, msg.Interface, msg.Member) {
			continue
		}
		txn.Stage(c.Ref(), msg.Copy())
	}
	d.fanOutMatcher(msg, ConnRef{}, txn)
	return nil
}

func (d *Dispatcher) dispatchUnicast(conn *Connection, msg *wire.Message, txn *Transaction) error {
	if !d.bus.Policy.AllowSend(conn.creds, msg.Destination, msg.Interface, msg.Member) {
		return newErr(KindAccessDenied, "policy denies send to %q", msg.Destination)
	}
	owner, ok := d.bus.Registry.LookupPrimary(msg.Destination)
	if !ok {
		return newErr(KindServiceDoesNotExist, "%q does not exist", msg.Destination)
	}
	txn.Stage(owner, msg)
	d.fanOutMatcher(msg, owner, txn)
	return nil
}

// fanOutMatcher implements spec.md §4.6 step 5. For a genuine signal it
// always walks the matcher; for any other kind it only walks the matcher
// when an eavesdrop rule exists, per SPEC_FULL.md §12's eavesdropping
// supplement, since paying the linear scan for every unicast call/return
// would be wasted work in the common no-eavesdropper case.
func (d *Dispatcher) fanOutMatcher(msg *wire.Message, addressed ConnRef, txn *Transaction) {
	unicast := msg.Kind != wire.KindSignal
	if unicast && !d.bus.Matcher.HasEavesdropRule() {
		return
	}
	recipients := d.bus.Matcher.RecipientsOf(msg, msg.Sender, addressed, unicast)
	for _, r := range recipients {
		txn.Stage(r, msg.Copy())
	}
}

// handleFailure implements spec.md §4.6 step 6.
func (d *Dispatcher) handleFailure(conn *Connection, msg *wire.Message, txn *Transaction, err error) {
	be := AsBusError(err)
	if be.Kind == KindNoMemory {
		txn.Cancel()
		// The pre-reserved OOM reply never touches this transaction's
		// staged list; it is sent directly so it can never itself be
		// rolled back by the very cancellation it is reporting.
		oom := wire.Builder{}.NewError(msg, be.WireName(), be.Message)
		_ = conn.queueOutbound(oom)
		return
	}

	errReply := wire.Builder{}.NewError(msg, be.WireName(), be.Message)
	fresh := newTransaction(d.log)
	fresh.Stage(conn.Ref(), errReply)
	if errs := fresh.Commit(); len(errs) > 0 {
		oom := wire.Builder{}.NewError(msg, KindNoMemory.wireName(), "failed to stage error reply")
		_ = conn.queueOutbound(oom)
	}
	txn.Cancel()
}

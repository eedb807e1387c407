// Package bus implements the routing core of busd: the Registry,
// Matcher, Activation, Connection Manager, Transaction, and driver
// dispatch described in spec.md §4, wired together by the Bus type in
// this file.
package bus

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/busd/busd/internal/transport"
	"github.com/busd/busd/internal/wire"
)

// Limits mirrors spec.md §4.2's "configured limits" consulted before
// accepting Hello.
type Limits struct {
	MaxConnections       int
	MaxIncompleteConns   int
	MaxServicesPerConn   int
	MaxMatchRulesPerConn int
}

// DefaultLimits matches the conservative defaults a session bus ships
// with; a system profile overrides these from config (internal/config).
var DefaultLimits = Limits{
	MaxConnections:       256,
	MaxIncompleteConns:   32,
	MaxServicesPerConn:   64,
	MaxMatchRulesPerConn: 128,
}

// Bus is the root object every driver handler and dispatch step reaches
// state through: the single composition point for Registry, Matcher,
// Activation, ConnectionManager and Policy spec.md §2 describes as
// collaborating components without itself naming a container type.
type Bus struct {
	ID          string
	Registry    *Registry
	Matcher     *Matcher
	Activation  *Activation
	Policy      *Policy
	Connections *ConnectionManager
	Limits      Limits

	log          *zap.SugaredLogger
	reloadPolicy func() (*Policy, error)
}

// SetPolicyReloader installs the function ReloadConfig calls to re-read
// policy rules, wired by cmd/busd at startup to internal/config's viper
// loader so this package stays free of a config-format dependency.
func (b *Bus) SetPolicyReloader(fn func() (*Policy, error)) {
	b.reloadPolicy = fn
}

// New wires the four routing components together, installing the Bus
// itself as the Registry's notifier so name-ownership changes become
// driver signals and activation wake-ups without Registry knowing about
// either concern directly.
func New(policy *Policy, busAddr string, log *zap.SugaredLogger) *Bus {
	b := &Bus{
		ID:          uuid.NewString(),
		Policy:      policy,
		Connections: NewConnectionManager(log),
		Limits:      DefaultLimits,
		log:         log,
	}
	b.Activation = NewActivation(busAddr, b, log)
	b.Registry = NewRegistry(b, log)
	b.Matcher = NewMatcher(b.Registry)
	return b
}

// --- RegistryNotifier -------------------------------------------------

func (b *Bus) NameAcquired(owner ConnRef, name string, txn *Transaction) {
	sig := wire.Builder{}.NewSignal(DriverName, owner.id(), DriverInterface, "NameAcquired", DriverPath, name)
	txn.Stage(owner, sig)
}

func (b *Bus) NameLost(owner ConnRef, name string, txn *Transaction) {
	sig := wire.Builder{}.NewSignal(DriverName, owner.id(), DriverInterface, "NameLost", DriverPath, name)
	txn.Stage(owner, sig)
}

func (b *Bus) NameOwnerChanged(name string, oldOwner, newOwner ConnRef, txn *Transaction) {
	b.Matcher.InvalidateOwner(name)
	sig := wire.Builder{}.NewSignal(DriverName, "", DriverInterface, "NameOwnerChanged", DriverPath, name, oldOwner.id(), newOwner.id())
	b.broadcastSignal(sig, ConnRef{}, txn)
}

func (b *Bus) ServiceCreated(name string, txn *Transaction) {
	b.Activation.OnServiceCreated(name, b.isConnected, txn)
}

// ActivationExpired implements bus.ActivationNotifier. It runs on the
// timer goroutine rather than the loop thread, so it opens and commits
// its own transaction and flushes each recipient's transport directly
// instead of relying on the daemon's post-dispatch flush.
func (b *Bus) ActivationExpired(name string, waiters []waiter) {
	txn := newTransaction(b.log)
	for _, w := range waiters {
		if !b.isConnected(w.requester) {
			continue
		}
		errReply := wire.Builder{}.NewError(w.request, KindServiceNotFound.wireName(), fmt.Sprintf("activation of %q timed out", name))
		txn.Stage(w.requester, errReply)
	}
	if errs := txn.Commit(); len(errs) > 0 {
		for _, e := range errs {
			b.log.Warnw("activation: expiry commit error", "name", name, "err", e)
		}
	}
	for _, w := range waiters {
		c, ok := b.Connections.Lookup(w.requester.id())
		if !ok {
			continue
		}
		if err := c.Transport().FlushOutbound(); err != nil {
			b.log.Warnw("activation: expiry flush error", "conn", w.requester.id(), "err", err)
		}
	}
}

func (b *Bus) isConnected(ref ConnRef) bool {
	if !ref.Valid() {
		return false
	}
	c, ok := b.Connections.Lookup(ref.id())
	return ok && c.State() != Disconnected
}

// broadcastSignal delivers sig to every connection matched by the
// matcher, per spec.md §4.6 step 5's "fan out through the matcher for
// every message derived from a signal pattern".
func (b *Bus) broadcastSignal(sig *wire.Message, addressed ConnRef, txn *Transaction) {
	recipients := b.Matcher.RecipientsOf(sig, sig.Sender, addressed, false)
	for _, r := range recipients {
		txn.Stage(r, sig.Copy())
	}
}

// Accept registers a freshly transport-accepted connection in
// AuthPending state, enforcing the incomplete-connection limit from
// spec.md §4.2.
func (b *Bus) Accept(c transport.Conn) (*Connection, error) {
	if b.countPending() >= b.Limits.MaxIncompleteConns {
		return nil, newErr(KindLimitsExceeded, "too many incomplete connections")
	}
	return b.Connections.Register(c), nil
}

func (b *Bus) countPending() int {
	n := 0
	for _, c := range b.Connections.All() {
		if c.State() == AuthPending {
			n++
		}
	}
	return n
}

// Disconnect implements spec.md §4.2's disconnection sequence: mark
// Disconnected, release every owned name, remove every owned match rule,
// drop the record. All notifications flow through a fresh transaction
// the caller commits (disconnection itself is not cancellable - there is
// no "undo a transport closing").
func (b *Bus) Disconnect(c *Connection, txn *Transaction) {
	c.setState(Disconnected)
	ref := c.Ref()
	b.Registry.ReleaseAll(ref, txn)
	b.Matcher.OwnerDisconnected(ref)
	b.Connections.Remove(c.id())
	_ = c.conn.Shutdown()
}

// ReloadPolicy re-reads policy rules from config, backing the
// ReloadConfig driver method. The concrete reload wiring lives in
// internal/config; Bus only exposes the hook the driver handler calls.
func (b *Bus) ReloadPolicy() error {
	if b.reloadPolicy == nil {
		return fmt.Errorf("bus: no reload function configured")
	}
	p, err := b.reloadPolicy()
	if err != nil {
		return err
	}
	b.Policy = p
	return nil
}

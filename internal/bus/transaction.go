package bus

import (
	"fmt"

	"github.com/busd/busd/internal/wire"
	"go.uber.org/zap"
)

// txState is the Open -> Committed | Open -> Cancelled state machine from
// spec.md §4.7. No other transitions exist.
type txState uint8

const (
	txOpen txState = iota
	txCommitted
	txCancelled
)

// sink is the minimal surface a Transaction needs from a connection to
// stage a send: just "accept this message for outbound delivery". The
// full *Connection type lives in this same package, but keeping the
// field typed as an interface documents that a Transaction does not
// otherwise touch connection state.
type sink interface {
	queueOutbound(msg *wire.Message) error
	id() string
}

type stagedSend struct {
	to  sink
	msg *wire.Message
}

type cancelHook struct {
	name string // short diagnostic label, not part of the contract
	fn   func()
}

// Transaction is the staged multi-recipient send from spec.md §4.7: a
// scoped batch of outbound sends plus cancel hooks, committed or cancelled
// atomically when one incoming message finishes processing.
type Transaction struct {
	state   txState
	staged  []stagedSend
	hooks   []cancelHook
	log     *zap.SugaredLogger
}

func newTransaction(log *zap.SugaredLogger) *Transaction {
	return &Transaction{log: log}
}

// Stage appends (to, msg) to the staged list. msg is ref-counted per
// spec.md §3 so a cancel path can never leave a dangling reference even if
// the same *wire.Message is staged to several recipients (matcher fan-out).
func (t *Transaction) Stage(to sink, msg *wire.Message) {
	if t.state != txOpen {
		panic(fmt.Sprintf("bus: Stage called on non-open transaction (state=%d)", t.state))
	}
	msg.Ref()
	t.staged = append(t.staged, stagedSend{to: to, msg: msg})
}

// AddCancelHook registers fn to run, in LIFO order, if the transaction is
// cancelled. Hooks are never invoked on commit.
func (t *Transaction) AddCancelHook(name string, fn func()) {
	if t.state != txOpen {
		panic(fmt.Sprintf("bus: AddCancelHook called on non-open transaction (state=%d)", t.state))
	}
	t.hooks = append(t.hooks, cancelHook{name: name, fn: fn})
}

// Commit walks staged sends in order, handing each to its target
// connection's outbound queue, and discards the cancel hooks without
// running them. A staging failure here (outbound queue full) does not
// roll back sibling sends already queued - per spec.md §4.7, the outbound
// queue is sized so this only happens under conditions the connection
// manager separately treats as grounds to drop that one peer, not as a
// transaction-wide failure.
func (t *Transaction) Commit() []error {
	if t.state != txOpen {
		panic(fmt.Sprintf("bus: Commit called on non-open transaction (state=%d)", t.state))
	}
	t.state = txCommitted
	var errs []error
	for _, s := range t.staged {
		if err := s.to.queueOutbound(s.msg); err != nil {
			errs = append(errs, fmt.Errorf("stage to %s: %w", s.to.id(), err))
		}
		s.msg.Unref()
	}
	t.hooks = nil
	return errs
}

// Cancel invokes every cancel hook in reverse (LIFO) registration order,
// then drops the staged sends. Registry/matcher mutations made earlier in
// dispatch are undone here, restoring the pre-dispatch state spec.md §8's
// invariant 6 requires.
func (t *Transaction) Cancel() {
	if t.state != txOpen {
		panic(fmt.Sprintf("bus: Cancel called on non-open transaction (state=%d)", t.state))
	}
	t.state = txCancelled
	for i := len(t.hooks) - 1; i >= 0; i-- {
		h := t.hooks[i]
		func() {
			defer func() {
				if r := recover(); r != nil && t.log != nil {
					t.log.Errorw("cancel hook panicked", "hook", h.name, "recover", r)
				}
			}()
			h.fn()
		}()
	}
	for _, s := range t.staged {
		s.msg.Unref()
	}
	t.hooks = nil
	t.staged = nil
}

// State exposes the current lifecycle state for tests and assertions.
func (t *Transaction) State() string {
	switch t.state {
	case txCommitted:
		return "committed"
	case txCancelled:
		return "cancelled"
	default:
		return "open"
	}
}

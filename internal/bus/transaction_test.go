package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busd/busd/internal/wire"
)

func TestTransactionCommitDeliversStagedSends(t *testing.T) {
	txn := newTransaction(testLogger())
	c1 := testConn(1000, 1)
	msg := &wire.Message{Kind: wire.KindSignal, Member: "X"}

	txn.Stage(c1.Ref(), msg)
	errs := txn.Commit()

	assert.Empty(t, errs)
	assert.Equal(t, "committed", txn.State())
	assert.Len(t, c1.conn.(*fakeConn).messages(), 1)
}

func TestTransactionCancelRunsHooksInLIFOOrder(t *testing.T) {
	txn := newTransaction(testLogger())
	var order []string
	txn.AddCancelHook("first", func() { order = append(order, "first") })
	txn.AddCancelHook("second", func() { order = append(order, "second") })

	txn.Cancel()

	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, "cancelled", txn.State())
}

func TestTransactionCancelSkipsStagedSends(t *testing.T) {
	txn := newTransaction(testLogger())
	c1 := testConn(1000, 1)
	txn.Stage(c1.Ref(), &wire.Message{Kind: wire.KindSignal})

	txn.Cancel()

	assert.Empty(t, c1.conn.(*fakeConn).messages(), "a cancelled transaction must never deliver what it staged")
}

func TestTransactionCancelHookPanicIsRecovered(t *testing.T) {
	txn := newTransaction(testLogger())
	ran := false
	txn.AddCancelHook("runs-after", func() { ran = true })
	txn.AddCancelHook("panics", func() { panic("boom") })

	assert.NotPanics(t, func() { txn.Cancel() })
	assert.True(t, ran, "a later hook still runs even if an earlier one (in reverse order) panics")
}

func TestTransactionStageAfterCommitPanics(t *testing.T) {
	txn := newTransaction(testLogger())
	txn.Commit()

	assert.Panics(t, func() {
		txn.Stage(testConn(1000, 1).Ref(), &wire.Message{})
	})
}

func TestTransactionDoubleCommitPanics(t *testing.T) {
	txn := newTransaction(testLogger())
	txn.Commit()

	assert.Panics(t, func() { txn.Commit() })
}

func TestTransactionCommitOneFailureDoesNotBlockOthers(t *testing.T) {
	txn := newTransaction(testLogger())
	c1 := testConn(1000, 1)
	c2 := testConn(1000, 2)
	// A zero ConnRef's queueOutbound is a silent no-op, not a failure path;
	// use a sink that actually errors to exercise Commit's error aggregation.
	txn.Stage(&erroringSink{label: "bad"}, &wire.Message{})
	txn.Stage(c2.Ref(), &wire.Message{})

	errs := txn.Commit()

	require.Len(t, errs, 1)
	assert.Len(t, c2.conn.(*fakeConn).messages(), 1, "the second recipient still receives its message")
	_ = c1
}

type erroringSink struct{ label string }

func (e *erroringSink) id() string { return e.label }
func (e *erroringSink) queueOutbound(msg *wire.Message) error {
	return assert.AnError
}

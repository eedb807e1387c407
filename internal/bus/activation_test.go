package bus

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busd/busd/internal/wire"
)

func writeServiceFile(t *testing.T, dir, filename, name, exec string) {
	t.Helper()
	content := "[Service]\nName=" + name + "\nExec=" + exec + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644))
}

func TestActivationLoadDirectoriesFirstWins(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	writeServiceFile(t, dir1, "a.service", "org.busd.Example", "/usr/bin/first")
	writeServiceFile(t, dir2, "a.service", "org.busd.Example", "/usr/bin/second")

	a := NewActivation("unix:path=/tmp/bus", &fakeNotifier{}, testLogger())
	require.NoError(t, a.LoadDirectories([]string{dir1, dir2}))

	d, ok := a.descriptor("org.busd.Example")
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/first", d.Exec)
}

func TestActivationLoadDirectoriesSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.service"), []byte("not a key-value file"), 0o644))

	a := NewActivation("unix:path=/tmp/bus", &fakeNotifier{}, testLogger())
	require.NoError(t, a.LoadDirectories([]string{dir}))

	assert.Empty(t, a.ListActivatable())
}

func TestActivationLoadDirectoriesIgnoresMissingDir(t *testing.T) {
	a := NewActivation("unix:path=/tmp/bus", &fakeNotifier{}, testLogger())
	err := a.LoadDirectories([]string{"/does/not/exist"})
	assert.NoError(t, err)
}

func TestActivationActivateUnknownServiceReturnsServiceNotFound(t *testing.T) {
	a := NewActivation("unix:path=/tmp/bus", &fakeNotifier{}, testLogger())
	txn := newTransaction(testLogger())
	requester := testConn(1000, 1)
	call := &wire.Message{Serial: 1}

	err := a.Activate(&fakeResolver{}, "org.busd.Missing", requester.Ref(), call, txn)

	require.Error(t, err)
	assert.Equal(t, KindServiceNotFound, AsBusError(err).Kind)
}

func TestActivationActivateAlreadyOwnedShortCircuits(t *testing.T) {
	a := NewActivation("unix:path=/tmp/bus", &fakeNotifier{}, testLogger())
	txn := newTransaction(testLogger())
	requester := testConn(1000, 1)
	owner := testConn(1000, 2)
	call := &wire.Message{Serial: 1}
	resolver := &fakeResolver{owners: map[string]ConnRef{"org.busd.Example": owner.Ref()}}

	err := a.Activate(resolver, "org.busd.Example", requester.Ref(), call, txn)

	require.NoError(t, err)
	txn.Commit()
	msgs := requester.conn.(*fakeConn).messages()
	require.Len(t, msgs, 1)
	result, err := wire.Arg[uint32](msgs[0], 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(AlreadyActive), result)
}

func TestActivationActivateSpawnsAndCoalescesWaiters(t *testing.T) {
	bin, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no 'true' binary on PATH")
	}
	dir := t.TempDir()
	writeServiceFile(t, dir, "a.service", "org.busd.Example", bin)

	a := NewActivation("unix:path=/tmp/bus", &fakeNotifier{}, testLogger())
	require.NoError(t, a.LoadDirectories([]string{dir}))

	txn := newTransaction(testLogger())
	first := testConn(1000, 1)
	second := testConn(1000, 2)
	resolver := &fakeResolver{}

	require.NoError(t, a.Activate(resolver, "org.busd.Example", first.Ref(), &wire.Message{Serial: 1}, txn))
	require.NoError(t, a.Activate(resolver, "org.busd.Example", second.Ref(), &wire.Message{Serial: 2}, txn))

	rec, ok := a.pending["org.busd.Example"]
	require.True(t, ok)
	assert.Len(t, rec.waiters, 2, "a second Activate call while spawn is pending coalesces onto the same waiter list")
}

func TestActivationOnServiceCreatedRepliesOnlyToConnectedWaiters(t *testing.T) {
	a := NewActivation("unix:path=/tmp/bus", &fakeNotifier{}, testLogger())
	connected := testConn(1000, 1)
	gone := testConn(1000, 2)
	a.pending["org.busd.Example"] = &pendingActivation{
		name: "org.busd.Example",
		waiters: []waiter{
			{requester: connected.Ref(), request: &wire.Message{Serial: 1}},
			{requester: gone.Ref(), request: &wire.Message{Serial: 2}},
		},
	}

	txn := newTransaction(testLogger())
	isConnected := func(ref ConnRef) bool { return ref.id() == connected.id() }
	a.OnServiceCreated("org.busd.Example", isConnected, txn)
	txn.Commit()

	msgs := connected.conn.(*fakeConn).messages()
	require.Len(t, msgs, 1)
	result, err := wire.Arg[uint32](msgs[0], 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(Activated), result)
	assert.Empty(t, gone.conn.(*fakeConn).messages())
	_, stillPending := a.pending["org.busd.Example"]
	assert.False(t, stillPending)
}

func TestActivationExpireAndNotifyHandsTimedOutWaitersToNotifier(t *testing.T) {
	notify := &fakeNotifier{}
	a := NewActivation("unix:path=/tmp/bus", notify, testLogger())
	requester := testConn(1000, 1)
	a.pending["org.busd.Example"] = &pendingActivation{
		name:    "org.busd.Example",
		waiters: []waiter{{requester: requester.Ref(), request: &wire.Message{Serial: 1}}},
	}

	a.expireAndNotify("org.busd.Example")

	assert.Equal(t, []string{"org.busd.Example"}, notify.activationExpiry)
	_, stillPending := a.pending["org.busd.Example"]
	assert.False(t, stillPending)
}

func TestActivationExpireAndNotifyNoopWhenAlreadyResolved(t *testing.T) {
	notify := &fakeNotifier{}
	a := NewActivation("unix:path=/tmp/bus", notify, testLogger())

	a.expireAndNotify("org.busd.NeverPending")

	assert.Empty(t, notify.activationExpiry)
}

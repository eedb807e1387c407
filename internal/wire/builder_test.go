package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilderNewMethodCall(t *testing.T) {
	var b Builder
	m := b.NewMethodCall("org.busd.Peer", "org.busd.Iface", "DoThing", "/org/busd/Obj", "x")

	assert.Equal(t, KindMethodCall, m.Kind)
	assert.Equal(t, "org.busd.Peer", m.Destination)
	assert.Equal(t, "org.busd.Iface", m.Interface)
	assert.Equal(t, "DoThing", m.Member)
	assert.Equal(t, "/org/busd/Obj", m.Path)
	assert.Equal(t, []any{"x"}, m.Args)
	assert.Empty(t, m.Sender)
	assert.NotZero(t, m.Serial)
}

func TestBuilderNewReturnAddressesCaller(t *testing.T) {
	var b Builder
	call := &Message{Kind: KindMethodCall, Serial: 7, Sender: ":1.5"}

	ret := b.NewReturn(call, "ok")

	assert.Equal(t, KindMethodReturn, ret.Kind)
	assert.Equal(t, uint32(7), ret.ReplySerial)
	assert.Equal(t, ":1.5", ret.Destination)
	assert.Equal(t, []any{"ok"}, ret.Args)
}

func TestBuilderNewErrorAddressesCaller(t *testing.T) {
	var b Builder
	call := &Message{Kind: KindMethodCall, Serial: 3, Sender: ":1.2"}

	errMsg := b.NewError(call, "org.busd.Error.Failed", "boom")

	assert.Equal(t, KindError, errMsg.Kind)
	assert.Equal(t, uint32(3), errMsg.ReplySerial)
	assert.Equal(t, ":1.2", errMsg.Destination)
	assert.Equal(t, "org.busd.Error.Failed", errMsg.ErrorName)
}

func TestBuilderNewSignalUnicastVsBroadcast(t *testing.T) {
	var b Builder

	unicast := b.NewSignal(":1.1", ":1.9", "org.busd.Driver", "NameAcquired", "/org/busd/Bus", "org.busd.Foo")
	assert.Equal(t, KindSignal, unicast.Kind)
	assert.Equal(t, ":1.9", unicast.Destination)

	broadcast := b.NewSignal(":1.1", "", "org.busd.Driver", "NameOwnerChanged", "/org/busd/Bus")
	assert.Empty(t, broadcast.Destination)
}

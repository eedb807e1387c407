package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "method_call", KindMethodCall.String())
	assert.Equal(t, "method_return", KindMethodReturn.String())
	assert.Equal(t, "error", KindError.String())
	assert.Equal(t, "signal", KindSignal.String())
	assert.Equal(t, "invalid", KindInvalid.String())
	assert.Equal(t, "invalid", Kind(99).String())
}

func TestNextSerialIsMonotonicAndUnique(t *testing.T) {
	a := NextSerial()
	b := NextSerial()
	c := NextSerial()

	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestMessageRefUnrefOnNilIsNoop(t *testing.T) {
	var m *Message
	assert.Nil(t, m.Ref())
	assert.NotPanics(t, func() { m.Unref() })
}

func TestMessageRefReturnsSameMessage(t *testing.T) {
	m := &Message{Kind: KindSignal}
	assert.Same(t, m, m.Ref())
}

func TestMessageCopyIsIndependentOfArgs(t *testing.T) {
	orig := &Message{
		Kind: KindMethodCall,
		Args: []any{"a", 1},
	}
	orig.Ref()

	cp := orig.Copy()
	cp.Args[0] = "mutated"

	assert.Equal(t, "a", orig.Args[0])
	assert.Equal(t, "mutated", cp.Args[0])
	assert.Equal(t, int32(0), cp.refs)
}

func TestArgReturnsTypedValue(t *testing.T) {
	m := &Message{Args: []any{"hello", int32(42)}}

	s, err := Arg[string](m, 0)
	assert.NoError(t, err)
	assert.Equal(t, "hello", s)

	n, err := Arg[int32](m, 1)
	assert.NoError(t, err)
	assert.Equal(t, int32(42), n)
}

func TestArgOutOfRangeErrors(t *testing.T) {
	m := &Message{Args: []any{"hello"}}

	_, err := Arg[string](m, 5)
	assert.Error(t, err)

	_, err = Arg[string](m, -1)
	assert.Error(t, err)
}

func TestArgWrongTypeErrors(t *testing.T) {
	m := &Message{Args: []any{"hello"}}

	_, err := Arg[int](m, 0)
	assert.Error(t, err)
}

func TestArgOrZeroReturnsZeroValueOnMismatch(t *testing.T) {
	m := &Message{Args: []any{"hello"}}

	assert.Equal(t, 0, ArgOrZero[int](m, 0))
	assert.Equal(t, "hello", ArgOrZero[string](m, 0))
	assert.Equal(t, "", ArgOrZero[string](m, 9))
}

package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busd/busd/internal/wire"
)

func TestParseMatchRuleBasicFields(t *testing.T) {
	r, err := parseMatchRule("type='signal',interface='org.busd.Bus',member='NameOwnerChanged'")
	require.NoError(t, err)

	assert.Equal(t, wire.KindSignal, r.MessageType)
	assert.Equal(t, "org.busd.Bus", r.Interface)
	assert.Equal(t, "NameOwnerChanged", r.Member)
	assert.True(t, r.Fields&FieldMessageType != 0)
	assert.True(t, r.Fields&FieldInterface != 0)
	assert.True(t, r.Fields&FieldMember != 0)
	assert.False(t, r.Fields&FieldPath != 0)
}

func TestParseMatchRuleEavesdrop(t *testing.T) {
	r, err := parseMatchRule("eavesdrop='true',member='Ping'")
	require.NoError(t, err)
	assert.True(t, r.Eavesdrop)
}

func TestParseMatchRuleEmptyIsError(t *testing.T) {
	_, err := parseMatchRule("   ")
	assert.Error(t, err)
}

func TestParseMatchRuleMalformedTermIsError(t *testing.T) {
	_, err := parseMatchRule("interface")
	assert.Error(t, err)
}

func TestParseMatchRuleUnknownKeyIgnored(t *testing.T) {
	r, err := parseMatchRule("bogus='whatever',member='Ping'")
	require.NoError(t, err)
	assert.Equal(t, "Ping", r.Member)
}

func TestParseMatchRuleCommaInsideQuoteIsNotASeparator(t *testing.T) {
	r, err := parseMatchRule("path='/org/busd/a,b',member='Ping'")
	require.NoError(t, err)
	assert.Equal(t, "/org/busd/a,b", r.Path)
	assert.Equal(t, "Ping", r.Member)
}

func TestParseMatchRuleInvalidMessageType(t *testing.T) {
	_, err := parseMatchRule("type='not-a-type'")
	assert.Error(t, err)
}
